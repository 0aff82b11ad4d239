package control

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// HistoryCap is the number of (error, output) pairs retained for statistics
const HistoryCap = 1000

// Sample is one actuated cycle's error and command
type Sample struct {
	Error  float64 `json:"error"`
	Output float64 `json:"output"`
}

// history is a fixed capacity FIFO of samples.  Once full, each push evicts
// the oldest sample.  It is not thread safe; Loop guards it with its mutex.
type history struct {
	errs []float64
	outs []float64
	head int // index of the oldest sample
	n    int
}

func newHistory(capacity int) *history {
	return &history{
		errs: make([]float64, capacity),
		outs: make([]float64, capacity),
	}
}

func (h *history) push(s Sample) {
	c := len(h.errs)
	if h.n < c {
		idx := (h.head + h.n) % c
		h.errs[idx] = s.Error
		h.outs[idx] = s.Output
		h.n++
		return
	}
	h.errs[h.head] = s.Error
	h.outs[h.head] = s.Output
	h.head = (h.head + 1) % c
}

func (h *history) len() int {
	return h.n
}

// contiguous copies the buffers out, oldest first
func (h *history) contiguous() (errs, outs []float64) {
	errs = make([]float64, h.n)
	outs = make([]float64, h.n)
	c := len(h.errs)
	for i := 0; i < h.n; i++ {
		idx := (h.head + i) % c
		errs[i] = h.errs[idx]
		outs[i] = h.outs[idx]
	}
	return errs, outs
}

// rmsMean returns sqrt(mean(errs^2)) and mean(outs), or zeros if empty
func rmsMean(errs, outs []float64) (rms, mean float64) {
	if len(errs) == 0 {
		return 0, 0
	}
	rms = math.Sqrt(floats.Dot(errs, errs) / float64(len(errs)))
	mean = stat.Mean(outs, nil)
	return rms, mean
}
