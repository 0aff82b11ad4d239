// Package pipeline reduces camera frames to named scalar features.
//
// A Pipeline applies its processors in order.  Each processor may replace the
// working image and contribute features; later features overwrite earlier
// ones of the same name.  A processor that fails is logged and skipped, so a
// Pipeline always yields whatever features the remaining steps produced.
package pipeline

import (
	"fmt"
	"image"
	"image/draw"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Features maps feature names such as "centroid_x" to values
type Features = map[string]float64

// ErrNilImage is returned when Process is given no image
var ErrNilImage = errors.New("nil image")

// Processor is one step of a pipeline
type Processor interface {
	// Name identifies the step in logs
	Name() string

	// Apply processes src, which it may modify, and returns the image handed
	// to the next step along with any features it measured
	Apply(src *image.Gray16) (*image.Gray16, Features, error)
}

// Pipeline is an ordered list of processors.  It is not safe to Add while
// another goroutine calls Process.
type Pipeline struct {
	procs  []Processor
	logger *zap.SugaredLogger
}

// New returns a pipeline of the given processors
func New(logger *zap.SugaredLogger, procs ...Processor) *Pipeline {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	p := &Pipeline{logger: logger}
	for _, proc := range procs {
		p.Add(proc)
	}
	return p
}

// Add appends a processor
func (p *Pipeline) Add(proc Processor) {
	p.procs = append(p.procs, proc)
	p.logger.Infof("added processor: %s", proc.Name())
}

// Len returns the number of processors
func (p *Pipeline) Len() int {
	return len(p.procs)
}

// Process runs every processor on a 16-bit grayscale copy of img and returns
// the merged features.  img is never modified.
func (p *Pipeline) Process(img image.Image) (map[string]float64, error) {
	_, feats, err := p.ProcessImage(img)
	return feats, err
}

// ProcessImage is Process that also returns the final working image
func (p *Pipeline) ProcessImage(img image.Image) (*image.Gray16, Features, error) {
	if img == nil {
		return nil, nil, ErrNilImage
	}
	work := ToGray16(img)
	feats := Features{}
	for _, proc := range p.procs {
		out, f, err := p.apply(proc, work)
		if err != nil {
			p.logger.Errorf("processor %s failed: %v", proc.Name(), err)
			continue
		}
		if out != nil {
			work = out
		}
		for k, v := range f {
			feats[k] = v
		}
	}
	return work, feats, nil
}

func (p *Pipeline) apply(proc Processor, work *image.Gray16) (out *image.Gray16, f Features, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	// processors get their own copy so a failure cannot leave a half written image behind
	return proc.Apply(ToGray16(work))
}

// ToGray16 returns a 16-bit grayscale copy of img with its origin at (0, 0)
func ToGray16(img image.Image) *image.Gray16 {
	b := img.Bounds()
	dst := image.NewGray16(image.Rect(0, 0, b.Dx(), b.Dy()))
	if g, ok := img.(*image.Gray16); ok && g.Stride == 2*b.Dx() {
		copy(dst.Pix, g.Pix[g.PixOffset(b.Min.X, b.Min.Y):])
		return dst
	}
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// FromNames builds a pipeline from step names, in order.  Recognized names
// are "background", "gaussian", and "centroid", along with their long forms
// "background_subtraction", "gaussian_filter", "find_centroids", and
// "centroid_detection".
func FromNames(names []string, sigma, threshold float64, logger *zap.SugaredLogger) (*Pipeline, error) {
	p := New(logger)
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "background", "background_subtraction":
			p.Add(BackgroundSubtraction{})
		case "gaussian", "gaussian_filter", "blur":
			p.Add(GaussianFilter{Sigma: sigma})
		case "centroid", "centroids", "find_centroids", "centroid_detection":
			p.Add(Centroid{Threshold: threshold})
		default:
			return nil, errors.Errorf("unknown processor %q", name)
		}
	}
	return p, nil
}
