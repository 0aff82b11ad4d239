/*Package control closes the loop between a camera and an output board.

A Loop acquires a frame, reduces it to named scalar features, compares one of
them to the active Setpoint and drives the board with the command a
Controller (normally a PID) computes from the error.  The loop runs on its own
goroutine at a fixed rate until stopped:

	pid := control.NewPID(control.Gains{Kp: 1, Ki: .1, Kd: .01}, control.Bounds{Min: 0, Max: 100})
	loop, err := control.NewLoop(cam, pipe, pid, brd, control.Config{RateHz: 10}, logger)
	if err != nil {
		log.Fatal(err)
	}
	loop.SetSetpoint(control.Setpoint{Target: 256, Tolerance: 5, Parameter: "centroid_x"})
	loop.Start()
	defer loop.Stop()

Faults in the camera, pipeline, or board never stop the loop; the cycle in
which they happen is skipped and counted.
*/
package control

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// DefaultStopTimeout is how long Stop waits for the worker to exit
	DefaultStopTimeout = 2 * time.Second

	// minCallTimeout is the floor on the per-call collaborator timeout
	minCallTimeout = 10 * time.Millisecond

	// debugEvery is the cycle interval between debug traces
	debugEvery = 10
)

var (
	// ErrAlreadyRunning is returned by Start when the loop is running.  The
	// running loop is left untouched.
	ErrAlreadyRunning = errors.New("feedback loop already running")

	// ErrStopTimeout is returned by Stop when the worker did not exit in time.
	// The loop is Idle regardless and the worker is abandoned.
	ErrStopTimeout = errors.New("feedback loop did not stop in time")

	// ErrNoImage is recorded when the camera returns neither an image nor an error
	ErrNoImage = errors.New("failed to acquire image")
)

// ImageSource produces one image per call.  A nil image or an error skips the cycle.
type ImageSource interface {
	AcquireImage(context.Context) (image.Image, error)
}

// Processor reduces an image to named scalar features
type Processor interface {
	Process(image.Image) (map[string]float64, error)
}

// Controller converts an error into a bounded command
type Controller interface {
	Update(float64) float64
}

// Actuator applies a command, e.g. laser power in percent
type Actuator interface {
	ApplyCommand(context.Context, float64) error
}

// Setpoint is the target for one feature of the measurement map.
// Tolerance is carried for consumers and is not used to gate control.
type Setpoint struct {
	Target    float64 `json:"target" yaml:"Target" koanf:"Target"`
	Tolerance float64 `json:"tolerance" yaml:"Tolerance" koanf:"Tolerance"`
	Parameter string  `json:"parameter" yaml:"Parameter" koanf:"Parameter"`
}

// Config holds the scalar loop parameters
type Config struct {
	// RateHz is the cycle frequency
	RateHz float64

	// CallTimeout bounds each camera and board call.  Zero selects one loop
	// period, never less than 10 ms.
	CallTimeout time.Duration
}

// Statistics is a self-consistent snapshot of the loop's run state
type Statistics struct {
	// Cycles counts every completed cycle, including skipped ones
	Cycles int64 `json:"cycle_count"`

	// Skipped counts cycles that ended without actuation
	Skipped int64 `json:"skipped"`

	LastError  float64 `json:"last_error"`
	LastOutput float64 `json:"last_output"`

	// RMSError and MeanOutput are computed over the retained history
	RMSError   float64 `json:"rms_error"`
	MeanOutput float64 `json:"mean_output"`

	// Samples is the number of retained (error, output) pairs
	Samples int `json:"samples"`

	Running bool `json:"running"`
}

// LoopOption configures optional Loop collaborators
type LoopOption func(*Loop)

// WithLoopClock sets the clock used for cycle pacing
func WithLoopClock(c clock.Clock) LoopOption {
	return func(l *Loop) {
		l.clock = c
	}
}

// WithStopTimeout changes how long Stop waits for the worker
func WithStopTimeout(d time.Duration) LoopOption {
	return func(l *Loop) {
		l.stopTimeout = d
	}
}

// Loop is a fixed rate feedback loop.  It holds references to its
// collaborators but does not own them; connecting and disconnecting hardware
// is the caller's business.
type Loop struct {
	cam  ImageSource
	proc Processor
	ctl  Controller
	act  Actuator

	period      time.Duration
	callTimeout time.Duration
	stopTimeout time.Duration
	clock       clock.Clock
	logger      *zap.SugaredLogger
	warnings    *rate.Limiter

	setpoint atomic.Pointer[Setpoint]
	running  atomic.Bool

	// life serializes Start and Stop
	life   sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	// mu guards the run state below
	mu       sync.Mutex
	cycles   int64
	skipped  int64
	lastErr  float64
	lastOut  float64
	samples  *history
	measured float64
}

// NewLoop creates a loop that is Idle until Start is called
func NewLoop(cam ImageSource, proc Processor, ctl Controller, act Actuator, cfg Config, logger *zap.SugaredLogger, opts ...LoopOption) (*Loop, error) {
	if cam == nil || proc == nil || ctl == nil || act == nil {
		return nil, errors.New("feedback loop requires a camera, pipeline, controller, and board")
	}
	if cfg.RateHz <= 0 {
		return nil, errors.Errorf("loop rate must be positive, got %g Hz", cfg.RateHz)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	period := time.Duration(float64(time.Second) / cfg.RateHz)
	callTimeout := cfg.CallTimeout
	if callTimeout == 0 {
		callTimeout = period
	}
	if callTimeout < minCallTimeout {
		callTimeout = minCallTimeout
	}
	l := &Loop{
		cam:         cam,
		proc:        proc,
		ctl:         ctl,
		act:         act,
		period:      period,
		callTimeout: callTimeout,
		stopTimeout: DefaultStopTimeout,
		clock:       clock.New(),
		logger:      logger,
		warnings:    rate.NewLimiter(rate.Every(time.Second), 5),
		samples:     newHistory(HistoryCap),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Period returns the time between cycle starts
func (l *Loop) Period() time.Duration {
	return l.period
}

// SetSetpoint replaces the active setpoint.  It is safe to call while running
// and takes effect on the next cycle.
func (l *Loop) SetSetpoint(sp Setpoint) {
	l.setpoint.Store(&sp)
	l.logger.Infof("setpoint: %s = %g ± %g", sp.Parameter, sp.Target, sp.Tolerance)
}

// Setpoint returns the active setpoint and false if none has been set
func (l *Loop) Setpoint() (Setpoint, bool) {
	sp := l.setpoint.Load()
	if sp == nil {
		return Setpoint{}, false
	}
	return *sp, true
}

// Running returns true between a successful Start and the next Stop
func (l *Loop) Running() bool {
	return l.running.Load()
}

// Start launches the worker and returns immediately.  The run state is
// reset.  Calling Start on a running loop logs a warning and returns
// ErrAlreadyRunning without starting a second worker.
func (l *Loop) Start() error {
	l.life.Lock()
	defer l.life.Unlock()
	if l.running.Load() {
		l.logger.Warn("feedback loop already running")
		return ErrAlreadyRunning
	}

	l.mu.Lock()
	l.cycles = 0
	l.skipped = 0
	l.lastErr = 0
	l.lastOut = 0
	l.samples = newHistory(HistoryCap)
	l.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	l.cancel = cancel
	l.done = done
	l.running.Store(true)
	go l.run(ctx, done)
	l.logger.Info("started feedback loop")
	return nil
}

// Stop signals the worker and waits for it to exit, at most the stop
// timeout.  Stopping an idle loop does nothing.  On timeout the worker is
// abandoned, the loop is Idle, and ErrStopTimeout is returned.
func (l *Loop) Stop() error {
	l.life.Lock()
	defer l.life.Unlock()
	if !l.running.Load() {
		l.logger.Debug("feedback loop not running")
		return nil
	}
	l.running.Store(false)
	l.cancel()

	select {
	case <-l.done:
		l.logger.Info("stopped feedback loop")
		return nil
	case <-time.After(l.stopTimeout):
		l.logger.Warnf("feedback loop did not exit within %v, abandoning it", l.stopTimeout)
		return ErrStopTimeout
	}
}

// Statistics returns a snapshot of the run state.  The history is copied
// under the lock and reduced outside it.
func (l *Loop) Statistics() Statistics {
	l.mu.Lock()
	s := Statistics{
		Cycles:     l.cycles,
		Skipped:    l.skipped,
		LastError:  l.lastErr,
		LastOutput: l.lastOut,
		Samples:    l.samples.len(),
	}
	errs, outs := l.samples.contiguous()
	l.mu.Unlock()

	s.RMSError, s.MeanOutput = rmsMean(errs, outs)
	s.Running = l.running.Load()
	return s
}

// History returns the retained (error, output) pairs, oldest first
func (l *Loop) History() []Sample {
	l.mu.Lock()
	errs, outs := l.samples.contiguous()
	l.mu.Unlock()
	out := make([]Sample, len(errs))
	for i := range errs {
		out[i] = Sample{Error: errs[i], Output: outs[i]}
	}
	return out
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	l.logger.Infof("control loop running at %g Hz", float64(time.Second)/float64(l.period))
	for ctx.Err() == nil {
		start := l.clock.Now()
		l.cycle(ctx)

		wait := l.period - l.clock.Since(start)
		if wait <= 0 {
			continue
		}
		t := l.clock.Timer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// cycle performs one acquire, measure, control, actuate pass.  Every fault,
// panics included, ends the cycle early and is counted as a skip.
func (l *Loop) cycle(ctx context.Context) {
	var (
		actuated bool
		sample   Sample
	)
	defer func() {
		if r := recover(); r != nil {
			actuated = false
			l.logger.Errorw("control loop error", "panic", r)
		}
		l.finish(ctx, sample, actuated)
	}()

	cctx, cancel := l.clock.WithTimeout(ctx, l.callTimeout)
	img, err := l.cam.AcquireImage(cctx)
	cancel()
	if err == nil && img == nil {
		err = ErrNoImage
	}
	if err != nil {
		l.warn("acquisition failed", err)
		return
	}

	features, err := l.proc.Process(img)
	if err != nil {
		l.warn("processing failed", err)
		return
	}

	sp := l.setpoint.Load()
	if sp == nil {
		l.warn("no setpoint defined", nil)
		return
	}

	// a worker abandoned by Stop must not advance the controller
	if ctx.Err() != nil {
		return
	}
	measured := features[sp.Parameter]
	e := sp.Target - measured
	out := l.ctl.Update(e)

	l.mu.Lock()
	l.lastErr = e
	l.lastOut = out
	l.measured = measured
	l.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	cctx, cancel = l.clock.WithTimeout(ctx, l.callTimeout)
	err = l.act.ApplyCommand(cctx, out)
	cancel()
	if err != nil {
		l.warn("actuation failed", err)
		return
	}
	sample = Sample{Error: e, Output: out}
	actuated = true
}

// finish records the end of a cycle.  The count and history move together
// under one lock so a Statistics call never sees one without the other.
// Cycles ending after cancellation are not recorded; the run state is
// frozen once Stop has been called.
func (l *Loop) finish(ctx context.Context, s Sample, actuated bool) {
	if ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	l.cycles++
	if actuated {
		l.samples.push(s)
	} else {
		l.skipped++
	}
	n, measured := l.cycles, l.measured
	l.mu.Unlock()

	if actuated && n%debugEvery == 0 {
		l.logger.Debugf("loop %d: measured=%.3f, error=%.3f, output=%.3f", n, measured, s.Error, s.Output)
	}
}

func (l *Loop) warn(msg string, err error) {
	if !l.warnings.Allow() {
		return
	}
	if err != nil {
		l.logger.Warnw(msg, "error", err)
		return
	}
	l.logger.Warn(msg)
}
