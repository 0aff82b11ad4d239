package control

import (
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/fcichos/lab-control/util"
)

// minDt is the floor on the elapsed time used by the integral and derivative
// terms.  A non-positive dt (first call after a coarse clock tick, or a clock
// that went backwards) is replaced by this value.
const minDt = time.Millisecond

// Gains holds the three PID gains
type Gains struct {
	Kp float64 `json:"kp" yaml:"Kp" koanf:"Kp"`
	Ki float64 `json:"ki" yaml:"Ki" koanf:"Ki"`
	Kd float64 `json:"kd" yaml:"Kd" koanf:"Kd"`
}

// Bounds is the closed interval every command is clamped to
type Bounds struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// PID is a proportional-integral-derivative controller with output clamping
// and anti-windup.  It is safe for concurrent use; gains may be changed from
// any goroutine while another drives Update.
type PID struct {
	mu sync.Mutex

	gains  Gains
	bounds Bounds

	integral float64
	prevErr  float64
	prevT    time.Time

	clock  clock.Clock
	logger *zap.SugaredLogger
}

// PIDOption configures optional PID collaborators
type PIDOption func(*PID)

// WithClock sets the time source used to measure dt.  Tests use clock.NewMock().
func WithClock(c clock.Clock) PIDOption {
	return func(p *PID) {
		p.clock = c
	}
}

// WithPIDLogger sets the logger the controller reports gain changes and resets to
func WithPIDLogger(l *zap.SugaredLogger) PIDOption {
	return func(p *PID) {
		p.logger = l
	}
}

// NewPID creates a new controller with the given gains and output bounds.
// If the bounds are inverted they are swapped.
func NewPID(g Gains, b Bounds, opts ...PIDOption) *PID {
	if b.Min > b.Max {
		b.Min, b.Max = b.Max, b.Min
	}
	p := &PID{
		gains:  g,
		bounds: b,
		clock:  clock.New(),
		logger: zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.prevT = p.clock.Now()
	p.logger.Infow("PID controller initialized", "kp", g.Kp, "ki", g.Ki, "kd", g.Kd, "min", b.Min, "max", b.Max)
	return p
}

// Update computes the next command from the error (setpoint - measured).
// The returned value always lies within the controller's bounds.
//
// If the unclamped output would leave the bounds, the integration performed
// on this call is reversed so the accumulator cannot wind up while saturated.
func (p *PID) Update(err float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if math.IsNaN(err) || math.IsInf(err, 0) {
		// would poison the accumulator and the derivative history
		return p.bounds.Min
	}

	now := p.clock.Now()
	dt := now.Sub(p.prevT).Seconds()
	if dt <= 0 {
		dt = minDt.Seconds()
	}

	pTerm := p.gains.Kp * err

	integral := p.integral
	p.integral += err * dt
	iTerm := p.gains.Ki * p.integral

	derivative := (err - p.prevErr) / dt
	dTerm := p.gains.Kd * derivative

	raw := pTerm + iTerm + dTerm
	out := util.Clamp(raw, p.bounds.Min, p.bounds.Max)
	if math.IsNaN(out) {
		out = p.bounds.Min
	}
	if out != raw {
		// undo this call's integration
		p.integral = integral
	}

	p.prevErr = err
	p.prevT = now
	return out
}

// Reset zeros the integral and previous error and restarts the dt clock
func (p *PID) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.integral = 0
	p.prevErr = 0
	p.prevT = p.clock.Now()
	p.logger.Info("PID controller reset")
}

// SetGains replaces all three gains at once.  The next Update uses them;
// the accumulated integral is not rescaled.
func (p *PID) SetGains(g Gains) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gains = g
	p.logger.Infow("PID gains updated", "kp", g.Kp, "ki", g.Ki, "kd", g.Kd)
}

// Gains returns the current gains
func (p *PID) Gains() Gains {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gains
}

// Bounds returns the output bounds
func (p *PID) Bounds() Bounds {
	return p.bounds
}

// Integral returns the current value of the integral accumulator
func (p *PID) Integral() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.integral
}
