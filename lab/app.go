// Package lab ties the camera, image pipeline, output board, and feedback
// loop of an optical trapping setup into one application.
package lab

import (
	"context"
	"image"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/fcichos/lab-control/board"
	"github.com/fcichos/lab-control/camera"
	"github.com/fcichos/lab-control/control"
	"github.com/fcichos/lab-control/imgrec"
	"github.com/fcichos/lab-control/pipeline"
	"github.com/fcichos/lab-control/util"
)

var (
	// ErrCameraNotConnected is returned when an operation needs the camera
	ErrCameraNotConnected = errors.New("camera not connected")

	// ErrBoardNotConnected is returned when an operation needs the board
	ErrBoardNotConnected = errors.New("board not connected")

	// ErrFeedbackRunning is returned when an operation would fight the feedback loop
	ErrFeedbackRunning = errors.New("feedback loop is running")
)

// Option configures optional App collaborators
type Option func(*App)

// WithCamera replaces the camera built from the config
func WithCamera(c camera.Camera) Option {
	return func(a *App) {
		a.makeCamera = func() (camera.Camera, error) { return c, nil }
	}
}

// WithBoard replaces the board built from the config
func WithBoard(b board.Board) Option {
	return func(a *App) {
		a.makeBoard = func() (board.Board, error) { return b, nil }
	}
}

// WithLoopOptions passes options to every feedback loop the App creates
func WithLoopOptions(opts ...control.LoopOption) Option {
	return func(a *App) {
		a.loopOpts = opts
	}
}

// App coordinates all subsystems.  It is safe for concurrent use.
type App struct {
	cfg    Config
	logger *zap.SugaredLogger
	pipe   *pipeline.Pipeline
	rec    *imgrec.Recorder

	makeCamera func() (camera.Camera, error)
	makeBoard  func() (board.Board, error)
	loopOpts   []control.LoopOption

	// cam and brd forward HTTP traffic to whatever is connected
	cam cameraSlot
	brd boardSlot

	mu       sync.Mutex
	pid      *control.PID
	loop     *control.Loop
	gains    control.Gains
	setpoint control.Setpoint

	latestImage    image.Image
	latestFeatures pipeline.Features
}

// NewApp builds the pipeline and recorder from the config.  Hardware is not
// touched until ConnectCamera and ConnectBoard.
func NewApp(cfg Config, logger *zap.SugaredLogger, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	pipe, err := pipeline.FromNames(cfg.Processing.Pipeline, cfg.Processing.Sigma, cfg.Processing.Threshold, logger.Named("pipeline"))
	if err != nil {
		return nil, err
	}
	a := &App{
		cfg:      cfg,
		logger:   logger,
		pipe:     pipe,
		rec:      imgrec.New(cfg.Recorder.Root, cfg.Recorder.Prefix, cfg.Recorder.Enabled),
		gains:    cfg.Control.PID,
		setpoint: cfg.Control.Setpoint,
	}
	a.makeCamera = func() (camera.Camera, error) { return NewCamera(cfg.Camera, logger.Named("camera")) }
	a.makeBoard = func() (board.Board, error) { return NewBoard(cfg.Board, logger.Named("board")) }
	for _, opt := range opts {
		opt(a)
	}
	logger.Info("application subsystems initialized")
	return a, nil
}

// Recorder returns the frame recorder
func (a *App) Recorder() *imgrec.Recorder {
	return a.rec
}

// running must be called with a.mu held
func (a *App) running() bool {
	return a.loop != nil && a.loop.Running()
}

// ConnectCamera connects the camera and applies the configured exposure,
// gain, and cooling setpoint.  Connecting a connected camera does nothing.
func (a *App) ConnectCamera(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.cam.get(); err == nil {
		return nil
	}
	cam, err := a.makeCamera()
	if err != nil {
		return err
	}
	if err = cam.Connect(ctx); err != nil {
		return errors.Wrap(err, "connecting camera")
	}
	if c, ok := cam.(camera.Configurable); ok {
		cc := a.cfg.Camera
		err = multierr.Combine(
			c.SetExposure(util.SecsToDuration(cc.DefaultExposure/1e3)),
			c.SetGain(cc.DefaultGain),
			c.SetTemperature(cc.TargetTemperature),
		)
		if err != nil {
			cam.Disconnect()
			return errors.Wrap(err, "configuring camera")
		}
	}
	a.cam.set(cam)
	a.logger.Info("camera connected and configured")
	return nil
}

// DisconnectCamera disconnects the camera.  It refuses while feedback runs.
func (a *App) DisconnectCamera() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running() {
		return ErrFeedbackRunning
	}
	return a.disconnectCamera()
}

func (a *App) disconnectCamera() error {
	cam, err := a.cam.get()
	if err != nil {
		return nil
	}
	a.cam.set(nil)
	a.logger.Info("camera disconnected")
	return cam.Disconnect()
}

// CameraConnected returns true if a camera is connected
func (a *App) CameraConnected() bool {
	_, err := a.cam.get()
	return err == nil
}

// ConnectBoard connects the output board.  Connecting a connected board does nothing.
func (a *App) ConnectBoard(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.brd.get(); err == nil {
		return nil
	}
	brd, err := a.makeBoard()
	if err != nil {
		return err
	}
	if err = brd.Connect(ctx); err != nil {
		return errors.Wrap(err, "connecting board")
	}
	a.brd.set(brd)
	a.logger.Info("board connected")
	return nil
}

// DisconnectBoard disconnects the board.  It refuses while feedback runs.
func (a *App) DisconnectBoard() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running() {
		return ErrFeedbackRunning
	}
	return a.disconnectBoard()
}

func (a *App) disconnectBoard() error {
	brd, err := a.brd.get()
	if err != nil {
		return nil
	}
	a.brd.set(nil)
	a.logger.Info("board disconnected")
	return brd.Disconnect()
}

// BoardConnected returns true if a board is connected
func (a *App) BoardConnected() bool {
	_, err := a.brd.get()
	return err == nil
}

// LatestImage acquires a frame, runs it through the pipeline, and caches
// both.  The frame is recorded if the recorder is enabled.
func (a *App) LatestImage(ctx context.Context) (image.Image, pipeline.Features, error) {
	cam, err := a.cam.get()
	if err != nil {
		return nil, nil, ErrCameraNotConnected
	}
	img, err := cam.AcquireImage(ctx)
	if err != nil {
		return nil, nil, err
	}
	feats, err := a.pipe.Process(img)
	if err != nil {
		return nil, nil, err
	}
	if a.rec.Enabled() {
		if _, err := a.rec.Record(a.cam.CollectHeaderMetadata(), img); err != nil {
			a.logger.Errorw("recording frame", "error", err)
		}
	}
	a.mu.Lock()
	a.latestImage = img
	a.latestFeatures = feats
	a.mu.Unlock()
	return img, feats, nil
}

// LatestFeatures returns a copy of the features of the last LatestImage call
func (a *App) LatestFeatures() pipeline.Features {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(pipeline.Features, len(a.latestFeatures))
	for k, v := range a.latestFeatures {
		out[k] = v
	}
	return out
}

// SetLaserPower applies a power in percent by hand.  It refuses while
// feedback runs, since the loop owns the board.
func (a *App) SetLaserPower(ctx context.Context, pct float64) error {
	a.mu.Lock()
	running := a.running()
	a.mu.Unlock()
	if running {
		return ErrFeedbackRunning
	}
	brd, err := a.brd.get()
	if err != nil {
		return ErrBoardNotConnected
	}
	err = brd.ApplyCommand(ctx, pct)
	if err == nil {
		a.logger.Infof("set laser power to %g%%", pct)
	}
	return err
}

// StartFeedback builds a PID controller with the given gains and the
// configured output limits, and starts a loop at the configured rate that
// regulates the configured parameter toward target.
func (a *App) StartFeedback(g control.Gains, target float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	cam, err := a.cam.get()
	if err != nil {
		return ErrCameraNotConnected
	}
	brd, err := a.brd.get()
	if err != nil {
		return ErrBoardNotConnected
	}
	if a.running() {
		a.logger.Warn("feedback loop already running")
		return control.ErrAlreadyRunning
	}

	pid := control.NewPID(g, a.cfg.Control.Bounds(), control.WithPIDLogger(a.logger.Named("pid")))
	loop, err := control.NewLoop(cam, a.pipe, pid, brd,
		control.Config{RateHz: a.cfg.Control.LoopRateHz},
		a.logger.Named("loop"), a.loopOpts...)
	if err != nil {
		return err
	}
	sp := a.setpoint
	sp.Target = target
	loop.SetSetpoint(sp)
	if err = loop.Start(); err != nil {
		return err
	}
	a.pid, a.loop, a.gains, a.setpoint = pid, loop, g, sp
	a.logger.Infof("feedback started: %s -> %g", sp.Parameter, target)
	return nil
}

// StopFeedback stops the loop.  Stopping when idle does nothing.
func (a *App) StopFeedback() error {
	a.mu.Lock()
	loop := a.loop
	a.mu.Unlock()
	if loop == nil {
		return nil
	}
	return loop.Stop()
}

// FeedbackStatistics returns the statistics of the current or last loop
func (a *App) FeedbackStatistics() control.Statistics {
	a.mu.Lock()
	loop := a.loop
	a.mu.Unlock()
	if loop == nil {
		return control.Statistics{}
	}
	return loop.Statistics()
}

// SetSetpoint replaces the setpoint, live if the loop is running
func (a *App) SetSetpoint(sp control.Setpoint) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setpoint = sp
	if a.loop != nil {
		a.loop.SetSetpoint(sp)
	}
	return nil
}

// Setpoint returns the setpoint the next or current loop regulates to
func (a *App) Setpoint() (control.Setpoint, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.setpoint, a.setpoint.Parameter != ""
}

// SetGains retunes the running controller, and sets the default for the next
func (a *App) SetGains(g control.Gains) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gains = g
	if a.pid != nil {
		a.pid.SetGains(g)
	}
	return nil
}

// Gains returns the controller gains
func (a *App) Gains() control.Gains {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gains
}

// ResetController clears the running controller's integral and derivative memory
func (a *App) ResetController() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pid == nil {
		return errors.New("no controller to reset")
	}
	a.pid.Reset()
	return nil
}

// Shutdown stops feedback, then disconnects the camera and board even if
// stopping failed.  All errors are returned together.
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application")
	err := a.StopFeedback()
	a.mu.Lock()
	defer a.mu.Unlock()
	// a loop started while the first one was stopping
	if a.running() {
		err = multierr.Append(err, a.loop.Stop())
	}
	err = multierr.Append(err, a.disconnectCamera())
	err = multierr.Append(err, a.disconnectBoard())
	return err
}
