package lab

import (
	"context"
	"image"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fcichos/lab-control/board"
	"github.com/fcichos/lab-control/camera"
	"github.com/fcichos/lab-control/control"
)

func newTestApp(t *testing.T, opts ...Option) (*App, *board.Mock) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Control.LoopRateHz = 20
	brd := board.NewMock(nil)
	opts = append([]Option{WithCamera(camera.NewMock(nil)), WithBoard(brd)}, opts...)
	a, err := NewApp(cfg, zaptest.NewLogger(t).Sugar(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { a.Shutdown() })
	return a, brd
}

func connectAll(t *testing.T, a *App) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, a.ConnectCamera(ctx))
	require.NoError(t, a.ConnectBoard(ctx))
}

func TestNewAppRejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Control.LoopRateHz = 0
	_, err := NewApp(cfg, nil)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.Processing.Pipeline = []string{"sharpen"}
	_, err = NewApp(cfg, nil)
	assert.Error(t, err)
}

func TestConnectCameraAppliesPresets(t *testing.T) {
	cam := camera.NewMock(nil)
	a, _ := newTestApp(t, WithCamera(cam))
	require.NoError(t, a.ConnectCamera(context.Background()))
	assert.True(t, a.CameraConnected())

	exp, err := cam.Exposure()
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, exp)
	g, err := cam.Gain()
	require.NoError(t, err)
	assert.Equal(t, 1, g)

	require.NoError(t, a.DisconnectCamera())
	assert.False(t, a.CameraConnected())
	assert.NoError(t, a.DisconnectCamera())
}

func TestLatestImageRunsPipeline(t *testing.T) {
	a, _ := newTestApp(t)
	_, _, err := a.LatestImage(context.Background())
	assert.ErrorIs(t, err, ErrCameraNotConnected)

	require.NoError(t, a.ConnectCamera(context.Background()))
	img, feats, err := a.LatestImage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, camera.MockSize, img.Bounds().Dx())
	x, _ := camera.SpotCenter(1)
	assert.InDelta(t, x, feats["centroid_x"], 2)
	assert.Equal(t, feats, a.LatestFeatures())
}

func TestStartFeedbackNeedsHardware(t *testing.T) {
	a, _ := newTestApp(t)
	g := a.Gains()
	assert.ErrorIs(t, a.StartFeedback(g, 256), ErrCameraNotConnected)
	require.NoError(t, a.ConnectCamera(context.Background()))
	assert.ErrorIs(t, a.StartFeedback(g, 256), ErrBoardNotConnected)
}

func TestFeedbackLifecycle(t *testing.T) {
	a, brd := newTestApp(t)
	connectAll(t, a)
	assert.Zero(t, a.FeedbackStatistics())
	assert.Error(t, a.ResetController())

	g := control.Gains{Kp: 0.5, Ki: 0.05}
	require.NoError(t, a.StartFeedback(g, 300))
	assert.ErrorIs(t, a.StartFeedback(g, 300), control.ErrAlreadyRunning)
	assert.Equal(t, g, a.Gains())
	sp, ok := a.Setpoint()
	require.True(t, ok)
	assert.Equal(t, 300., sp.Target)
	assert.Equal(t, "centroid_x", sp.Parameter)

	require.Eventually(t, func() bool {
		return a.FeedbackStatistics().Samples >= 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, a.FeedbackStatistics().Running)

	assert.ErrorIs(t, a.SetLaserPower(context.Background(), 10), ErrFeedbackRunning)
	assert.ErrorIs(t, a.DisconnectBoard(), ErrFeedbackRunning)
	assert.ErrorIs(t, a.DisconnectCamera(), ErrFeedbackRunning)

	require.NoError(t, a.SetGains(control.Gains{Kp: 2}))
	assert.Equal(t, 2., a.Gains().Kp)
	require.NoError(t, a.ResetController())

	require.NoError(t, a.StopFeedback())
	assert.False(t, a.FeedbackStatistics().Running)
	assert.NoError(t, a.StopFeedback())

	for _, c := range brd.Commands() {
		assert.GreaterOrEqual(t, c, 0.)
		assert.LessOrEqual(t, c, 100.)
	}
	require.NoError(t, a.SetLaserPower(context.Background(), 42))
	p, err := brd.Power()
	require.NoError(t, err)
	assert.Equal(t, 42., p)
}

func TestSetSetpointBeforeStart(t *testing.T) {
	a, _ := newTestApp(t)
	want := control.Setpoint{Target: 100, Tolerance: 1, Parameter: "centroid_y"}
	require.NoError(t, a.SetSetpoint(want))
	got, ok := a.Setpoint()
	assert.True(t, ok)
	assert.Equal(t, want, got)
}

type brokenBoard struct {
	*board.Mock
}

func (b brokenBoard) Disconnect() error {
	return errors.New("board stuck")
}

func TestShutdownDisconnectsEverything(t *testing.T) {
	cam := camera.NewMock(nil)
	a, _ := newTestApp(t, WithCamera(cam), WithBoard(brokenBoard{board.NewMock(nil)}))
	connectAll(t, a)
	require.NoError(t, a.StartFeedback(a.Gains(), 256))

	err := a.Shutdown()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "board stuck")
	assert.False(t, a.CameraConnected())
	assert.False(t, a.BoardConnected())
	assert.False(t, a.FeedbackStatistics().Running)
	_, err = cam.AcquireImage(context.Background())
	assert.ErrorIs(t, err, camera.ErrNotConnected)
}

// stuckCamera blocks every acquisition until release is closed
type stuckCamera struct {
	started chan struct{}
	release chan struct{}
}

func (c *stuckCamera) Connect(ctx context.Context) error { return nil }
func (c *stuckCamera) Disconnect() error                 { return nil }

func (c *stuckCamera) AcquireImage(ctx context.Context) (image.Image, error) {
	select {
	case c.started <- struct{}{}:
	default:
	}
	<-c.release
	return image.NewGray16(image.Rect(0, 0, 8, 8)), nil
}

func TestStopFeedbackDoesNotBlockReaders(t *testing.T) {
	cam := &stuckCamera{started: make(chan struct{}, 1), release: make(chan struct{})}
	defer close(cam.release)
	// the abandoned worker outlives the test, so nothing may log through t
	a, err := NewApp(DefaultConfig(), nil,
		WithCamera(cam), WithBoard(board.NewMock(nil)),
		WithLoopOptions(control.WithStopTimeout(500*time.Millisecond)))
	require.NoError(t, err)
	connectAll(t, a)
	require.NoError(t, a.StartFeedback(a.Gains(), 256))
	<-cam.started

	stopped := make(chan error, 1)
	go func() { stopped <- a.StopFeedback() }()
	time.Sleep(50 * time.Millisecond)

	begin := time.Now()
	a.Gains()
	a.Setpoint()
	stats := a.FeedbackStatistics()
	assert.Less(t, time.Since(begin), 100*time.Millisecond)
	assert.False(t, stats.Running)

	assert.ErrorIs(t, <-stopped, control.ErrStopTimeout)
}
