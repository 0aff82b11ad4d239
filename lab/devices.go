package lab

import (
	"context"
	"image"
	"strings"
	"sync"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/fcichos/lab-control/board"
	"github.com/fcichos/lab-control/camera"
	"github.com/fcichos/lab-control/generichttp/ascii"
)

// NewCamera builds the camera named by the config
func NewCamera(c CameraConfig, logger *zap.SugaredLogger) (camera.Camera, error) {
	switch strings.ToLower(c.Type) {
	case "mock", "":
		return camera.NewMock(logger), nil
	default:
		return nil, errors.Errorf("camera type %q not supported", c.Type)
	}
}

// NewBoard builds the board named by the config
func NewBoard(c BoardConfig, logger *zap.SugaredLogger) (board.Board, error) {
	switch strings.ToLower(c.Type) {
	case "mock", "":
		return board.NewMock(logger), nil
	case "ascii", "tcp", "serial":
		b := board.NewASCII(c.Addr, c.Serial || strings.ToLower(c.Type) == "serial", logger)
		if c.Channel > 0 {
			b.Channel = c.Channel
		}
		return b, nil
	default:
		return nil, errors.Errorf("board type %q not supported", c.Type)
	}
}

// cameraSlot holds whichever camera is connected.  HTTP routes are bound once
// at startup to the slot, which forwards to the current camera.
type cameraSlot struct {
	mu  sync.RWMutex
	cam camera.Camera
}

func (s *cameraSlot) get() (camera.Camera, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cam == nil {
		return nil, camera.ErrNotConnected
	}
	return s.cam, nil
}

func (s *cameraSlot) set(c camera.Camera) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cam = c
}

func (s *cameraSlot) configurable() (camera.Configurable, error) {
	c, err := s.get()
	if err != nil {
		return nil, err
	}
	cfg, ok := c.(camera.Configurable)
	if !ok {
		return nil, errors.New("camera is not configurable")
	}
	return cfg, nil
}

func (s *cameraSlot) Connect(ctx context.Context) error {
	c, err := s.get()
	if err != nil {
		return err
	}
	return c.Connect(ctx)
}

func (s *cameraSlot) AcquireImage(ctx context.Context) (image.Image, error) {
	c, err := s.get()
	if err != nil {
		return nil, err
	}
	return c.AcquireImage(ctx)
}

func (s *cameraSlot) Disconnect() error {
	c, err := s.get()
	if err != nil {
		return nil
	}
	return c.Disconnect()
}

func (s *cameraSlot) SetExposure(d time.Duration) error {
	c, err := s.configurable()
	if err != nil {
		return err
	}
	return c.SetExposure(d)
}

func (s *cameraSlot) Exposure() (time.Duration, error) {
	c, err := s.configurable()
	if err != nil {
		return 0, err
	}
	return c.Exposure()
}

func (s *cameraSlot) SetGain(g int) error {
	c, err := s.configurable()
	if err != nil {
		return err
	}
	return c.SetGain(g)
}

func (s *cameraSlot) Gain() (int, error) {
	c, err := s.configurable()
	if err != nil {
		return 0, err
	}
	return c.Gain()
}

func (s *cameraSlot) SetTemperature(t float64) error {
	c, err := s.configurable()
	if err != nil {
		return err
	}
	return c.SetTemperature(t)
}

func (s *cameraSlot) Temperature() (float64, error) {
	c, err := s.configurable()
	if err != nil {
		return 0, err
	}
	return c.Temperature()
}

func (s *cameraSlot) CollectHeaderMetadata() []fitsio.Card {
	c, err := s.get()
	if err != nil {
		return nil
	}
	if mm, ok := c.(camera.MetadataMaker); ok {
		return mm.CollectHeaderMetadata()
	}
	return nil
}

// boardSlot is the board counterpart of cameraSlot
type boardSlot struct {
	mu  sync.RWMutex
	brd board.Board
}

func (s *boardSlot) get() (board.Board, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.brd == nil {
		return nil, board.ErrNotConnected
	}
	return s.brd, nil
}

func (s *boardSlot) set(b board.Board) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.brd = b
}

func (s *boardSlot) Connect(ctx context.Context) error {
	b, err := s.get()
	if err != nil {
		return err
	}
	return b.Connect(ctx)
}

func (s *boardSlot) ApplyCommand(ctx context.Context, pct float64) error {
	b, err := s.get()
	if err != nil {
		return err
	}
	return b.ApplyCommand(ctx, pct)
}

func (s *boardSlot) Disconnect() error {
	b, err := s.get()
	if err != nil {
		return nil
	}
	return b.Disconnect()
}

func (s *boardSlot) Power() (float64, error) {
	b, err := s.get()
	if err != nil {
		return 0, err
	}
	if pr, ok := b.(board.PowerReporter); ok {
		return pr.Power()
	}
	return 0, errors.New("board does not report power")
}

func (s *boardSlot) SetParameter(ctx context.Context, n int, v float64) error {
	b, err := s.get()
	if err != nil {
		return err
	}
	if pw, ok := b.(board.ParameterWriter); ok {
		return pw.SetParameter(ctx, n, v)
	}
	return errors.New("board does not expose parameters")
}

func (s *boardSlot) Parameter(ctx context.Context, n int) (float64, error) {
	b, err := s.get()
	if err != nil {
		return 0, err
	}
	if pw, ok := b.(board.ParameterWriter); ok {
		return pw.Parameter(ctx, n)
	}
	return 0, errors.New("board does not expose parameters")
}

func (s *boardSlot) Raw(ctx context.Context, cmd string) (string, error) {
	b, err := s.get()
	if err != nil {
		return "", err
	}
	if raw, ok := b.(ascii.RawCommunicator); ok {
		return raw.Raw(ctx, cmd)
	}
	return "", errors.New("board does not accept raw commands")
}
