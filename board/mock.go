package board

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Mock is an in-memory board.  It records every command and parameter write
// and can be told to fail, which makes it the board of choice in tests.
type Mock struct {
	mu        sync.Mutex
	connected bool
	commands  []float64
	params    map[int]float64
	fail      error
	logger    *zap.SugaredLogger
}

// NewMock returns a disconnected mock board
func NewMock(logger *zap.SugaredLogger) *Mock {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Mock{params: map[int]float64{}, logger: logger}
}

// Connect marks the board connected
func (m *Mock) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	m.logger.Info("mock board connected")
	return nil
}

// Disconnect marks the board disconnected
func (m *Mock) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	m.logger.Info("mock board disconnected")
	return nil
}

// Connected returns true if the board is connected
func (m *Mock) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// FailWith makes every subsequent write return err.  nil restores normal operation.
func (m *Mock) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

// ApplyCommand records the command and writes its voltage to the laser parameter
func (m *Mock) ApplyCommand(ctx context.Context, pct float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.commands = append(m.commands, pct)
	m.params[LaserParameter] = PercentToVolts(pct)
	m.logger.Debugf("mock board: laser power %.2f %%", pct)
	return nil
}

// SetParameter records a parameter write
func (m *Mock) SetParameter(ctx context.Context, n int, v float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.params[n] = v
	m.logger.Debugf("mock board: FPar[%d] = %g", n, v)
	return nil
}

// Parameter returns the last value written to parameter n, or zero
func (m *Mock) Parameter(ctx context.Context, n int) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return 0, ErrNotConnected
	}
	return m.params[n], nil
}

// Power returns the last applied command
func (m *Mock) Power() (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.commands) == 0 {
		return 0, nil
	}
	return m.commands[len(m.commands)-1], nil
}

// Commands returns a copy of every applied command, oldest first
func (m *Mock) Commands() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]float64(nil), m.commands...)
}

func (m *Mock) check() error {
	if !m.connected {
		return ErrNotConnected
	}
	return m.fail
}
