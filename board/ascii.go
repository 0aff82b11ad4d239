package board

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/tarm/serial"
	"go.uber.org/zap"

	"github.com/fcichos/lab-control/comm"
)

// ErrUnexpectedResponse is returned when the board does not acknowledge a write
var ErrUnexpectedResponse = errors.New("unexpected response from board")

// ASCII is a board that speaks a line protocol over TCP or RS-232:
//
//	PROC?          -> processor type
//	FPAR <n> <v>   -> OK
//	FPAR? <n>      -> <v>
type ASCII struct {
	// Channel is the parameter laser commands are written to
	Channel int

	rd     *comm.RemoteDevice
	logger *zap.SugaredLogger

	mu    sync.Mutex
	power float64
}

// NewASCII creates a board at addr.  If serial is true, addr is a serial port
// name and the board is opened at 115200 baud.
func NewASCII(addr string, serialPort bool, logger *zap.SugaredLogger) *ASCII {
	var conf *serial.Config
	if serialPort {
		conf = &serial.Config{Name: addr, Baud: 115200, ReadTimeout: time.Second}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &ASCII{
		Channel: LaserParameter,
		rd:      comm.NewRemoteDevice(addr, conf),
		logger:  logger,
	}
}

// Connect opens the connection and queries the processor type
func (a *ASCII) Connect(ctx context.Context) error {
	if err := a.rd.Open(ctx); err != nil {
		return err
	}
	proc, err := a.rd.SendRecv(ctx, []byte("PROC?"))
	if err != nil {
		a.rd.Close()
		return errors.Wrap(err, "querying processor type")
	}
	a.logger.Infof("connected to board (processor: %s)", proc)
	return nil
}

// Disconnect closes the connection
func (a *ASCII) Disconnect() error {
	a.logger.Info("disconnected from board")
	return a.rd.Close()
}

// ApplyCommand converts a power in percent to volts and writes it to Channel
func (a *ASCII) ApplyCommand(ctx context.Context, pct float64) error {
	err := a.SetParameter(ctx, a.Channel, PercentToVolts(pct))
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.power = pct
	a.mu.Unlock()
	return nil
}

// SetParameter writes floating point parameter n
func (a *ASCII) SetParameter(ctx context.Context, n int, v float64) error {
	cmd := fmt.Sprintf("FPAR %d %s", n, strconv.FormatFloat(v, 'f', 6, 64))
	resp, err := a.rd.SendRecv(ctx, []byte(cmd))
	if err == comm.ErrNotConnected {
		return ErrNotConnected
	}
	if err != nil {
		return err
	}
	if s := strings.TrimSpace(string(resp)); s != "OK" {
		return errors.Wrapf(ErrUnexpectedResponse, "%s: %q", cmd, s)
	}
	a.logger.Debugf("set FPar[%d] = %g", n, v)
	return nil
}

// Parameter reads floating point parameter n
func (a *ASCII) Parameter(ctx context.Context, n int) (float64, error) {
	resp, err := a.rd.SendRecv(ctx, []byte("FPAR? "+strconv.Itoa(n)))
	if err == comm.ErrNotConnected {
		return 0, ErrNotConnected
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(string(resp)), 64)
}

// Power returns the last successfully applied command
func (a *ASCII) Power() (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.power, nil
}

// Raw sends a line and returns the response verbatim
func (a *ASCII) Raw(ctx context.Context, s string) (string, error) {
	resp, err := a.rd.SendRecv(ctx, []byte(s))
	return string(resp), err
}
