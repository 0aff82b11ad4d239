// Package board drives the real-time output board that sets laser power.
//
// A command is a laser power in percent.  Boards convert it to a DAC voltage
// in the range 0 to 10 V and write it to a floating point parameter that the
// board's real-time process copies to the analog output.
package board

import (
	"context"

	"github.com/pkg/errors"

	"github.com/fcichos/lab-control/util"
)

const (
	// LaserParameter is the floating point parameter the laser DAC reads
	LaserParameter = 1

	// FullScale is the DAC voltage at 100 % power
	FullScale = 10.
)

var (
	// ErrNotConnected is returned by operations on a board that is not connected
	ErrNotConnected = errors.New("board not connected")
)

// Board is an output board that accepts laser power commands
type Board interface {
	// Connect opens the connection to the board
	Connect(context.Context) error

	// ApplyCommand sets the laser power in percent
	ApplyCommand(context.Context, float64) error

	// Disconnect closes the connection.  It is safe to call on a closed board.
	Disconnect() error
}

// ParameterWriter can read and write the board's floating point parameters
type ParameterWriter interface {
	// SetParameter writes parameter n
	SetParameter(ctx context.Context, n int, v float64) error

	// Parameter reads parameter n
	Parameter(ctx context.Context, n int) (float64, error)
}

// PowerReporter knows the last power it was commanded to
type PowerReporter interface {
	// Power returns the last applied command in percent
	Power() (float64, error)
}

// PercentToVolts converts a laser power in percent to a DAC voltage.
// Powers outside [0, 100] are clamped.
func PercentToVolts(pct float64) float64 {
	return util.Clamp(pct, 0, 100) / 100 * FullScale
}
