/*Package camera describes a standard set of interfaces for control of cameras

Camera contains the basics every frame source provides.  Configurable
contains the extended features typically found on scientific cameras: exposure,
gain and sensor cooling.  MetadataMaker lets a camera describe its state in the
header of recorded FITS files.
*/
package camera

import (
	"context"
	"image"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/pkg/errors"
)

var (
	// ErrNotConnected is returned when acquiring from a camera that is not connected
	ErrNotConnected = errors.New("camera not connected")
)

// Camera describes a minimal camera interface with only the basics.
type Camera interface {
	// Connect opens the camera.  This may have myriad side effects, for
	// example the allocation of frame buffers or activation of cooling.
	Connect(context.Context) error

	// AcquireImage captures one frame
	AcquireImage(context.Context) (image.Image, error)

	// Disconnect closes the camera.  It is safe to call on a closed camera.
	Disconnect() error
}

// Configurable describes an extended interface for scientific cameras
type Configurable interface {
	// SetExposure sets the exposure time
	SetExposure(time.Duration) error

	// Exposure gets the exposure time
	Exposure() (time.Duration, error)

	// SetGain sets the amplifier gain
	SetGain(int) error

	// Gain gets the amplifier gain
	Gain() (int, error)

	// SetTemperature sets the sensor temperature setpoint in Celsius
	SetTemperature(float64) error

	// Temperature gets the current sensor temperature in Celsius
	Temperature() (float64, error)
}

// MetadataMaker can produce an array of FITS cards
type MetadataMaker interface {
	// CollectHeaderMetadata produces an array of FITS cards
	CollectHeaderMetadata() []fitsio.Card
}
