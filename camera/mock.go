package camera

import (
	"context"
	"image"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/astrogo/fitsio"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat/distuv"
)

const (
	// MockSize is the edge length of mock frames in pixels
	MockSize = 512

	mockBackground = 100.
	mockSigma      = 20.
	mockAmplitude  = 3000.
)

// Mock is a synthetic camera.  Each frame holds shot noise around 100 counts,
// drawn from the normal limit of the Poisson distribution, and one Gaussian spot that orbits the frame centre, 50 px horizontally and
// 30 px vertically, advancing 0.1 rad per frame.
type Mock struct {
	mu          sync.Mutex
	connected   bool
	frames      int
	exposure    time.Duration
	gain        int
	temperature float64
	noise       distuv.Normal
	logger      *zap.SugaredLogger
}

// NewMock returns a disconnected mock camera with 100 ms exposure, unity gain
// and a -70 C cooling setpoint
func NewMock(logger *zap.SugaredLogger) *Mock {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Mock{
		exposure:    100 * time.Millisecond,
		gain:        1,
		temperature: -70,
		noise:       distuv.Normal{Mu: mockBackground, Sigma: math.Sqrt(mockBackground), Src: rand.NewPCG(1, 2)},
		logger:      logger,
	}
}

// Connect marks the camera connected
func (m *Mock) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	m.logger.Info("mock camera connected")
	return nil
}

// Disconnect marks the camera disconnected
func (m *Mock) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	m.logger.Info("mock camera disconnected")
	return nil
}

// SpotCenter returns where the spot is on frame n (1-based)
func SpotCenter(n int) (x, y float64) {
	phase := 0.1 * float64(n)
	return MockSize/2 + 50*math.Sin(phase), MockSize/2 + 30*math.Cos(phase)
}

// AcquireImage renders the next frame as an *image.Gray16
func (m *Mock) AcquireImage(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, ErrNotConnected
	}
	m.frames++
	cx, cy := SpotCenter(m.frames)
	amp := mockAmplitude * float64(m.gain)

	img := image.NewGray16(image.Rect(0, 0, MockSize, MockSize))
	for y := 0; y < MockSize; y++ {
		dy := float64(y) - cy
		for x := 0; x < MockSize; x++ {
			dx := float64(x) - cx
			spot := math.Exp(-(dx*dx + dy*dy) / (2 * mockSigma * mockSigma))
			v := m.noise.Rand() + math.Floor(spot*amp)
			v = math.Max(0, math.Min(v, math.MaxUint16))
			i := img.PixOffset(x, y)
			u := uint16(v)
			img.Pix[i] = uint8(u >> 8)
			img.Pix[i+1] = uint8(u)
		}
	}
	return img, nil
}

// SetExposure sets the exposure time
func (m *Mock) SetExposure(d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exposure = d
	m.logger.Debugf("mock camera exposure set to %v", d)
	return nil
}

// Exposure gets the exposure time
func (m *Mock) Exposure() (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exposure, nil
}

// SetGain sets the gain, which scales the spot amplitude
func (m *Mock) SetGain(g int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gain = g
	m.logger.Debugf("mock camera gain set to %d", g)
	return nil
}

// Gain gets the gain
func (m *Mock) Gain() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gain, nil
}

// SetTemperature sets the cooling setpoint
func (m *Mock) SetTemperature(c float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.temperature = c
	m.logger.Debugf("mock camera temperature setpoint: %g C", c)
	return nil
}

// Temperature reports a sensor that never quite reaches its setpoint
func (m *Mock) Temperature() (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.temperature + 5, nil
}

// CollectHeaderMetadata describes the camera state as FITS cards
func (m *Mock) CollectHeaderMetadata() []fitsio.Card {
	m.mu.Lock()
	defer m.mu.Unlock()
	return []fitsio.Card{
		{Name: "CAMERA", Value: "Mock Camera"},
		{Name: "EXPTIME", Value: m.exposure.Seconds(), Comment: "exposure time, seconds"},
		{Name: "GAIN", Value: m.gain},
		{Name: "TEMPSET", Value: m.temperature, Comment: "temperature setpoint, C"},
		{Name: "FRAMENUM", Value: m.frames},
		{Name: "DATE", Value: time.Now().UTC().Format(time.RFC3339)},
	}
}
