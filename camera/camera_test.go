package camera

import (
	"context"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fcichos/lab-control/imgrec"
)

// brightCentroid is the intensity weighted centre of pixels above level
func brightCentroid(img *image.Gray16, level uint16) (x, y float64) {
	var sx, sy, sw float64
	b := img.Bounds()
	for j := b.Min.Y; j < b.Max.Y; j++ {
		for i := b.Min.X; i < b.Max.X; i++ {
			v := img.Gray16At(i, j).Y
			if v < level {
				continue
			}
			w := float64(v)
			sx += w * float64(i)
			sy += w * float64(j)
			sw += w
		}
	}
	return sx / sw, sy / sw
}

func TestMockRequiresConnect(t *testing.T) {
	m := NewMock(zaptest.NewLogger(t).Sugar())
	_, err := m.AcquireImage(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Disconnect())
	_, err = m.AcquireImage(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestMockSpotFollowsOrbit(t *testing.T) {
	m := NewMock(nil)
	require.NoError(t, m.Connect(context.Background()))
	for n := 1; n <= 3; n++ {
		img, err := m.AcquireImage(context.Background())
		require.NoError(t, err)
		g, ok := img.(*image.Gray16)
		require.True(t, ok)
		assert.Equal(t, image.Rect(0, 0, MockSize, MockSize), g.Bounds())

		wantX, wantY := SpotCenter(n)
		x, y := brightCentroid(g, 1000)
		assert.InDelta(t, wantX, x, 1, "frame %d", n)
		assert.InDelta(t, wantY, y, 1, "frame %d", n)
	}
}

func TestMockBackgroundLevel(t *testing.T) {
	m := NewMock(nil)
	require.NoError(t, m.Connect(context.Background()))
	img, err := m.AcquireImage(context.Background())
	require.NoError(t, err)
	g := img.(*image.Gray16)
	// corners are far from the spot
	var sum float64
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			sum += float64(g.Gray16At(x, y).Y)
		}
	}
	assert.InDelta(t, 100, sum/(32*32), 3)
}

func TestMockConfigurable(t *testing.T) {
	m := NewMock(nil)
	var _ Configurable = m
	require.NoError(t, m.SetTemperature(-60))
	temp, err := m.Temperature()
	require.NoError(t, err)
	assert.Equal(t, -55., temp)

	require.NoError(t, m.SetExposure(250*time.Millisecond))
	d, _ := m.Exposure()
	assert.Equal(t, 250*time.Millisecond, d)
}

func TestMockHonorsCanceledContext(t *testing.T) {
	m := NewMock(nil)
	require.NoError(t, m.Connect(context.Background()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.AcquireImage(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStretch(t *testing.T) {
	img := image.NewGray16(image.Rect(0, 0, 2, 1))
	img.Pix = []uint8{0x01, 0x00, 0x02, 0x00} // 256, 512
	out := Stretch(img)
	assert.Equal(t, []uint8{0, 255}, out.Pix)

	flat := image.NewGray16(image.Rect(0, 0, 2, 2))
	assert.Equal(t, []uint8{0, 0, 0, 0}, Stretch(flat).Pix)
}

func serve(t *testing.T, cam Camera, rec *imgrec.Recorder) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	NewHTTPWrapper(cam, rec, zaptest.NewLogger(t).Sugar()).RT().Bind(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPFramePNG(t *testing.T) {
	m := NewMock(nil)
	require.NoError(t, m.Connect(context.Background()))
	srv := serve(t, m, nil)

	resp, err := http.Get(srv.URL + "/frame?fmt=png")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	img, err := png.Decode(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, MockSize, img.Bounds().Dx())
}

func TestHTTPFrameFitsIsRecorded(t *testing.T) {
	m := NewMock(nil)
	require.NoError(t, m.Connect(context.Background()))
	root := t.TempDir()
	srv := serve(t, m, imgrec.New(root, "frame", true))

	resp, err := http.Get(srv.URL + "/frame?fmt=fits")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "image/fits", resp.Header.Get("Content-Type"))

	matches, err := filepath.Glob(filepath.Join(root, "*", "frame*.fits"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	st, err := os.Stat(matches[0])
	require.NoError(t, err)
	assert.Zero(t, st.Size()%2880)
}

func TestHTTPFrameErrors(t *testing.T) {
	srv := serve(t, NewMock(nil), nil)
	resp, err := http.Get(srv.URL + "/frame")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestHTTPExposureTime(t *testing.T) {
	m := NewMock(nil)
	srv := serve(t, m, nil)

	resp, err := http.Post(srv.URL+"/exposure-time?exposureTime=0.25", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	d, _ := m.Exposure()
	assert.Equal(t, 250*time.Millisecond, d)

	resp, err = http.Post(srv.URL+"/exposure-time", "application/json", strings.NewReader(`{"f64": 1.5}`))
	require.NoError(t, err)
	resp.Body.Close()
	d, _ = m.Exposure()
	assert.Equal(t, 1500*time.Millisecond, d)

	resp, err = http.Post(srv.URL+"/gain", "application/json", strings.NewReader(`{"int": 4}`))
	require.NoError(t, err)
	resp.Body.Close()
	g, _ := m.Gain()
	assert.Equal(t, 4, g)
}
