package camera

import (
	"encoding/json"
	"go/types"
	"image"
	"image/jpeg"
	"image/png"
	"math"
	"net/http"
	"time"

	"github.com/astrogo/fitsio"
	"go.uber.org/zap"

	"github.com/fcichos/lab-control/generichttp"
	"github.com/fcichos/lab-control/imgrec"
	"github.com/fcichos/lab-control/util"
)

// HTTPWrapper provides HTTP bindings on top of a camera
type HTTPWrapper struct {
	Cam Camera

	RouteTable generichttp.RouteTable
}

// NewHTTPWrapper returns a new HTTP wrapper with the route table
// pre-configured.  Exposure, gain, and temperature routes are added when the
// camera is Configurable; recorder routes when rec is not nil.
func NewHTTPWrapper(cam Camera, rec *imgrec.Recorder, logger *zap.SugaredLogger) HTTPWrapper {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	w := HTTPWrapper{Cam: cam}
	rt := generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/frame"}: GetFrame(cam, rec, logger),
	}
	if c, ok := cam.(Configurable); ok {
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/exposure-time"}] = GetExposureTime(c)
		rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/exposure-time"}] = SetExposureTime(c)
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/gain"}] = generichttp.GetInt(c.Gain)
		rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/gain"}] = generichttp.SetInt(c.SetGain)
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/temperature"}] = generichttp.GetFloat(c.Temperature)
		rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/temperature"}] = generichttp.SetFloat(c.SetTemperature)
	}
	if rec != nil {
		imgrec.NewHTTPWrapper(rec).Inject(rt)
	}
	w.RouteTable = rt
	return w
}

// RT satisfies generichttp.HTTPer
func (h HTTPWrapper) RT() generichttp.RouteTable {
	return h.RouteTable
}

// SetExposureTime sets the exposure time on a POST request.
// it can be provided either as a query parameter exposureTime, formatted in a
// way that is parseable by golang/time.ParseDuration, or a json payload with
// key f64, holding the exposure time in seconds.
func SetExposureTime(c Configurable) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		texp := r.URL.Query().Get("exposureTime")
		var d time.Duration
		var err error
		if texp == "" {
			f := generichttp.FloatT{}
			err = json.NewDecoder(r.Body).Decode(&f)
			defer r.Body.Close()
			d = util.SecsToDuration(f.F64)
		} else {
			if util.AllElementsNumbers(texp) {
				texp = texp + "s"
			}
			d, err = time.ParseDuration(texp)
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = c.SetExposure(d)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetExposureTime gets the exposure time in seconds on a GET request
func GetExposureTime(c Configurable) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := c.Exposure()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := generichttp.HumanPayload{T: types.Float64, Float: d.Seconds()}
		hp.EncodeAndRespond(w, r)
	}
}

// GetFrame takes a picture and returns it on a GET request.
//
// the image format may be specified in the fmt query parameter as jpg, png,
// or fits; default to jpg.  jpg and png are stretched to 8 bits.
//
// fits frames are also handed to the recorder, which saves them if enabled.
func GetFrame(cam Camera, rec *imgrec.Recorder, logger *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		img, err := cam.AcquireImage(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		format := r.URL.Query().Get("fmt")
		if format == "" {
			format = "jpg"
		}
		switch format {
		case "jpg", "jpeg":
			w.Header().Set("Content-Type", "image/jpeg")
			w.WriteHeader(http.StatusOK)
			jpeg.Encode(w, Stretch(img), nil)
		case "png":
			w.Header().Set("Content-Type", "image/png")
			w.WriteHeader(http.StatusOK)
			png.Encode(w, Stretch(img))
		case "fits":
			cards := []fitsio.Card{}
			if carder, ok := cam.(MetadataMaker); ok {
				cards = carder.CollectHeaderMetadata()
			}
			if rec != nil {
				if fn, err := rec.Record(cards, img); err != nil {
					logger.Errorw("recording frame", "error", err)
				} else if fn != "" {
					logger.Debugf("recorded %s", fn)
				}
			}
			hdr := w.Header()
			hdr.Set("Content-Type", "image/fits")
			hdr.Set("Content-Disposition", "attachment; filename=image.fits")
			err = imgrec.WriteFits(w, cards, img)
			if err != nil {
				logger.Errorw("writing fits", "error", err)
			}
		default:
			http.Error(w, "format must be one of jpg, png, fits", http.StatusBadRequest)
		}
	}
}

// Stretch maps the intensity range of img linearly onto 8 bits
func Stretch(img image.Image) *image.Gray {
	b := img.Bounds()
	lo, hi := 1<<16, 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			v, _, _, _ := img.At(x, y).RGBA()
			lo = min(lo, int(v))
			hi = max(hi, int(v))
		}
	}
	out := image.NewGray(b)
	span := float64(hi - lo)
	if span == 0 {
		return out
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			v, _, _, _ := img.At(x, y).RGBA()
			out.Pix[out.PixOffset(x, y)] = uint8(255 * float64(int(v)-lo) / span)
		}
	}
	return out
}
