// Package imgrec contains an image recorder used to automatically save frames to disk.
package imgrec

import (
	"encoding/json"
	"fmt"
	"go/types"
	"image"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/astrogo/fitsio"

	"github.com/fcichos/lab-control/generichttp"
)

// Recorder records image sequences with incrementing filenames in yyyy-mm-dd
// subfolders of Root.  It is safe for concurrent use.
type Recorder struct {
	mu sync.Mutex

	// root is the root path
	root string

	// prefix is the prefix for the filenames
	prefix string

	// enabled gates Record
	enabled bool
}

// New returns a recorder writing <root>/<yyyy-mm-dd>/<prefix><nnnnnn>.fits
func New(root, prefix string, enabled bool) *Recorder {
	return &Recorder{root: root, prefix: prefix, enabled: enabled}
}

// Root returns the root folder
func (r *Recorder) Root() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.root
}

// SetRoot changes the root folder, creating it if needed
func (r *Recorder) SetRoot(root string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.root = root
	_, err := r.mkDir()
	return err
}

// Prefix returns the filename prefix
func (r *Recorder) Prefix() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.prefix
}

// SetPrefix changes the filename prefix
func (r *Recorder) SetPrefix(prefix string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefix = prefix
	return nil
}

// Enabled returns true if Record writes files
func (r *Recorder) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled && r.root != ""
}

// SetEnabled turns recording on or off
func (r *Recorder) SetEnabled(b bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = b
	return nil
}

// mkDir makes today's folder and returns it
func (r *Recorder) mkDir() (string, error) {
	fldr := filepath.Join(r.root, time.Now().Format("2006-01-02"))
	err := os.MkdirAll(fldr, 0777)
	return fldr, err
}

// next scans the folder for the highest counter with our prefix and returns one more
func (r *Recorder) next(fldr string) (int, error) {
	files, err := os.ReadDir(fldr)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, file := range files {
		// skip directories, non-fits, and wrong prefix
		if file.IsDir() {
			continue
		}
		fn := file.Name()
		if !strings.HasSuffix(fn, ".fits") || !strings.HasPrefix(fn, r.prefix) {
			continue
		}
		bit := strings.TrimSuffix(strings.TrimPrefix(fn, r.prefix), ".fits")
		n, err := strconv.Atoi(bit)
		if err != nil {
			continue
		}
		if count < n {
			count = n
		}
	}
	return count + 1, nil
}

// Record writes the images to the next file in sequence and returns its path.
// A disabled recorder writes nothing and returns "".
func (r *Recorder) Record(metadata []fitsio.Card, imgs ...image.Image) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.enabled || r.root == "" {
		return "", nil
	}
	fldr, err := r.mkDir()
	if err != nil {
		return "", err
	}
	n, err := r.next(fldr)
	if err != nil {
		return "", err
	}
	fn := filepath.Join(fldr, fmt.Sprintf("%s%06d.fits", r.prefix, n))
	fid, err := os.Create(fn)
	if err != nil {
		return "", err
	}
	defer fid.Close()
	return fn, WriteFits(fid, metadata, imgs...)
}

// HTTPWrapper is an HTTP wrapper around an image recorder that allows the
// folder and prefix to be changed on the fly
//
// it does not implement generichttp.HTTPer, offering an Inject method allowing it to be injected
// into another HTTPer
type HTTPWrapper struct {
	*Recorder
}

// NewHTTPWrapper returns an HTTP wrapper around a recorder
func NewHTTPWrapper(r *Recorder) HTTPWrapper {
	return HTTPWrapper{r}
}

// SetRootHTTP updates the root folder of the recorder
func (h HTTPWrapper) SetRootHTTP(w http.ResponseWriter, r *http.Request) {
	str := generichttp.StrT{}
	err := json.NewDecoder(r.Body).Decode(&str)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = h.Recorder.SetRoot(str.Str)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetEnabledHTTP returns whether the recorder writes files
func (h HTTPWrapper) GetEnabledHTTP(w http.ResponseWriter, r *http.Request) {
	hp := generichttp.HumanPayload{T: types.Bool, Bool: h.Recorder.Enabled()}
	hp.EncodeAndRespond(w, r)
}

// Inject adds GET and POST routes for /autowrite/root, /autowrite/prefix and
// /autowrite/enabled to the route table
func (h HTTPWrapper) Inject(rt generichttp.RouteTable) {
	rec := h.Recorder
	str := func(f func() string) func() (string, error) {
		return func() (string, error) { return f(), nil }
	}
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/root"}] = h.SetRootHTTP
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/root"}] = generichttp.GetString(str(rec.Root))
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/prefix"}] = generichttp.SetString(rec.SetPrefix)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/prefix"}] = generichttp.GetString(str(rec.Prefix))
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/enabled"}] = generichttp.SetBool(rec.SetEnabled)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/enabled"}] = h.GetEnabledHTTP
}
