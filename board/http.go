package board

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"

	"github.com/fcichos/lab-control/generichttp"
	"github.com/fcichos/lab-control/generichttp/ascii"
)

// requestTimeout bounds board I/O made on behalf of an HTTP request
const requestTimeout = 3 * time.Second

// HTTPWrapper provides HTTP bindings on top of a board
type HTTPWrapper struct {
	Board Board

	RouteTable generichttp.RouteTable
}

// NewHTTPWrapper returns a new HTTP wrapper with the route table pre-configured.
// Parameter and raw routes are added when the board supports them.
func NewHTTPWrapper(b Board) HTTPWrapper {
	w := HTTPWrapper{Board: b}
	rt := generichttp.RouteTable{
		{Method: http.MethodPost, Path: "/power"}: generichttp.SetFloat(w.setPower),
	}
	if pr, ok := b.(PowerReporter); ok {
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/power"}] = generichttp.GetFloat(pr.Power)
	}
	if pw, ok := b.(ParameterWriter); ok {
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/parameter/{n}"}] = GetParameter(pw)
		rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/parameter/{n}"}] = SetParameter(pw)
	}
	if raw, ok := b.(ascii.RawCommunicator); ok {
		ascii.InjectRawComm(rt, raw)
	}
	w.RouteTable = rt
	return w
}

// RT satisfies generichttp.HTTPer
func (h HTTPWrapper) RT() generichttp.RouteTable {
	return h.RouteTable
}

func (h HTTPWrapper) setPower(pct float64) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	return h.Board.ApplyCommand(ctx, pct)
}

func paramNumber(w http.ResponseWriter, r *http.Request) (int, bool) {
	n, err := strconv.Atoi(chi.URLParam(r, "n"))
	if err != nil {
		http.Error(w, "parameter number must be an integer", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

// GetParameter reads the parameter named in the URL
func GetParameter(pw ParameterWriter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, ok := paramNumber(w, r)
		if !ok {
			return
		}
		generichttp.GetFloat(func() (float64, error) {
			return pw.Parameter(r.Context(), n)
		})(w, r)
	}
}

// SetParameter writes {"f64": value} to the parameter named in the URL
func SetParameter(pw ParameterWriter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, ok := paramNumber(w, r)
		if !ok {
			return
		}
		f := generichttp.FloatT{}
		err := json.NewDecoder(r.Body).Decode(&f)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = pw.SetParameter(r.Context(), n, f.F64)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
