// Package ascii contains an injectable HTTP interface to line-oriented ASCII hardware
package ascii

import (
	"context"
	"encoding/json"
	"go/types"
	"net/http"
	"strings"
	"time"

	"github.com/fcichos/lab-control/generichttp"
)

// Timeout bounds one raw exchange made on behalf of an HTTP request
var Timeout = 3 * time.Second

// RawCommunicator sends one line and returns the reply
type RawCommunicator interface {
	Raw(context.Context, string) (string, error)
}

// ValidCommand reports whether s is a single non-empty line.  A command with
// an embedded terminator would reach the device as several commands.
func ValidCommand(s string) bool {
	return strings.TrimSpace(s) != "" && !strings.ContainsAny(s, "\r\n")
}

// HTTPRaw returns a handler that forwards {"str": cmd} to the device and
// replies with its response.  The exchange ends when the client goes away or
// Timeout elapses.
func HTTPRaw(comm RawCommunicator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		str := generichttp.StrT{}
		err := json.NewDecoder(r.Body).Decode(&str)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if !ValidCommand(str.Str) {
			http.Error(w, "raw command must be a single non-empty line", http.StatusBadRequest)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), Timeout)
		defer cancel()
		resp, err := comm.Raw(ctx, str.Str)
		if err != nil {
			code := http.StatusInternalServerError
			if ctx.Err() == context.DeadlineExceeded {
				code = http.StatusGatewayTimeout
			}
			http.Error(w, err.Error(), code)
			return
		}
		hp := generichttp.HumanPayload{T: types.String, String: resp}
		hp.EncodeAndRespond(w, r)
	}
}

// InjectRawComm injects a /raw POST route into the route table
func InjectRawComm(rt generichttp.RouteTable, raw RawCommunicator) {
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/raw"}] = HTTPRaw(raw)
}
