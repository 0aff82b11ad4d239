package control

import (
	"encoding/json"
	"net/http"

	"github.com/fcichos/lab-control/generichttp"
)

// Supervisor owns a feedback loop and its controller across restarts
type Supervisor interface {
	// StartFeedback builds a controller with the gains and starts a loop
	// regulating toward target
	StartFeedback(g Gains, target float64) error

	// StopFeedback stops the loop, if any
	StopFeedback() error

	// FeedbackStatistics returns the statistics of the current or last loop
	FeedbackStatistics() Statistics

	// SetSetpoint changes the target while running
	SetSetpoint(Setpoint) error

	// Setpoint returns the active setpoint
	Setpoint() (Setpoint, bool)

	// SetGains retunes the controller
	SetGains(Gains) error

	// Gains returns the controller gains
	Gains() Gains

	// ResetController clears the integral and derivative memory
	ResetController() error
}

// StartRequest is the body of POST /start.  Omitted fields keep their
// current values.
type StartRequest struct {
	Kp     *float64 `json:"kp"`
	Ki     *float64 `json:"ki"`
	Kd     *float64 `json:"kd"`
	Target *float64 `json:"target"`
}

// HTTPWrapper exposes a Supervisor over HTTP
type HTTPWrapper struct {
	Sup Supervisor

	RouteTable generichttp.RouteTable
}

// NewHTTPWrapper returns a new HTTP wrapper with the route table pre-configured
func NewHTTPWrapper(s Supervisor) HTTPWrapper {
	w := HTTPWrapper{Sup: s}
	w.RouteTable = generichttp.RouteTable{
		{Method: http.MethodPost, Path: "/start"}:    w.Start,
		{Method: http.MethodPost, Path: "/stop"}:     generichttp.Action(s.StopFeedback),
		{Method: http.MethodGet, Path: "/setpoint"}:  w.GetSetpoint,
		{Method: http.MethodPost, Path: "/setpoint"}: w.SetSetpoint,
		{Method: http.MethodGet, Path: "/stats"}:     w.Stats,
		{Method: http.MethodGet, Path: "/gains"}:     w.GetGains,
		{Method: http.MethodPost, Path: "/gains"}:    w.SetGains,
		{Method: http.MethodPost, Path: "/reset"}:    generichttp.Action(s.ResetController),
	}
	return w
}

// RT satisfies generichttp.HTTPer
func (h HTTPWrapper) RT() generichttp.RouteTable {
	return h.RouteTable
}

// Start starts the loop with the gains and target in the request body
func (h HTTPWrapper) Start(w http.ResponseWriter, r *http.Request) {
	req := StartRequest{}
	if r.ContentLength != 0 {
		err := json.NewDecoder(r.Body).Decode(&req)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	g := h.Sup.Gains()
	if req.Kp != nil {
		g.Kp = *req.Kp
	}
	if req.Ki != nil {
		g.Ki = *req.Ki
	}
	if req.Kd != nil {
		g.Kd = *req.Kd
	}
	sp, _ := h.Sup.Setpoint()
	target := sp.Target
	if req.Target != nil {
		target = *req.Target
	}
	err := h.Sup.StartFeedback(g, target)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetSetpoint returns the active setpoint as JSON
func (h HTTPWrapper) GetSetpoint(w http.ResponseWriter, r *http.Request) {
	sp, ok := h.Sup.Setpoint()
	if !ok {
		http.Error(w, "no setpoint defined", http.StatusNotFound)
		return
	}
	generichttp.RespondJSON(w, sp)
}

// SetSetpoint replaces the setpoint with the JSON body
func (h HTTPWrapper) SetSetpoint(w http.ResponseWriter, r *http.Request) {
	sp := Setpoint{}
	err := json.NewDecoder(r.Body).Decode(&sp)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if sp.Parameter == "" {
		http.Error(w, "setpoint parameter must not be empty", http.StatusBadRequest)
		return
	}
	err = h.Sup.SetSetpoint(sp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Stats returns the loop statistics as JSON
func (h HTTPWrapper) Stats(w http.ResponseWriter, r *http.Request) {
	generichttp.RespondJSON(w, h.Sup.FeedbackStatistics())
}

// GetGains returns the controller gains as JSON
func (h HTTPWrapper) GetGains(w http.ResponseWriter, r *http.Request) {
	generichttp.RespondJSON(w, h.Sup.Gains())
}

// SetGains retunes the controller from a JSON body {"kp", "ki", "kd"}
func (h HTTPWrapper) SetGains(w http.ResponseWriter, r *http.Request) {
	g := h.Sup.Gains()
	err := json.NewDecoder(r.Body).Decode(&g)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = h.Sup.SetGains(g)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
