package lab

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"

	"github.com/fcichos/lab-control/board"
	"github.com/fcichos/lab-control/camera"
	"github.com/fcichos/lab-control/control"
	"github.com/fcichos/lab-control/generichttp"
	"github.com/fcichos/lab-control/generichttp/locker"
)

// connectTimeout bounds hardware connection made on behalf of an HTTP request
const connectTimeout = 10 * time.Second

func connectHandler(fcn func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), connectTimeout)
		defer cancel()
		if err := fcn(ctx); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func connectedHandler(fcn func() bool) http.HandlerFunc {
	return generichttp.GetBool(func() (bool, error) { return fcn(), nil })
}

// cameraRoutes are the camera routes plus connection management
func (a *App) cameraRoutes() generichttp.RouteTable {
	rt := camera.NewHTTPWrapper(&a.cam, a.rec, a.logger.Named("camera-http")).RT()
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/connect"}] = connectHandler(a.ConnectCamera)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/disconnect"}] = generichttp.Action(a.DisconnectCamera)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/connected"}] = connectedHandler(a.CameraConnected)
	return rt
}

// boardRoutes are the board routes plus connection management.  Manual power
// goes through the App so it cannot fight a running loop.
func (a *App) boardRoutes() generichttp.RouteTable {
	rt := board.NewHTTPWrapper(&a.brd).RT()
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/power"}] = generichttp.SetFloat(func(pct float64) error {
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		return a.SetLaserPower(ctx, pct)
	})
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/connect"}] = connectHandler(a.ConnectBoard)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/disconnect"}] = generichttp.Action(a.DisconnectBoard)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/connected"}] = connectedHandler(a.BoardConnected)
	return rt
}

// pipelineRoutes expose image analysis without the loop
func (a *App) pipelineRoutes() generichttp.RouteTable {
	return generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/features"}: func(w http.ResponseWriter, r *http.Request) {
			_, feats, err := a.LatestImage(r.Context())
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			generichttp.RespondJSON(w, feats)
		},
		{Method: http.MethodGet, Path: "/last-features"}: func(w http.ResponseWriter, r *http.Request) {
			generichttp.RespondJSON(w, a.LatestFeatures())
		},
	}
}

// BuildMux mounts every subsystem of the App under its own stem, each with a
// lock, and lists the endpoints at /endpoints
func BuildMux(a *App) chi.Router {
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	supergraph := map[string][]string{}
	nodes := []struct {
		stem string
		rt   generichttp.RouteTable
	}{
		{"camera", a.cameraRoutes()},
		{"board", a.boardRoutes()},
		{"pipeline", a.pipelineRoutes()},
		{"feedback", control.NewHTTPWrapper(a).RT()},
	}
	for _, node := range nodes {
		hndlS := generichttp.SubMuxSanitize(node.stem)
		lock := locker.New()
		locker.Inject(node.rt, lock)
		supergraph[hndlS] = node.rt.Endpoints()

		r := chi.NewRouter()
		r.Use(lock.Check)
		node.rt.Bind(r)
		root.Mount(hndlS, r)
	}
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		err := json.NewEncoder(w).Encode(supergraph)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return root
}
