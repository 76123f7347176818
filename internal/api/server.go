// Package api serves the HTTP control surface of a running tracker: state
// and configuration, tracking control, the record queue, geofences, platform
// inputs and a live event stream.
package api

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/geotrack/internal/config"
	"github.com/banshee-data/geotrack/internal/db"
	"github.com/banshee-data/geotrack/internal/events"
	"github.com/banshee-data/geotrack/internal/geo"
	"github.com/banshee-data/geotrack/internal/httpsync"
	"github.com/banshee-data/geotrack/internal/httputil"
	"github.com/banshee-data/geotrack/internal/monitoring"
	"github.com/banshee-data/geotrack/internal/schedule"
	"github.com/banshee-data/geotrack/internal/timeutil"
	"github.com/banshee-data/geotrack/internal/tracker"
)

// ANSI escape codes for request logging
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

type Server struct {
	t     *tracker.Tracker
	bus   *events.Bus
	clock timeutil.Clock
}

func NewServer(t *tracker.Tracker, bus *events.Bus, clock timeutil.Clock) *Server {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Server{t: t, bus: bus, clock: clock}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Infof(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.streamEvents)

	mux.HandleFunc("/api/state", s.showState)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/config/reset", s.resetConfig)

	mux.HandleFunc("/api/start", s.control(s.t.Start))
	mux.HandleFunc("/api/stop", s.control(s.t.Stop))
	mux.HandleFunc("/api/start-geofences", s.control(s.t.StartGeofences))
	mux.HandleFunc("/api/schedule/start", s.control(s.t.StartSchedule))
	mux.HandleFunc("/api/schedule/stop", s.control(s.t.StopSchedule))
	mux.HandleFunc("/api/pace", s.changePace)
	mux.HandleFunc("/api/position", s.currentPosition)
	mux.HandleFunc("/api/odometer", s.handleOdometer)
	mux.HandleFunc("/api/sync", s.sync)

	mux.HandleFunc("/api/locations", s.handleLocations)
	mux.HandleFunc("/api/locations/count", s.countLocations)
	mux.HandleFunc("/api/locations/{uuid}", s.deleteLocation)

	mux.HandleFunc("/api/geofences", s.handleGeofences)
	mux.HandleFunc("/api/geofences/{id}", s.handleGeofence)

	mux.HandleFunc("/api/input/fix", s.inputFix)
	mux.HandleFunc("/api/input/activity", s.inputActivity)
	mux.HandleFunc("/api/input/acceleration", s.inputAcceleration)
	mux.HandleFunc("/api/input/region", s.inputRegion)
	mux.HandleFunc("/api/input/connectivity", s.inputConnectivity)
	mux.HandleFunc("/api/lifecycle/{phase}", s.lifecycle)
	return mux
}

// writeError maps tracker errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	var locErr *geo.LocationError
	switch {
	case errors.Is(err, geo.ErrPermissionDenied):
		httputil.WriteJSONError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, db.ErrGeofenceNotFound), errors.Is(err, sql.ErrNoRows):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, tracker.ErrDisabled), errors.Is(err, tracker.ErrGeofencesOnly),
		errors.Is(err, httpsync.ErrSyncInProgress):
		httputil.Conflict(w, err.Error())
	case errors.Is(err, geo.ErrInvalidGeofence), errors.Is(err, schedule.ErrInvalidSchedule),
		errors.Is(err, httpsync.ErrInvalidURL):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, geo.ErrTimeout):
		httputil.WriteJSONError(w, http.StatusGatewayTimeout, err.Error())
	case errors.As(err, &locErr), errors.Is(err, httpsync.ErrNoNetwork):
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, err.Error())
	case httpsync.StatusOf(err) != 0:
		httputil.WriteJSONError(w, http.StatusBadGateway, err.Error())
	default:
		httputil.InternalServerError(w, err.Error())
	}
}

// configResponse carries the resulting configuration and any keys that
// were rejected.
type configResponse struct {
	Config   *config.Config    `json:"config"`
	Rejected map[string]string `json:"rejected,omitempty"`
}

func writeConfig(w http.ResponseWriter, cfg *config.Config, err error) {
	var partial *config.UpdateError
	switch {
	case err == nil:
		httputil.WriteJSONOK(w, configResponse{Config: cfg})
	case errors.As(err, &partial):
		rejected := make(map[string]string, len(partial.Keys))
		for k, v := range partial.Keys {
			rejected[k] = v.Error()
		}
		httputil.WriteJSON(w, http.StatusBadRequest, configResponse{Config: cfg, Rejected: rejected})
	default:
		writeError(w, err)
	}
}
