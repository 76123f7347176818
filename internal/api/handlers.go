package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/banshee-data/geotrack/internal/config"
	"github.com/banshee-data/geotrack/internal/geo"
	"github.com/banshee-data/geotrack/internal/httputil"
	"github.com/banshee-data/geotrack/internal/location"
	"github.com/banshee-data/geotrack/internal/tracker"
)

const maxBody = 1 << 20

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(v); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid JSON body: %v", err))
		return false
	}
	return true
}

func (s *Server) showState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.t.GetState())
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSONOK(w, configResponse{Config: s.t.GetState()})
	case http.MethodPatch, http.MethodPost:
		var changes map[string]any
		if !decode(w, r, &changes) {
			return
		}
		cfg, err := s.t.SetConfig(r.Context(), changes)
		writeConfig(w, cfg, err)
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) resetConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var overrides map[string]any
	if r.ContentLength != 0 && !decode(w, r, &overrides) {
		return
	}
	cfg, err := s.t.Reset(r.Context(), overrides)
	writeConfig(w, cfg, err)
}

// control adapts a state-changing tracker operation into a POST handler
// that answers with the resulting state.
func (s *Server) control(op func(context.Context) (*config.Config, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		cfg, err := op(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		httputil.WriteJSONOK(w, cfg.State)
	}
}

func (s *Server) changePace(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var body struct {
		IsMoving bool `json:"isMoving"`
	}
	if !decode(w, r, &body) {
		return
	}
	if err := s.t.ChangePace(r.Context(), body.IsMoving); err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, s.t.GetState().State)
}

type positionRequest struct {
	Samples         int            `json:"samples"`
	DesiredAccuracy float64        `json:"desiredAccuracy"`
	Timeout         int            `json:"timeout"`    // milliseconds
	MaximumAge      int            `json:"maximumAge"` // milliseconds
	Persist         *bool          `json:"persist"`
	Extras          map[string]any `json:"extras"`
}

func (s *Server) currentPosition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var body positionRequest
	if r.ContentLength != 0 && !decode(w, r, &body) {
		return
	}
	req := tracker.PositionRequest{
		Request: location.Request{
			Samples:         body.Samples,
			DesiredAccuracy: body.DesiredAccuracy,
			Timeout:         time.Duration(body.Timeout) * time.Millisecond,
			MaximumAge:      time.Duration(body.MaximumAge) * time.Millisecond,
		},
		Persist: body.Persist == nil || *body.Persist,
		Extras:  body.Extras,
	}
	rec, err := s.t.GetCurrentPosition(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, rec)
}

func (s *Server) handleOdometer(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSONOK(w, map[string]float64{"odometer": s.t.GetOdometer()})
	case http.MethodPut, http.MethodPost:
		var body struct {
			Odometer float64 `json:"odometer"`
		}
		if !decode(w, r, &body) {
			return
		}
		if err := s.t.SetOdometer(r.Context(), body.Odometer); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, map[string]float64{"odometer": s.t.GetOdometer()})
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) sync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	recs, err := s.t.Sync(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []*geo.Location{}
	}
	httputil.WriteJSONOK(w, recs)
}

func (s *Server) handleLocations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		recs, err := s.t.GetLocations(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		if recs == nil {
			recs = []*geo.Location{}
		}
		httputil.WriteJSONOK(w, recs)
	case http.MethodPost:
		var rec geo.Location
		if !decode(w, r, &rec) {
			return
		}
		id, err := s.t.InsertLocation(r.Context(), &rec)
		if err != nil {
			writeError(w, err)
			return
		}
		httputil.WriteJSON(w, http.StatusCreated, map[string]string{"uuid": id})
	case http.MethodDelete:
		if err := s.t.DestroyLocations(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) countLocations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	n, err := s.t.GetCount(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]int{"count": n})
}

func (s *Server) deleteLocation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		httputil.MethodNotAllowed(w)
		return
	}
	if err := s.t.DestroyLocation(r.Context(), r.PathValue("uuid")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGeofences(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSONOK(w, s.t.GetGeofences())
	case http.MethodPost:
		var fences []geo.Geofence
		if !decode(w, r, &fences) {
			return
		}
		if err := s.t.AddGeofences(r.Context(), fences...); err != nil {
			writeError(w, err)
			return
		}
		httputil.WriteJSON(w, http.StatusCreated, s.t.GetGeofences())
	case http.MethodDelete:
		if err := s.t.RemoveGeofences(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) handleGeofence(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	switch r.Method {
	case http.MethodGet:
		g, err := s.t.GetGeofence(id)
		if err != nil {
			writeError(w, err)
			return
		}
		httputil.WriteJSONOK(w, g)
	case http.MethodPut:
		var g geo.Geofence
		if !decode(w, r, &g) {
			return
		}
		g.Identifier = id
		if err := s.t.AddGeofence(r.Context(), g); err != nil {
			writeError(w, err)
			return
		}
		g, _ = s.t.GetGeofence(id)
		httputil.WriteJSONOK(w, g)
	case http.MethodDelete:
		if err := s.t.RemoveGeofence(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		httputil.MethodNotAllowed(w)
	}
}

type fixInput struct {
	Coords    geo.Coords `json:"coords"`
	Timestamp time.Time  `json:"timestamp"`
	Mock      bool       `json:"mock"`
}

func (in fixInput) fix(now time.Time) geo.Fix {
	if in.Timestamp.IsZero() {
		in.Timestamp = now
	}
	return geo.Fix{Coords: in.Coords, Timestamp: in.Timestamp, Mock: in.Mock}
}

func (s *Server) inputFix(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var in fixInput
	if !decode(w, r, &in) {
		return
	}
	s.t.HandleFix(in.fix(s.clock.Now()))
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) inputActivity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var in struct {
		Activity   string `json:"activity"`
		Confidence int    `json:"confidence"`
	}
	if !decode(w, r, &in) {
		return
	}
	if in.Activity == "" {
		httputil.BadRequest(w, "activity is required")
		return
	}
	s.t.HandleActivity(in.Activity, in.Confidence)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) inputAcceleration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var in struct {
		Samples []float64 `json:"samples"` // g
	}
	if !decode(w, r, &in) {
		return
	}
	for _, m := range in.Samples {
		s.t.HandleAcceleration(m)
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) inputRegion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var in struct {
		Identifier string             `json:"identifier"`
		Action     geo.GeofenceAction `json:"action"`
		fixInput
	}
	if !decode(w, r, &in) {
		return
	}
	switch in.Action {
	case geo.ActionEnter, geo.ActionExit, geo.ActionDwell:
	default:
		httputil.BadRequest(w, fmt.Sprintf("unknown action %q", in.Action))
		return
	}
	s.t.HandleRegionEvent(in.Identifier, in.Action, in.fix(s.clock.Now()))
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) inputConnectivity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var in struct {
		Connected bool `json:"connected"`
		Cellular  bool `json:"cellular"`
	}
	if !decode(w, r, &in) {
		return
	}
	s.t.HandleConnectivity(in.Connected, in.Cellular)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var err error
	switch phase := r.PathValue("phase"); phase {
	case "suspend":
		err = s.t.OnSuspend(r.Context())
	case "resume":
		err = s.t.OnResume(r.Context())
	case "terminate":
		err = s.t.OnTerminate(r.Context())
	default:
		httputil.NotFound(w, fmt.Sprintf("unknown lifecycle phase %q", phase))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, s.t.GetState().State)
}
