package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/geotrack/internal/config"
	"github.com/banshee-data/geotrack/internal/db"
	"github.com/banshee-data/geotrack/internal/events"
	"github.com/banshee-data/geotrack/internal/geo"
	"github.com/banshee-data/geotrack/internal/httpsync"
	"github.com/banshee-data/geotrack/internal/httputil"
	"github.com/banshee-data/geotrack/internal/testutil"
	"github.com/banshee-data/geotrack/internal/timeutil"
	"github.com/banshee-data/geotrack/internal/tracker"
)

type testServer struct {
	svc *tracker.Services
	tr  *tracker.Tracker
	mux *http.ServeMux
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	clock := timeutil.NewMockClock(testutil.Epoch)
	svc, err := tracker.Open(filepath.Join(t.TempDir(), "geotrack.db"), clock)
	if err != nil {
		t.Fatalf("failed to open services: %v", err)
	}
	tr := tracker.New(svc, tracker.Platform{
		Client:   httputil.NewMockHTTPClient(),
		TimeZone: time.UTC,
	})
	t.Cleanup(func() {
		tr.Close()
		svc.Close()
	})
	return &testServer{svc: svc, tr: tr, mux: NewServer(tr, svc.Bus, clock).ServeMux()}
}

func (s *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, testutil.NewJSONRequest(method, path, body))
	return w
}

func TestShowState(t *testing.T) {
	s := setupTestServer(t)

	w := s.do(http.MethodGet, "/api/state", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var cfg config.Config
	testutil.DecodeJSON(t, w, &cfg)
	if cfg.Enabled {
		t.Error("expected tracking to be disabled initially")
	}
	if cfg.DistanceFilter != 10 {
		t.Errorf("distanceFilter = %v, want 10", cfg.DistanceFilter)
	}

	w = s.do(http.MethodDelete, "/api/state", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusMethodNotAllowed)
}

func TestHandleConfig(t *testing.T) {
	s := setupTestServer(t)

	w := s.do(http.MethodPost, "/api/config", `{"distanceFilter": 5}`)
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var resp configResponse
	testutil.DecodeJSON(t, w, &resp)
	if resp.Config.DistanceFilter != 5 {
		t.Errorf("distanceFilter = %v, want 5", resp.Config.DistanceFilter)
	}

	w = s.do(http.MethodPost, "/api/config", `{"stationaryRadius": 50, "url": "ftp://example.com"}`)
	testutil.AssertStatusCode(t, w.Code, http.StatusBadRequest)
	resp = configResponse{}
	testutil.DecodeJSON(t, w, &resp)
	if _, ok := resp.Rejected["url"]; !ok {
		t.Errorf("expected url to be rejected, got %v", resp.Rejected)
	}
	if resp.Config.StationaryRadius != 50 {
		t.Errorf("stationaryRadius = %v, want 50", resp.Config.StationaryRadius)
	}

	w = s.do(http.MethodPost, "/api/config", `{not json`)
	testutil.AssertStatusCode(t, w.Code, http.StatusBadRequest)

	w = s.do(http.MethodPost, "/api/config/reset", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	resp = configResponse{}
	testutil.DecodeJSON(t, w, &resp)
	if resp.Config.DistanceFilter != 10 || resp.Config.StationaryRadius != 25 {
		t.Errorf("reset did not restore defaults: %+v", resp.Config)
	}
}

func TestStartStop(t *testing.T) {
	s := setupTestServer(t)

	w := s.do(http.MethodPost, "/api/start", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var state config.State
	testutil.DecodeJSON(t, w, &state)
	if !state.Enabled || state.TrackingMode != config.TrackingModeLocation {
		t.Errorf("unexpected state after start: %+v", state)
	}

	w = s.do(http.MethodGet, "/api/start", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusMethodNotAllowed)

	w = s.do(http.MethodPost, "/api/stop", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	state = config.State{}
	testutil.DecodeJSON(t, w, &state)
	if state.Enabled {
		t.Error("expected tracking to be disabled after stop")
	}
}

func TestChangePace_Disabled(t *testing.T) {
	s := setupTestServer(t)

	w := s.do(http.MethodPost, "/api/pace", `{"isMoving": true}`)
	testutil.AssertStatusCode(t, w.Code, http.StatusConflict)
}

func TestOdometer(t *testing.T) {
	s := setupTestServer(t)

	w := s.do(http.MethodPut, "/api/odometer", `{"odometer": 12.5}`)
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)

	w = s.do(http.MethodGet, "/api/odometer", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var body map[string]float64
	testutil.DecodeJSON(t, w, &body)
	if body["odometer"] != 12.5 {
		t.Errorf("odometer = %v, want 12.5", body["odometer"])
	}

	w = s.do(http.MethodPut, "/api/odometer", `{"odometer": -1}`)
	testutil.AssertStatusCode(t, w.Code, http.StatusBadRequest)
}

func TestLocations(t *testing.T) {
	s := setupTestServer(t)

	w := s.do(http.MethodGet, "/api/locations", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	if got := strings.TrimSpace(w.Body.String()); got != "[]" {
		t.Errorf("empty queue body = %q, want []", got)
	}

	w = s.do(http.MethodPost, "/api/locations", `{"coords": {"latitude": 37.5, "longitude": -122.25, "accuracy": 5}}`)
	testutil.AssertStatusCode(t, w.Code, http.StatusCreated)
	var created map[string]string
	testutil.DecodeJSON(t, w, &created)
	id := created["uuid"]
	if id == "" {
		t.Fatal("expected a uuid")
	}

	w = s.do(http.MethodGet, "/api/locations/count", "")
	var count map[string]int
	testutil.DecodeJSON(t, w, &count)
	if count["count"] != 1 {
		t.Errorf("count = %d, want 1", count["count"])
	}

	w = s.do(http.MethodGet, "/api/locations", "")
	var locs []geo.Location
	testutil.DecodeJSON(t, w, &locs)
	if len(locs) != 1 || locs[0].UUID != id || !locs[0].Timestamp.Equal(testutil.Epoch) {
		t.Errorf("unexpected records %+v", locs)
	}

	w = s.do(http.MethodDelete, "/api/locations/"+id, "")
	testutil.AssertStatusCode(t, w.Code, http.StatusNoContent)

	w = s.do(http.MethodGet, "/api/locations/count", "")
	count = nil
	testutil.DecodeJSON(t, w, &count)
	if count["count"] != 0 {
		t.Errorf("count = %d, want 0", count["count"])
	}
}

func TestGeofences(t *testing.T) {
	s := setupTestServer(t)

	w := s.do(http.MethodPost, "/api/geofences",
		`[{"identifier": "home", "latitude": 37.5, "longitude": -122.25, "radius": 100}]`)
	testutil.AssertStatusCode(t, w.Code, http.StatusCreated)

	w = s.do(http.MethodGet, "/api/geofences/home", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var g geo.Geofence
	testutil.DecodeJSON(t, w, &g)
	if !g.NotifyOnEntry || !g.NotifyOnExit {
		t.Errorf("expected entry and exit notifications by default: %+v", g)
	}

	w = s.do(http.MethodPost, "/api/geofences", `[{"identifier": "bad", "latitude": 0, "longitude": 0, "radius": 0}]`)
	testutil.AssertStatusCode(t, w.Code, http.StatusBadRequest)

	w = s.do(http.MethodDelete, "/api/geofences/home", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusNoContent)

	w = s.do(http.MethodDelete, "/api/geofences/home", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusNotFound)

	w = s.do(http.MethodGet, "/api/geofences/home", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusNotFound)
}

func TestInputs(t *testing.T) {
	s := setupTestServer(t)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"fix", "/api/input/fix", `{"coords": {"latitude": 37.5, "longitude": -122.25, "accuracy": 5}}`, http.StatusAccepted},
		{"activity", "/api/input/activity", `{"activity": "walking", "confidence": 80}`, http.StatusAccepted},
		{"missing activity", "/api/input/activity", `{}`, http.StatusBadRequest},
		{"acceleration", "/api/input/acceleration", `{"samples": [1.0, 1.02, 0.98]}`, http.StatusAccepted},
		{"region", "/api/input/region", `{"identifier": "home", "action": "ENTER"}`, http.StatusAccepted},
		{"bad region action", "/api/input/region", `{"identifier": "home", "action": "LEAVE"}`, http.StatusBadRequest},
		{"connectivity", "/api/input/connectivity", `{"connected": false}`, http.StatusAccepted},
		{"bad json", "/api/input/fix", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(http.MethodPost, tt.path, tt.body)
			testutil.AssertStatusCode(t, w.Code, tt.status)
		})
	}
}

func TestInputConnectivity_GatesSync(t *testing.T) {
	s := setupTestServer(t)
	w := s.do(http.MethodPost, "/api/config", `{"url": "https://example.com/locations", "autoSync": false}`)
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)

	w = s.do(http.MethodPost, "/api/input/connectivity", `{"connected": false, "cellular": true}`)
	testutil.AssertStatusCode(t, w.Code, http.StatusAccepted)
	deadline := time.Now().Add(time.Second)
	for s.do(http.MethodPost, "/api/sync", "").Code != http.StatusServiceUnavailable {
		if time.Now().After(deadline) {
			t.Fatal("sync still allowed after connectivity was lost")
		}
		time.Sleep(5 * time.Millisecond)
	}

	w = s.do(http.MethodPost, "/api/input/connectivity", `{"connected": true, "cellular": true}`)
	testutil.AssertStatusCode(t, w.Code, http.StatusAccepted)
	for s.do(http.MethodPost, "/api/sync", "").Code != http.StatusOK {
		if time.Now().After(deadline.Add(time.Second)) {
			t.Fatal("sync still refused after connectivity was restored")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLifecycle(t *testing.T) {
	s := setupTestServer(t)

	for _, phase := range []string{"suspend", "resume"} {
		w := s.do(http.MethodPost, "/api/lifecycle/"+phase, "")
		testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	}
	w := s.do(http.MethodPost, "/api/lifecycle/hibernate", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusNotFound)
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{geo.ErrPermissionDenied, http.StatusForbidden},
		{fmt.Errorf("wrapped: %w", db.ErrGeofenceNotFound), http.StatusNotFound},
		{tracker.ErrDisabled, http.StatusConflict},
		{tracker.ErrGeofencesOnly, http.StatusConflict},
		{httpsync.ErrSyncInProgress, http.StatusConflict},
		{httpsync.ErrInvalidURL, http.StatusBadRequest},
		{geo.ErrTimeout, http.StatusGatewayTimeout},
		{geo.ErrLocationUnknown, http.StatusServiceUnavailable},
		{httpsync.ErrNoNetwork, http.StatusServiceUnavailable},
		{&httpsync.HTTPError{Status: 500}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			w := httptest.NewRecorder()
			writeError(w, tt.err)
			testutil.AssertStatusCode(t, w.Code, tt.status)
		})
	}
}

func TestStreamEvents(t *testing.T) {
	s := setupTestServer(t)
	srv := httptest.NewServer(s.mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events failed: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	lines := bufio.NewScanner(resp.Body)
	if !lines.Scan() || lines.Text() != ": ping" {
		t.Fatalf("expected ping, got %q", lines.Text())
	}

	events.Publish(s.svc.Bus, events.OnEnabledChange, true)

	var got []string
	for lines.Scan() {
		if lines.Text() == "" {
			if len(got) > 0 {
				break
			}
			continue
		}
		got = append(got, lines.Text())
	}
	want := []string{"event: enabledchange", "data: true"}
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Errorf("frame = %q, want %q", got, want)
	}
}
