// Package testutil provides shared test fixtures: a migrated on-disk store,
// location records and HTTP request helpers.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/geotrack/internal/db"
	"github.com/banshee-data/geotrack/internal/geo"
	"github.com/banshee-data/geotrack/internal/timeutil"
)

// Epoch is the fixed start time used by fixtures.
var Epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// OpenDB opens a migrated database in a temporary directory. It is closed
// when the test ends.
func OpenDB(t testing.TB) *db.DB {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "geotrack.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

// NewLocationStore returns a location store over a fresh database.
func NewLocationStore(t testing.TB, clock timeutil.Clock) *db.LocationStore {
	t.Helper()
	return db.NewLocationStore(OpenDB(t), clock)
}

// Fix builds a fix at lat/lon with the given accuracy.
func Fix(lat, lon, accuracy float64, ts time.Time) geo.Fix {
	return geo.Fix{
		Coords:    geo.Coords{Latitude: lat, Longitude: lon, Accuracy: accuracy, Speed: -1, Heading: -1},
		Timestamp: ts,
	}
}

// Location builds a tracking record at lat/lon.
func Location(lat, lon float64, ts time.Time) *geo.Location {
	return geo.NewLocation(Fix(lat, lon, 5, ts), geo.EventTracking)
}

// Persist writes locs to s without retention bounds.
func Persist(t testing.TB, s *db.LocationStore, locs ...*geo.Location) {
	t.Helper()
	for _, loc := range locs {
		if _, err := s.Persist(loc, db.Retention{}); err != nil {
			t.Fatalf("failed to persist %s: %v", loc.UUID, err)
		}
	}
}

// PersistN writes n records spaced one minute apart and returns them.
func PersistN(t testing.TB, s *db.LocationStore, n int) []*geo.Location {
	t.Helper()
	out := make([]*geo.Location, n)
	for i := range out {
		out[i] = Location(37.5+float64(i)*0.001, -122.25, Epoch.Add(time.Duration(i)*time.Minute))
	}
	Persist(t, s, out...)
	return out
}

// AssertCount fails the test unless s holds want records.
func AssertCount(t testing.TB, s *db.LocationStore, want int) {
	t.Helper()
	got, err := s.Count()
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if got != want {
		t.Errorf("record count = %d, want %d", got, want)
	}
}

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t testing.TB, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// NewJSONRequest creates a test request carrying body as JSON.
func NewJSONRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// DecodeJSON decodes a recorded response body into v.
func DecodeJSON(t testing.TB, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
}
