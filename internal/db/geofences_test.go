package db

import (
	"compress/gzip"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/geotrack/internal/config"
	"github.com/banshee-data/geotrack/internal/geo"
)

func TestGeofenceStore(t *testing.T) {
	s := NewGeofenceStore(setupTestDB(t), nil)

	home := geo.Geofence{Identifier: "home", Latitude: 45.5, Longitude: -73.6, Radius: 200, NotifyOnEntry: true}
	work := geo.Geofence{Identifier: "work", Latitude: 45.51, Longitude: -73.55, Radius: 150, NotifyOnDwell: true, LoiteringDelay: 30000}
	require.NoError(t, s.Save(home, work))

	all, err := s.All()
	require.NoError(t, err)
	if diff := cmp.Diff([]geo.Geofence{home, work}, all); diff != "" {
		t.Errorf("All() mismatch (-want +got):\n%s", diff)
	}

	// Save replaces by identifier.
	home.Radius = 300
	require.NoError(t, s.Save(home))
	got, err := s.Get("home")
	require.NoError(t, err)
	assert.Equal(t, 300.0, got.Radius)

	ok, err := s.Exists("work")
	require.NoError(t, err)
	assert.True(t, ok)

	deleted, err := s.Delete("work")
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = s.Delete("work")
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = s.Get("work")
	assert.True(t, errors.Is(err, ErrGeofenceNotFound))

	require.NoError(t, s.DeleteAll())
	all, err = s.All()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSettingsBackConfigStore(t *testing.T) {
	db := setupTestDB(t)

	blob, err := db.LoadConfig()
	require.NoError(t, err)
	assert.Nil(t, blob)

	store, err := config.NewStore(db)
	require.NoError(t, err)
	_, err = store.Update(map[string]any{"url": "https://example.com/locations", "autoSyncThreshold": 5})
	require.NoError(t, err)

	reopened, err := config.NewStore(db)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/locations", reopened.Get().URL)
	assert.Equal(t, 5, reopened.Get().AutoSyncThreshold)
}

func TestServeBackup(t *testing.T) {
	db := setupTestDB(t)
	s := NewLocationStore(db, nil)
	_, err := s.Persist(newTestLocation(45), Retention{})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	db.serveBackup(rec, httptest.NewRequest(http.MethodGet, "/debug/backup", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	zr, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	data, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, "SQLite format 3\x00", string(data[:16]))
}
