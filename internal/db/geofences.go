package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/banshee-data/geotrack/internal/geo"
	"github.com/banshee-data/geotrack/internal/timeutil"
)

// ErrGeofenceNotFound is returned by GeofenceStore.Get for unknown identifiers.
var ErrGeofenceNotFound = errors.New("geofence not found")

// GeofenceStore persists geofence definitions keyed by identifier.
type GeofenceStore struct {
	db    *DB
	clock timeutil.Clock
}

func NewGeofenceStore(db *DB, clock timeutil.Clock) *GeofenceStore {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &GeofenceStore{db: db, clock: clock}
}

// Save inserts or replaces geofences in a single transaction.
func (s *GeofenceStore) Save(fences ...geo.Geofence) error {
	tx, err := s.db.Begin()
	if err != nil {
		return wrapClosed(err)
	}
	defer tx.Rollback()

	now := s.clock.Now().UnixMilli()
	for _, g := range fences {
		data, err := json.Marshal(g)
		if err != nil {
			return fmt.Errorf("failed to encode geofence %s: %w", g.Identifier, err)
		}
		if _, err := tx.Exec(`
			INSERT INTO geofences (identifier, latitude, longitude, radius, data, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(identifier) DO UPDATE SET
				latitude = excluded.latitude,
				longitude = excluded.longitude,
				radius = excluded.radius,
				data = excluded.data`,
			g.Identifier, g.Latitude, g.Longitude, g.Radius, string(data), now,
		); err != nil {
			return fmt.Errorf("failed to save geofence %s: %w", g.Identifier, err)
		}
	}
	return tx.Commit()
}

// Delete removes a geofence and reports whether it existed.
func (s *GeofenceStore) Delete(identifier string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM geofences WHERE identifier = ?`, identifier)
	if err != nil {
		return false, wrapClosed(err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteAll removes every geofence.
func (s *GeofenceStore) DeleteAll() error {
	_, err := s.db.Exec(`DELETE FROM geofences`)
	return wrapClosed(err)
}

// Get returns one geofence.
func (s *GeofenceStore) Get(identifier string) (geo.Geofence, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM geofences WHERE identifier = ?`, identifier).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return geo.Geofence{}, fmt.Errorf("%w: %s", ErrGeofenceNotFound, identifier)
	}
	if err != nil {
		return geo.Geofence{}, wrapClosed(err)
	}
	var g geo.Geofence
	if err := json.Unmarshal([]byte(data), &g); err != nil {
		return geo.Geofence{}, fmt.Errorf("failed to decode geofence %s: %w", identifier, err)
	}
	return g, nil
}

// Exists reports whether identifier is stored.
func (s *GeofenceStore) Exists(identifier string) (bool, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM geofences WHERE identifier = ?`, identifier).Scan(&n); err != nil {
		return false, wrapClosed(err)
	}
	return n > 0, nil
}

// All returns every geofence ordered by identifier.
func (s *GeofenceStore) All() ([]geo.Geofence, error) {
	rows, err := s.db.Query(`SELECT data FROM geofences ORDER BY identifier`)
	if err != nil {
		return nil, wrapClosed(err)
	}
	defer rows.Close()

	var out []geo.Geofence
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var g geo.Geofence
		if err := json.Unmarshal([]byte(data), &g); err != nil {
			return nil, fmt.Errorf("failed to decode geofence: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}
