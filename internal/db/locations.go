package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/geotrack/internal/geo"
	"github.com/banshee-data/geotrack/internal/monitoring"
	"github.com/banshee-data/geotrack/internal/timeutil"
)

// Order is the row order used when reading or checking out records.
type Order string

const (
	OrderAsc  Order = "ASC"
	OrderDesc Order = "DESC"
)

func (o Order) sql() string {
	if strings.EqualFold(string(o), string(OrderDesc)) {
		return "DESC"
	}
	return "ASC"
}

// Retention bounds the queue. Zero or negative values disable a bound.
type Retention struct {
	MaxRecords int
	MaxAge     time.Duration
}

// LocationRow is a persisted record with its queue metadata.
type LocationRow struct {
	ID        int64
	UUID      string
	Location  *geo.Location
	Locked    bool
	CreatedAt time.Time
}

// LocationStore is the durable FIFO of unsynchronised location records. Row
// lock state is only changed while holding mu so that concurrent checkouts
// never select the same row.
type LocationStore struct {
	db    *DB
	clock timeutil.Clock
	mu    sync.Mutex
}

// NewLocationStore returns a store over db.
func NewLocationStore(db *DB, clock timeutil.Clock) *LocationStore {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &LocationStore{db: db, clock: clock}
}

// RecoverLocks unlocks rows left locked by a sync pass that never finished,
// such as one interrupted by a crash.
func (s *LocationStore) RecoverLocks() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`UPDATE locations SET locked = 0 WHERE locked = 1`)
	if err != nil {
		return 0, wrapClosed(err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		monitoring.Infof("[store] recovered %d locked records", n)
	}
	return n, nil
}

// Persist inserts loc and then enforces the retention bounds, evicting the
// oldest rows first.
func (s *LocationStore) Persist(loc *geo.Location, keep Retention) (int64, error) {
	data, err := json.Marshal(loc)
	if err != nil {
		return 0, fmt.Errorf("failed to encode location: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`INSERT INTO locations (uuid, data, locked, created_at) VALUES (?, ?, 0, ?)`,
		loc.UUID, string(data), s.clock.Now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert location: %w", wrapClosed(err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	if keep.MaxAge > 0 {
		if _, err := s.purgeLocked(keep.MaxAge); err != nil {
			return id, err
		}
	}
	if keep.MaxRecords > 0 {
		if _, err := s.shrinkLocked(keep.MaxRecords); err != nil {
			return id, err
		}
	}
	return id, nil
}

// Purge deletes rows created more than maxAge ago.
func (s *LocationStore) Purge(maxAge time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.purgeLocked(maxAge)
}

func (s *LocationStore) purgeLocked(maxAge time.Duration) (int64, error) {
	cutoff := s.clock.Now().Add(-maxAge).UnixMilli()
	res, err := s.db.Exec(`DELETE FROM locations WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge locations: %w", wrapClosed(err))
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		monitoring.Debugf("[store] purged %d records older than %s", n, maxAge)
	}
	return n, nil
}

// Shrink deletes the oldest rows until at most max remain.
func (s *LocationStore) Shrink(max int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shrinkLocked(max)
}

func (s *LocationStore) shrinkLocked(max int) (int64, error) {
	total, err := s.count(`SELECT COUNT(*) FROM locations`)
	if err != nil {
		return 0, err
	}
	if total <= max {
		return 0, nil
	}
	res, err := s.db.Exec(`
		DELETE FROM locations WHERE id IN (
			SELECT id FROM locations ORDER BY id ASC LIMIT ?
		)`, total-max)
	if err != nil {
		return 0, fmt.Errorf("failed to shrink locations: %w", wrapClosed(err))
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		monitoring.Debugf("[store] evicted %d records over the %d record limit", n, max)
	}
	return n, nil
}

// LockBatch atomically marks up to limit unlocked rows as locked and returns
// them in queue order. A negative limit locks every unlocked row.
func (s *LocationStore) LockBatch(limit int, order Order) ([]LocationRow, error) {
	if limit == 0 {
		return nil, nil
	}
	if limit < 0 {
		limit = -1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, wrapClosed(err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(fmt.Sprintf(`
		UPDATE locations SET locked = 1
		WHERE id IN (
			SELECT id FROM locations WHERE locked = 0 ORDER BY id %s LIMIT ?
		)
		RETURNING id, uuid, data, locked, created_at`, order.sql()), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to lock batch: %w", err)
	}
	locked, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit lock: %w", err)
	}

	sort.Slice(locked, func(i, j int) bool {
		if order.sql() == "DESC" {
			return locked[i].ID > locked[j].ID
		}
		return locked[i].ID < locked[j].ID
	})
	return locked, nil
}

// Unlock returns rows to the unsynchronised pool.
func (s *LocationStore) Unlock(ids []int64) error {
	return s.execIDs(`UPDATE locations SET locked = 0 WHERE id IN (%s)`, ids)
}

// Destroy deletes rows by id.
func (s *LocationStore) Destroy(ids []int64) error {
	return s.execIDs(`DELETE FROM locations WHERE id IN (%s)`, ids)
}

func (s *LocationStore) execIDs(query string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(fmt.Sprintf(query, placeholders), args...); err != nil {
		return wrapClosed(err)
	}
	return nil
}

// DestroyByUUID deletes the record with the given uuid. Deleting an unknown
// uuid is not an error.
func (s *LocationStore) DestroyByUUID(uuid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM locations WHERE uuid = ?`, uuid)
	return wrapClosed(err)
}

// DestroyAll empties the queue.
func (s *LocationStore) DestroyAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM locations`)
	return wrapClosed(err)
}

// Count returns the number of stored rows.
func (s *LocationStore) Count() (int, error) {
	return s.count(`SELECT COUNT(*) FROM locations`)
}

// CountLocked returns the number of rows currently checked out.
func (s *LocationStore) CountLocked() (int, error) {
	return s.count(`SELECT COUNT(*) FROM locations WHERE locked = 1`)
}

// CountUnlocked returns the number of rows waiting to be synchronised.
func (s *LocationStore) CountUnlocked() (int, error) {
	return s.count(`SELECT COUNT(*) FROM locations WHERE locked = 0`)
}

func (s *LocationStore) count(query string) (int, error) {
	var n int
	if err := s.db.QueryRow(query).Scan(&n); err != nil {
		return 0, wrapClosed(err)
	}
	return n, nil
}

// All returns every row in the given order without changing lock state.
func (s *LocationStore) All(order Order) ([]LocationRow, error) {
	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT id, uuid, data, locked, created_at FROM locations ORDER BY id %s`, order.sql()))
	if err != nil {
		return nil, wrapClosed(err)
	}
	return scanRows(rows)
}

// Get returns the row for uuid.
func (s *LocationStore) Get(uuid string) (LocationRow, error) {
	rows, err := s.db.Query(
		`SELECT id, uuid, data, locked, created_at FROM locations WHERE uuid = ?`, uuid)
	if err != nil {
		return LocationRow{}, wrapClosed(err)
	}
	out, err := scanRows(rows)
	if err != nil {
		return LocationRow{}, err
	}
	if len(out) == 0 {
		return LocationRow{}, sql.ErrNoRows
	}
	return out[0], nil
}

func scanRows(rows *sql.Rows) ([]LocationRow, error) {
	defer rows.Close()

	var out []LocationRow
	for rows.Next() {
		var (
			r         LocationRow
			data      string
			createdAt int64
		)
		if err := rows.Scan(&r.ID, &r.UUID, &data, &r.Locked, &createdAt); err != nil {
			return nil, err
		}
		r.CreatedAt = time.UnixMilli(createdAt)
		r.Location = &geo.Location{}
		if err := json.Unmarshal([]byte(data), r.Location); err != nil {
			return nil, fmt.Errorf("failed to decode location %d: %w", r.ID, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ErrLeaseClosed is returned when a lease is committed or released twice.
var ErrLeaseClosed = errors.New("lease already closed")

// Lease is a checked-out batch of rows. Exactly one of Commit or Release
// should be called.
type Lease struct {
	store *LocationStore
	rows  []LocationRow

	mu     sync.Mutex
	closed bool
}

// Checkout locks up to limit rows and wraps them in a Lease. It returns nil
// when there is nothing to check out.
func (s *LocationStore) Checkout(limit int, order Order) (*Lease, error) {
	rows, err := s.LockBatch(limit, order)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &Lease{store: s, rows: rows}, nil
}

// Rows returns the leased rows.
func (l *Lease) Rows() []LocationRow { return l.rows }

// Len returns the number of leased rows.
func (l *Lease) Len() int { return len(l.rows) }

// Locations returns the leased records in queue order.
func (l *Lease) Locations() []*geo.Location {
	out := make([]*geo.Location, len(l.rows))
	for i, r := range l.rows {
		out[i] = r.Location
	}
	return out
}

func (l *Lease) ids() []int64 {
	ids := make([]int64, len(l.rows))
	for i, r := range l.rows {
		ids[i] = r.ID
	}
	return ids
}

func (l *Lease) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLeaseClosed
	}
	l.closed = true
	return nil
}

// Commit deletes the leased rows; they have been delivered.
func (l *Lease) Commit() error {
	if err := l.close(); err != nil {
		return err
	}
	return l.store.Destroy(l.ids())
}

// Release unlocks the leased rows so a later pass picks them up again.
func (l *Lease) Release() error {
	if err := l.close(); err != nil {
		return err
	}
	return l.store.Unlock(l.ids())
}
