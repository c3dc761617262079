// Package clock provides the DB-backed wall clock used by the audit queue
// and activity timestamps, grounded on database.py's module-level connection
// singleton: rather than asking PostgreSQL for NOW() on every insert, a
// single query result is cached briefly so that every row written during one
// burst of activity shares an identical timestamp.
package clock

import (
	"database/sql"
	"sync"
	"time"
)

const cacheTTL = 2 * time.Second

// Source caches the database's UTC clock for cacheTTL.
type Source struct {
	db *sql.DB

	mu      sync.Mutex
	cached  time.Time
	fetched time.Time
}

// New creates a Source backed by db.
func New(db *sql.DB) *Source {
	return &Source{db: db}
}

// Now returns the DB's UTC clock, reusing the last fetched value if it is
// still within cacheTTL. Falls back to the local process clock if the query
// fails, since a stalled clock source must never block the event loop.
func (s *Source) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.fetched.IsZero() && time.Since(s.fetched) < cacheTTL {
		return s.cached
	}

	var now time.Time
	err := s.db.QueryRow("SELECT NOW() AT TIME ZONE 'UTC'").Scan(&now)
	if err != nil {
		return time.Now().UTC()
	}

	s.cached = now
	s.fetched = time.Now()
	return now
}
