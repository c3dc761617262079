// Package allowlist implements the plugin-version allow-list of §4.13,
// translating plugin_versions.py's __cache/__update_cache/__propagate_cache
// trio: a 5-minute reload of `known_plugins WHERE status='allowed'` into an
// in-memory set, queried by (name, version, hash) with the four wildcard
// combinations plugin_versions.py's check_version tries, and a subscriber
// set (a plain map; subscribers remove themselves with Unsubscribe) that
// gets told to recheck when the allow-list changes.
package allowlist

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const reloadSchedule = "@every 5m"

// key is a (version, hash) pair; hasVersion/hasHash false represents the
// "any" wildcard plugin_versions.py's check_version matches against. Plain
// pointer fields would compare by address rather than value as a map key,
// so presence is tracked with explicit booleans instead.
type key struct {
	version    uint16
	hasVersion bool
	hash       string
	hasHash    bool
}

// Subscriber is recheck-notified when the allow-list changes, the Go
// equivalent of plugin_versions.py's weakref.WeakSet of client sessions.
type Subscriber interface {
	RecheckVersions()
}

// AllowList caches known_plugins rows with status='allowed'.
type AllowList struct {
	db  *sql.DB
	log zerolog.Logger

	mu          sync.Mutex
	sets        map[string]map[key]struct{}
	subscribers map[Subscriber]struct{}

	cron *cron.Cron
}

// New constructs an AllowList. Call Start to begin the periodic reload.
func New(db *sql.DB, log zerolog.Logger) *AllowList {
	return &AllowList{
		db:          db,
		log:         log.With().Str("component", "allowlist").Logger(),
		sets:        make(map[string]map[key]struct{}),
		subscribers: make(map[Subscriber]struct{}),
	}
}

// Start loads the allow-list once synchronously and then reloads on
// reloadSchedule until Stop is called.
func (a *AllowList) Start(ctx context.Context) error {
	if err := a.reload(ctx); err != nil {
		return err
	}
	a.cron = cron.New()
	if _, err := a.cron.AddFunc(reloadSchedule, func() {
		if err := a.reload(ctx); err != nil {
			a.log.Error().Err(err).Msg("allow-list reload failed, keeping previous set")
		}
	}); err != nil {
		return err
	}
	a.cron.Start()
	return nil
}

// Stop terminates the reload schedule.
func (a *AllowList) Stop() {
	if a.cron != nil {
		a.cron.Stop()
	}
}

func (a *AllowList) reload(ctx context.Context) error {
	rows, err := a.db.QueryContext(ctx, `SELECT name, version, hash, status FROM known_plugins WHERE status = 'allowed'`)
	if err != nil {
		return err
	}
	defer rows.Close()

	next := make(map[string]map[key]struct{})
	for rows.Next() {
		var name, status string
		var version sql.NullInt64
		var hash sql.NullString
		if err := rows.Scan(&name, &version, &hash, &status); err != nil {
			return err
		}
		k := key{}
		if version.Valid {
			k.version = uint16(version.Int64)
			k.hasVersion = true
		}
		if hash.Valid {
			k.hash = hash.String
			k.hasHash = true
		}
		if next[name] == nil {
			next[name] = make(map[key]struct{})
		}
		next[name][k] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	changed := !equalSets(a.sets, next)
	a.sets = next
	subs := make([]Subscriber, 0, len(a.subscribers))
	for s := range a.subscribers {
		subs = append(subs, s)
	}
	a.mu.Unlock()

	if changed {
		for _, s := range subs {
			s := s
			// plugin_versions.py delays propagation by
			// reactor.callLater(1, ...) to let a burst of allow-list rows
			// settle before clients are told to recheck.
			time.AfterFunc(time.Second, s.RecheckVersions)
		}
	}
	return nil
}

// IsAllowed reports whether (name, version, hash) matches any of the four
// (v,h), (nil,h), (v,nil), (nil,nil) candidates in the allow-list, exactly
// as plugin_versions.py's check_version does.
func (a *AllowList) IsAllowed(name string, version uint16, hash string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	set, ok := a.sets[name]
	if !ok {
		return false
	}

	candidates := []key{
		{version: version, hasVersion: true, hash: hash, hasHash: true},
		{hash: hash, hasHash: true},
		{version: version, hasVersion: true},
		{},
	}
	for _, c := range candidates {
		if _, ok := set[c]; ok {
			return true
		}
	}
	return false
}

// Subscribe registers s to be notified via RecheckVersions whenever the
// allow-list changes.
func (a *AllowList) Subscribe(s Subscriber) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subscribers[s] = struct{}{}
}

// Unsubscribe removes s, called when a session disconnects.
func (a *AllowList) Unsubscribe(s Subscriber) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.subscribers, s)
}

func equalSets(a, b map[string]map[key]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for name, aset := range a {
		bset, ok := b[name]
		if !ok || len(aset) != len(bset) {
			return false
		}
		for k := range aset {
			if _, ok := bset[k]; !ok {
				return false
			}
		}
	}
	return true
}
