// Package activity implements the audit queue described in §4.2: a single
// consumer goroutine drains queued records into one database transaction at
// a time, best-effort, modeled directly on activity.py's __keep_storing
// loop (condition variable, batch drain, shutdown sentinel).
package activity

import (
	"context"
	"database/sql"
	"sync"

	"github.com/CZ-NIC/ucollect/internal/clock"
	"github.com/rs/zerolog"
)

// TxnFunc is a unit of work applied inside the consumer's transaction, the
// Go counterpart of activity.py's pushTxn closures (e.g. the proto-1
// active_plugins -> plugin_history archival on disconnect).
type TxnFunc func(tx *sql.Tx) error

type item struct {
	cid      string
	activity string
	txn      TxnFunc
	shutdown bool
}

// Queue is the lazily-started audit queue consumer.
type Queue struct {
	db    *sql.DB
	clock *clock.Source
	log   zerolog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	pending []item
	started bool
	done    chan struct{}
}

// New constructs a Queue. The consumer goroutine is not started until the
// first Push call, mirroring activity.py's lazy thread start.
func New(db *sql.DB, clk *clock.Source, log zerolog.Logger) *Queue {
	q := &Queue{db: db, clock: clk, log: log.With().Str("component", "activity").Logger()}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// PushRecord enqueues a simple activity row for cid.
func (q *Queue) PushRecord(cid, activityName string) {
	q.push(item{cid: cid, activity: activityName})
}

// PushTxn enqueues an arbitrary closure to run with a transaction cursor,
// the Go equivalent of activity.py callers that pass a DB closure instead of
// a plain (client, activity) tuple.
func (q *Queue) PushTxn(fn TxnFunc) {
	q.push(item{txn: fn})
}

func (q *Queue) push(it item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.started {
		q.started = true
		q.done = make(chan struct{})
		go q.run()
	}
	q.pending = append(q.pending, it)
	q.cond.Signal()
}

// Shutdown pushes the sentinel record and waits for the consumer to drain
// and exit, mirroring activity.py's shutdown(): push (None, 'shutdown') then
// thread.join().
func (q *Queue) Shutdown() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, item{shutdown: true})
	done := q.done
	q.cond.Signal()
	q.mu.Unlock()

	<-done
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.pending) == 0 {
			q.cond.Wait()
		}
		batch := q.pending
		q.pending = nil
		q.mu.Unlock()

		stop := q.apply(batch)
		if stop {
			return
		}
	}
}

// apply drains one batch into a single transaction, best-effort: failures
// are logged and the batch is dropped, never retried.
func (q *Queue) apply(batch []item) (stop bool) {
	tx, err := q.db.BeginTx(context.Background(), nil)
	if err != nil {
		q.log.Error().Err(err).Msg("audit queue: failed to open transaction, dropping batch")
		for _, it := range batch {
			if it.shutdown {
				return true
			}
		}
		return false
	}

	ok := true
	for _, it := range batch {
		if it.shutdown {
			stop = true
			continue
		}
		if it.txn != nil {
			if err := it.txn(tx); err != nil {
				q.log.Error().Err(err).Msg("audit queue: txn closure failed")
				ok = false
				break
			}
			continue
		}
		_, err := tx.Exec(
			`INSERT INTO activities (client, activity, timestamp) VALUES ($1, $2, $3)`,
			it.cid, it.activity, q.clock.Now(),
		)
		if err != nil {
			q.log.Error().Err(err).Str("cid", it.cid).Str("activity", it.activity).Msg("audit queue: insert failed")
			ok = false
			break
		}
	}

	if !ok {
		_ = tx.Rollback()
		return stop
	}
	if err := tx.Commit(); err != nil {
		q.log.Error().Err(err).Msg("audit queue: commit failed")
	}
	return stop
}
