// This file implements the gatekeeper's view of one worker: the framed
// control connection plus the fd-passing pipe, translating
// gatekeeper2worker.py's Worker class, and the global timer fanout
// (§4.11's globalTimers map) translating Gatekeeper2WorkerConn's 'T'
// handling and timer_tick.
package control

import (
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Worker is the gatekeeper's handle to one spawned worker process: its
// fd-passing pipe and its framed control connection (queued until the
// worker actually dials back in, matching Worker.submit's buffering).
type Worker struct {
	log  zerolog.Logger
	pipe *os.File

	mu      sync.Mutex
	conn    net.Conn
	pending [][]byte
}

// NewWorker wraps pipe, the parent's end of the fd-passing socketpair for
// this worker.
func NewWorker(pipe *os.File, log zerolog.Logger) *Worker {
	return &Worker{log: log.With().Str("component", "control").Logger(), pipe: pipe}
}

// Connected records the worker's control connection and flushes anything
// queued while it was absent, the Go equivalent of Worker.connected.
func (w *Worker) Connected(conn net.Conn) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn = conn
	for _, msg := range w.pending {
		if _, err := conn.Write(msg); err != nil {
			w.log.Warn().Err(err).Msg("failed flushing queued control message")
		}
	}
	w.pending = nil
}

// Submit writes an already-framed control message to the worker, queueing
// it if the worker hasn't connected yet.
func (w *Worker) Submit(frame []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		w.log.Warn().Msg("tried writing to worker when it's not connected")
		w.pending = append(w.pending, frame)
		return
	}
	if _, err := w.conn.Write(frame); err != nil {
		w.log.Warn().Err(err).Msg("control write failed")
	}
}

// PassClientHandle sends cid and the buffered replay frames as a handoff
// envelope, then transfers fd via SCM_RIGHTS on the paired pipe — the Go
// equivalent of Worker.passClientHandle.
func (w *Worker) PassClientHandle(cid string, replay [][]byte, fd int) error {
	w.Submit(EncodeHandoff(cid, replay))
	return SendFD(w.pipe, fd)
}

// GlobalTimers fans global timer ticks out to every worker that has
// subscribed to a given timer id, the Go equivalent of
// gatekeeper2worker.py's global_timers map plus timer_tick.
type GlobalTimers struct {
	log zerolog.Logger

	mu      sync.Mutex
	workers map[string][]*Worker
	tickers map[string]*time.Ticker
	stop    map[string]chan struct{}
}

// NewGlobalTimers constructs an empty fanout table.
func NewGlobalTimers(log zerolog.Logger) *GlobalTimers {
	return &GlobalTimers{
		log:     log.With().Str("component", "control").Logger(),
		workers: make(map[string][]*Worker),
		tickers: make(map[string]*time.Ticker),
		stop:    make(map[string]chan struct{}),
	}
}

// Subscribe registers w for timer id with the given interval. The first
// subscriber for an id starts the ticker; later subscribers just join the
// fanout list, matching gatekeeper2worker.py's "only the first one with
// unique id will actually set the timer" comment.
func (g *GlobalTimers) Subscribe(id string, interval time.Duration, w *Worker) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.workers[id]; exists {
		g.workers[id] = append(g.workers[id], w)
		return
	}

	g.log.Info().Str("timer", id).Dur("interval", interval).Msg("registered new global timer")
	g.workers[id] = []*Worker{w}
	ticker := time.NewTicker(interval)
	stop := make(chan struct{})
	g.tickers[id] = ticker
	g.stop[id] = stop

	go g.run(id, ticker, stop)
}

func (g *GlobalTimers) run(id string, ticker *time.Ticker, stop chan struct{}) {
	for {
		select {
		case <-ticker.C:
			g.tick(id)
		case <-stop:
			ticker.Stop()
			return
		}
	}
}

func (g *GlobalTimers) tick(id string) {
	g.mu.Lock()
	subscribers := append([]*Worker{}, g.workers[id]...)
	g.mu.Unlock()

	frame := EncodeTimerTick(id)
	for _, w := range subscribers {
		w.Submit(frame)
	}
}

// Stop terminates every running timer ticker, used on supervisor shutdown.
func (g *GlobalTimers) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, stop := range g.stop {
		close(stop)
		delete(g.stop, id)
	}
}
