// This file implements the worker-side half of the client session: the
// live per-frame dispatcher that runs after a client has been handed off
// from the gatekeeper, translating client_worker.py's ClientWorkerConn.
package session

import (
	"crypto/rand"
	"database/sql"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/CZ-NIC/ucollect/internal/activity"
	"github.com/CZ-NIC/ucollect/internal/allowlist"
	"github.com/CZ-NIC/ucollect/internal/clock"
	"github.com/CZ-NIC/ucollect/internal/plugin"
	"github.com/CZ-NIC/ucollect/internal/wire"
	"github.com/rs/zerolog"
)

// legacyPlugins is the proto-0 default effective-available set, matching
// ClientWorkerConn's __available_plugins default.
var legacyPlugins = map[string]uint16{
	"Badconf": 1,
	"Buckets": 1,
	"Count":   1,
	"Sniff":   1,
}

const (
	fastPingInterval   = 45 * time.Second
	normalPingInterval = 120 * time.Second
	maxMissedPings     = 3
)

type activePluginInfo struct {
	version uint16
	md5     [16]byte
}

// WorkerSession owns one client's live connection after handoff. It
// satisfies plugin.Session so the plugin registry can address it directly.
type WorkerSession struct {
	conn     net.Conn
	writeMu  sync.Mutex
	cid      string
	fastPing bool

	registry  *plugin.Registry
	allowList *allowlist.AllowList
	audit     *activity.Queue
	clock     *clock.Source
	log       zerolog.Logger

	mu             sync.Mutex
	proto          byte
	cookie         []byte
	lastPong       time.Time
	missedPings    int
	effective      map[string]uint16
	active         map[string]activePluginInfo
	pingStop       chan struct{}
	closedOnce     sync.Once
	subscribedList bool
}

// NewWorkerSession constructs a session for cid, still pre-'H'.
func NewWorkerSession(conn net.Conn, cid string, fastPing bool, registry *plugin.Registry, allowList *allowlist.AllowList, audit *activity.Queue, clk *clock.Source, log zerolog.Logger) *WorkerSession {
	return &WorkerSession{
		conn:      conn,
		cid:       cid,
		fastPing:  fastPing,
		registry:  registry,
		allowList: allowList,
		audit:     audit,
		clock:     clk,
		log:       log.With().Str("component", "session.worker").Str("cid", cid).Logger(),
		effective: make(map[string]uint16),
		active:    make(map[string]activePluginInfo),
		pingStop:  make(chan struct{}),
	}
}

// CID implements plugin.Session.
func (s *WorkerSession) CID() string { return s.cid }

// LastPong implements plugin.Session.
func (s *WorkerSession) LastPong() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPong
}

// PluginVersion implements plugin.Session, reporting the effective
// (negotiated/legacy-default) available version for name.
func (s *WorkerSession) PluginVersion(name string) (uint16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.effective[name]
	return v, ok
}

// Send implements plugin.Session: writes one frame to the client, guarded
// by a mutex since plugins may call it from their own goroutines.
func (s *WorkerSession) Send(op wire.Opcode, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wire.WriteFrame(s.conn, op, payload)
}

// RecheckVersions implements allowlist.Subscriber. It only logs the
// allow-list change; the previously advertised plugin set is not
// re-evaluated here, and activations are recomputed only by handleVersions
// when a 'V' frame arrives.
func (s *WorkerSession) RecheckVersions() {
	s.log.Debug().Msg("allow-list changed, rechecking versions")
}

// Run replays the frames buffered by the gatekeeper (in order) and then
// reads live frames from the adopted connection until it closes or is
// aborted.
func (s *WorkerSession) Run(replay [][]byte) error {
	for _, raw := range replay {
		f, err := decodeOne(raw)
		if err != nil {
			s.log.Warn().Err(err).Msg("dropping malformed replayed frame")
			continue
		}
		s.dispatch(f)
	}

	reader := wire.NewReader(s.conn, wire.MaxFrameWorker)
	for {
		f, err := reader.ReadFrame()
		if err != nil {
			s.disconnect()
			return err
		}
		s.dispatch(f)
	}
}

func decodeOne(raw []byte) (wire.Frame, error) {
	if len(raw) < 1 {
		return wire.Frame{}, fmt.Errorf("session: empty replayed frame")
	}
	return wire.Frame{Op: wire.Opcode(raw[0]), Payload: raw[1:]}, nil
}

func (s *WorkerSession) dispatch(f wire.Frame) {
	switch f.Op {
	case wire.OpHello:
		s.handleHello(f.Payload)
	case wire.OpSessionCookie:
		s.handleCookie(f.Payload)
	case wire.OpPing:
		_ = s.Send(wire.OpPong, f.Payload)
	case wire.OpPong:
		s.handlePong()
	case wire.OpRouted:
		s.handleRouted(f.Payload)
	case wire.OpPluginVersions:
		s.handleVersions(f.Payload)
	default:
		s.log.Warn().Str("op", string(f.Op)).Msg("unexpected opcode")
	}
}

// handleHello processes 'H', starting the pinger, writing a login activity
// record, and registering the session into the plugin registry — proto 0
// is assumed to carry the four legacy plugins at version 1 (§4.8).
func (s *WorkerSession) handleHello(payload []byte) {
	proto := byte(0)
	if len(payload) >= 1 {
		proto = payload[0]
	}

	s.mu.Lock()
	s.proto = proto
	s.lastPong = s.clock.Now()
	if proto == 0 {
		for name, v := range legacyPlugins {
			s.effective[name] = v
		}
	}
	s.mu.Unlock()

	s.startPinger()
	s.audit.PushRecord(s.cid, "login")

	if !s.registry.RegisterClient(s, s.clock.Now()) {
		s.log.Warn().Msg("registerClient refused: an active session for this cid already exists")
		_ = s.conn.Close()
		return
	}
	if s.allowList != nil {
		s.allowList.Subscribe(s)
	}
}

// handleCookie processes 'S', a 4-byte opaque session cookie.
func (s *WorkerSession) handleCookie(payload []byte) {
	if len(payload) != 4 {
		s.log.Warn().Int("len", len(payload)).Msg("protocol violation: wrong-length session cookie")
		return
	}
	s.mu.Lock()
	s.cookie = append([]byte{}, payload...)
	s.mu.Unlock()
}

func (s *WorkerSession) handlePong() {
	s.mu.Lock()
	s.missedPings = 0
	s.lastPong = s.clock.Now()
	s.mu.Unlock()
}

func (s *WorkerSession) handleRouted(payload []byte) {
	name, rest, err := wire.TakeString(payload)
	if err != nil {
		s.log.Warn().Err(err).Msg("malformed routed frame")
		return
	}
	s.registry.Route(name, rest, s)
}

// startPinger launches the periodic 'P' sender; three consecutive un-ponged
// intervals abort the connection (§4.8, §5).
func (s *WorkerSession) startPinger() {
	interval := normalPingInterval
	if s.fastPing {
		interval = fastPingInterval
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.mu.Lock()
				s.missedPings++
				missed := s.missedPings
				s.mu.Unlock()
				if missed > maxMissedPings {
					s.log.Warn().Msg("ping watchdog exceeded, aborting connection")
					_ = s.conn.Close()
					return
				}
				var nonce [4]byte
				_, _ = rand.Read(nonce[:])
				if err := s.Send(wire.OpPing, nonce[:]); err != nil {
					return
				}
			case <-s.pingStop:
				return
			}
		}
	}()
}

// disconnect runs once: stops the pinger, leaves the plugin registry,
// archives active_plugins into plugin_history, logs a logout activity
// record, and closes the transport. Mirrors ClientWorkerConn.connectionLost.
func (s *WorkerSession) disconnect() {
	s.closedOnce.Do(func() {
		close(s.pingStop)
		s.registry.UnregisterClient(s)
		if s.allowList != nil {
			s.allowList.Unsubscribe(s)
		}

		cid := s.cid
		s.audit.PushTxn(func(tx *sql.Tx) error {
			if _, err := tx.Exec(`INSERT INTO plugin_history (client, plugin, version, hash)
				SELECT client, plugin, version, hash FROM active_plugins WHERE client = $1`, cid); err != nil {
				return err
			}
			_, err := tx.Exec(`DELETE FROM active_plugins WHERE client = $1`, cid)
			return err
		})
		s.audit.PushRecord(cid, "logout")

		_ = s.conn.Close()
	})
}
