// This file implements the gatekeeper-side half of the client session
// state machine: challenge issuance, login parsing, authenticator
// submission, pre-auth frame buffering and the eventual handoff to a
// worker, translating client_master.py's ClientMasterConn.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"net"
	"sync"
	"time"

	"github.com/CZ-NIC/ucollect/internal/authclient"
	"github.com/CZ-NIC/ucollect/internal/wire"
	"github.com/rs/zerolog"
)

// HandoffFunc performs the actual cross-process handoff to the worker shard
// at workerIndex: send the framed replay envelope, then transfer the client
// fd via SCM_RIGHTS. The session computes workerIndex itself, as
// fnv-1a(cid) mod numWorkers (see workerIndex).
type HandoffFunc func(cid string, replay [][]byte, workerIndex int)

// GatekeeperSession drives one inbound TCP connection from TLS-terminated
// bytes through challenge/response and authentication, up to the point
// where it is hashed to a worker shard and handed off.
type GatekeeperSession struct {
	conn       net.Conn
	reader     *wire.Reader
	auth       *authclient.Client
	handoff    HandoffFunc
	numWorkers int
	log        zerolog.Logger

	mu        sync.Mutex
	state     State
	challenge [16]byte
	cid       string
	replay    [][]byte

	loginTimer *time.Timer
}

// NewGatekeeperSession wraps conn (already TLS-terminated, cleartext framed
// bytes) for the challenge/auth handshake.
func NewGatekeeperSession(conn net.Conn, auth *authclient.Client, numWorkers int, handoff HandoffFunc, log zerolog.Logger) *GatekeeperSession {
	return &GatekeeperSession{
		conn:       conn,
		reader:     wire.NewReader(conn, wire.MaxFrameGatekeeper),
		auth:       auth,
		handoff:    handoff,
		numWorkers: numWorkers,
		log:        log.With().Str("component", "session.gatekeeper").Logger(),
		state:      ChallengeSent,
	}
}

// Run sends the challenge and then blocks reading frames until the session
// is handed off, aborted by a protocol violation, or the connection closes.
// Intended to be run in its own goroutine per accepted connection.
func (s *GatekeeperSession) Run() error {
	if _, err := rand.Read(s.challenge[:]); err != nil {
		return fmt.Errorf("session: generating challenge: %w", err)
	}
	if err := wire.WriteFrame(s.conn, wire.OpChallenge, s.challenge[:]); err != nil {
		return fmt.Errorf("session: sending challenge: %w", err)
	}

	s.loginTimer = time.AfterFunc(LoginDeadline*time.Second, s.onLoginTimeout)
	defer s.loginTimer.Stop()

	for {
		f, err := s.reader.ReadFrame()
		if err != nil {
			return err
		}
		if done := s.handleFrame(f); done {
			return nil
		}
	}
}

func (s *GatekeeperSession) onLoginTimeout() {
	s.mu.Lock()
	stillWaiting := s.state == ChallengeSent
	s.mu.Unlock()
	if stillWaiting {
		s.log.Warn().Msg("login deadline exceeded, aborting")
		_ = s.conn.Close()
	}
}

// handleFrame dispatches one frame according to the current state and
// reports whether the session loop should stop (handoff occurred or the
// connection is being abandoned).
func (s *GatekeeperSession) handleFrame(f wire.Frame) bool {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch state {
	case ChallengeSent:
		return s.handleLogin(f)
	case AwaitingAuth, Authenticated:
		s.bufferFrame(f)
		return false
	default:
		return true
	}
}

// handleLogin processes the 'L' frame expected in ChallengeSent, matching
// client_master.py's stringReceived 'L' handling.
func (s *GatekeeperSession) handleLogin(f wire.Frame) bool {
	if f.Op != wire.OpLogin {
		s.log.Warn().Str("op", string(f.Op)).Msg("protocol violation: expected login frame")
		s.rejectLogin()
		return true
	}
	if len(f.Payload) < 1 {
		s.rejectLogin()
		return true
	}
	versionByte := f.Payload[0]
	if versionByte != 'O' {
		s.log.Warn().Uint8("version", versionByte).Msg("unknown login mechanism")
		s.rejectLogin()
		return true
	}

	rest := f.Payload[1:]
	cid, rest, err := wire.TakeString(rest)
	if err != nil {
		s.rejectLogin()
		return true
	}
	response, _, err := wire.TakeString(rest)
	if err != nil {
		s.rejectLogin()
		return true
	}

	s.mu.Lock()
	s.cid = cid
	s.state = AwaitingAuth
	s.mu.Unlock()

	hexChallenge := hex.EncodeToString(s.challenge[:])
	hexResponse := hex.EncodeToString([]byte(response))

	s.auth.Auth(s.onAuthResult, cid, hexChallenge, hexResponse)
	return false
}

func (s *GatekeeperSession) rejectLogin() {
	_ = wire.WriteFrame(s.conn, wire.OpLoginFailure, nil)
	s.mu.Lock()
	s.state = Closed
	s.mu.Unlock()
}

// onAuthResult is the authenticator callback. On YES it hands the client off
// to a worker immediately and unconditionally, matching client_master.py's
// auth_finished: passClientHandle is called the instant allowed is True,
// with no gating on any particular frame (in particular not on 'H') having
// arrived first. Whatever frames raced in over the wire during the
// asynchronous auth round-trip are already sitting in s.replay via
// bufferFrame and travel with the handoff; the common case is none at all.
func (s *GatekeeperSession) onAuthResult(allowed bool) {
	s.mu.Lock()
	if !allowed {
		s.state = Closed
		s.mu.Unlock()
		_ = wire.WriteFrame(s.conn, wire.OpLoginFailure, nil)
		return
	}
	s.state = Authenticated
	cid := s.cid
	replay := s.replay
	s.mu.Unlock()

	idx := workerIndex(cid, s.numWorkers)
	s.handoff(cid, replay, idx)

	s.mu.Lock()
	s.state = Closed
	s.mu.Unlock()
	// Unblocks the Run loop's ReadFrame: the client fd was already duplicated
	// into the worker by s.handoff, so closing this end doesn't affect it.
	_ = s.conn.Close()
}

// bufferFrame appends f to the replay list for eventual handoff. Handoff
// itself is triggered by onAuthResult, not by any frame arriving here, so
// this simply accumulates whatever shows up while authentication is in
// flight.
func (s *GatekeeperSession) bufferFrame(f wire.Frame) {
	encoded := append([]byte{byte(f.Op)}, f.Payload...)
	s.mu.Lock()
	s.replay = append(s.replay, encoded)
	s.mu.Unlock()
}

// workerIndex hashes cid to a worker shard in [0, numWorkers), the Go
// equivalent of client_master.py's cid_hash = hash(cid); worker = cid_hash %
// len(workers). fnv-1a is used as a concrete, stable substitute for
// Python's built-in hash().
func workerIndex(cid string, numWorkers int) int {
	if numWorkers <= 0 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(cid))
	return int(h.Sum32() % uint32(numWorkers))
}
