// Package plugins holds the legacy proto-0 plugin stubs: Badconf, Buckets,
// Count and Sniff, the four modules ClientWorkerConn assumes at version 1
// when a client never negotiates plugin versions (§4.8). Their wire
// dialects are plugin-private and out of scope (spec.md Non-goals); these
// implementations host just enough behavior to exercise the registry and
// routing contract end to end.
package plugins

import (
	"sync"

	"github.com/CZ-NIC/ucollect/internal/plugin"
	"github.com/rs/zerolog"
)

// Count tallies how many routed messages each connected client has sent it,
// the simplest possible plugin body: register, count, disconnect.
type Count struct {
	log zerolog.Logger

	mu     sync.Mutex
	counts map[string]uint64
}

// NewCount constructs and registers a Count plugin.
func NewCount(registry *plugin.Registry, log zerolog.Logger) *Count {
	p := &Count{log: log.With().Str("plugin", "Count").Logger(), counts: make(map[string]uint64)}
	registry.Register(p)
	return p
}

func (p *Count) Name() string { return "Count" }

func (p *Count) ClientConnected(s plugin.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[s.CID()] = 0
}

func (p *Count) ClientDisconnected(s plugin.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.counts, s.CID())
}

func (p *Count) MessageFromClient(payload []byte, s plugin.Session) {
	p.mu.Lock()
	p.counts[s.CID()]++
	n := p.counts[s.CID()]
	p.mu.Unlock()
	p.log.Trace().Str("cid", s.CID()).Uint64("count", n).Msg("message counted")
}

// Buckets is a placeholder host for the bucket-hash anomaly detector: it
// accepts and logs reports without attempting to reproduce the detector's
// own math, which is out of scope here.
type Buckets struct {
	log zerolog.Logger
}

func NewBuckets(registry *plugin.Registry, log zerolog.Logger) *Buckets {
	p := &Buckets{log: log.With().Str("plugin", "Buckets").Logger()}
	registry.Register(p)
	return p
}

func (p *Buckets) Name() string { return "Buckets" }
func (p *Buckets) ClientConnected(s plugin.Session) {
	p.log.Debug().Str("cid", s.CID()).Msg("client connected")
}
func (p *Buckets) ClientDisconnected(s plugin.Session) {
	p.log.Debug().Str("cid", s.CID()).Msg("client disconnected")
}
func (p *Buckets) MessageFromClient(payload []byte, s plugin.Session) {
	p.log.Trace().Str("cid", s.CID()).Int("bytes", len(payload)).Msg("bucket report received")
}

// Sniff hosts ping/certificate sniffer reports from clients.
type Sniff struct {
	log zerolog.Logger
}

func NewSniff(registry *plugin.Registry, log zerolog.Logger) *Sniff {
	p := &Sniff{log: log.With().Str("plugin", "Sniff").Logger()}
	registry.Register(p)
	return p
}

func (p *Sniff) Name() string { return "Sniff" }
func (p *Sniff) ClientConnected(s plugin.Session)    {}
func (p *Sniff) ClientDisconnected(s plugin.Session) {}
func (p *Sniff) MessageFromClient(payload []byte, s plugin.Session) {
	p.log.Trace().Str("cid", s.CID()).Int("bytes", len(payload)).Msg("sniff report received")
}

// Badconf reports misconfigured clients; it logs each report and sends an
// "ack" back on the reporting client's plugin channel only.
type Badconf struct {
	registry *plugin.Registry
	log      zerolog.Logger
}

func NewBadconf(registry *plugin.Registry, log zerolog.Logger) *Badconf {
	p := &Badconf{registry: registry, log: log.With().Str("plugin", "Badconf").Logger()}
	registry.Register(p)
	return p
}

func (p *Badconf) Name() string { return "Badconf" }
func (p *Badconf) ClientConnected(s plugin.Session)    {}
func (p *Badconf) ClientDisconnected(s plugin.Session) {}
func (p *Badconf) MessageFromClient(payload []byte, s plugin.Session) {
	p.log.Info().Str("cid", s.CID()).Msg("bad configuration reported")
	p.registry.Send(s.CID(), "Badconf", []byte("ack"))
}
