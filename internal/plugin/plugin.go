// Package plugin implements the plugin host and router of §4.7, the Go
// translation of plugin.py's Plugin/Plugins pair generalized to the richer
// per-client version gating §4.9 requires. A plugin is any type satisfying
// Plugin; the Registry tracks which plugins are loaded and which sessions
// are currently attached to the worker.
package plugin

import (
	"time"

	"github.com/CZ-NIC/ucollect/internal/wire"
	"github.com/rs/zerolog"
)

// Session is the subset of worker-side client session state a plugin or the
// registry needs, kept as an interface so this package does not import the
// session package (which imports this one to dispatch 'R' frames).
type Session interface {
	CID() string
	Send(op wire.Opcode, payload []byte) error
	PluginVersion(name string) (version uint16, ok bool)
	LastPong() time.Time
}

// Plugin is the interface every server-side plugin module implements, the
// Go counterpart of plugin.py's Plugin base class.
type Plugin interface {
	Name() string
	ClientConnected(s Session)
	ClientDisconnected(s Session)
	MessageFromClient(payload []byte, s Session)
}

// VersionPredicate filters a broadcast by a session's advertised plugin
// version; a nil predicate matches every version.
type VersionPredicate func(version uint16) bool

// Registry is the Go equivalent of plugin.py's Plugins singleton: one
// instance per worker process, holding every loaded plugin and every
// currently attached client session.
type Registry struct {
	log zerolog.Logger

	plugins map[string]Plugin
	clients map[string]Session
}

// New constructs an empty Registry.
func New(log zerolog.Logger) *Registry {
	return &Registry{
		log:     log.With().Str("component", "plugin").Logger(),
		plugins: make(map[string]Plugin),
		clients: make(map[string]Session),
	}
}

// Register adds a plugin, the Go equivalent of plugin.py's register_plugin,
// called from each plugin's constructor.
func (r *Registry) Register(p Plugin) {
	r.plugins[p.Name()] = p
}

// Unregister removes a plugin by name.
func (r *Registry) Unregister(name string) {
	delete(r.plugins, name)
}

// Get returns the plugin registered under name, if any.
func (r *Registry) Get(name string) (Plugin, bool) {
	p, ok := r.plugins[name]
	return p, ok
}

// staleAfter is the §4.7 "last_pong + 900s < now" replacement window.
const staleAfter = 900 * time.Second

// RegisterClient attaches s to the registry. If a session with the same cid
// is already registered and it is stale (its last pong is older than 900s),
// the old one is dropped and s takes its place. If the old session is still
// alive, RegisterClient refuses and returns false so the caller closes the
// newcomer. On success, every loaded plugin's ClientConnected is invoked.
func (r *Registry) RegisterClient(s Session, now time.Time) bool {
	if existing, ok := r.clients[s.CID()]; ok {
		if now.Sub(existing.LastPong()) <= staleAfter {
			return false
		}
		r.log.Info().Str("cid", s.CID()).Msg("replacing stale session")
	}
	r.clients[s.CID()] = s
	for _, p := range r.plugins {
		p.ClientConnected(s)
	}
	return true
}

// UnregisterClient detaches s only if the registry still points at this
// exact session object; a session already replaced by a newer one for the
// same cid is left untouched, matching §4.7's "only acts if the registry
// still points at this exact session object".
func (r *Registry) UnregisterClient(s Session) {
	current, ok := r.clients[s.CID()]
	if !ok || current != s {
		return
	}
	for _, p := range r.plugins {
		p.ClientDisconnected(s)
	}
	delete(r.clients, s.CID())
}

// Broadcast sends msg, framed as 'R' || pluginName || msg, to every session
// that advertises pluginName at a version satisfying predicate (nil means
// any version). Sessions without the plugin are skipped with a trace log.
func (r *Registry) Broadcast(pluginName string, msg []byte, predicate VersionPredicate) {
	frame := routedPayload(pluginName, msg)
	for _, s := range r.clients {
		version, ok := s.PluginVersion(pluginName)
		if !ok {
			r.log.Trace().Str("cid", s.CID()).Str("plugin", pluginName).Msg("skipping session without plugin")
			continue
		}
		if predicate != nil && !predicate(version) {
			r.log.Trace().Str("cid", s.CID()).Str("plugin", pluginName).Uint16("version", version).Msg("skipping session, predicate rejected version")
			continue
		}
		if err := s.Send(wire.OpRouted, frame); err != nil {
			r.log.Warn().Err(err).Str("cid", s.CID()).Msg("broadcast send failed")
		}
	}
}

// Send delivers msg to exactly one client by cid, returning false if the
// session does not advertise pluginName (or does not exist).
func (r *Registry) Send(cid, pluginName string, msg []byte) bool {
	s, ok := r.clients[cid]
	if !ok {
		return false
	}
	if pluginName != "" {
		if _, ok := s.PluginVersion(pluginName); !ok {
			return false
		}
	}
	frame := routedPayload(pluginName, msg)
	if err := s.Send(wire.OpRouted, frame); err != nil {
		r.log.Warn().Err(err).Str("cid", cid).Msg("send failed")
		return false
	}
	return true
}

// Version returns the session's advertised version of pluginName.
func (r *Registry) Version(cid, pluginName string) (uint16, bool) {
	s, ok := r.clients[cid]
	if !ok {
		return 0, false
	}
	return s.PluginVersion(pluginName)
}

// Route dispatches payload to the named plugin's MessageFromClient, the Go
// equivalent of plugin.py's route_to_plugin. An unknown plugin name is
// logged and the frame is dropped (§5 error propagation policy).
func (r *Registry) Route(name string, payload []byte, s Session) {
	p, ok := r.plugins[name]
	if !ok {
		r.log.Warn().Str("plugin", name).Str("cid", s.CID()).Msg("routed frame for unknown plugin")
		return
	}
	p.MessageFromClient(payload, s)
}

func routedPayload(pluginName string, msg []byte) []byte {
	out := make([]byte, 0, 4+len(pluginName)+len(msg))
	out = append(out, wire.PutString(pluginName)...)
	out = append(out, msg...)
	return out
}
