package plugin

import (
	"testing"
	"time"

	"github.com/CZ-NIC/ucollect/internal/wire"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	cid      string
	versions map[string]uint16
	lastPong time.Time
	sent     []wire.Frame
}

func (f *fakeSession) CID() string { return f.cid }
func (f *fakeSession) Send(op wire.Opcode, payload []byte) error {
	f.sent = append(f.sent, wire.Frame{Op: op, Payload: payload})
	return nil
}
func (f *fakeSession) PluginVersion(name string) (uint16, bool) {
	v, ok := f.versions[name]
	return v, ok
}
func (f *fakeSession) LastPong() time.Time { return f.lastPong }

type countingPlugin struct {
	name        string
	connected   []Session
	disconnect  []Session
	lastMessage []byte
}

func (p *countingPlugin) Name() string                    { return p.name }
func (p *countingPlugin) ClientConnected(s Session)        { p.connected = append(p.connected, s) }
func (p *countingPlugin) ClientDisconnected(s Session)     { p.disconnect = append(p.disconnect, s) }
func (p *countingPlugin) MessageFromClient(b []byte, s Session) { p.lastMessage = b }

func TestRegisterClientInvokesAllPlugins(t *testing.T) {
	r := New(zerolog.Nop())
	p1 := &countingPlugin{name: "Count"}
	p2 := &countingPlugin{name: "Sniff"}
	r.Register(p1)
	r.Register(p2)

	s := &fakeSession{cid: "abc", lastPong: time.Now()}
	assert.True(t, r.RegisterClient(s, time.Now()))
	assert.Len(t, p1.connected, 1)
	assert.Len(t, p2.connected, 1)
}

func TestRegisterClientRefusesWhenExistingIsAlive(t *testing.T) {
	r := New(zerolog.Nop())
	now := time.Now()
	old := &fakeSession{cid: "abc", lastPong: now}
	require.True(t, r.RegisterClient(old, now))

	newer := &fakeSession{cid: "abc", lastPong: now}
	assert.False(t, r.RegisterClient(newer, now))
}

func TestRegisterClientReplacesStaleSession(t *testing.T) {
	r := New(zerolog.Nop())
	old := &fakeSession{cid: "abc", lastPong: time.Now().Add(-1000 * time.Second)}
	require.True(t, r.RegisterClient(old, time.Now()))

	newer := &fakeSession{cid: "abc", lastPong: time.Now()}
	assert.True(t, r.RegisterClient(newer, time.Now()))
}

func TestUnregisterClientIgnoresReplacedSession(t *testing.T) {
	r := New(zerolog.Nop())
	p := &countingPlugin{name: "Count"}
	r.Register(p)

	old := &fakeSession{cid: "abc", lastPong: time.Now().Add(-1000 * time.Second)}
	require.True(t, r.RegisterClient(old, time.Now()))
	newer := &fakeSession{cid: "abc", lastPong: time.Now()}
	require.True(t, r.RegisterClient(newer, time.Now()))

	// old has already been replaced; unregistering it must not disturb newer.
	r.UnregisterClient(old)
	assert.Empty(t, p.disconnect)

	r.UnregisterClient(newer)
	assert.Len(t, p.disconnect, 1)
}

func TestBroadcastSkipsSessionsWithoutPluginOrFailingPredicate(t *testing.T) {
	r := New(zerolog.Nop())
	withPlugin := &fakeSession{cid: "a", versions: map[string]uint16{"Flow": 1}, lastPong: time.Now()}
	withoutPlugin := &fakeSession{cid: "b", versions: map[string]uint16{}, lastPong: time.Now()}
	highVersion := &fakeSession{cid: "c", versions: map[string]uint16{"Flow": 3}, lastPong: time.Now()}

	require.True(t, r.RegisterClient(withPlugin, time.Now()))
	require.True(t, r.RegisterClient(withoutPlugin, time.Now()))
	require.True(t, r.RegisterClient(highVersion, time.Now()))

	r.Broadcast("Flow", []byte("data"), func(v uint16) bool { return v < 2 })

	assert.Len(t, withPlugin.sent, 1)
	assert.Empty(t, withoutPlugin.sent)
	assert.Empty(t, highVersion.sent)
}

func TestRouteUnknownPluginIsDroppedNotPanicked(t *testing.T) {
	r := New(zerolog.Nop())
	s := &fakeSession{cid: "a"}
	assert.NotPanics(t, func() {
		r.Route("DoesNotExist", []byte("x"), s)
	})
}

func TestRouteDispatchesToNamedPlugin(t *testing.T) {
	r := New(zerolog.Nop())
	p := &countingPlugin{name: "Count"}
	r.Register(p)
	s := &fakeSession{cid: "a"}
	r.Route("Count", []byte("payload"), s)
	assert.Equal(t, []byte("payload"), p.lastMessage)
}
