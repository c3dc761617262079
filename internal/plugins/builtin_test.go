package plugins

import (
	"testing"
	"time"

	"github.com/CZ-NIC/ucollect/internal/plugin"
	"github.com/CZ-NIC/ucollect/internal/wire"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type fakeSession struct {
	cid  string
	sent [][]byte
}

func (f *fakeSession) CID() string { return f.cid }
func (f *fakeSession) Send(op wire.Opcode, payload []byte) error {
	f.sent = append(f.sent, payload)
	return nil
}
func (f *fakeSession) PluginVersion(name string) (uint16, bool) { return 1, true }
func (f *fakeSession) LastPong() time.Time                      { return time.Now() }

func TestCountTallyPerClient(t *testing.T) {
	registry := plugin.New(zerolog.Nop())
	c := NewCount(registry, zerolog.Nop())
	s := &fakeSession{cid: "abc"}

	c.ClientConnected(s)
	c.MessageFromClient([]byte("x"), s)
	c.MessageFromClient([]byte("y"), s)

	assert.Equal(t, uint64(2), c.counts["abc"])

	c.ClientDisconnected(s)
	_, ok := c.counts["abc"]
	assert.False(t, ok)
}

func TestBadconfAcksReportingClient(t *testing.T) {
	registry := plugin.New(zerolog.Nop())
	b := NewBadconf(registry, zerolog.Nop())
	s := &fakeSession{cid: "abc"}
	registry.RegisterClient(s, time.Now())

	b.MessageFromClient([]byte("bad"), s)
	assert.Len(t, s.sent, 1)
}
