package request

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRegisterAndResponse(t *testing.T) {
	m := New()
	var gotData []byte
	var gotOK bool
	id := m.Register(func(data []byte, ok bool) {
		gotData = data
		gotOK = ok
	}, time.Now().Add(time.Minute))

	assert.True(t, m.Response(id, []byte("payload")))
	assert.Equal(t, []byte("payload"), gotData)
	assert.True(t, gotOK)
	assert.Equal(t, 0, m.Pending())
}

func TestMissingFiresFalse(t *testing.T) {
	m := New()
	fired := false
	id := m.Register(func(data []byte, ok bool) {
		fired = true
		assert.False(t, ok)
		assert.Nil(t, data)
	}, time.Now().Add(time.Minute))

	assert.True(t, m.Missing(id))
	assert.True(t, fired)
}

func TestUnknownIDIgnored(t *testing.T) {
	m := New()
	assert.False(t, m.Response(999, []byte("x")))
	assert.False(t, m.Missing(999))
}

func TestTrimDropsExpiredSilently(t *testing.T) {
	m := New()
	called := false
	m.Register(func(data []byte, ok bool) { called = true }, time.Now().Add(-time.Second))

	m.Trim(time.Now())
	assert.Equal(t, 0, m.Pending())
	assert.False(t, called)
}

func TestIDsRollOverMod2_32(t *testing.T) {
	m := New()
	m.next = ^uint32(0) // max uint32
	id1 := m.Register(func([]byte, bool) {}, time.Now().Add(time.Minute))
	id2 := m.Register(func([]byte, bool) {}, time.Now().Add(time.Minute))
	assert.Equal(t, ^uint32(0), id1)
	assert.Equal(t, uint32(0), id2)
}
