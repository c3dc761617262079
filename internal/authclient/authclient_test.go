package authclient

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startFakeAuthenticator(t *testing.T, handler func(line string) string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			reply := handler(scanner.Text())
			if reply == "" {
				return
			}
			if _, err := conn.Write([]byte(reply + "\n")); err != nil {
				return
			}
		}
	}()
	return ln.Addr().String()
}

func TestAuthSuccessAndFailureInFIFOOrder(t *testing.T) {
	addr := startFakeAuthenticator(t, func(line string) string {
		if line == "HALF client-b deadbeef cafebabe" {
			return "NO"
		}
		return "YES"
	})

	c := New(addr, zerolog.Nop())

	results := make(chan bool, 2)
	c.Auth(func(ok bool) { results <- ok }, "client-a", "aaaa", "bbbb")
	c.Auth(func(ok bool) { results <- ok }, "client-b", "deadbeef", "cafebabe")

	first := <-results
	second := <-results
	assert.True(t, first)
	assert.False(t, second)
}

func TestAuthFailsAllCallbacksWhenConnectionDrops(t *testing.T) {
	addr := startFakeAuthenticator(t, func(line string) string {
		return "" // close immediately without responding
	})

	c := New(addr, zerolog.Nop())
	result := make(chan bool, 1)
	c.Auth(func(ok bool) { result <- ok }, "client-a", "aaaa", "bbbb")

	select {
	case ok := <-result:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("expected callback to fire false on connection drop")
	}
}
