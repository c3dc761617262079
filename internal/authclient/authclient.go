// Package authclient implements the external authenticator uplink of
// §4.10, translating auth.py's AuthReceiver: a single lazily-established
// TCP connection to the authenticator daemon, a FIFO of pending callbacks
// matched strictly in order to incoming YES/NO lines, and a 60-second
// no-progress watchdog that aborts the socket if nothing came back.
package authclient

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Callback receives the authenticator's verdict for one HALF request.
type Callback func(allowed bool)

// Client is the process-wide authenticator uplink singleton.
type Client struct {
	addr string
	log  zerolog.Logger
	dial func(ctx context.Context, addr string) (net.Conn, error)

	mu         sync.Mutex
	conn       net.Conn
	connecting bool
	queue      []string
	pending    []Callback
	received   int
	watchGen   int
}

// New constructs a Client targeting the authenticator at addr
// ("127.0.0.1:<authport>" per §4.10).
func New(addr string, log zerolog.Logger) *Client {
	return &Client{
		addr: addr,
		log:  log.With().Str("component", "authclient").Logger(),
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		},
	}
}

// Auth submits a HALF request for cid, enqueueing cb to be invoked exactly
// once with the verdict (or false, if the connection drops before a reply
// arrives).
func (c *Client) Auth(cb Callback, cid, hexChallenge, hexResponse string) {
	line := fmt.Sprintf("HALF %s %s %s\n", cid, hexChallenge, hexResponse)

	c.mu.Lock()
	c.pending = append(c.pending, cb)
	if c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		if _, err := conn.Write([]byte(line)); err != nil {
			c.log.Warn().Err(err).Msg("write to authenticator failed")
			c.dropConnection()
		} else {
			c.scheduleWatchdog()
		}
		return
	}

	c.queue = append(c.queue, line)
	alreadyConnecting := c.connecting
	c.connecting = true
	c.mu.Unlock()

	if !alreadyConnecting {
		go c.connect()
	}
}

func (c *Client) connect() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := c.dial(ctx, c.addr)

	c.mu.Lock()
	c.connecting = false
	if err != nil {
		c.log.Warn().Err(err).Msg("cannot connect to authenticator")
		c.failAllLocked()
		c.mu.Unlock()
		return
	}
	c.conn = conn
	queued := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, line := range queued {
		if _, err := conn.Write([]byte(line)); err != nil {
			c.log.Warn().Err(err).Msg("write to authenticator failed")
			c.dropConnection()
			return
		}
	}
	c.scheduleWatchdog()

	go c.readLoop(conn)
}

func (c *Client) readLoop(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		allowed := line == "YES"

		c.mu.Lock()
		if len(c.pending) == 0 {
			c.mu.Unlock()
			c.log.Warn().Str("line", line).Msg("unexpected reply with no pending request")
			continue
		}
		cb := c.pending[0]
		c.pending = c.pending[1:]
		c.received++
		c.mu.Unlock()

		cb(allowed)
	}
	c.dropConnection()
}

// dropConnection closes the current connection (if any) and fails every
// pending and queued callback exactly once, the Go equivalent of
// AuthReceiver.connectionLost.
func (c *Client) dropConnection() {
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.failAllLocked()
	c.mu.Unlock()
}

func (c *Client) failAllLocked() {
	pending := c.pending
	c.pending = nil
	c.queue = nil
	for _, cb := range pending {
		cb(false)
	}
}

// scheduleWatchdog arms a 60s check: if c.received has not advanced by the
// time it fires, the connection is presumed stuck and is aborted, matching
// auth.py's __sendAll scheduling checkReceived after every flush.
func (c *Client) scheduleWatchdog() {
	c.mu.Lock()
	c.watchGen++
	gen := c.watchGen
	before := c.received
	c.mu.Unlock()

	time.AfterFunc(60*time.Second, func() {
		c.mu.Lock()
		stale := gen == c.watchGen && c.received == before && c.conn != nil
		c.mu.Unlock()
		if stale {
			c.log.Warn().Msg("authenticator made no progress in 60s, aborting connection")
			c.dropConnection()
		}
	})
}
