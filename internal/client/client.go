// Package client holds a signaling connection open on behalf of a caller,
// reconnecting with capped exponential backoff.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsig/internal/core"
)

var (
	ErrMaxAttempts  = errors.New("max reconnect attempts reached")
	ErrNotConnected = errors.New("not connected")
)

// Backoff is a capped exponential delay. MaxAttempts counts consecutive
// failed dials; zero means retry forever.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

var DefaultBackoff = Backoff{Base: 250 * time.Millisecond, Max: 5 * time.Second, MaxAttempts: 10}

// Delay returns the wait before retry number attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

type Client struct {
	URL        string
	Token      string
	Backoff    Backoff
	PingPeriod time.Duration
	Dialer     *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
}

func New(url, token string) *Client {
	return &Client{
		URL:        url,
		Token:      token,
		Backoff:    DefaultBackoff,
		PingPeriod: 20 * time.Second,
		Dialer:     websocket.DefaultDialer,
	}
}

// Run keeps a connection open and hands every inbound envelope to onEnvelope
// until ctx is cancelled or the dial attempts are exhausted.
func (c *Client) Run(ctx context.Context, onEnvelope func(core.Envelope)) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := c.dial(ctx)
		if err == nil {
			attempt = 0
			err = c.serve(ctx, conn, onEnvelope)
			log.Info().Err(err).Str("module", "client").Msg("connection closed")
			if ctx.Err() != nil {
				return ctx.Err()
			}
		} else {
			attempt++
			log.Warn().Err(err).Str("module", "client").Int("attempt", attempt).Msg("dial failed")
			if c.Backoff.MaxAttempts > 0 && attempt >= c.Backoff.MaxAttempts {
				return fmt.Errorf("%w: %v", ErrMaxAttempts, err)
			}
		}

		t := time.NewTimer(c.Backoff.Delay(max(attempt, 1)))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.Token != "" {
		header.Set("Authorization", "Bearer "+c.Token)
	}
	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, c.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", c.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", c.URL, err)
	}
	return conn, nil
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn, onEnvelope func(core.Envelope)) error {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	done := make(chan struct{})
	defer func() {
		close(done)
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
	}()

	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	if c.PingPeriod > 0 {
		go c.heartbeat(conn, done)
	}

	for {
		var env core.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}
		if onEnvelope != nil {
			onEnvelope(env)
		}
	}
}

func (c *Client) heartbeat(conn *websocket.Conn, done <-chan struct{}) {
	t := time.NewTicker(c.PingPeriod)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := c.write(conn, core.Envelope{Type: core.TypePing}); err != nil {
				return
			}
		}
	}
}

// Send writes env on the current connection.
func (c *Client) Send(env core.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.write(conn, env)
}

// write serializes writers; the socket allows only one at a time.
func (c *Client) write(conn *websocket.Conn, env core.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteJSON(env)
}
