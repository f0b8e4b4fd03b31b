// Package signal is the WebSocket session gateway: one read and one write
// pump per connection, a dispatch table over inbound envelope types, and
// error replies that never close the connection.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsig/internal/app/orch"
	"github.com/dkeye/callsig/internal/core"
	"github.com/dkeye/callsig/internal/domain"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

const writeWait = 5 * time.Second

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	// PongWait is the read deadline; it is pushed forward by every frame.
	PongWait   time.Duration
	SendBuffer int
}

func (o Options) withDefaults() Options {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 32 << 10
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 25 * time.Second
	}
	if o.PongWait <= o.PingPeriod {
		o.PongWait = o.PingPeriod * 2
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	return o
}

type SignalWSController struct {
	Orch     *orch.Orchestrator
	limiter  *RateLimiter
	opts     Options
	dispatch map[string]handlerFunc
}

// NewSignalWSController builds the gateway. limiter may be nil.
func NewSignalWSController(o *orch.Orchestrator, limiter *RateLimiter, opts Options) *SignalWSController {
	if limiter != nil {
		o.Presence.OnOfflineFunc(limiter.Forget)
	}
	ctl := &SignalWSController{
		Orch:    o,
		limiter: limiter,
		opts:    opts.withDefaults(),
	}
	ctl.dispatch = ctl.handlers()
	return ctl
}

type WsSignalConn struct {
	id   core.ConnID
	user domain.UserID
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) ID() core.ConnID { return c.id }

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

// Close shuts the socket. Unregistering is left to the read pump, which
// notices the closed socket and runs the disconnect path.
func (c *WsSignalConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and admits the connection under user.
// The identity has already been authenticated by the HTTP layer.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context, user domain.UserID) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := &WsSignalConn{
		id:   core.ConnID(uuid.NewString()),
		user: user,
		conn: ws,
		send: make(chan core.Frame, ctl.opts.SendBuffer),
	}
	log.Info().Str("module", "signal").Str("user", string(user)).Str("conn", string(conn.id)).Msg("new WS connection")

	connCtx, cancel := context.WithCancel(ctx)
	ctl.Orch.Connect(user, conn, cancel)

	go ctl.writePump(connCtx, conn)
	go ctl.readPump(connCtx, cancel, conn)
}
