package signal

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/callsig/internal/adapters/rtc"
	"github.com/dkeye/callsig/internal/app/orch"
	"github.com/dkeye/callsig/internal/core"
	"github.com/dkeye/callsig/internal/domain"
)

type harness struct {
	t    *testing.T
	srv  *httptest.Server
	orch *orch.Orchestrator
}

func newHarness(t *testing.T, limiter *RateLimiter) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	o := orch.New(orch.Config{RingTimeout: time.Minute}, orch.Deps{ValidateSignal: rtc.ValidateSignal})
	ctl := NewSignalWSController(o, limiter, Options{PingPeriod: 10 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		ctl.HandleSignal(ctx, c, domain.UserID(c.Query("user")))
	})
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		o.Close()
		srv.Close()
	})
	return &harness{t: t, srv: srv, orch: o}
}

type client struct {
	t  *testing.T
	ws *websocket.Conn
}

// dial connects as user and waits for a pong so the connection is known to
// be registered before the test continues.
func (h *harness) dial(user string) *client {
	h.t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws?user=" + user
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = ws.Close() })
	c := &client{t: h.t, ws: ws}
	c.send(core.Envelope{Type: core.TypePing})
	c.expect(core.TypePong)
	return c
}

func (c *client) send(env core.Envelope) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteJSON(env))
}

func (c *client) sendRaw(data string) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, []byte(data)))
}

func (c *client) read() core.Envelope {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env core.Envelope
	require.NoError(c.t, c.ws.ReadJSON(&env))
	return env
}

func (c *client) expect(typ string) core.Envelope {
	c.t.Helper()
	env := c.read()
	require.Equal(c.t, typ, env.Type, "unexpected envelope %+v", env)
	return env
}

func TestGatewayCallFlow(t *testing.T) {
	h := newHarness(t, nil)
	a := h.dial("A")
	b := h.dial("B")

	a.send(core.Envelope{Type: core.TypeInitiate, CalleeID: "B", Kind: domain.KindVideo})
	ack := a.expect(core.TypeCallInitiated)
	require.NotEmpty(t, ack.CallID)
	assert.Equal(t, domain.StateRinging, ack.State)

	incoming := b.expect(core.TypeIncomingCall)
	assert.Equal(t, ack.CallID, incoming.CallID)
	assert.Equal(t, domain.UserID("A"), incoming.SenderID)
	assert.Equal(t, domain.KindVideo, incoming.Kind)

	b.send(core.Envelope{Type: core.TypeAnswer, CallID: ack.CallID})
	assert.Equal(t, domain.StateAnswered, a.expect(core.TypeCallAnswered).State)
	assert.Equal(t, domain.StateAnswered, b.expect(core.TypeCallAnswered).State)

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0\r\n"}`)
	a.send(core.Envelope{Type: core.TypeCallSignal, CallID: ack.CallID, ReceiverID: "B", Signal: offer})
	sig := b.expect(core.TypeCallSignal)
	assert.Equal(t, domain.UserID("A"), sig.SenderID)
	assert.JSONEq(t, string(offer), string(sig.Signal))

	b.send(core.Envelope{Type: core.TypeEnd, CallID: ack.CallID})
	for _, c := range []*client{a, b} {
		ended := c.expect(core.TypeCallEnded)
		assert.Equal(t, ack.CallID, ended.CallID)
		assert.Equal(t, domain.StateEnded, ended.State)
	}

	// stale action
	b.send(core.Envelope{Type: core.TypeEnd, CallID: ack.CallID})
	errEnv := b.expect(core.TypeError)
	assert.Equal(t, "invalid_transition", errEnv.Code)
}

func TestGatewayMalformedKeepsConnection(t *testing.T) {
	h := newHarness(t, nil)
	a := h.dial("A")

	a.sendRaw(`{not json`)
	assert.Equal(t, "malformed_envelope", a.expect(core.TypeError).Code)

	a.send(core.Envelope{Type: core.TypeAnswer})
	assert.Equal(t, "malformed_envelope", a.expect(core.TypeError).Code)

	a.send(core.Envelope{Type: "dance"})
	assert.Equal(t, "malformed_envelope", a.expect(core.TypeError).Code)

	a.send(core.Envelope{Type: core.TypeInitiate, CalleeID: "nobody"})
	assert.Equal(t, "unreachable_peer", a.expect(core.TypeError).Code)

	a.send(core.Envelope{Type: core.TypePing})
	a.expect(core.TypePong)
}

func TestGatewayRejectsUnknownSignalKind(t *testing.T) {
	h := newHarness(t, nil)
	a := h.dial("A")
	b := h.dial("B")

	a.send(core.Envelope{Type: core.TypeInitiate, CalleeID: "B"})
	ack := a.expect(core.TypeCallInitiated)
	b.expect(core.TypeIncomingCall)
	b.send(core.Envelope{Type: core.TypeAnswer, CallID: ack.CallID})
	a.expect(core.TypeCallAnswered)
	b.expect(core.TypeCallAnswered)

	a.send(core.Envelope{Type: core.TypeCallSignal, CallID: ack.CallID, ReceiverID: "B", Signal: json.RawMessage(`{"type":"pranswer"}`)})
	assert.Equal(t, "malformed_envelope", a.expect(core.TypeError).Code)
}

func TestGatewayDisconnectLeavesCall(t *testing.T) {
	h := newHarness(t, nil)
	a := h.dial("A")
	b := h.dial("B")

	a.send(core.Envelope{Type: core.TypeInitiate, CalleeID: "B"})
	ack := a.expect(core.TypeCallInitiated)
	b.expect(core.TypeIncomingCall)
	b.send(core.Envelope{Type: core.TypeAnswer, CallID: ack.CallID})
	a.expect(core.TypeCallAnswered)
	b.expect(core.TypeCallAnswered)

	require.NoError(t, b.ws.Close())

	left := a.expect(core.TypeUserLeft)
	assert.Equal(t, ack.CallID, left.CallID)
	assert.Equal(t, domain.UserID("B"), left.UserID)
	assert.Eventually(t, func() bool { return !h.orch.IsReachable("B") }, time.Second, 10*time.Millisecond)
}

func TestGatewayJoinAndLeaveAcks(t *testing.T) {
	h := newHarness(t, nil)
	a := h.dial("A")
	b := h.dial("B")
	c := h.dial("C")

	a.send(core.Envelope{Type: core.TypeInitiate, CalleeID: "B"})
	ack := a.expect(core.TypeCallInitiated)
	b.expect(core.TypeIncomingCall)
	b.send(core.Envelope{Type: core.TypeAnswer, CallID: ack.CallID})
	a.expect(core.TypeCallAnswered)
	b.expect(core.TypeCallAnswered)

	c.send(core.Envelope{Type: core.TypeJoinCall, CallID: ack.CallID})
	joined := c.expect(core.TypeUserJoined)
	require.NotNil(t, joined.Call)
	assert.Len(t, joined.Call.Participants, 3)
	assert.Equal(t, domain.UserID("C"), a.expect(core.TypeUserJoined).UserID)
	assert.Equal(t, domain.UserID("C"), b.expect(core.TypeUserJoined).UserID)

	c.send(core.Envelope{Type: core.TypeLeaveCall, CallID: ack.CallID})
	assert.Equal(t, domain.UserID("C"), c.expect(core.TypeUserLeft).UserID)
	assert.Equal(t, domain.UserID("C"), a.expect(core.TypeUserLeft).UserID)
	assert.Equal(t, domain.UserID("C"), b.expect(core.TypeUserLeft).UserID)
}

func TestGatewayRateLimit(t *testing.T) {
	h := newHarness(t, NewRateLimiter(nil, 2, time.Hour))
	// dial spends one ping
	a := h.dial("A")

	a.send(core.Envelope{Type: core.TypePing})
	a.expect(core.TypePong)
	a.send(core.Envelope{Type: core.TypePing})
	assert.Equal(t, "rate_limited", a.expect(core.TypeError).Code)
}

func TestGatewayOversizedFrameClosesConnection(t *testing.T) {
	h := newHarness(t, nil)
	a := h.dial("A")

	big := `{"type":"ping","pad":"` + strings.Repeat("x", 40<<10) + `"}`
	a.sendRaw(big)

	require.NoError(t, a.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := a.ws.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseMessageTooBig), "got %v", err)
	assert.Eventually(t, func() bool { return !h.orch.IsReachable("A") }, time.Second, 10*time.Millisecond)
}
