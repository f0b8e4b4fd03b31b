package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/callsig/internal/adapters/rtc"
	"github.com/dkeye/callsig/internal/adapters/store"
	"github.com/dkeye/callsig/internal/app/orch"
	"github.com/dkeye/callsig/internal/config"
	"github.com/dkeye/callsig/internal/core"
	"github.com/dkeye/callsig/internal/domain"
)

const testSecret = "test-secret"

type recordingConn struct {
	id     core.ConnID
	mu     sync.Mutex
	frames []core.Frame
}

func (c *recordingConn) ID() core.ConnID { return c.id }

func (c *recordingConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}

func (c *recordingConn) Close() {}

func (c *recordingConn) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, f := range c.frames {
		var env core.Envelope
		_ = json.Unmarshal(f, &env)
		out = append(out, env.Type)
	}
	return out
}

type api struct {
	t      *testing.T
	router *gin.Engine
	orch   *orch.Orchestrator
	jwt    *JWTVerifier
}

func newAPI(t *testing.T, allowGuest bool, deps orch.Deps) *api {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{
		Mode:       "test",
		Secret:     testSecret,
		AllowGuest: allowGuest,
		ICEServers: []rtc.ICEServer{{URLs: []string{"stun:stun.example.org:3478"}}},
	}
	o := orch.New(orch.Config{RingTimeout: time.Minute}, deps)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		o.Close()
	})
	blocks, _ := deps.Directory.(core.Blocker)
	return &api{t: t, router: SetupRouter(ctx, cfg, o, blocks), orch: o, jwt: NewJWTVerifier([]byte(testSecret))}
}

func (a *api) online(user string) *recordingConn {
	c := &recordingConn{id: core.ConnID("conn-" + user)}
	a.orch.Connect(domain.UserID(user), c, nil)
	return c
}

func (a *api) do(method, path, user string, body any) (int, map[string]any) {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		token, err := a.jwt.Generate(domain.UserID(user), time.Hour)
		require.NoError(a.t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	var out map[string]any
	if w.Body.Len() > 0 && strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(a.t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w.Code, out
}

func TestRequiresIdentity(t *testing.T) {
	a := newAPI(t, false, orch.Deps{})

	code, body := a.do(http.MethodGet, "/api/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "unauthorized", body["code"])

	code, body = a.do(http.MethodGet, "/api/me", "alice", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "alice", body["user_id"])

	code, _ = a.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestGuestIdentityIsSticky(t *testing.T) {
	a := newAPI(t, true, orch.Deps{})

	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/me", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var first map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	assert.True(t, strings.HasPrefix(first["user_id"], "guest-"))

	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)
	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w = httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	var second map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	assert.Equal(t, first["user_id"], second["user_id"])
}

func TestRESTCallLifecycle(t *testing.T) {
	a := newAPI(t, false, orch.Deps{ValidateSignal: rtc.ValidateSignal})
	alice := a.online("alice")
	bob := a.online("bob")

	code, body := a.do(http.MethodPost, "/api/calls", "alice", map[string]string{"callee_id": "bob", "kind": "video"})
	require.Equal(t, http.StatusCreated, code, body)
	id := body["id"].(string)
	assert.Equal(t, "RINGING", body["state"])
	assert.Equal(t, []string{core.TypeIncomingCall}, bob.types())

	code, body = a.do(http.MethodPost, "/api/calls/"+id+"/answer", "alice", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "invalid_transition", body["code"])

	code, body = a.do(http.MethodPost, "/api/calls/"+id+"/answer", "bob", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ANSWERED", body["state"])

	code, _ = a.do(http.MethodPost, "/api/calls/"+id+"/signal", "alice", map[string]any{
		"receiver_id": "bob",
		"signal":      map[string]string{"type": "offer", "sdp": "v=0"},
	})
	assert.Equal(t, http.StatusAccepted, code)
	assert.Contains(t, bob.types(), core.TypeCallSignal)

	code, body = a.do(http.MethodPost, "/api/calls/"+id+"/signal", "carol", map[string]any{
		"receiver_id": "bob",
		"signal":      map[string]string{"type": "offer"},
	})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "not_a_participant", body["code"])

	code, body = a.do(http.MethodGet, "/api/calls/"+id+"/participants", "bob", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["participants"], 2)

	code, _ = a.do(http.MethodGet, "/api/calls/"+id, "carol", nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, body = a.do(http.MethodPost, "/api/calls/"+id+"/end", "alice", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ENDED", body["state"])
	assert.Equal(t, "ended", body["reason"])
	assert.Contains(t, alice.types(), core.TypeCallEnded)

	code, body = a.do(http.MethodPost, "/api/calls/"+id+"/end", "alice", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "invalid_transition", body["code"])
}

func TestRESTErrors(t *testing.T) {
	a := newAPI(t, false, orch.Deps{})
	a.online("alice")

	code, body := a.do(http.MethodPost, "/api/calls", "alice", map[string]string{"callee_id": "bob"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "unreachable_peer", body["code"])

	code, body = a.do(http.MethodPost, "/api/calls", "alice", map[string]string{"callee_id": ""})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "malformed_envelope", body["code"])

	code, body = a.do(http.MethodPost, "/api/calls", "alice", map[string]string{"callee_id": "alice"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "malformed_envelope", body["code"])

	code, body = a.do(http.MethodGet, "/api/calls/nope", "alice", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "call_not_found", body["code"])
}

func TestPresenceAndICE(t *testing.T) {
	a := newAPI(t, false, orch.Deps{})
	a.online("bob")

	_, body := a.do(http.MethodGet, "/api/presence/bob", "alice", nil)
	assert.Equal(t, true, body["is_reachable"])
	_, body = a.do(http.MethodGet, "/api/presence/carol", "alice", nil)
	assert.Equal(t, false, body["is_reachable"])

	code, body := a.do(http.MethodGet, "/api/ice", "alice", nil)
	require.Equal(t, http.StatusOK, code)
	servers := body["ice_servers"].([]any)
	require.Len(t, servers, 1)
	assert.Equal(t, []any{"stun:stun.example.org:3478"}, servers[0].(map[string]any)["urls"])
}

func TestHistoryAndMissed(t *testing.T) {
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "calls.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	a := newAPI(t, false, orch.Deps{History: st, Directory: st})
	a.online("alice")
	a.online("bob")

	_, body := a.do(http.MethodPost, "/api/calls", "alice", map[string]string{"callee_id": "bob"})
	id := body["id"].(string)
	code, _ := a.do(http.MethodPost, "/api/calls/"+id+"/reject", "bob", nil)
	require.Equal(t, http.StatusOK, code)

	code, body = a.do(http.MethodGet, "/api/calls/history?limit=5", "alice", nil)
	require.Equal(t, http.StatusOK, code)
	calls := body["calls"].([]any)
	require.Len(t, calls, 1)
	assert.Equal(t, "REJECTED", calls[0].(map[string]any)["state"])

	_, body = a.do(http.MethodGet, "/api/calls/missed", "bob", nil)
	require.Len(t, body["calls"], 1)
	assert.Equal(t, true, body["calls"].([]any)[0].(map[string]any)["missed"])

	// terminal call is still readable from history
	code, body = a.do(http.MethodGet, "/api/calls/"+id, "bob", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "rejected", body["reason"])

}

func TestBlockListRoutes(t *testing.T) {
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "calls.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	a := newAPI(t, false, orch.Deps{History: st, Directory: st})
	a.online("alice")
	a.online("bob")

	code, body := a.do(http.MethodPost, "/api/blocks/alice", "bob", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["blocked"])

	code, body = a.do(http.MethodPost, "/api/calls", "alice", map[string]string{"callee_id": "bob"})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "blocked", body["code"])

	code, body = a.do(http.MethodPost, "/api/blocks/bob", "bob", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "malformed_envelope", body["code"])

	code, _ = a.do(http.MethodDelete, "/api/blocks/alice", "bob", nil)
	require.Equal(t, http.StatusOK, code)

	code, body = a.do(http.MethodPost, "/api/calls", "alice", map[string]string{"callee_id": "bob"})
	assert.Equal(t, http.StatusCreated, code, body)
}

func TestBlockListRoutesNeedStore(t *testing.T) {
	a := newAPI(t, false, orch.Deps{})
	code, _ := a.do(http.MethodPost, "/api/blocks/alice", "bob", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestWebSocketUpgradeWithToken(t *testing.T) {
	a := newAPI(t, false, orch.Deps{})
	srv := httptest.NewServer(a.router)
	t.Cleanup(srv.Close)

	token, err := a.jwt.Generate("alice", time.Hour)
	require.NoError(t, err)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/signal?token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(core.Envelope{Type: core.TypePing}))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env core.Envelope
	require.NoError(t, ws.ReadJSON(&env))
	assert.Equal(t, core.TypePong, env.Type)
	assert.True(t, a.orch.IsReachable("alice"))
}

func TestJWTVerifier(t *testing.T) {
	v := NewJWTVerifier([]byte(testSecret))

	token, err := v.Generate("alice", time.Hour)
	require.NoError(t, err)
	user, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("alice"), user)

	expired, err := v.Generate("alice", -time.Hour)
	require.NoError(t, err)
	_, err = v.Verify(expired)
	assert.ErrorIs(t, err, ErrExpiredToken)

	other := NewJWTVerifier([]byte("other"))
	forged, err := other.Generate("alice", time.Hour)
	require.NoError(t, err)
	_, err = v.Verify(forged)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
