package app

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsig/internal/core"
	"github.com/dkeye/callsig/internal/domain"
)

type connEntry struct {
	conn     core.SignalConnection
	cancel   context.CancelFunc
	lastSeen atomic.Int64
}

// identityConns is replaced, never mutated, once published in the map, so
// readers can iterate it without holding any lock.
type identityConns map[core.ConnID]*connEntry

// OfflineListener is told when an identity loses its last connection.
type OfflineListener interface {
	OnOffline(user domain.UserID)
}

// Registry maps identities to their live connections. Writes for one identity
// are serialized per key inside the concurrent map; Send only loads a
// snapshot and never blocks writers of other identities.
type Registry struct {
	clock       clock.Clock
	idleTimeout time.Duration
	policy      Policy

	identities *xsync.MapOf[domain.UserID, identityConns]
	owners     *xsync.MapOf[core.ConnID, domain.UserID]

	mu        sync.RWMutex
	listeners []OfflineListener
}

func NewRegistry(clk clock.Clock, idleTimeout time.Duration, policy Policy) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	if policy == nil {
		policy = SimplePolicy{}
	}
	return &Registry{
		clock:       clk,
		idleTimeout: idleTimeout,
		policy:      policy,
		identities:  xsync.NewMapOf[domain.UserID, identityConns](),
		owners:      xsync.NewMapOf[core.ConnID, domain.UserID](),
	}
}

func (r *Registry) Subscribe(l OfflineListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Register adds conn under user. Existing connections of the same user stay.
func (r *Registry) Register(user domain.UserID, conn core.SignalConnection, cancel context.CancelFunc) {
	e := &connEntry{conn: conn, cancel: cancel}
	e.lastSeen.Store(r.clock.Now().UnixNano())

	r.identities.Compute(user, func(old identityConns, _ bool) (identityConns, bool) {
		next := make(identityConns, len(old)+1)
		for id, c := range old {
			next[id] = c
		}
		next[conn.ID()] = e
		return next, false
	})
	r.owners.Store(conn.ID(), user)
	log.Info().Str("module", "app.registry").Str("user", string(user)).Str("conn", string(conn.ID())).Msg("registered connection")
}

// Unregister removes the connection. It is idempotent; only the call that
// actually removes the last connection of an identity reports it offline.
func (r *Registry) Unregister(connID core.ConnID) {
	user, ok := r.owners.LoadAndDelete(connID)
	if !ok {
		return
	}
	offline := false
	r.identities.Compute(user, func(old identityConns, loaded bool) (identityConns, bool) {
		if !loaded {
			return old, true
		}
		if _, ok := old[connID]; !ok {
			return old, false
		}
		if len(old) == 1 {
			offline = true
			return nil, true
		}
		next := make(identityConns, len(old)-1)
		for id, c := range old {
			if id != connID {
				next[id] = c
			}
		}
		return next, false
	})
	log.Info().Str("module", "app.registry").Str("user", string(user)).Str("conn", string(connID)).Bool("offline", offline).Msg("unregistered connection")
	if !offline {
		return
	}
	r.mu.RLock()
	listeners := make([]OfflineListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.RUnlock()
	for _, l := range listeners {
		l.OnOffline(user)
	}
}

// Touch refreshes the liveness timestamp of a connection.
func (r *Registry) Touch(connID core.ConnID) {
	user, ok := r.owners.Load(connID)
	if !ok {
		return
	}
	conns, ok := r.identities.Load(user)
	if !ok {
		return
	}
	if e, ok := conns[connID]; ok {
		e.lastSeen.Store(r.clock.Now().UnixNano())
	}
}

// ConnCount returns the number of live connections of user.
func (r *Registry) ConnCount(user domain.UserID) int {
	conns, _ := r.identities.Load(user)
	return len(conns)
}

// Send fans env out to every live connection of user and returns how many
// accepted it. Zero means the identity is unreachable.
func (r *Registry) Send(user domain.UserID, env core.Envelope) int {
	conns, ok := r.identities.Load(user)
	if !ok || len(conns) == 0 {
		return 0
	}
	frame, err := env.Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "app.registry").Str("type", env.Type).Msg("encode envelope")
		return 0
	}
	delivered := 0
	for id, e := range conns {
		if err := e.conn.TrySend(frame); err != nil {
			action := r.policy.OnBackPressure(user, e.conn)
			log.Warn().Err(err).Str("module", "app.registry").Str("user", string(user)).Str("conn", string(id)).Int("action", int(action)).Msg("send failed")
			if action == KickConnection {
				r.closeEntry(e)
			}
			continue
		}
		delivered++
	}
	return delivered
}

// Sweep closes every connection idle for longer than the idle timeout and
// unregisters it, exactly as if the peer had disconnected.
func (r *Registry) Sweep() int {
	if r.idleTimeout <= 0 {
		return 0
	}
	deadline := r.clock.Now().Add(-r.idleTimeout).UnixNano()
	var stale []*connEntry
	r.identities.Range(func(_ domain.UserID, conns identityConns) bool {
		for _, e := range conns {
			if e.lastSeen.Load() < deadline {
				stale = append(stale, e)
			}
		}
		return true
	})
	for _, e := range stale {
		log.Info().Str("module", "app.registry").Str("conn", string(e.conn.ID())).Msg("idle connection swept")
		r.closeEntry(e)
		r.Unregister(e.conn.ID())
	}
	return len(stale)
}

// RunSweeper sweeps every interval until ctx is done.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) error {
	t := r.clock.Ticker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			r.Sweep()
		}
	}
}

// CloseAll closes and unregisters every connection.
func (r *Registry) CloseAll() {
	var all []*connEntry
	r.identities.Range(func(_ domain.UserID, conns identityConns) bool {
		for _, e := range conns {
			all = append(all, e)
		}
		return true
	})
	for _, e := range all {
		r.closeEntry(e)
		r.Unregister(e.conn.ID())
	}
}

func (r *Registry) closeEntry(e *connEntry) {
	if e.cancel != nil {
		e.cancel()
	}
	e.conn.Close()
}
