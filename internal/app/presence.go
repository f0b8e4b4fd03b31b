package app

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsig/internal/domain"
)

// Presence is the single authority on whether an identity can receive a call.
// It keeps no state of its own beyond listeners; reachability is read from
// the registry on every query.
type Presence struct {
	reg *Registry

	mu      sync.RWMutex
	offline []func(domain.UserID)
}

func NewPresence(reg *Registry) *Presence {
	p := &Presence{reg: reg}
	reg.Subscribe(p)
	return p
}

func (p *Presence) IsReachable(user domain.UserID) bool {
	return p.reg.ConnCount(user) > 0
}

// OnOfflineFunc registers fn to run whenever an identity drops its last
// connection.
func (p *Presence) OnOfflineFunc(fn func(domain.UserID)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offline = append(p.offline, fn)
}

func (p *Presence) OnOffline(user domain.UserID) {
	log.Info().Str("module", "app.presence").Str("user", string(user)).Msg("identity offline")
	p.mu.RLock()
	fns := make([]func(domain.UserID), len(p.offline))
	copy(fns, p.offline)
	p.mu.RUnlock()
	for _, fn := range fns {
		fn(user)
	}
}
