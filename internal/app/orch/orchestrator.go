// Package orch wires the registry, presence, call state machine and signal
// router into the single authority both entry paths (duplex channel and
// REST) go through.
package orch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsig/internal/app"
	"github.com/dkeye/callsig/internal/app/calls"
	"github.com/dkeye/callsig/internal/core"
	"github.com/dkeye/callsig/internal/domain"
)

type Config struct {
	RingTimeout     time.Duration
	IdleTimeout     time.Duration
	SweepInterval   time.Duration
	MaxParticipants int
}

// Deps are the external collaborators. Any of them may be nil.
type Deps struct {
	Clock     clock.Clock
	History   core.HistoryStore
	Directory core.Directory
	Policy    app.Policy
	// ValidateSignal checks relayed payloads; nil forwards them untouched.
	ValidateSignal func(json.RawMessage) error
}

type Orchestrator struct {
	Registry *app.Registry
	Presence *app.Presence
	Calls    *calls.Manager
	Router   *app.SignalRouter

	sweepInterval time.Duration
}

func New(cfg Config, deps Deps) *Orchestrator {
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	reg := app.NewRegistry(clk, cfg.IdleTimeout, deps.Policy)
	presence := app.NewPresence(reg)

	opts := []calls.Option{calls.WithClock(clk)}
	if deps.History != nil {
		opts = append(opts, calls.WithHistory(deps.History))
	}
	if deps.Directory != nil {
		opts = append(opts, calls.WithDirectory(deps.Directory))
	}
	manager := calls.NewManager(calls.Config{
		RingTimeout:     cfg.RingTimeout,
		MaxParticipants: cfg.MaxParticipants,
	}, presence, reg, opts...)

	o := &Orchestrator{
		Registry:      reg,
		Presence:      presence,
		Calls:         manager,
		Router:        app.NewSignalRouter(manager, reg, deps.ValidateSignal),
		sweepInterval: cfg.SweepInterval,
	}
	presence.OnOfflineFunc(o.onOffline)
	return o
}

// Run drives the liveness sweep until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.sweepInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	log.Info().Str("module", "orch").Dur("interval", o.sweepInterval).Msg("liveness sweeper started")
	return o.Registry.RunSweeper(ctx, o.sweepInterval)
}

// Close ends every active call and drops every connection.
func (o *Orchestrator) Close() {
	o.Calls.Close()
	o.Registry.CloseAll()
	log.Info().Str("module", "orch").Msg("orchestrator closed")
}

// onOffline is the disconnect cleanup path: an identity without any
// connection leaves every call it participates in.
func (o *Orchestrator) onOffline(user domain.UserID) {
	n := o.Calls.LeaveAll(context.Background(), user)
	if n > 0 {
		log.Info().Str("module", "orch").Str("user", string(user)).Int("calls", n).Msg("left calls on disconnect")
	}
}
