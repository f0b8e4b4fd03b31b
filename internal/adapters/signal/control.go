package signal

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsig/internal/core"
	"github.com/dkeye/callsig/internal/domain"
)

type handlerFunc func(ctx context.Context, c *WsSignalConn, env core.Envelope) error

func (ctl *SignalWSController) handlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		core.TypeInitiate:   ctl.handleInitiate,
		core.TypeAnswer:     ctl.handleAnswer,
		core.TypeReject:     ctl.handleReject,
		core.TypeEnd:        ctl.handleEnd,
		core.TypeJoinCall:   ctl.handleJoin,
		core.TypeLeaveCall:  ctl.handleLeave,
		core.TypeCallSignal: ctl.handleCallSignal,
		core.TypePing:       ctl.handlePing,
	}
}

// handleSignal decodes one frame and dispatches it. Any failure is answered
// with an error envelope on the same connection, which stays open.
func (ctl *SignalWSController) handleSignal(ctx context.Context, c *WsSignalConn, data []byte) {
	env, err := core.DecodeEnvelope(data)
	if err == nil {
		err = env.Validate()
	}
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("user", string(c.user)).Msg("bad envelope")
		ctl.reply(c, core.ErrorEnvelope(env.CallID, err))
		return
	}
	if ctl.limiter != nil && !ctl.limiter.Allow(c.user) {
		ctl.reply(c, core.ErrorEnvelope(env.CallID, domain.ErrRateLimited))
		return
	}

	h, ok := ctl.dispatch[env.Type]
	if !ok {
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
		return
	}
	if err := h(ctx, c, env); err != nil {
		ctl.logFailure(c, env, err)
		ctl.reply(c, core.ErrorEnvelope(env.CallID, err))
	}
}

func (ctl *SignalWSController) logFailure(c *WsSignalConn, env core.Envelope, err error) {
	ev := log.Info()
	switch {
	case errors.Is(err, domain.ErrNotAParticipant):
		ev = log.Warn()
	case domain.ErrorCode(err) == "internal":
		ev = log.Error()
	}
	ev.Err(err).Str("module", "signal").Str("user", string(c.user)).Str("type", env.Type).Str("call_id", string(env.CallID)).Msg("envelope rejected")
}

func (ctl *SignalWSController) handleInitiate(ctx context.Context, c *WsSignalConn, env core.Envelope) error {
	callee, err := domain.ParseUserID(string(env.CalleeID))
	if err != nil {
		return err
	}
	kind, err := domain.ParseCallKind(string(env.Kind))
	if err != nil {
		return err
	}
	call, err := ctl.Orch.Initiate(ctx, c.user, callee, kind)
	if err != nil {
		return err
	}
	ctl.reply(c, core.Envelope{
		Type:     core.TypeCallInitiated,
		CallID:   call.ID,
		CalleeID: call.Callee,
		Kind:     call.Kind,
		State:    call.State,
		Call:     call,
	})
	return nil
}

// Answer, reject and end are acknowledged by the broadcasts they cause.

func (ctl *SignalWSController) handleAnswer(ctx context.Context, c *WsSignalConn, env core.Envelope) error {
	_, err := ctl.Orch.Answer(ctx, env.CallID, c.user)
	return err
}

func (ctl *SignalWSController) handleReject(ctx context.Context, c *WsSignalConn, env core.Envelope) error {
	_, err := ctl.Orch.Reject(ctx, env.CallID, c.user)
	return err
}

func (ctl *SignalWSController) handleEnd(ctx context.Context, c *WsSignalConn, env core.Envelope) error {
	_, err := ctl.Orch.End(ctx, env.CallID, c.user)
	return err
}

func (ctl *SignalWSController) handleJoin(ctx context.Context, c *WsSignalConn, env core.Envelope) error {
	call, err := ctl.Orch.Join(ctx, env.CallID, c.user)
	if err != nil {
		return err
	}
	ctl.reply(c, core.Envelope{
		Type:   core.TypeUserJoined,
		CallID: call.ID,
		UserID: c.user,
		State:  call.State,
		Call:   call,
	})
	return nil
}

func (ctl *SignalWSController) handleLeave(ctx context.Context, c *WsSignalConn, env core.Envelope) error {
	call, err := ctl.Orch.Leave(ctx, env.CallID, c.user)
	if err != nil {
		return err
	}
	if !call.State.Terminal() {
		// the last participant already got call_ended
		ctl.reply(c, core.Envelope{
			Type:   core.TypeUserLeft,
			CallID: call.ID,
			UserID: c.user,
		})
	}
	return nil
}

func (ctl *SignalWSController) handleCallSignal(_ context.Context, c *WsSignalConn, env core.Envelope) error {
	return ctl.Orch.Relay(env.CallID, c.user, env.ReceiverID, env.Signal)
}

func (ctl *SignalWSController) handlePing(_ context.Context, c *WsSignalConn, _ core.Envelope) error {
	ctl.reply(c, core.Envelope{Type: core.TypePong})
	return nil
}

func (ctl *SignalWSController) reply(c *WsSignalConn, env core.Envelope) {
	frame, err := env.Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("reply encode")
		return
	}
	if err := c.TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("conn", string(c.id)).Msg("reply dropped")
	}
}
