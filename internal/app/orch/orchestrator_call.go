package orch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dkeye/callsig/internal/domain"
)

const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
)

func (o *Orchestrator) Initiate(ctx context.Context, caller, callee domain.UserID, kind domain.CallKind) (*domain.Call, error) {
	return o.Calls.Initiate(ctx, caller, callee, kind)
}

func (o *Orchestrator) Answer(ctx context.Context, id domain.CallID, user domain.UserID) (*domain.Call, error) {
	return o.Calls.Answer(ctx, id, user)
}

func (o *Orchestrator) Reject(ctx context.Context, id domain.CallID, user domain.UserID) (*domain.Call, error) {
	return o.Calls.Reject(ctx, id, user)
}

func (o *Orchestrator) End(ctx context.Context, id domain.CallID, user domain.UserID) (*domain.Call, error) {
	return o.Calls.End(ctx, id, user)
}

func (o *Orchestrator) Join(ctx context.Context, id domain.CallID, user domain.UserID) (*domain.Call, error) {
	return o.Calls.Join(ctx, id, user)
}

func (o *Orchestrator) Leave(ctx context.Context, id domain.CallID, user domain.UserID) (*domain.Call, error) {
	return o.Calls.Leave(ctx, id, user)
}

func (o *Orchestrator) Relay(id domain.CallID, sender, receiver domain.UserID, signal json.RawMessage) error {
	return o.Router.Relay(id, sender, receiver, signal)
}

// GetCall returns a call the viewer takes part in (or was rung for).
func (o *Orchestrator) GetCall(ctx context.Context, id domain.CallID, viewer domain.UserID) (*domain.Call, error) {
	c, err := o.Calls.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Initiator != viewer && c.Callee != viewer && !c.HasParticipant(viewer) {
		return nil, fmt.Errorf("call %s: %w", id, domain.ErrNotAParticipant)
	}
	return c, nil
}

func (o *Orchestrator) Participants(ctx context.Context, id domain.CallID, viewer domain.UserID) ([]domain.Participant, error) {
	c, err := o.GetCall(ctx, id, viewer)
	if err != nil {
		return nil, err
	}
	return c.Participants, nil
}

func (o *Orchestrator) History(ctx context.Context, user domain.UserID, limit, offset int) ([]*domain.Call, error) {
	limit, offset = page(limit, offset)
	return o.Calls.History(ctx, user, limit, offset)
}

func (o *Orchestrator) Missed(ctx context.Context, user domain.UserID, limit, offset int) ([]*domain.Call, error) {
	limit, offset = page(limit, offset)
	return o.Calls.Missed(ctx, user, limit, offset)
}

func page(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
