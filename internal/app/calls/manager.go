// Package calls owns the call state machine: an arena of call records keyed
// by call id, each mutated only under its own lock.
package calls

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsig/internal/core"
	"github.com/dkeye/callsig/internal/domain"
)

const (
	DefaultRingTimeout = 30 * time.Second
	historyTimeout     = 5 * time.Second
	tombstoneTTL       = 10 * time.Minute
)

type Config struct {
	RingTimeout time.Duration
	// MaxParticipants caps group calls; zero means no cap.
	MaxParticipants int
}

// Reachability is what the state machine needs from presence.
type Reachability interface {
	IsReachable(user domain.UserID) bool
}

type Manager struct {
	cfg      Config
	clock    clock.Clock
	presence Reachability
	notify   core.Notifier
	history  core.HistoryStore
	dir      core.Directory

	calls *xsync.MapOf[domain.CallID, *record]
	// tombstones remember recently terminated calls so late actions are
	// reported as stale even without a history store.
	tombstones *xsync.MapOf[domain.CallID, tombstone]
	newID      func() domain.CallID
}

type tombstone struct {
	state domain.CallState
	at    time.Time
}

type Option func(*Manager)

func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clock = c } }

func WithHistory(h core.HistoryStore) Option { return func(m *Manager) { m.history = h } }

func WithDirectory(d core.Directory) Option { return func(m *Manager) { m.dir = d } }

func WithIDGenerator(fn func() domain.CallID) Option { return func(m *Manager) { m.newID = fn } }

func NewManager(cfg Config, presence Reachability, notify core.Notifier, opts ...Option) *Manager {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = DefaultRingTimeout
	}
	m := &Manager{
		cfg:        cfg,
		clock:      clock.New(),
		presence:   presence,
		notify:     notify,
		calls:      xsync.NewMapOf[domain.CallID, *record](),
		tombstones: xsync.NewMapOf[domain.CallID, tombstone](),
		newID:      func() domain.CallID { return domain.CallID(uuid.NewString()) },
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func logger(id domain.CallID) zerolog.Logger {
	return log.With().Str("module", "calls").Str("call_id", string(id)).Logger()
}

// Initiate creates a RINGING call from caller to callee and rings the callee.
func (m *Manager) Initiate(ctx context.Context, caller, callee domain.UserID, kind domain.CallKind) (*domain.Call, error) {
	if caller == callee {
		return nil, domain.ErrSelfCall
	}
	// a participant without a connection would never be cleaned up
	if !m.presence.IsReachable(caller) {
		return nil, fmt.Errorf("initiate call from %s: caller offline: %w", caller, domain.ErrUnreachablePeer)
	}
	if !m.presence.IsReachable(callee) {
		return nil, fmt.Errorf("initiate call to %s: %w", callee, domain.ErrUnreachablePeer)
	}
	if m.dir != nil {
		blocked, err := m.dir.IsBlocked(ctx, caller, callee)
		if err != nil {
			log.Error().Err(err).Str("module", "calls").Str("user", string(caller)).Msg("directory lookup failed")
		} else if blocked {
			return nil, fmt.Errorf("initiate call to %s: %w", callee, domain.ErrBlocked)
		}
	}
	if m.busy(callee) {
		return nil, fmt.Errorf("initiate call to %s: %w", callee, domain.ErrPeerBusy)
	}

	now := m.clock.Now().UTC()
	rec := &record{call: domain.Call{
		ID:        m.newID(),
		Initiator: caller,
		Callee:    callee,
		Kind:      kind,
		State:     domain.StateRinging,
		Reason:    domain.ReasonNone,
		CreatedAt: now,
	}}
	rec.addParticipant(caller, domain.RoleInitiator, now)
	id := rec.call.ID
	l := logger(id)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	m.calls.Store(id, rec)

	snap := rec.snapshot()
	delivered := m.notify.Send(callee, core.Envelope{
		Type:     core.TypeIncomingCall,
		CallID:   id,
		SenderID: caller,
		Kind:     kind,
		Call:     snap,
	})
	if delivered == 0 {
		// callee dropped between the presence check and the ring
		m.calls.Delete(id)
		return nil, fmt.Errorf("initiate call to %s: %w", callee, domain.ErrUnreachablePeer)
	}
	rec.timer = m.clock.AfterFunc(m.cfg.RingTimeout, func() { m.ringTimeout(id) })
	l.Info().Str("caller", string(caller)).Str("callee", string(callee)).Str("kind", string(kind)).Msg("call ringing")
	return snap, nil
}

// Answer moves a RINGING call to ANSWERED. Only the invited callee may answer.
func (m *Manager) Answer(ctx context.Context, id domain.CallID, user domain.UserID) (*domain.Call, error) {
	rec, err := m.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.call.State != domain.StateRinging || rec.call.Callee != user {
		return nil, fmt.Errorf("answer call %s in state %s: %w", id, rec.call.State, domain.ErrInvalidTransition)
	}
	if !m.presence.IsReachable(user) {
		return nil, fmt.Errorf("answer call %s: %s offline: %w", id, user, domain.ErrUnreachablePeer)
	}
	rec.stopTimer()
	now := m.clock.Now().UTC()
	rec.call.State = domain.StateAnswered
	rec.call.AnsweredAt = &now
	rec.addParticipant(user, domain.RoleInvitee, now)

	snap := rec.snapshot()
	m.broadcast(rec.call.ParticipantIDs(), core.Envelope{
		Type:   core.TypeCallAnswered,
		CallID: id,
		UserID: user,
		State:  snap.State,
		Call:   snap,
	})
	l := logger(id)
	l.Info().Str("user", string(user)).Msg("call answered")
	return snap, nil
}

// Reject ends a RINGING call on behalf of the callee.
func (m *Manager) Reject(ctx context.Context, id domain.CallID, user domain.UserID) (*domain.Call, error) {
	rec, err := m.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	snap, err := func() (*domain.Call, error) {
		defer rec.mu.Unlock()
		if rec.call.State != domain.StateRinging || rec.call.Callee != user {
			return nil, fmt.Errorf("reject call %s in state %s: %w", id, rec.call.State, domain.ErrInvalidTransition)
		}
		return m.terminate(rec, domain.StateRejected, domain.ReasonRejected), nil
	}()
	if err != nil {
		return nil, err
	}
	m.record(snap)
	return snap, nil
}

// End terminates a call. A participant of an ANSWERED call ends it; the
// initiator of a RINGING call cancels it.
func (m *Manager) End(ctx context.Context, id domain.CallID, user domain.UserID) (*domain.Call, error) {
	rec, err := m.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	snap, err := func() (*domain.Call, error) {
		defer rec.mu.Unlock()
		if rec.call.State.Terminal() {
			return nil, fmt.Errorf("end call %s in state %s: %w", id, rec.call.State, domain.ErrInvalidTransition)
		}
		if !rec.call.HasParticipant(user) {
			return nil, fmt.Errorf("end call %s: %w", id, domain.ErrNotAParticipant)
		}
		return m.finish(rec), nil
	}()
	if err != nil {
		return nil, err
	}
	m.record(snap)
	return snap, nil
}

// Leave removes user from the call. The last participant leaving ends it.
func (m *Manager) Leave(ctx context.Context, id domain.CallID, user domain.UserID) (*domain.Call, error) {
	rec, err := m.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	terminal := false
	snap, err := func() (*domain.Call, error) {
		defer rec.mu.Unlock()
		if rec.call.State.Terminal() {
			return nil, fmt.Errorf("leave call %s in state %s: %w", id, rec.call.State, domain.ErrInvalidTransition)
		}
		if !rec.call.HasParticipant(user) {
			return nil, fmt.Errorf("leave call %s: %w", id, domain.ErrNotAParticipant)
		}
		if len(rec.call.Participants) == 1 {
			terminal = true
			return m.finish(rec), nil
		}
		rec.removeParticipant(user, m.clock.Now().UTC())
		m.broadcast(rec.call.ParticipantIDs(), core.Envelope{
			Type:   core.TypeUserLeft,
			CallID: id,
			UserID: user,
		})
		l := logger(id)
		l.Info().Str("user", string(user)).Int("remaining", len(rec.call.Participants)).Msg("participant left")
		return rec.snapshot(), nil
	}()
	if err != nil {
		return nil, err
	}
	if terminal {
		m.record(snap)
	}
	return snap, nil
}

// Join adds user to an ANSWERED call. Joining a call one already belongs to
// is a no-op.
func (m *Manager) Join(ctx context.Context, id domain.CallID, user domain.UserID) (*domain.Call, error) {
	rec, err := m.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.call.HasParticipant(user) && !rec.call.State.Terminal() {
		return rec.snapshot(), nil
	}
	if rec.call.State != domain.StateAnswered {
		return nil, fmt.Errorf("join call %s in state %s: %w", id, rec.call.State, domain.ErrInvalidTransition)
	}
	if m.cfg.MaxParticipants > 0 && len(rec.call.Participants) >= m.cfg.MaxParticipants {
		return nil, fmt.Errorf("join call %s: %w", id, domain.ErrCallFull)
	}
	if !m.presence.IsReachable(user) {
		return nil, fmt.Errorf("join call %s: %s offline: %w", id, user, domain.ErrUnreachablePeer)
	}
	others := rec.call.ParticipantIDs()
	rec.addParticipant(user, domain.RoleInvitee, m.clock.Now().UTC())
	m.broadcast(others, core.Envelope{
		Type:   core.TypeUserJoined,
		CallID: id,
		UserID: user,
	})
	l := logger(id)
	l.Info().Str("user", string(user)).Int("participants", len(rec.call.Participants)).Msg("participant joined")
	return rec.snapshot(), nil
}

// LeaveAll runs Leave for every active call user participates in. It is the
// cleanup path for an identity that lost its last connection.
func (m *Manager) LeaveAll(ctx context.Context, user domain.UserID) int {
	var ids []domain.CallID
	m.calls.Range(func(id domain.CallID, rec *record) bool {
		rec.mu.Lock()
		if rec.call.HasParticipant(user) {
			ids = append(ids, id)
		}
		rec.mu.Unlock()
		return true
	})
	left := 0
	for _, id := range ids {
		if _, err := m.Leave(ctx, id, user); err != nil {
			log.Debug().Err(err).Str("module", "calls").Str("call_id", string(id)).Msg("leave on disconnect")
			continue
		}
		left++
	}
	return left
}

// Get returns the current snapshot of a call, falling back to history once
// the call is terminal.
func (m *Manager) Get(ctx context.Context, id domain.CallID) (*domain.Call, error) {
	if rec, ok := m.calls.Load(id); ok {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.snapshot(), nil
	}
	if m.history == nil {
		return nil, fmt.Errorf("call %s: %w", id, domain.ErrCallNotFound)
	}
	return m.history.GetCall(ctx, id)
}

// Membership reports the state of an active call and whether both users
// are current participants. Terminal calls are reported as not found.
func (m *Manager) Membership(id domain.CallID, users ...domain.UserID) (domain.CallState, bool, error) {
	rec, ok := m.calls.Load(id)
	if !ok {
		return "", false, fmt.Errorf("call %s: %w", id, domain.ErrCallNotFound)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, u := range users {
		if !rec.call.HasParticipant(u) {
			return rec.call.State, false, nil
		}
	}
	return rec.call.State, true, nil
}

// Active lists the non-terminal calls user takes part in or is being rung for.
func (m *Manager) Active(user domain.UserID) []*domain.Call {
	var out []*domain.Call
	m.calls.Range(func(_ domain.CallID, rec *record) bool {
		rec.mu.Lock()
		if rec.call.HasParticipant(user) || (rec.call.State == domain.StateRinging && rec.call.Callee == user) {
			out = append(out, rec.snapshot())
		}
		rec.mu.Unlock()
		return true
	})
	return out
}

func (m *Manager) History(ctx context.Context, user domain.UserID, limit, offset int) ([]*domain.Call, error) {
	if m.history == nil {
		return nil, nil
	}
	return m.history.ListCalls(ctx, user, limit, offset)
}

func (m *Manager) Missed(ctx context.Context, user domain.UserID, limit, offset int) ([]*domain.Call, error) {
	if m.history == nil {
		return nil, nil
	}
	return m.history.ListMissedCalls(ctx, user, limit, offset)
}

// Close terminates every active call with reason error.
func (m *Manager) Close() {
	var recs []*record
	m.calls.Range(func(_ domain.CallID, rec *record) bool {
		recs = append(recs, rec)
		return true
	})
	for _, rec := range recs {
		rec.mu.Lock()
		if rec.call.State.Terminal() {
			rec.mu.Unlock()
			continue
		}
		snap := m.terminate(rec, domain.StateEnded, domain.ReasonError)
		rec.mu.Unlock()
		m.record(snap)
	}
}

func (m *Manager) ringTimeout(id domain.CallID) {
	rec, ok := m.calls.Load(id)
	if !ok {
		return
	}
	rec.mu.Lock()
	if rec.call.State != domain.StateRinging {
		// answer, reject or cancel won the race
		rec.mu.Unlock()
		return
	}
	snap := m.terminate(rec, domain.StateTimedOut, domain.ReasonTimeout)
	rec.mu.Unlock()
	m.record(snap)
}

// lookup finds an active record. Terminal calls that already moved to
// history report an invalid transition rather than not-found.
func (m *Manager) lookup(ctx context.Context, id domain.CallID) (*record, error) {
	if rec, ok := m.calls.Load(id); ok {
		return rec, nil
	}
	if ts, ok := m.tombstones.Load(id); ok {
		return nil, fmt.Errorf("call %s in state %s: %w", id, ts.state, domain.ErrInvalidTransition)
	}
	if m.history != nil {
		if c, err := m.history.GetCall(ctx, id); err == nil && c != nil {
			return nil, fmt.Errorf("call %s in state %s: %w", id, c.State, domain.ErrInvalidTransition)
		} else if err != nil && !errors.Is(err, domain.ErrCallNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("call %s: %w", id, domain.ErrCallNotFound)
}

// finish is the terminal transition for end/leave. Must hold rec.mu.
func (m *Manager) finish(rec *record) *domain.Call {
	if rec.call.State == domain.StateRinging {
		return m.terminate(rec, domain.StateCancelled, domain.ReasonEnded)
	}
	return m.terminate(rec, domain.StateEnded, domain.ReasonEnded)
}

// terminate moves rec to a terminal state, notifies its audience and evicts
// it from the arena. Must hold rec.mu.
func (m *Manager) terminate(rec *record, state domain.CallState, reason domain.TerminalReason) *domain.Call {
	l := logger(rec.call.ID)
	if rec.call.State.Terminal() {
		l.Error().Str("state", string(rec.call.State)).Msg("mutation of terminal call")
		return rec.snapshot()
	}
	rec.stopTimer()
	audience := rec.audience()
	now := m.clock.Now().UTC()
	rec.call.State = state
	rec.call.Reason = reason
	rec.call.EndedAt = &now
	rec.call.UpdatedAt = now
	snap := rec.snapshot()
	rec.call.Participants = nil
	m.pruneTombstones(now)
	m.tombstones.Store(rec.call.ID, tombstone{state: state, at: now})
	m.calls.Delete(rec.call.ID)

	m.broadcast(audience, core.Envelope{
		Type:   core.TypeCallEnded,
		CallID: rec.call.ID,
		State:  state,
		Reason: reason,
	})
	l.Info().Str("state", string(state)).Str("reason", string(reason)).Msg("call terminated")
	return snap
}

func (m *Manager) pruneTombstones(now time.Time) {
	m.tombstones.Range(func(id domain.CallID, ts tombstone) bool {
		if now.Sub(ts.at) > tombstoneTTL {
			m.tombstones.Delete(id)
		}
		return true
	})
}

func (m *Manager) broadcast(to []domain.UserID, env core.Envelope) {
	for _, u := range to {
		m.notify.Send(u, env)
	}
}

func (m *Manager) record(c *domain.Call) {
	if m.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	if err := m.history.RecordCall(ctx, c); err != nil {
		log.Error().Err(err).Str("module", "calls").Str("call_id", string(c.ID)).Msg("record history")
	}
}

func (m *Manager) busy(user domain.UserID) bool {
	busy := false
	m.calls.Range(func(_ domain.CallID, rec *record) bool {
		rec.mu.Lock()
		switch rec.call.State {
		case domain.StateRinging:
			busy = rec.call.Callee == user
		case domain.StateAnswered:
			busy = rec.call.HasParticipant(user)
		}
		rec.mu.Unlock()
		return !busy
	})
	return busy
}
