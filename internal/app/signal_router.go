package app

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsig/internal/core"
	"github.com/dkeye/callsig/internal/domain"
)

// Membership is the view of the call state machine the router needs.
type Membership interface {
	Membership(id domain.CallID, users ...domain.UserID) (domain.CallState, bool, error)
}

// SignalRouter forwards opaque signaling payloads between two members of the
// same active call.
type SignalRouter struct {
	calls    Membership
	notify   core.Notifier
	validate func(json.RawMessage) error
}

// NewSignalRouter builds a router. validate may be nil, in which case the
// payload is not inspected at all.
func NewSignalRouter(calls Membership, notify core.Notifier, validate func(json.RawMessage) error) *SignalRouter {
	return &SignalRouter{calls: calls, notify: notify, validate: validate}
}

// Relay delivers signal to every live connection of receiver, tagged with
// the sender and the call id. Delivery is best effort and never retried.
func (r *SignalRouter) Relay(callID domain.CallID, sender, receiver domain.UserID, signal json.RawMessage) error {
	if sender == receiver {
		return fmt.Errorf("%w: signal addressed to sender", domain.ErrMalformedEnvelope)
	}
	state, ok, err := r.calls.Membership(callID, sender, receiver)
	if err != nil || !ok || !state.Active() {
		log.Warn().
			Str("module", "app.router").
			Str("call_id", string(callID)).
			Str("sender", string(sender)).
			Str("receiver", string(receiver)).
			Str("state", string(state)).
			Msg("signal outside call membership")
		return fmt.Errorf("relay in call %s: %w", callID, domain.ErrNotAParticipant)
	}
	if r.validate != nil {
		if err := r.validate(signal); err != nil {
			return err
		}
	}
	n := r.notify.Send(receiver, core.Envelope{
		Type:       core.TypeCallSignal,
		CallID:     callID,
		SenderID:   sender,
		ReceiverID: receiver,
		Signal:     signal,
	})
	if n == 0 {
		return fmt.Errorf("relay to %s: %w", receiver, domain.ErrUnreachablePeer)
	}
	log.Debug().Str("module", "app.router").Str("call_id", string(callID)).Str("receiver", string(receiver)).Int("delivered", n).Msg("signal relayed")
	return nil
}
