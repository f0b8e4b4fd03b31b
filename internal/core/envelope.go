package core

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/callsig/internal/domain"
)

// Envelope types, inbound and outbound.
const (
	TypeInitiate      = "initiate"
	TypeAnswer        = "answer"
	TypeReject        = "reject"
	TypeEnd           = "end"
	TypeJoinCall      = "join_call"
	TypeLeaveCall     = "leave_call"
	TypeCallSignal    = "call_signal"
	TypePing          = "ping"
	TypePong          = "pong"
	TypeCallInitiated = "call_initiated"
	TypeIncomingCall  = "incoming_call"
	TypeCallAnswered  = "call_answered"
	TypeUserJoined    = "user_joined"
	TypeUserLeft      = "user_left"
	TypeCallEnded     = "call_ended"
	TypeError         = "error"
)

// Envelope is the single message shape used in both directions on the duplex
// channel. Signal stays raw: the server never looks past its "type" field.
type Envelope struct {
	Type       string                `json:"type"`
	CallID     domain.CallID         `json:"call_id,omitempty"`
	SenderID   domain.UserID         `json:"sender_id,omitempty"`
	ReceiverID domain.UserID         `json:"receiver_id,omitempty"`
	CalleeID   domain.UserID         `json:"callee_id,omitempty"`
	UserID     domain.UserID         `json:"user_id,omitempty"`
	Kind       domain.CallKind       `json:"kind,omitempty"`
	State      domain.CallState      `json:"state,omitempty"`
	Reason     domain.TerminalReason `json:"reason,omitempty"`
	Signal     json.RawMessage       `json:"signal,omitempty"`
	Call       *domain.Call          `json:"call,omitempty"`
	Code       string                `json:"code,omitempty"`
	Error      string                `json:"error,omitempty"`
}

// ErrorEnvelope builds the protocol error reply for err.
func ErrorEnvelope(callID domain.CallID, err error) Envelope {
	return Envelope{
		Type:   TypeError,
		CallID: callID,
		Code:   domain.ErrorCode(err),
		Error:  err.Error(),
	}
}

// DecodeEnvelope parses one inbound frame. Only the envelope's shape is
// checked here; per-type field requirements are checked by Validate.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", domain.ErrMalformedEnvelope, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", domain.ErrMalformedEnvelope)
	}
	return env, nil
}

// Validate checks that the fields required by the envelope type are present.
func (e Envelope) Validate() error {
	missing := func(field string) error {
		return fmt.Errorf("%w: %s requires %s", domain.ErrMalformedEnvelope, e.Type, field)
	}
	switch e.Type {
	case TypeInitiate:
		if e.CalleeID == "" {
			return missing("callee_id")
		}
	case TypeAnswer, TypeReject, TypeEnd, TypeJoinCall, TypeLeaveCall:
		if e.CallID == "" {
			return missing("call_id")
		}
	case TypeCallSignal:
		if e.CallID == "" {
			return missing("call_id")
		}
		if e.ReceiverID == "" {
			return missing("receiver_id")
		}
		if len(e.Signal) == 0 || string(e.Signal) == "null" {
			return missing("signal")
		}
	case TypePing:
	default:
		return fmt.Errorf("%w: unknown type %q", domain.ErrMalformedEnvelope, e.Type)
	}
	return nil
}

func (e Envelope) Encode() (Frame, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return Frame(b), nil
}
