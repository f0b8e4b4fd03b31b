package domain

import (
	"fmt"
	"time"
)

type CallID string

type CallKind string

const (
	KindAudio CallKind = "audio"
	KindVideo CallKind = "video"
)

// ParseCallKind accepts "audio", "video" and the legacy "voice"; empty means audio.
func ParseCallKind(raw string) (CallKind, error) {
	switch raw {
	case "", "audio", "voice":
		return KindAudio, nil
	case "video":
		return KindVideo, nil
	}
	return "", fmt.Errorf("%w: unknown call kind %q", ErrMalformedEnvelope, raw)
}

type CallState string

const (
	StateRinging   CallState = "RINGING"
	StateAnswered  CallState = "ANSWERED"
	StateRejected  CallState = "REJECTED"
	StateTimedOut  CallState = "TIMED_OUT"
	StateCancelled CallState = "CANCELLED"
	StateEnded     CallState = "ENDED"
)

func (s CallState) Terminal() bool {
	switch s {
	case StateRejected, StateTimedOut, StateCancelled, StateEnded:
		return true
	}
	return false
}

// Active reports whether signals may be relayed inside a call in this state.
func (s CallState) Active() bool {
	return s == StateRinging || s == StateAnswered
}

type TerminalReason string

const (
	ReasonNone     TerminalReason = "none"
	ReasonRejected TerminalReason = "rejected"
	ReasonTimeout  TerminalReason = "timeout"
	ReasonEnded    TerminalReason = "ended"
	ReasonError    TerminalReason = "error"
)

type Role string

const (
	RoleInitiator Role = "initiator"
	RoleInvitee   Role = "invitee"
)

// Participant represents a user's membership in a call.
type Participant struct {
	UserID   UserID    `json:"user_id"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

// Call is a read-only snapshot of a call record. The live record is owned by
// the call state machine; everything outside it only ever sees copies.
type Call struct {
	ID           CallID         `json:"id"`
	Initiator    UserID         `json:"initiator_id"`
	Callee       UserID         `json:"callee_id"`
	Kind         CallKind       `json:"kind"`
	State        CallState      `json:"state"`
	Reason       TerminalReason `json:"reason"`
	Participants []Participant  `json:"participants"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	AnsweredAt   *time.Time     `json:"answered_at,omitempty"`
	EndedAt      *time.Time     `json:"ended_at,omitempty"`
}

func (c *Call) HasParticipant(id UserID) bool {
	for _, p := range c.Participants {
		if p.UserID == id {
			return true
		}
	}
	return false
}

// ParticipantIDs returns identities in join order.
func (c *Call) ParticipantIDs() []UserID {
	out := make([]UserID, 0, len(c.Participants))
	for _, p := range c.Participants {
		out = append(out, p.UserID)
	}
	return out
}

// Duration is the answered time of a terminal call, zero if never answered.
func (c *Call) Duration() time.Duration {
	if c.AnsweredAt == nil || c.EndedAt == nil {
		return 0
	}
	return c.EndedAt.Sub(*c.AnsweredAt)
}

// Missed reports whether the callee never picked up.
func (c *Call) Missed() bool {
	return c.AnsweredAt == nil && c.State.Terminal()
}
