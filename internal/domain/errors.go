package domain

import "errors"

var (
	ErrUnreachablePeer   = errors.New("peer unreachable")
	ErrInvalidTransition = errors.New("invalid call transition")
	ErrNotAParticipant   = errors.New("not a participant")
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrCallNotFound      = errors.New("call not found")
	ErrPeerBusy          = errors.New("peer busy")
	ErrBlocked           = errors.New("blocked")
	ErrCallFull          = errors.New("call full")
	ErrSelfCall          = errors.New("cannot call yourself")
	ErrRateLimited       = errors.New("rate limited")
)

// ErrorCode maps an error onto the stable code sent to clients.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnreachablePeer):
		return "unreachable_peer"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrNotAParticipant):
		return "not_a_participant"
	case errors.Is(err, ErrMalformedEnvelope), errors.Is(err, ErrSelfCall),
		errors.Is(err, ErrUserIDEmpty), errors.Is(err, ErrUserIDTooLong):
		return "malformed_envelope"
	case errors.Is(err, ErrCallNotFound):
		return "call_not_found"
	case errors.Is(err, ErrPeerBusy):
		return "peer_busy"
	case errors.Is(err, ErrBlocked):
		return "blocked"
	case errors.Is(err, ErrCallFull):
		return "call_full"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	}
	return "internal"
}
