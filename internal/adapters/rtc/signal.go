package rtc

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/callsig/internal/domain"
)

const SignalCandidate = "candidate"

// SignalKind returns the kind of a relayed signaling payload: "offer",
// "answer" or "candidate". Everything else in the payload stays opaque.
func SignalKind(raw json.RawMessage) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", fmt.Errorf("%w: signal: %v", domain.ErrMalformedEnvelope, err)
	}
	if head.Type == SignalCandidate {
		return SignalCandidate, nil
	}
	switch webrtc.NewSDPType(head.Type) {
	case webrtc.SDPTypeOffer, webrtc.SDPTypeAnswer:
		return head.Type, nil
	}
	return "", fmt.Errorf("%w: signal type %q", domain.ErrMalformedEnvelope, head.Type)
}

// ValidateSignal is SignalKind for callers that only need the check.
func ValidateSignal(raw json.RawMessage) error {
	_, err := SignalKind(raw)
	return err
}
