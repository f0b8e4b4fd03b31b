package calls

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dkeye/callsig/internal/domain"
)

// record is the live state of one call. mu is the single-writer lock for the
// call: every transition happens while holding it, which also serializes
// the ring timer against answer/reject/end.
type record struct {
	mu    sync.Mutex
	call  domain.Call
	timer *clock.Timer
}

func (r *record) snapshot() *domain.Call {
	c := r.call
	c.Participants = append([]domain.Participant(nil), r.call.Participants...)
	if r.call.AnsweredAt != nil {
		t := *r.call.AnsweredAt
		c.AnsweredAt = &t
	}
	if r.call.EndedAt != nil {
		t := *r.call.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// audience is everybody who must hear about a state change: the current
// participants plus the callee while it is still being rung.
func (r *record) audience() []domain.UserID {
	out := r.call.ParticipantIDs()
	if r.call.State == domain.StateRinging && !r.call.HasParticipant(r.call.Callee) {
		out = append(out, r.call.Callee)
	}
	return out
}

func (r *record) addParticipant(user domain.UserID, role domain.Role, now time.Time) {
	r.call.Participants = append(r.call.Participants, domain.Participant{UserID: user, Role: role, JoinedAt: now})
	r.call.UpdatedAt = now
}

func (r *record) removeParticipant(user domain.UserID, now time.Time) bool {
	for i, p := range r.call.Participants {
		if p.UserID == user {
			r.call.Participants = append(r.call.Participants[:i:i], r.call.Participants[i+1:]...)
			r.call.UpdatedAt = now
			return true
		}
	}
	return false
}

func (r *record) stopTimer() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}
