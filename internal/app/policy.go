package app

import (
	"github.com/dkeye/callsig/internal/core"
	"github.com/dkeye/callsig/internal/domain"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropEnvelope
	KickConnection
)

// Policy decides what happens to a connection whose outbound queue is full.
type Policy interface {
	OnBackPressure(user domain.UserID, conn core.SignalConnection) BackpressureAction
}

// SimplePolicy kicks slow connections; their read pump then runs the normal
// disconnect cleanup.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.UserID, core.SignalConnection) BackpressureAction {
	return KickConnection
}
