package orch

import (
	"context"

	"github.com/dkeye/callsig/internal/core"
	"github.com/dkeye/callsig/internal/domain"
)

// Connect admits an authenticated connection.
func (o *Orchestrator) Connect(user domain.UserID, conn core.SignalConnection, cancel context.CancelFunc) {
	o.Registry.Register(user, conn, cancel)
}

// Disconnect removes a connection; the last one of an identity triggers the
// same cleanup as an explicit leave.
func (o *Orchestrator) Disconnect(connID core.ConnID) {
	o.Registry.Unregister(connID)
}

// Touch records inbound activity for the liveness sweep.
func (o *Orchestrator) Touch(connID core.ConnID) {
	o.Registry.Touch(connID)
}

func (o *Orchestrator) IsReachable(user domain.UserID) bool {
	return o.Presence.IsReachable(user)
}
