package core

import (
	"context"

	"github.com/dkeye/callsig/internal/domain"
)

// HistoryStore receives terminal calls. Persistence is owned by the
// collaborator; the core only writes finished records and reads them back.
type HistoryStore interface {
	RecordCall(ctx context.Context, call *domain.Call) error
	GetCall(ctx context.Context, id domain.CallID) (*domain.Call, error)
	ListCalls(ctx context.Context, user domain.UserID, limit, offset int) ([]*domain.Call, error)
	ListMissedCalls(ctx context.Context, user domain.UserID, limit, offset int) ([]*domain.Call, error)
}

// Directory answers user-directory questions the call flow depends on.
type Directory interface {
	// IsBlocked reports whether either user has blocked the other.
	IsBlocked(ctx context.Context, a, b domain.UserID) (bool, error)
}

// Notifier pushes an envelope to every live connection of a user and
// returns how many connections accepted it.
type Notifier interface {
	Send(to domain.UserID, env Envelope) int
}

// Blocker edits the block list the Directory reads.
type Blocker interface {
	Block(ctx context.Context, blocker, blocked domain.UserID) error
	Unblock(ctx context.Context, blocker, blocked domain.UserID) error
}
