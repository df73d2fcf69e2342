// Package flip records status transitions. A flip row doubles as the
// transactional outbox message for the status-changed event: it is
// inserted in the same transaction as the state change that caused it,
// and a dispatcher later publishes and marks it, so each crossing is
// recorded exactly once no matter how many sweeps observe it.
package flip

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/calmops/beatwatch/internal/domain/check"
)

type State string

const (
	StateCreated    State = "created"
	StateInProgress State = "in_progress"
	StateSent       State = "sent"
)

type Flip struct {
	ID        int64
	CheckID   int64
	CheckCode uuid.UUID

	// At is the instant the status boundary was crossed, which can be
	// well before the flip was recorded if sweeps were delayed.
	At        time.Time
	OldStatus check.Status
	NewStatus check.Status

	State     State
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Notifiable reports whether the flip should produce an outbound event.
// First-ever pings and operator resumes going up are bookkeeping, not
// incidents.
func (f Flip) Notifiable() bool {
	if f.NewStatus == check.StatusUp &&
		(f.OldStatus == check.StatusNew || f.OldStatus == check.StatusPaused) {
		return false
	}
	return true
}

type Repo interface {
	Insert(ctx context.Context, f *Flip) error

	// PickBatch claims up to limit undispatched flips, reclaiming ones
	// stuck in progress longer than the TTL (a dispatcher that died
	// mid-batch). Safe to call from concurrent workers.
	PickBatch(ctx context.Context, limit int, inProgressTTL time.Duration) ([]Flip, error)

	MarkSent(ctx context.Context, ids []int64) error
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}
