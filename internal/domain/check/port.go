package check

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("check not found")

	// ErrConflict reports a lost optimistic-lock race on UpdateState.
	// Callers retry the transition against a fresh snapshot, not the
	// whole request.
	ErrConflict = errors.New("check modified concurrently")
)

type Repo interface {
	Create(ctx context.Context, c *Check) error
	GetByID(ctx context.Context, id int64) (*Check, error)
	GetByCode(ctx context.Context, code uuid.UUID) (*Check, error)
	GetBySlug(ctx context.Context, slug string) (*Check, error)
	List(ctx context.Context, projectID int64, tag string) ([]*Check, error)
	Delete(ctx context.Context, id int64) error

	// UpdateConfig persists operator edits (name, tags, schedule).
	UpdateConfig(ctx context.Context, c *Check) error

	// UpdateState persists runtime state (status, deadlines, ping
	// bookkeeping) guarded by Version; returns ErrConflict when the row
	// moved underneath the caller.
	UpdateState(ctx context.Context, c *Check) error

	// FetchDue returns checks whose stored deadlines have passed,
	// ordered by the earlier of the two deadlines. Paused and down
	// checks are excluded by the status filter; new checks are included
	// only when the first-ping timeout policy is enabled.
	FetchDue(ctx context.Context, now time.Time, limit int, firstPingTimeout time.Duration) ([]*Check, error)
}
