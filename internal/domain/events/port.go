// Package events is the boundary toward the notification dispatch
// gateway: the scheduling core emits status-changed events and nothing
// else; delivery mechanics live on the other side of the topic.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/calmops/beatwatch/internal/domain/check"
)

type StatusChanged struct {
	CheckID   int64        `json:"check_id"`
	CheckCode uuid.UUID    `json:"check_code"`
	Old       check.Status `json:"old_status"`
	New       check.Status `json:"new_status"`
	At        time.Time    `json:"at"`
}

type Publisher interface {
	PublishStatusChanged(ctx context.Context, ev StatusChanged) error
}
