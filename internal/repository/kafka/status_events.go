package kafka

import (
	"context"

	"github.com/calmops/beatwatch/internal/domain/events"
)

// StatusEventsKafka publishes status-changed events for the dispatch
// gateway, keyed by check code.
type StatusEventsKafka struct {
	p *Producer
}

func NewStatusEventsKafka(p *Producer) *StatusEventsKafka { return &StatusEventsKafka{p: p} }

var _ events.Publisher = (*StatusEventsKafka)(nil)

func (e *StatusEventsKafka) PublishStatusChanged(ctx context.Context, ev events.StatusChanged) error {
	return e.p.PublishJSON(ctx, []byte(ev.CheckCode.String()), ev)
}
