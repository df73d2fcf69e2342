package retry

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/calmops/beatwatch/internal/domain/check"
)

// PublishPolicy covers Kafka publishes from the flip dispatcher: any
// error is worth retrying, brokers come back.
func PublishPolicy(log *zap.Logger) Policy {
	return Policy{
		Name:     "publish",
		Attempts: 6,
		Backoff:  ExpoJitter{Base: 200 * time.Millisecond, Max: 30 * time.Second, Jitter: 0.2},
		Retryable: func(err error) bool {
			return err != nil
		},
		OnAttempt: func(i int, err error) {
			if log != nil {
				log.Warn("publish retry", zap.Int("attempt", i+1), zap.Error(err))
			}
		},
		OnExhaust: func(err error) {
			if log != nil && !errors.Is(err, context.Canceled) {
				log.Error("publish retries exhausted", zap.Error(err))
			}
		},
	}
}

// ConflictPolicy covers optimistic-lock races on check state: only a
// lost version race is retried, and briefly, because the competitor has
// already made progress by definition.
func ConflictPolicy(log *zap.Logger) Policy {
	return Policy{
		Name:     "state_conflict",
		Attempts: 4,
		Backoff:  ExpoJitter{Base: 10 * time.Millisecond, Max: 250 * time.Millisecond, Jitter: 0.5},
		Retryable: func(err error) bool {
			return errors.Is(err, check.ErrConflict)
		},
		OnAttempt: func(i int, err error) {
			if log != nil && errors.Is(err, check.ErrConflict) {
				log.Debug("state conflict, retrying", zap.Int("attempt", i+1))
			}
		},
	}
}
