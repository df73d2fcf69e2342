// Package sweeper advances check state on elapsed time alone. It is the
// only component that turns a missed deadline into a persisted down or
// grace status; read paths derive the same answer on the fly, so the
// sweep cadence affects event latency, never correctness.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/calmops/beatwatch/internal/domain/check"
	"github.com/calmops/beatwatch/internal/domain/flip"
	"github.com/calmops/beatwatch/internal/obs"
)

// Transactor runs a function within one storage transaction.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// deferOnError keeps one corrupt check from wedging the whole sweep: its
// alert_after is pushed forward so the due query stops returning it
// every tick while the rest of the batch proceeds.
const deferOnError = time.Hour

type Usecase struct {
	checks check.Repo
	flips  flip.Repo
	tx     Transactor
	log    *zap.Logger

	firstPingTimeout time.Duration
	clk              func() time.Time
}

func NewUC(checks check.Repo, flips flip.Repo, tx Transactor, log *zap.Logger, firstPingTimeout time.Duration) *Usecase {
	return &Usecase{
		checks:           checks,
		flips:            flips,
		tx:               tx,
		log:              log,
		firstPingTimeout: firstPingTimeout,
		clk:              func() time.Time { return time.Now().UTC() },
	}
}

// WithClock fixes the time source, for tests.
func (u *Usecase) WithClock(clk func() time.Time) *Usecase {
	u.clk = clk
	return u
}

// Tick processes one due batch. Each check is its own unit of work: a
// lost version race means a ping or another sweeper already moved it
// and is not an error, any other failure is logged and deferred.
// Returns fetched, flipped, errs.
func (u *Usecase) Tick(ctx context.Context, limit int) (int, int, int, error) {
	if limit <= 0 {
		limit = 100
	}
	now := u.clk()

	tr := otel.Tracer("sweeper.uc")
	ctxTick, span := tr.Start(ctx, "sweeper.tick",
		trace.WithAttributes(attribute.Int("batch.limit", limit)),
	)
	defer span.End()

	due, err := u.checks.FetchDue(ctxTick, now, limit, u.firstPingTimeout)
	if err != nil {
		span.RecordError(err)
		return 0, 0, 1, fmt.Errorf("fetch due: %w", err)
	}
	span.SetAttributes(attribute.Int("batch.fetched", len(due)))
	if len(due) == 0 {
		return 0, 0, 0, nil
	}

	flipped, errs := 0, 0
	for _, c := range due {
		ctxSweep, sp := tr.Start(ctxTick, "sweeper.check",
			trace.WithAttributes(
				attribute.Int64("check.id", c.ID),
				attribute.String("check.status", string(c.Status)),
			),
		)
		moved, serr := u.sweepOne(ctxSweep, c, now)
		switch {
		case serr == nil:
			if moved {
				flipped++
			}
		case errors.Is(serr, check.ErrConflict):
			// a concurrent writer got there first, its transition stands
			sp.SetAttributes(attribute.Bool("check.raced", true))
		default:
			errs++
			sp.RecordError(serr)
			obs.WithTrace(ctxSweep, u.log).Error("sweep check failed",
				zap.Int64("check_id", c.ID), zap.Error(serr))
			u.deferCheck(ctxSweep, c.ID, now)
		}
		sp.End()
	}

	span.SetAttributes(
		attribute.Int("batch.flipped", flipped),
		attribute.Int("batch.errors", errs),
	)
	return len(due), flipped, errs, nil
}

func (u *Usecase) sweepOne(ctx context.Context, c *check.Check, now time.Time) (bool, error) {
	transition := c.OnTick(now, u.firstPingTimeout)
	if transition == nil {
		// stale due row, usually a ping landed between fetch and here
		return false, nil
	}
	err := u.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := u.checks.UpdateState(ctx, c); err != nil {
			return err
		}
		return u.flips.Insert(ctx, &flip.Flip{
			CheckID:   c.ID,
			CheckCode: c.Code,
			At:        transition.At,
			OldStatus: transition.From,
			NewStatus: transition.To,
		})
	})
	if err != nil {
		return false, err
	}
	u.log.Info("check flipped",
		zap.String("check", c.Code.String()),
		zap.String("from", string(transition.From)),
		zap.String("to", string(transition.To)),
		zap.Time("at", transition.At),
	)
	return true, nil
}

// deferCheck is best effort: it refetches the row so the push does not
// carry over the failed mutation, and a lost race just means someone
// else already moved the check on.
func (u *Usecase) deferCheck(ctx context.Context, id int64, now time.Time) {
	c, err := u.checks.GetByID(ctx, id)
	if err != nil {
		return
	}
	at := now.Add(deferOnError)
	c.AlertAfter = &at
	if err := u.checks.UpdateState(ctx, c); err != nil && !errors.Is(err, check.ErrConflict) {
		u.log.Warn("defer failed check", zap.Int64("check_id", id), zap.Error(err))
	}
}
