// Package ingest applies heartbeat pings to check state. The state
// update, the ping record and the flip (when the status changed) are
// written as one atomic unit, so history and state can never diverge.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/calmops/beatwatch/internal/domain/check"
	"github.com/calmops/beatwatch/internal/domain/flip"
	"github.com/calmops/beatwatch/internal/domain/ping"
	"github.com/calmops/beatwatch/internal/obs/retry"
)

var (
	ErrUnknownCheck    = errors.New("unknown check")
	ErrPayloadTooLarge = errors.New("ping body too large")
)

var (
	mIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_pings_total",
		Help: "Pings accepted, by action.",
	}, []string{"action"})
	mRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_rejected_total",
		Help: "Pings rejected, by reason.",
	}, []string{"reason"})
)

// Transactor runs a function within one storage transaction.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Meta is the request metadata recorded with the ping, never parsed
// for scheduling.
type Meta struct {
	RemoteAddr string
	Scheme     string
	Method     string
	UserAgent  string
	Body       []byte
}

type Usecase struct {
	checks check.Repo
	pings  ping.Repo
	flips  flip.Repo
	tx     Transactor
	log    *zap.Logger

	maxBody  int
	conflict retry.Policy
	clk      func() time.Time
}

func New(checks check.Repo, pings ping.Repo, flips flip.Repo, tx Transactor, log *zap.Logger, maxBody int) *Usecase {
	if maxBody <= 0 {
		maxBody = 100 * 1024
	}
	return &Usecase{
		checks:   checks,
		pings:    pings,
		flips:    flips,
		tx:       tx,
		log:      log,
		maxBody:  maxBody,
		conflict: retry.ConflictPolicy(log),
		clk:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock fixes the time source, for tests.
func (u *Usecase) WithClock(clk func() time.Time) *Usecase {
	u.clk = clk
	return u
}

// Ingest records one heartbeat for the check identified by code or
// slug. A lost optimistic-lock race retries the transition against a
// fresh snapshot; everything else fails the request. The handler never
// waits on notification dispatch, that happens from the flip record
// asynchronously.
func (u *Usecase) Ingest(ctx context.Context, ref string, action check.Action, meta Meta) error {
	tr := otel.Tracer("ingest.uc")
	ctx, span := tr.Start(ctx, "ingest.ping", trace.WithAttributes(
		attribute.String("check.ref", ref),
		attribute.String("ping.action", string(action)),
	))
	defer span.End()

	if len(meta.Body) > u.maxBody {
		mRejected.WithLabelValues("too_large").Inc()
		return fmt.Errorf("%w: %d bytes over limit %d", ErrPayloadTooLarge, len(meta.Body), u.maxBody)
	}

	at := u.clk()
	err := retry.Do(ctx, func() error {
		return u.ingestOnce(ctx, ref, action, meta, at)
	}, u.conflict)
	if err != nil {
		span.RecordError(err)
		if !errors.Is(err, ErrUnknownCheck) {
			mRejected.WithLabelValues("error").Inc()
		} else {
			mRejected.WithLabelValues("unknown").Inc()
		}
		return err
	}

	mIngested.WithLabelValues(string(action)).Inc()
	return nil
}

func (u *Usecase) ingestOnce(ctx context.Context, ref string, action check.Action, meta Meta, at time.Time) error {
	return u.tx.WithTx(ctx, func(ctx context.Context) error {
		c, err := u.resolve(ctx, ref)
		if err != nil {
			return err
		}

		transition, err := c.OnPing(at, action)
		if err != nil {
			return fmt.Errorf("apply ping: %w", err)
		}
		if err := u.checks.UpdateState(ctx, c); err != nil {
			return err
		}

		p := &ping.Ping{
			CheckID:    c.ID,
			N:          c.NPings,
			Kind:       pingKind(action),
			At:         at,
			RemoteAddr: meta.RemoteAddr,
			Scheme:     meta.Scheme,
			Method:     meta.Method,
			UserAgent:  truncate(meta.UserAgent, 200),
			Body:       meta.Body,
		}
		if err := u.pings.Insert(ctx, p); err != nil {
			return err
		}

		if transition != nil {
			f := &flip.Flip{
				CheckID:   c.ID,
				CheckCode: c.Code,
				At:        transition.At,
				OldStatus: transition.From,
				NewStatus: transition.To,
			}
			if err := u.flips.Insert(ctx, f); err != nil {
				return err
			}
			u.log.Info("check flipped",
				zap.String("check", c.Code.String()),
				zap.String("from", string(transition.From)),
				zap.String("to", string(transition.To)),
			)
		}
		return nil
	})
}

func (u *Usecase) resolve(ctx context.Context, ref string) (*check.Check, error) {
	var (
		c   *check.Check
		err error
	)
	if code, perr := uuid.Parse(ref); perr == nil {
		c, err = u.checks.GetByCode(ctx, code)
	} else {
		c, err = u.checks.GetBySlug(ctx, ref)
	}
	if errors.Is(err, check.ErrNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCheck, ref)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func pingKind(a check.Action) ping.Kind {
	switch a {
	case check.ActionFail:
		return ping.KindFail
	case check.ActionStart:
		return ping.KindStart
	default:
		return ping.KindSuccess
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
