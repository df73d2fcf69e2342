// Package dispatch drains recorded flips to the event topic. Delivery
// is at least once toward the broker; the flip row itself guarantees
// each status crossing exists exactly once upstream.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/calmops/beatwatch/internal/domain/events"
	"github.com/calmops/beatwatch/internal/domain/flip"
	"github.com/calmops/beatwatch/internal/obs"
	"github.com/calmops/beatwatch/internal/obs/retry"
)

type Runner struct {
	log   *zap.Logger
	flips flip.Repo
	pub   events.Publisher

	workers       int
	batchSize     int
	waitTime      time.Duration
	inProgressTTL time.Duration
	publishPolicy retry.Policy

	mPicked    prometheus.Counter
	mSent      prometheus.Counter
	mSkipped   prometheus.Counter
	mErr       prometheus.Counter
	mTickDur   prometheus.Histogram
	mBatchSize prometheus.Gauge
}

func NewRunner(
	log *zap.Logger,
	flips flip.Repo,
	pub events.Publisher,
	workers int,
	batchSize int,
	waitTime time.Duration,
	inProgressTTL time.Duration,
) *Runner {
	return &Runner{
		log: log, flips: flips, pub: pub,
		workers: workers, batchSize: batchSize, waitTime: waitTime, inProgressTTL: inProgressTTL,
		publishPolicy: retry.PublishPolicy(log),
		mPicked: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_picked_total", Help: "Flips picked into processing.",
		}),
		mSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_sent_total", Help: "Status events published.",
		}),
		mSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_skipped_total", Help: "Flips below the notification threshold.",
		}),
		mErr: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_errors_total", Help: "Pick, publish and mark errors.",
		}),
		mTickDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name: "dispatch_tick_duration_seconds", Help: "Tick duration.",
			Buckets: prometheus.DefBuckets,
		}),
		mBatchSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_last_batch_size", Help: "Size of last picked batch.",
		}),
	}
}

func (r *Runner) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go r.worker(ctx, &wg)
	}
}

func (r *Runner) worker(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	r.log.Info("dispatch worker started", zap.Duration("wait", r.waitTime))

	ticker := time.NewTicker(r.waitTime)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("dispatch worker stop")
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	t0 := time.Now()
	tr := otel.Tracer("dispatch.runner")

	ctxSpan, span := tr.Start(ctx, "dispatch.tick")
	defer span.End()
	span.SetAttributes(
		attribute.Int("batch.limit", r.batchSize),
		attribute.String("in_progress_ttl", r.inProgressTTL.String()),
	)

	flips, err := r.flips.PickBatch(ctxSpan, r.batchSize, r.inProgressTTL)
	if err != nil {
		span.RecordError(err)
		r.mErr.Inc()
		obs.WithTrace(ctxSpan, r.log).Error("flip pick error", zap.Error(err))
		return
	}
	r.mPicked.Add(float64(len(flips)))
	r.mBatchSize.Set(float64(len(flips)))

	done := make([]int64, 0, len(flips))
	for _, f := range flips {
		if !f.Notifiable() {
			// recorded for history, never announced
			r.mSkipped.Inc()
			done = append(done, f.ID)
			continue
		}

		msgCtx, msgSpan := tr.Start(ctxSpan, "dispatch.publish",
			trace.WithAttributes(
				attribute.Int64("flip.id", f.ID),
				attribute.String("flip.to", string(f.NewStatus)),
			),
		)
		ev := events.StatusChanged{
			CheckID:   f.CheckID,
			CheckCode: f.CheckCode,
			Old:       f.OldStatus,
			New:       f.NewStatus,
			At:        f.At,
		}
		err := retry.Do(msgCtx, func() error {
			return r.pub.PublishStatusChanged(msgCtx, ev)
		}, r.publishPolicy)
		if err != nil {
			// leave the flip in progress, the TTL reclaim retries it
			msgSpan.RecordError(err)
			r.mErr.Inc()
			obs.WithTrace(msgCtx, r.log).Error("publish status event",
				zap.Int64("flip_id", f.ID), zap.Error(err))
			msgSpan.End()
			continue
		}
		msgSpan.End()
		done = append(done, f.ID)
		r.mSent.Inc()
	}

	if len(done) > 0 {
		if err := r.flips.MarkSent(ctxSpan, done); err != nil {
			span.RecordError(err)
			r.mErr.Inc()
			obs.WithTrace(ctxSpan, r.log).Error("mark sent error", zap.Error(err))
		}
	}

	r.mTickDur.Observe(time.Since(t0).Seconds())
}
