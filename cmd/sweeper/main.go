package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	config "github.com/calmops/beatwatch/internal/config/sweeper"
	"github.com/calmops/beatwatch/internal/obs"
	kafkaRepo "github.com/calmops/beatwatch/internal/repository/kafka"
	pg "github.com/calmops/beatwatch/internal/repository/postgres"
	"github.com/calmops/beatwatch/internal/services/dispatch"
	"github.com/calmops/beatwatch/internal/services/sweeper"
)

func main() {
	cfgPath := flag.String("config", "", "path to yaml config")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal(err)
	}

	l, err := obs.NewLogger(obs.LogConfig{Level: cfg.LogLevel, App: "beatwatch/sweeper"})
	if err != nil {
		log.Fatal(err)
	}
	l.Info("starting sweeper",
		zap.Any("kafka_out", cfg.Kafka),
		zap.Duration("tick", cfg.Sweep.Tick),
		zap.String("metrics_addr", cfg.Sweep.MetricsAddr),
	)

	otelCloser, err := obs.SetupOTel(ctx, cfg.OTEL)
	if err != nil {
		l.Fatal("otel init", zap.Error(err))
	}
	defer func() { _ = otelCloser.Shutdown(context.Background()) }()

	db, err := pg.NewDB(ctx, cfg.DB)
	if err != nil {
		l.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()

	kafkaProd := kafkaRepo.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic).WithLogger(l)
	publisher := kafkaRepo.NewStatusEventsKafka(kafkaProd)
	defer func() { _ = kafkaProd.Close() }()

	ms := obs.BootstrapMetricsServer(cfg.Sweep.MetricsAddr, func(ctx context.Context) error {
		hctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		defer cancel()
		return db.Pool.Ping(hctx)
	}, l)

	checkRepo := pg.NewCheckRepo(db)
	flipRepo := pg.NewFlipRepo(db)
	tx := pg.NewTransactor(db, l)

	uc := sweeper.NewUC(checkRepo, flipRepo, tx, l, cfg.Sweep.FirstPingTimeout)
	runner := sweeper.New(l, uc, &cfg.Sweep)

	dispatcher := dispatch.NewRunner(l, flipRepo, publisher,
		cfg.Dispatch.Workers, cfg.Dispatch.BatchSize,
		cfg.Dispatch.WaitTime, cfg.Dispatch.InProgressTTL,
	)
	dispatcher.Start(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- runner.Run(ctx) }()

	l.Info("sweeper started")

	select {
	case <-ctx.Done():
	case err = <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			l.Error("runner error", zap.Error(err))
		}
	}

	shCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = ms.Shutdown(shCtx)
	l.Info("bye")
}
