package sweeper_config

import (
	"time"

	"github.com/calmops/beatwatch/internal/obs"
	pginfra "github.com/calmops/beatwatch/internal/repository/postgres"
)

type KafkaCfg struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type SweepCfg struct {
	Tick             time.Duration `mapstructure:"tick"`
	BatchLimit       int           `mapstructure:"batch_limit"`
	FirstPingTimeout time.Duration `mapstructure:"first_ping_timeout"`
	MetricsAddr      string        `mapstructure:"metrics_addr"`
}

type DispatchCfg struct {
	Workers       int           `mapstructure:"workers"`
	BatchSize     int           `mapstructure:"batch_size"`
	WaitTime      time.Duration `mapstructure:"wait_time"`
	InProgressTTL time.Duration `mapstructure:"in_progress_ttl"`
}

type Config struct {
	DB       pginfra.Config `mapstructure:"db"`
	Kafka    KafkaCfg       `mapstructure:"kafka"`
	Sweep    SweepCfg       `mapstructure:"sweep"`
	Dispatch DispatchCfg    `mapstructure:"dispatch"`
	OTEL     obs.OTELConfig `mapstructure:"otel"`
	LogLevel string         `mapstructure:"log_level"`
}
