package api_config

import (
	"time"

	"github.com/calmops/beatwatch/internal/obs"
	pg "github.com/calmops/beatwatch/internal/repository/postgres"
)

type App struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type Server struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	MetricsAddr     string        `mapstructure:"metrics_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
}

type Ingest struct {
	MaxBodyBytes int `mapstructure:"max_body_bytes"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

func (lc *Log) AsLoggerConfig(app App) obs.LogConfig {
	return obs.LogConfig{
		Level:  lc.Level,
		Pretty: lc.Pretty,
		App:    "beatwatch/" + app.Name,
		Env:    app.Env,
		Ver:    app.Version,
	}
}

type Config struct {
	App    App            `mapstructure:"app"`
	Server Server         `mapstructure:"server"`
	DB     pg.Config      `mapstructure:"db"`
	Ingest Ingest         `mapstructure:"ingest"`
	OTEL   obs.OTELConfig `mapstructure:"otel"`
	Log    Log            `mapstructure:"log"`
}
