package config

import (
	"fmt"
	"log"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type (
	Config struct {
		HTTP      HTTP      `envPrefix:"HTTP_"`
		Logger    Logger    `envPrefix:"LOGGER_"`
		Telemetry Telemetry `envPrefix:"TELEMETRY_"`
		Store     Store     `envPrefix:"STORE_"`
		Redis     Redis     `envPrefix:"REDIS_"`
		Cache     Cache     `envPrefix:"CACHE_"`
		Upstream  Upstream  `envPrefix:"UPSTREAM_"`
		Layers    Layers    `envPrefix:"LAYERS_"`
	}

	HTTP struct {
		Server Server `envPrefix:"SERVER_"`
	}

	Server struct {
		Port         string        `env:"PORT,required" validate:"required,numeric"`
		ReadTimeout  time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
		WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"60s"`
		IdleTimeout  time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
	}

	Logger struct {
		Level string `env:"LEVEL,required" validate:"required"`
	}

	Telemetry struct {
		Enabled        bool   `env:"ENABLED" envDefault:"false"`
		ServiceName    string `env:"SERVICE_NAME" envDefault:"guide-helper-features"`
		ServiceVersion string `env:"SERVICE_VERSION" envDefault:"1.0.0"`
		Environment    string `env:"ENVIRONMENT" envDefault:"production"`
		OTLPEndpoint   string `env:"OTLP_ENDPOINT" envDefault:"otel-collector.observability.svc.cluster.local:4317"`
	}

	Store struct {
		Driver       string        `env:"DRIVER" envDefault:"sqlite" validate:"oneof=sqlite redis memory none"`
		SQLitePath   string        `env:"SQLITE_PATH" envDefault:"features.db"`
		MaxPageCount int64         `env:"SQLITE_MAX_PAGE_COUNT" envDefault:"0" validate:"gte=0"`
		OpenTimeout  time.Duration `env:"OPEN_TIMEOUT" envDefault:"10s"`
	}

	Redis struct {
		Addr     string `env:"ADDR" envDefault:"localhost:6379"`
		Password string `env:"PASSWORD" envDefault:""`
		DB       int    `env:"DB" envDefault:"0"`
		Prefix   string `env:"PREFIX" envDefault:"features"`
	}

	Cache struct {
		TTL               time.Duration `env:"TTL" envDefault:"336h" validate:"gt=0"`
		StalePolicy       string        `env:"STALE_POLICY" envDefault:"revalidate" validate:"oneof=revalidate network-first"`
		BackgroundTimeout time.Duration `env:"BACKGROUND_TIMEOUT" envDefault:"60s" validate:"gt=0"`
		MaxTilesPerLoad   int           `env:"MAX_TILES_PER_LOAD" envDefault:"64" validate:"gt=0"`
		LoadConcurrency   int           `env:"LOAD_CONCURRENCY" envDefault:"8" validate:"gt=0"`
	}

	Upstream struct {
		Timeout          time.Duration `env:"TIMEOUT" envDefault:"30s"`
		UserAgent        string        `env:"USER_AGENT" envDefault:"GuideHelperFeatures/1.0 (https://github.com/jaennil/guide_helper)"`
		RatePerHost      float64       `env:"RATE_PER_HOST" envDefault:"4" validate:"gt=0"`
		Burst            int           `env:"BURST" envDefault:"4" validate:"gt=0"`
		FailureThreshold uint32        `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"5" validate:"gt=0"`
		BreakerTimeout   time.Duration `env:"BREAKER_TIMEOUT" envDefault:"30s"`
	}

	Layers struct {
		Enabled []string `env:"ENABLED" envSeparator:","`
	}
)

func New() (*Config, error) {
	err := godotenv.Load()
	if err != nil {
		log.Printf("NOTICE: .env file not found or cannot be loaded: %v\n", err)
	}

	return parse(env.Options{})
}

func parse(opts env.Options) (*Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](opts)
	if err != nil {
		return nil, err
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}
