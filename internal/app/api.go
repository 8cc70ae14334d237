package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	v1 "github.com/jaennil/guide_helper/features/internal/infrastructure/http/v1"
	"github.com/jaennil/guide_helper/features/internal/infrastructure/http/v1/handler"
	"github.com/jaennil/guide_helper/features/internal/layer"
	"github.com/jaennil/guide_helper/features/internal/provider"
	"github.com/jaennil/guide_helper/features/internal/repository/featurestore"
	"github.com/jaennil/guide_helper/features/internal/usecase"
	"github.com/jaennil/guide_helper/features/pkg/config"
	"github.com/jaennil/guide_helper/features/pkg/http_server"
	"github.com/jaennil/guide_helper/features/pkg/logger"
	"github.com/jaennil/guide_helper/features/pkg/telemetry"
)

func Run(cfg *config.Config) {
	l := logger.NewZapLogger(cfg.Logger.Level)

	l.Info("starting features service", "store", cfg.Store.Driver, "stale_policy", cfg.Cache.StalePolicy)

	ctx := logger.WithLogger(context.Background(), l)

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.InitTracer(telemetry.Config{
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: cfg.Telemetry.ServiceVersion,
			Environment:    cfg.Telemetry.Environment,
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		}, l)
		if err != nil {
			l.Fatal("failed to initialize telemetry", "error", err)
		}
		defer func() {
			if err := shutdownTelemetry(context.Background()); err != nil {
				l.Error("failed to shutdown telemetry", "error", err)
			}
		}()
		l.Info("telemetry initialized", "service", cfg.Telemetry.ServiceName)
	}

	catalog, err := layer.DefaultCatalog().Enable(cfg.Layers.Enabled)
	if err != nil {
		l.Fatal("invalid layer selection", "error", err)
	}

	// the store opens in the background; lookups wait for it or miss
	stores := featurestore.NewHandle(storeOpener(cfg, l), l)
	stores.Open(ctx)

	client := provider.NewClient(provider.Options{
		Timeout:          cfg.Upstream.Timeout,
		UserAgent:        cfg.Upstream.UserAgent,
		RatePerHost:      cfg.Upstream.RatePerHost,
		Burst:            cfg.Upstream.Burst,
		FailureThreshold: cfg.Upstream.FailureThreshold,
		BreakerTimeout:   cfg.Upstream.BreakerTimeout,
	}, l)

	featureCache := usecase.NewFeatureCacheUseCase(stores, client, catalog, usecase.Options{
		TTL:               cfg.Cache.TTL,
		StalePolicy:       usecase.StalePolicy(cfg.Cache.StalePolicy),
		BackgroundTimeout: cfg.Cache.BackgroundTimeout,
	}, l)

	h := handler.NewHandler(featureCache, stores, client, validator.New(), handler.Options{
		MaxTilesPerLoad: cfg.Cache.MaxTilesPerLoad,
		LoadConcurrency: cfg.Cache.LoadConcurrency,
	})
	router := v1.NewRouter(h, l, cfg.Telemetry.ServiceName, cfg.Telemetry.Enabled)

	server := http_server.NewServer(ctx, cfg.HTTP.Server, router)

	go func() {
		l.Info("starting http server", "address", server.Addr, "layers", len(catalog.Layers()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Fatal("failed to start server", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	l.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		l.Error("server forced to shutdown", "error", err)
	}

	// pending write-throughs and revalidations finish before the store closes
	featureCache.Wait()

	if err := stores.Close(); err != nil {
		l.Error("failed to close feature store", "error", err)
	}

	l.Info("application shutdown completed")
}

func storeOpener(cfg *config.Config, l logger.Logger) featurestore.OpenFunc {
	return func(ctx context.Context) (featurestore.Store, error) {
		ctx, cancel := context.WithTimeout(ctx, cfg.Store.OpenTimeout)
		defer cancel()

		switch cfg.Store.Driver {
		case "sqlite":
			return featurestore.NewSQLiteStore(ctx, featurestore.SQLiteOptions{
				Path:         cfg.Store.SQLitePath,
				MaxPageCount: cfg.Store.MaxPageCount,
			}, l)
		case "redis":
			return featurestore.NewRedisStore(ctx, featurestore.RedisOptions{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
				Prefix:   cfg.Redis.Prefix,
			}, l)
		case "memory":
			return featurestore.NewMemoryStore(0), nil
		case "none":
			return featurestore.NullStore{}, nil
		default:
			return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
		}
	}
}
