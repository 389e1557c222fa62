package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/cloudhost/internal/cloudserver"
	"github.com/gosuda/cloudhost/internal/config"
	"github.com/gosuda/cloudhost/internal/orchestrator"
	"github.com/gosuda/cloudhost/internal/registry"
	"github.com/gosuda/cloudhost/internal/server"
	"github.com/gosuda/cloudhost/internal/store/postgres"
	redisstore "github.com/gosuda/cloudhost/internal/store/redis"
	"github.com/gosuda/cloudhost/internal/store/tomlfile"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
}

func run() error {
	// Initialize structured logging from environment.
	logLevel := os.Getenv("CLOUDHOST_LOG_LEVEL")
	level, parseErr := zerolog.ParseLevel(logLevel)
	if parseErr != nil || logLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	logFormat := os.Getenv("CLOUDHOST_LOG_FORMAT")
	if logFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	ctx := context.Background()

	// Load configuration from environment.
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Open the registry on the configured backend.
	storage, closeStorage, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStorage()

	reg, err := registry.Open(ctx, storage)
	if err != nil {
		return err
	}

	opts := orchestrator.Options{
		BasePort:    cfg.Cloud.BasePort,
		Host:        cfg.Cloud.BindHost,
		TokenTTL:    cfg.Cloud.TokenTTL,
		HistorySize: cfg.Cloud.DebugHistory,
		Server: cloudserver.Options{
			ShutdownTimeout: cfg.Cloud.ShutdownTimeout,
			MaxUploadBytes:  cfg.Cloud.MaxUploadBytes,
			DeleteMode:      cfg.Cloud.DeleteMode,
			TrashDir:        cfg.Cloud.TrashDir,
			LoginRate:       cfg.Cloud.LoginRate,
			LoginBurst:      cfg.Cloud.LoginBurst,
		},
	}

	// Connect to Redis when configured; debug logs are then mirrored to
	// pub/sub channels.
	if cfg.Redis.Addr != "" {
		pubsub, pubErr := redisstore.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if pubErr != nil {
			return pubErr
		}
		defer pubsub.Close()
		opts.Publisher = pubsub
		log.Info().Str("addr", cfg.Redis.Addr).Msg("redis log fan-out enabled")
	}

	orch := orchestrator.New(reg, opts)

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	for _, name := range cfg.Autostart {
		port, startErr := orch.Start(ctx, name)
		if startErr != nil {
			log.Error().Err(startErr).Str("cloud", name).Msg("autostart failed")
			continue
		}
		url, _ := orch.ServerURL(name)
		log.Info().Str("cloud", name).Int("port", port).Str("url", url).Msg("autostarted cloud")
	}

	// Create the control server with all routes wired.
	srv := server.New(cfg.Control, orch)

	// Start server in background goroutine.
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start(ctx)
	}()

	// Block until shutdown signal or a fatal serve error.
	select {
	case <-ctx.Done():
	case err = <-serveErr:
		if err != nil {
			log.Error().Err(err).Msg("control server error")
		}
	}
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Cloud.ShutdownTimeout+5*time.Second)
	defer shutdownCancel()

	orch.StopAll(shutdownCtx)

	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		return shutdownErr
	}

	log.Info().Msg("stopped")
	return err
}

func openStorage(ctx context.Context, cfg *config.Config) (registry.Storage, func(), error) {
	switch cfg.Store.Backend {
	case config.StorePostgres:
		if cfg.Database.MaxConns < 0 || cfg.Database.MaxConns > math.MaxInt32 {
			return nil, nil, fmt.Errorf("database max_conns %d out of int32 range", cfg.Database.MaxConns)
		}
		store, err := postgres.New(ctx, cfg.Database.DSN(), int32(cfg.Database.MaxConns)) //nolint:gosec // bounds checked above
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("host", cfg.Database.Host).Str("db", cfg.Database.DBName).Msg("registry stored in postgres")
		return store, store.Close, nil
	case config.StoreFile:
		log.Info().Str("file", cfg.Store.File).Msg("registry stored in toml file")
		return tomlfile.New(cfg.Store.File), func() {}, nil
	default:
		return nil, nil, errors.New("unknown store backend " + cfg.Store.Backend)
	}
}
