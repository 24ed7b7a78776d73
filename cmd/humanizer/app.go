package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/humanizer/internal/config"
	"github.com/fyrsmithlabs/humanizer/internal/logging"
	"github.com/fyrsmithlabs/humanizer/internal/state"
	"github.com/fyrsmithlabs/humanizer/internal/telemetry"
)

// app holds the dependencies shared by every command.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	metrics   *telemetry.Metrics
	store     *state.Store
}

// newApp loads configuration and initializes logging, telemetry and the
// checkpoint store.
func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.FromAppConfig(cfg.Telemetry, version))
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry: %w", err)
	}
	if h := tel.Health(); !h.Healthy || h.Degraded {
		logger.Warn(ctx, "telemetry degraded", zap.Strings("problems", h.Problems))
	}

	metrics, err := telemetry.NewMetrics(tel.Meter(telemetry.InstrumentationName))
	if err != nil {
		return nil, fmt.Errorf("initialize metrics: %w", err)
	}

	store, err := state.NewStore(state.Options{
		CheckpointDir:   cfg.Storage.CheckpointDir,
		BackupDir:       cfg.Storage.BackupDir,
		BackupRetention: cfg.Storage.BackupRetention,
		LockTimeout:     cfg.Storage.LockTimeout.Duration(),
		Logger:          logger,
		Metrics:         metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		telemetry: tel,
		metrics:   metrics,
		store:     store,
	}, nil
}

func newLogger(c config.LoggingConfig) (*logging.Logger, error) {
	lcfg := logging.NewDefaultConfig()
	if c.Level != "" {
		level, err := logging.LevelFromString(c.Level)
		if err != nil {
			return nil, err
		}
		lcfg.Level = level
	}
	if c.Format != "" {
		lcfg.Format = c.Format
	}
	lcfg.Fields["version"] = version
	return logging.NewLogger(lcfg, nil)
}

// close flushes telemetry and logs. It uses a fresh context so a cancelled
// run still exports its spans.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.Warn(ctx, "telemetry shutdown failed", zap.Error(err))
	}
	_ = a.logger.Sync() // Best-effort sync on shutdown
}
