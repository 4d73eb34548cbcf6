// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/conductor/pkg/logging"
	"github.com/AleutianAI/conductor/services/conductor/budget"
	"github.com/AleutianAI/conductor/services/conductor/checkpoint"
	"github.com/AleutianAI/conductor/services/conductor/graphdef"
	"github.com/AleutianAI/conductor/services/conductor/pool"
	"github.com/AleutianAI/conductor/services/conductor/queue"
	"github.com/AleutianAI/conductor/services/conductor/scheduler"
	"github.com/AleutianAI/conductor/services/conductor/telemetry"
)

// App bundles the wired subsystems behind the CLI commands.
type App struct {
	Config    Config
	Logger    *logging.Logger
	Scheduler *scheduler.Scheduler
	Store     checkpoint.Store
	Registry  *graphdef.Registry
	Library   *graphdef.Library

	telemetryShutdown func(context.Context) error
}

// NewApp wires the scheduler stack from the loaded configuration.
//
// Description:
//
//	Opens the checkpoint store and journal factory (BadgerDB under
//	DataDir, or in-memory when Ephemeral), builds the memory monitor,
//	scheduler, and graph library, and initializes telemetry.
//
// Outputs:
//
//	*App - Ready to serve commands. Call Close when done.
//	error - Non-nil if any subsystem fails to initialize.
func NewApp(cfg Config) (*App, error) {
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	slg := logger.Slog()

	tcfg := telemetry.DefaultConfig()
	if cfg.Telemetry.TraceExporter != "" {
		tcfg.TraceExporter = cfg.Telemetry.TraceExporter
	}
	if cfg.Telemetry.MetricExporter != "" {
		tcfg.MetricExporter = cfg.Telemetry.MetricExporter
	}
	if cfg.Telemetry.OTLPEndpoint != "" {
		tcfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	telShutdown, err := telemetry.Init(context.Background(), tcfg)
	if err != nil {
		logger.Close()
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	app := &App{
		Config:            cfg,
		Logger:            logger,
		telemetryShutdown: telShutdown,
	}

	monitor, err := newMonitor(cfg.Budget, slg)
	if err != nil {
		app.Close()
		return nil, err
	}

	dataDir := expandPath(cfg.DataDir)
	store, journalFactory, err := newStorage(cfg, dataDir, slg)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Store = store

	schedCfg, err := newSchedulerConfig(cfg, monitor, store, journalFactory, slg)
	if err != nil {
		app.Close()
		return nil, err
	}
	sched, err := scheduler.New(schedCfg)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("init scheduler: %w", err)
	}
	app.Scheduler = sched

	app.Registry = graphdef.NewRegistry()
	library, err := graphdef.NewLibrary(expandPath(cfg.GraphDir), app.Registry, slg)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("init graph library: %w", err)
	}
	if err := library.Reload(); err != nil {
		slg.Warn("initial graph library load failed",
			slog.String("dir", cfg.GraphDir),
			slog.String("error", err.Error()))
	}
	app.Library = library

	return app, nil
}

// Close releases subsystems in reverse dependency order. Safe to call
// on a partially constructed App.
func (a *App) Close() {
	if a.Library != nil {
		a.Library.Stop()
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.Warn("closing checkpoint store", "error", err)
		}
	}
	if a.telemetryShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.telemetryShutdown(ctx); err != nil {
			a.Logger.Warn("telemetry shutdown", "error", err)
		}
	}
	if a.Logger != nil {
		a.Logger.Close()
	}
}

func newLogger(cfg LoggingConfig) (*logging.Logger, error) {
	level := logging.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "", "info":
	case "debug":
		level = logging.LevelDebug
	case "warn", "warning":
		level = logging.LevelWarn
	case "error":
		level = logging.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", cfg.Level)
	}
	return logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Dir,
		Service: "conductor",
		JSON:    cfg.JSON,
	}), nil
}

func newMonitor(cfg BudgetConfig, logger *slog.Logger) (*budget.Monitor, error) {
	bcfg := budget.DefaultConfig()
	var err error
	if cfg.SafeThreshold != "" {
		if bcfg.SafeThreshold, err = parseBytes(cfg.SafeThreshold, "budget.safe_threshold"); err != nil {
			return nil, err
		}
	}
	if cfg.WarningThreshold != "" {
		if bcfg.WarningThreshold, err = parseBytes(cfg.WarningThreshold, "budget.warning_threshold"); err != nil {
			return nil, err
		}
	}
	if cfg.CriticalThreshold != "" {
		if bcfg.CriticalThreshold, err = parseBytes(cfg.CriticalThreshold, "budget.critical_threshold"); err != nil {
			return nil, err
		}
	}
	if cfg.ReservedBytes != "" {
		if bcfg.ReservedBytes, err = parseBytes(cfg.ReservedBytes, "budget.reserved_bytes"); err != nil {
			return nil, err
		}
	}
	if cfg.MaxConcurrent > 0 {
		bcfg.MaxConcurrent = cfg.MaxConcurrent
	}
	m, err := budget.NewMonitor(budget.SysinfoSampler{}, bcfg, logger)
	if err != nil {
		return nil, fmt.Errorf("init memory monitor: %w", err)
	}
	return m, nil
}

// newStorage opens the checkpoint store and returns the journal
// factory. Journals get one BadgerDB directory per run so resumed runs
// find their own write-ahead state.
func newStorage(cfg Config, dataDir string, logger *slog.Logger) (checkpoint.Store, scheduler.JournalFactory, error) {
	if cfg.Ephemeral {
		factory := func(runID string) (queue.Journal, error) {
			return queue.NewBadgerJournal(queue.JournalConfig{
				RunID:      runID,
				InMemory:   true,
				SyncWrites: true,
				Logger:     logger,
			})
		}
		return checkpoint.NewMemoryStore(), factory, nil
	}

	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}
	store, err := checkpoint.NewBadgerStore(checkpoint.BadgerStoreConfig{
		Path:   filepath.Join(dataDir, "checkpoints"),
		Logger: logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	factory := func(runID string) (queue.Journal, error) {
		return queue.NewBadgerJournal(queue.JournalConfig{
			Path:       filepath.Join(dataDir, "journals", runID),
			RunID:      runID,
			SyncWrites: true,
			Logger:     logger,
		})
	}
	return store, factory, nil
}

func newSchedulerConfig(cfg Config, monitor *budget.Monitor, store checkpoint.Store,
	journal scheduler.JournalFactory, logger *slog.Logger) (scheduler.Config, error) {

	pcfg := pool.DefaultConfig()
	if cfg.Pool.MaxWorkers > 0 {
		pcfg.MaxWorkers = cfg.Pool.MaxWorkers
	}
	if cfg.Pool.SpawnRate > 0 {
		pcfg.SpawnRate = rate.Limit(cfg.Pool.SpawnRate)
	} else if cfg.Pool.SpawnRate < 0 {
		pcfg.SpawnRate = rate.Inf
	}
	pcfg.Logger = logger

	rcfg := queue.DefaultRetryPolicy()
	var err error
	if cfg.Retry.BaseDelay != "" {
		if rcfg.BaseDelay, err = parseDelay(cfg.Retry.BaseDelay, "retry.base_delay"); err != nil {
			return scheduler.Config{}, err
		}
	}
	if cfg.Retry.MaxDelay != "" {
		if rcfg.MaxDelay, err = parseDelay(cfg.Retry.MaxDelay, "retry.max_delay"); err != nil {
			return scheduler.Config{}, err
		}
	}
	if cfg.Retry.Factor > 0 {
		rcfg.Factor = cfg.Retry.Factor
	}
	if cfg.Retry.JitterFactor > 0 {
		rcfg.JitterFactor = cfg.Retry.JitterFactor
	}

	return scheduler.Config{
		Budget:      monitor,
		Store:       store,
		Pool:        pcfg,
		RetryPolicy: rcfg,
		Journal:     journal,
		Logger:      logger,
	}, nil
}
