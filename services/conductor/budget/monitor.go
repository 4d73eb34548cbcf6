// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package budget

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("conductor.budget")

// Config controls admission thresholds and sampling cadence.
type Config struct {
	// SafeThreshold: available memory above this is unconditionally safe.
	// Default: 2 GiB.
	SafeThreshold int64

	// WarningThreshold: spawns below this are logged. Default: 1 GiB.
	WarningThreshold int64

	// CriticalThreshold: no spawns below this, regardless of estimate.
	// Default: 256 MiB.
	CriticalThreshold int64

	// MaxConcurrent is the ceiling on simultaneously running tasks.
	// Default: 4.
	MaxConcurrent int

	// ReservedBytes is headroom estimates may never consume.
	// Default: 512 MiB.
	ReservedBytes int64

	// SampleTTL is how long a cached sample stays fresh. A zero TTL
	// samples on every admission check. Default: 250ms.
	SampleTTL time.Duration
}

// DefaultConfig returns production defaults for a desktop-class machine.
func DefaultConfig() Config {
	return Config{
		SafeThreshold:     2 << 30,
		WarningThreshold:  1 << 30,
		CriticalThreshold: 256 << 20,
		MaxConcurrent:     4,
		ReservedBytes:     512 << 20,
		SampleTTL:         250 * time.Millisecond,
	}
}

// Validate checks the configuration for internal consistency.
func (c Config) Validate() error {
	if c.MaxConcurrent < 1 {
		return ErrInvalidBudget
	}
	if c.CriticalThreshold < 0 || c.ReservedBytes < 0 {
		return ErrInvalidBudget
	}
	if c.WarningThreshold < c.CriticalThreshold || c.SafeThreshold < c.WarningThreshold {
		return ErrInvalidBudget
	}
	return nil
}

// Monitor answers admission questions against a live resource budget.
//
// Description:
//
//	Monitor wraps a Sampler with a short-TTL cache and the threshold
//	policy: a task may spawn only if available minus its estimate stays
//	above the reserved buffer, the running count is under the ceiling,
//	and available memory is above the critical threshold. A failing
//	sampler makes every check unsafe (fail closed).
//
// Thread Safety:
//
//	Safe for concurrent use.
type Monitor struct {
	sampler Sampler
	cfg     Config
	logger  *slog.Logger

	mu       sync.Mutex
	last     Budget
	lastErr  error
	sampled  time.Time
	warnEdge bool // true while below WarningThreshold, to log edges once

	metricsOnce     sync.Once
	availableGauge  metric.Int64Gauge
	admitted        metric.Int64Counter
	deferred        metric.Int64Counter
	samplerFailures metric.Int64Counter
}

// NewMonitor creates a monitor over the given sampler.
//
// Inputs:
//
//	sampler - Resource sampler capability. Must not be nil.
//	cfg - Threshold configuration. Use DefaultConfig() for defaults.
//	logger - Logger for threshold crossings. If nil, uses slog.Default().
//
// Outputs:
//
//	*Monitor - The monitor.
//	error - Non-nil if sampler is nil or cfg is inconsistent.
func NewMonitor(sampler Sampler, cfg Config, logger *slog.Logger) (*Monitor, error) {
	if sampler == nil {
		return nil, ErrNilSampler
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		sampler: sampler,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "budget_monitor")),
	}, nil
}

// MaxConcurrent returns the configured concurrency ceiling.
func (m *Monitor) MaxConcurrent() int {
	return m.cfg.MaxConcurrent
}

func (m *Monitor) initMetrics() {
	m.metricsOnce.Do(func() {
		var initErrors []string

		var err error
		m.availableGauge, err = meter.Int64Gauge("conductor_budget_available_bytes",
			metric.WithDescription("Last sampled available memory"),
			metric.WithUnit("By"),
		)
		if err != nil {
			initErrors = append(initErrors, "available_gauge: "+err.Error())
		}

		m.admitted, err = meter.Int64Counter("conductor_budget_admitted_total",
			metric.WithDescription("Spawn checks that passed admission"),
		)
		if err != nil {
			initErrors = append(initErrors, "admitted: "+err.Error())
		}

		m.deferred, err = meter.Int64Counter("conductor_budget_deferred_total",
			metric.WithDescription("Spawn checks deferred by admission control"),
		)
		if err != nil {
			initErrors = append(initErrors, "deferred: "+err.Error())
		}

		m.samplerFailures, err = meter.Int64Counter("conductor_budget_sampler_failures_total",
			metric.WithDescription("Resource sampler errors (fail-closed admissions)"),
		)
		if err != nil {
			initErrors = append(initErrors, "sampler_failures: "+err.Error())
		}

		if len(initErrors) > 0 {
			m.logger.Error("failed to initialize some budget metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

// Sample returns the current budget snapshot, refreshing the cache if stale.
//
// Outputs:
//
//	Budget - Snapshot with threshold fields populated from the config.
//	error - ErrResourceUnavailable (wrapping the sampler error) if the
//	        underlying query failed.
func (m *Monitor) Sample(ctx context.Context) (Budget, error) {
	m.initMetrics()

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sampleLocked(ctx)
}

// sampleLocked refreshes the cached sample if the TTL elapsed.
// Caller must hold m.mu.
func (m *Monitor) sampleLocked(ctx context.Context) (Budget, error) {
	if !m.sampled.IsZero() && time.Since(m.sampled) < m.cfg.SampleTTL {
		if m.lastErr != nil {
			return Budget{}, m.lastErr
		}
		return m.last, nil
	}

	b, err := m.sampler.Sample(ctx)
	m.sampled = time.Now()
	if err != nil {
		m.lastErr = &ResourceUnavailableError{Err: err}
		if m.samplerFailures != nil {
			m.samplerFailures.Add(ctx, 1)
		}
		m.logger.Warn("resource sampler failed, admission fails closed",
			slog.String("error", err.Error()),
		)
		return Budget{}, m.lastErr
	}
	m.lastErr = nil

	b.SafeThreshold = m.cfg.SafeThreshold
	b.WarningThreshold = m.cfg.WarningThreshold
	b.CriticalThreshold = m.cfg.CriticalThreshold
	b.MaxConcurrent = m.cfg.MaxConcurrent
	b.ReservedBytes = m.cfg.ReservedBytes
	m.last = b

	if m.availableGauge != nil {
		m.availableGauge.Record(ctx, b.AvailableBytes)
	}

	// Log warning-threshold crossings once per edge, not per sample.
	below := b.AvailableBytes < m.cfg.WarningThreshold
	if below && !m.warnEdge {
		m.logger.Warn("available memory below warning threshold",
			slog.Int64("available_bytes", b.AvailableBytes),
			slog.Int64("warning_threshold", m.cfg.WarningThreshold),
		)
	} else if !below && m.warnEdge {
		m.logger.Info("available memory recovered above warning threshold",
			slog.Int64("available_bytes", b.AvailableBytes),
		)
	}
	m.warnEdge = below

	return b, nil
}

// SafeToSpawn decides whether one more task may start right now.
//
// Description:
//
//	Applies the admission policy in order: concurrency ceiling, critical
//	floor, then estimate-vs-reserved-headroom. The first violated rule
//	wins and is returned as the reason.
//
// Inputs:
//
//	ctx - Context for the (possibly cached) sample.
//	estimate - The candidate task's memory estimate in bytes.
//	running - Tasks currently executing.
//
// Outputs:
//
//	bool - True if the spawn is admitted.
//	Reason - Why the spawn was deferred (ReasonAdmitted when true).
//	error - ErrResourceUnavailable if sampling failed; the bool is false.
func (m *Monitor) SafeToSpawn(ctx context.Context, estimate int64, running int) (bool, Reason, error) {
	m.initMetrics()

	m.mu.Lock()
	b, err := m.sampleLocked(ctx)
	m.mu.Unlock()

	if err != nil {
		if m.deferred != nil {
			m.deferred.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(ReasonSamplerFailed))))
		}
		return false, ReasonSamplerFailed, err
	}

	reason := ReasonAdmitted
	switch {
	case running >= m.cfg.MaxConcurrent:
		reason = ReasonConcurrencyCeiling
	case b.AvailableBytes < m.cfg.CriticalThreshold:
		reason = ReasonCriticalMemory
	case b.AvailableBytes-estimate < m.cfg.ReservedBytes:
		reason = ReasonInsufficientHeadroom
	}

	if reason != ReasonAdmitted {
		if m.deferred != nil {
			m.deferred.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(reason))))
		}
		m.logger.Debug("spawn deferred",
			slog.String("reason", string(reason)),
			slog.Int64("available_bytes", b.AvailableBytes),
			slog.Int64("estimate", estimate),
			slog.Int("running", running),
		)
		return false, reason, nil
	}

	if m.admitted != nil {
		m.admitted.Add(ctx, 1)
	}
	return true, ReasonAdmitted, nil
}

// Reason explains an admission decision.
type Reason string

const (
	// ReasonAdmitted means the spawn check passed.
	ReasonAdmitted Reason = "admitted"

	// ReasonConcurrencyCeiling means max concurrent tasks are running.
	ReasonConcurrencyCeiling Reason = "concurrency_ceiling"

	// ReasonCriticalMemory means available memory is below the critical floor.
	ReasonCriticalMemory Reason = "critical_memory"

	// ReasonInsufficientHeadroom means the estimate would eat the reserve.
	ReasonInsufficientHeadroom Reason = "insufficient_headroom"

	// ReasonSamplerFailed means the OS query failed and admission
	// fails closed.
	ReasonSamplerFailed Reason = "sampler_failed"
)
