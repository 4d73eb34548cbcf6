// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pool runs task executors with bounded concurrency.
//
// The pool enforces a hard worker-slot ceiling, paces spawns through a
// token-bucket limiter so a burst of ready tasks cannot stampede memory,
// contains executor panics, and enforces per-task timeouts. It does not
// decide WHETHER a task may run (the budget monitor and scheduler own
// admission); it only runs what it is handed and reports outcomes.
package pool

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/conductor/services/conductor/task"
)

var meter = otel.Meter("conductor.pool")

// Outcome is the result of one task execution attempt.
type Outcome struct {
	// TaskID identifies the task.
	TaskID string

	// Result is the executor's output. Nil on failure.
	Result json.RawMessage

	// Err is non-nil if the attempt failed. ErrTaskTimeout for timeouts,
	// *PanicError for contained panics.
	Err error

	// Duration is how long the executor ran.
	Duration time.Duration
}

// Config configures a Pool.
type Config struct {
	// MaxWorkers is the hard ceiling on concurrent executors. Default: 4.
	MaxWorkers int

	// SpawnRate limits how fast new executors may start, per second.
	// Default: 16. Set to rate.Inf to disable pacing.
	SpawnRate rate.Limit

	// SpawnBurst is the token bucket depth. Default: MaxWorkers.
	SpawnBurst int

	// OutcomeBuffer sizes the outcome channel. Default: 2 * MaxWorkers.
	OutcomeBuffer int

	// OnStart is invoked just before an executor begins, after any spawn
	// pacing delay. Optional; used to mark tasks running.
	OnStart func(taskID string)

	// Logger for pool operations. If nil, uses slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults for production use.
func DefaultConfig() Config {
	return Config{
		MaxWorkers: 4,
		SpawnRate:  16,
	}
}

// semaphore is a counting semaphore for worker slots.
type semaphore struct {
	ch chan struct{}
}

func newSemaphore(capacity int) *semaphore {
	if capacity <= 0 {
		capacity = 1
	}
	return &semaphore{ch: make(chan struct{}, capacity)}
}

func (s *semaphore) tryAcquire() bool {
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *semaphore) release() {
	select {
	case <-s.ch:
	default:
		panic("semaphore: release without acquire")
	}
}

func (s *semaphore) inUse() int {
	return len(s.ch)
}

// Pool runs executors with bounded concurrency and spawn pacing.
//
// Thread Safety: Safe for concurrent use.
type Pool struct {
	cfg     Config
	slots   *semaphore
	limiter *rate.Limiter
	logger  *slog.Logger

	outcomes chan Outcome

	mu       sync.Mutex
	inFlight map[string]struct{}
	closed   bool
	wg       sync.WaitGroup

	metricsOnce     sync.Once
	dispatchedCount metric.Int64Counter
	timeoutCount    metric.Int64Counter
	panicCount      metric.Int64Counter
}

// New creates a Pool.
//
// Outputs:
//
//	*Pool - The pool, ready for Dispatch.
//	error - Reserved; currently always nil for a normalized config.
func New(cfg Config) (*Pool, error) {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultConfig().MaxWorkers
	}
	if cfg.SpawnRate == 0 {
		cfg.SpawnRate = DefaultConfig().SpawnRate
	}
	if cfg.SpawnBurst <= 0 {
		cfg.SpawnBurst = cfg.MaxWorkers
	}
	if cfg.OutcomeBuffer <= 0 {
		cfg.OutcomeBuffer = 2 * cfg.MaxWorkers
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Pool{
		cfg:      cfg,
		slots:    newSemaphore(cfg.MaxWorkers),
		limiter:  rate.NewLimiter(cfg.SpawnRate, cfg.SpawnBurst),
		logger:   cfg.Logger.With(slog.String("component", "worker_pool")),
		outcomes: make(chan Outcome, cfg.OutcomeBuffer),
		inFlight: make(map[string]struct{}),
	}, nil
}

// initMetrics lazily creates OTel instruments. Failures degrade
// observability only, never execution.
func (p *Pool) initMetrics() {
	p.metricsOnce.Do(func() {
		var err error
		p.dispatchedCount, err = meter.Int64Counter("conductor.pool.dispatched",
			metric.WithDescription("Task executions dispatched"))
		if err != nil {
			p.logger.Error("failed to create dispatched counter, observability degraded",
				slog.String("error", err.Error()))
		}
		p.timeoutCount, err = meter.Int64Counter("conductor.pool.timeouts",
			metric.WithDescription("Task executions that hit their timeout"))
		if err != nil {
			p.logger.Error("failed to create timeout counter, observability degraded",
				slog.String("error", err.Error()))
		}
		p.panicCount, err = meter.Int64Counter("conductor.pool.panics",
			metric.WithDescription("Executor panics contained by the pool"))
		if err != nil {
			p.logger.Error("failed to create panic counter, observability degraded",
				slog.String("error", err.Error()))
		}
	})
}

// Dispatch hands a task to a worker slot.
//
// Description:
//
//	Non-blocking admission: if no slot is free the call fails with
//	ErrPoolSaturated and the caller keeps ownership of the task
//	(typically releasing it back to pending). On success the executor
//	runs on its own goroutine after any spawn-pacing delay, and exactly
//	one Outcome is later delivered on Outcomes().
//
// Inputs:
//
//	ctx - Governs the execution, not just the dispatch. Must not be nil.
//	t - The task to run. The pool operates on its own copy.
//	exec - The executor. Must not be nil.
//
// Outputs:
//
//	error - ErrPoolClosed, ErrAlreadyInFlight, ErrPoolSaturated, or
//	        ErrNilExecutor. Nil means an outcome will be delivered.
//
// Thread Safety: Safe for concurrent use.
func (p *Pool) Dispatch(ctx context.Context, t *task.Task, exec task.Executor) error {
	if t == nil {
		return ErrNilTask
	}
	if exec == nil {
		return ErrNilExecutor
	}
	p.initMetrics()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if _, dup := p.inFlight[t.ID]; dup {
		p.mu.Unlock()
		return ErrAlreadyInFlight
	}
	if !p.slots.tryAcquire() {
		p.mu.Unlock()
		return ErrPoolSaturated
	}
	p.inFlight[t.ID] = struct{}{}
	p.wg.Add(1)
	p.mu.Unlock()

	reservation := p.limiter.Reserve()
	if p.dispatchedCount != nil {
		p.dispatchedCount.Add(ctx, 1,
			metric.WithAttributes(attribute.String("task_type", t.Type)))
	}

	go p.run(ctx, t.Clone(), exec, reservation.Delay())
	return nil
}

// run executes a single task attempt on a worker goroutine.
func (p *Pool) run(ctx context.Context, t *task.Task, exec task.Executor, delay time.Duration) {
	defer p.wg.Done()
	defer func() {
		p.slots.release()
		p.mu.Lock()
		delete(p.inFlight, t.ID)
		p.mu.Unlock()
	}()

	// Spawn pacing: hold the slot but delay the actual start.
	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			p.outcomes <- Outcome{TaskID: t.ID, Err: ctx.Err()}
			return
		}
	}

	if p.cfg.OnStart != nil {
		p.cfg.OnStart(t.ID)
	}

	execCtx, cancel := context.WithTimeout(ctx, t.EffectiveTimeout())
	defer cancel()

	start := time.Now()
	result, err := p.execute(execCtx, t, exec)
	elapsed := time.Since(start)

	if err != nil && execCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		err = ErrTaskTimeout
		if p.timeoutCount != nil {
			p.timeoutCount.Add(ctx, 1,
				metric.WithAttributes(attribute.String("task_type", t.Type)))
		}
		p.logger.Warn("task timed out",
			slog.String("task_id", t.ID),
			slog.Duration("timeout", t.EffectiveTimeout()),
			slog.Duration("elapsed", elapsed),
		)
	}

	p.outcomes <- Outcome{
		TaskID:   t.ID,
		Result:   result,
		Err:      err,
		Duration: elapsed,
	}
}

// execute invokes the executor with panic containment.
func (p *Pool) execute(ctx context.Context, t *task.Task, exec task.Executor) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{TaskID: t.ID, Value: r}
			result = nil
			if p.panicCount != nil {
				p.panicCount.Add(context.Background(), 1,
					metric.WithAttributes(attribute.String("task_type", t.Type)))
			}
			p.logger.Error("executor panic contained",
				slog.String("task_id", t.ID),
				slog.String("task_type", t.Type),
				slog.Any("panic", r),
			)
		}
	}()

	return exec.Execute(ctx, t)
}

// Outcomes returns the channel execution outcomes are delivered on.
// The channel is closed by Quiesce after the last in-flight task finishes.
func (p *Pool) Outcomes() <-chan Outcome {
	return p.outcomes
}

// RunningCount returns the number of occupied worker slots.
func (p *Pool) RunningCount() int {
	return p.slots.inUse()
}

// InFlight reports whether a task id is currently executing.
func (p *Pool) InFlight(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inFlight[id]
	return ok
}

// Quiesce stops accepting dispatches and waits for in-flight tasks.
//
// Description:
//
//	In-flight executors keep running until they finish or the contexts
//	they were dispatched with expire. Quiesce returns once the last one
//	reports, or when ctx is done. The outcome channel is closed on a
//	clean drain.
//
// Outputs:
//
//	error - Non-nil if ctx expired before the pool drained.
//
// Thread Safety: Safe to call concurrently; only the first call closes
// the outcome channel.
func (p *Pool) Quiesce(ctx context.Context) error {
	p.mu.Lock()
	alreadyClosed := p.closed
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if !alreadyClosed {
			close(p.outcomes)
		}
		p.logger.Info("pool quiesced")
		return nil
	case <-ctx.Done():
		p.logger.Warn("pool quiesce timed out",
			slog.Int("still_running", p.RunningCount()))
		return ctx.Err()
	}
}
