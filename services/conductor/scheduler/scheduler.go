// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scheduler drives graph runs: it turns graph nodes into queue
// tasks level by level, admits them against the memory budget, executes
// them on the worker pool, merges their results into shared state at
// level barriers, and checkpoints after every barrier so an interrupted
// run can resume.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/conductor/services/conductor/budget"
	"github.com/AleutianAI/conductor/services/conductor/checkpoint"
	"github.com/AleutianAI/conductor/services/conductor/events"
	"github.com/AleutianAI/conductor/services/conductor/graph"
	"github.com/AleutianAI/conductor/services/conductor/pool"
	"github.com/AleutianAI/conductor/services/conductor/queue"
	"github.com/AleutianAI/conductor/services/conductor/task"
)

// DefaultTickInterval is how often an idle driver re-polls the queue for
// retry windows opening and memory pressure easing.
const DefaultTickInterval = 25 * time.Millisecond

// DefaultQuiesceTimeout bounds how long a finishing run waits for its
// in-flight executors.
const DefaultQuiesceTimeout = 30 * time.Second

// JournalFactory builds a queue journal for a run. Optional; when set,
// every queue mutation is journaled between checkpoints.
type JournalFactory func(runID string) (queue.Journal, error)

// Config configures a Scheduler.
type Config struct {
	// Budget is the admission gate consulted before every dispatch.
	// Required.
	Budget *budget.Monitor

	// Store persists checkpoints at level barriers. Required.
	Store checkpoint.Store

	// Pool is the template for each run's worker pool. Zero value gets
	// pool.DefaultConfig().
	Pool pool.Config

	// RetryPolicy shapes task retry backoff. Zero value gets
	// queue.DefaultRetryPolicy().
	RetryPolicy queue.RetryPolicy

	// Journal, when set, gives each run a write-ahead queue journal.
	Journal JournalFactory

	// TickInterval is the driver's idle poll period. Default:
	// DefaultTickInterval.
	TickInterval time.Duration

	// QuiesceTimeout bounds the in-flight drain when a run finishes or
	// is cancelled. Default: DefaultQuiesceTimeout.
	QuiesceTimeout time.Duration

	// EventBuffer sizes each run's event replay buffer. Default: 1000.
	EventBuffer int

	// Logger for scheduler operations. If nil, uses slog.Default().
	Logger *slog.Logger
}

// Validate checks required fields and applies defaults.
func (c *Config) Validate() error {
	if c.Budget == nil {
		return errors.New("budget monitor is required")
	}
	if c.Store == nil {
		return errors.New("checkpoint store is required")
	}
	if c.Pool.MaxWorkers == 0 && c.Pool.SpawnRate == 0 {
		c.Pool = pool.DefaultConfig()
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.QuiesceTimeout <= 0 {
		c.QuiesceTimeout = DefaultQuiesceTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Scheduler owns graph runs. Each run gets its own queue, pool, and
// event emitter; the budget monitor and checkpoint store are shared.
//
// Thread Safety: All methods are safe for concurrent use.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	runs   map[string]*Run
	closed bool
}

// New creates a Scheduler.
//
// Outputs:
//
//	*Scheduler - The scheduler, idle until the first Submit.
//	error - Non-nil if required config is missing.
func New(cfg Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", "scheduler")),
		runs:   make(map[string]*Run),
	}, nil
}

// Submit starts executing a graph and returns its run handle.
//
// Description:
//
//	Seeds shared state from initial, builds tasks for the first level,
//	and starts the driver goroutine. Submit returns immediately; use
//	the handle's Wait or Done to observe completion.
//
// Inputs:
//
//	ctx - Context for setup work (journal creation). The run itself
//	      outlives ctx; use Cancel to stop it.
//	g - A validated graph from graph.Build.
//	initial - Seed values for shared state. May be nil.
//
// Outputs:
//
//	*Run - The run handle.
//	error - ErrSchedulerClosed, ErrNilGraph, or a setup failure.
func (s *Scheduler) Submit(ctx context.Context, g *graph.Graph, initial map[string]any) (*Run, error) {
	if g == nil {
		return nil, ErrNilGraph
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSchedulerClosed
	}
	s.mu.Unlock()

	r, err := s.newRun(uuid.NewString(), g, graph.NewState(initial))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		r.closeResources()
		return nil, ErrSchedulerClosed
	}
	s.runs[r.id] = r
	s.mu.Unlock()

	s.logger.Info("run submitted",
		slog.String("run_id", r.id),
		slog.String("graph", g.Name()),
		slog.Int("nodes", g.NodeCount()),
		slog.Int("levels", len(g.Levels())),
	)
	r.emitter.Emit(events.TypeRunSubmitted, events.RunData{
		GraphName: g.Name(),
		State:     string(RunStateRunning),
	})

	go r.drive()
	return r, nil
}

// Resume restarts an interrupted run from its latest checkpoint.
//
// Description:
//
//	Loads and verifies the newest checkpoint for runID, restores shared
//	state and the task queue from it, remaps tasks that were claimed or
//	running at the crash into the retry lane, and resumes the driver at
//	the first incomplete level. Executors may therefore observe a task
//	attempt more than once; at-least-once is the contract.
//
// Inputs:
//
//	ctx - Context for the checkpoint load.
//	g - The same graph the run was submitted with. Executors are not
//	    serialized in checkpoints, so the caller re-supplies them.
//	runID - The run to resume.
//
// Outputs:
//
//	*Run - The resumed run handle. If the run had already finished all
//	       levels, the handle is returned already stopped.
//	error - checkpoint.ErrNotFound, ErrGraphMismatch, or a restore
//	        failure.
func (s *Scheduler) Resume(ctx context.Context, g *graph.Graph, runID string) (*Run, error) {
	if g == nil {
		return nil, ErrNilGraph
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSchedulerClosed
	}
	if existing, ok := s.runs[runID]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	s.mu.Unlock()

	cp, err := s.cfg.Store.LoadLatest(ctx, runID)
	if err != nil {
		return nil, err
	}
	if cp.GraphName != g.Name() {
		return nil, fmt.Errorf("%w: checkpoint is for graph %q, got %q",
			ErrGraphMismatch, cp.GraphName, g.Name())
	}

	r, err := s.newRun(runID, g, graph.FromSnapshot(cp.State))
	if err != nil {
		return nil, err
	}
	r.completedLevels = cp.CompletedLevels
	r.lastCheckpoint = cp.Version
	r.lastCheckpointAt = cp.CreatedAt

	if cp.Queue != nil {
		if err := r.queue.Restore(cp.Queue); err != nil {
			r.closeResources()
			return nil, fmt.Errorf("restore queue: %w", err)
		}
		for _, t := range cp.Queue.Tasks {
			if t.Node != "" {
				r.taskByNode[t.Node] = t.ID
				r.nodeByTask[t.ID] = t.Node
			}
			if t.State == task.StateFailed {
				r.failed[t.Node] = t.LastError
			}
		}
	}
	if g.FailurePolicy() == graph.ContinueIndependent {
		for name := range r.failed {
			for _, d := range g.Descendants(name) {
				r.skipped[d] = name
			}
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		r.closeResources()
		return nil, ErrSchedulerClosed
	}
	s.runs[runID] = r
	s.mu.Unlock()

	if r.completedLevels >= len(g.Levels()) {
		// Nothing left to execute; hand back the finished run.
		r.finish(nil)
		return r, nil
	}

	s.logger.Info("run resumed",
		slog.String("run_id", runID),
		slog.String("graph", g.Name()),
		slog.Uint64("checkpoint_version", cp.Version),
		slog.Int("completed_levels", cp.CompletedLevels),
	)
	go r.drive()
	return r, nil
}

// Run returns a run handle by ID.
func (s *Scheduler) Run(id string) (*Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	return r, ok
}

// ActiveRuns counts runs that have not yet reached a terminal state.
func (s *Scheduler) ActiveRuns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.runs {
		switch r.State() {
		case RunStateRunning, RunStateDraining:
			n++
		}
	}
	return n
}

// Status reports a run's progress, distinguishing the durable frontier
// (last checkpoint) from live, not-yet-checkpointed progress.
//
// Outputs:
//
//	*Status - The status snapshot.
//	error - ErrRunNotFound if the run is unknown.
func (s *Scheduler) Status(id string) (*Status, error) {
	r, ok := s.Run(id)
	if !ok {
		return nil, ErrRunNotFound
	}
	return r.Status(), nil
}

// Cancel asks a run to drain: no new tasks dispatch, in-flight attempts
// finish, a final checkpoint is written, and the run stops.
//
// Outputs:
//
//	error - ErrRunNotFound, or ErrRunNotActive if the run already
//	        finished.
func (s *Scheduler) Cancel(id string) error {
	r, ok := s.Run(id)
	if !ok {
		return ErrRunNotFound
	}
	return r.Cancel()
}

// Shutdown drains every active run and refuses new submissions.
//
// Outputs:
//
//	error - ctx.Err() if the drain did not finish in time.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	active := make([]*Run, 0, len(s.runs))
	for _, r := range s.runs {
		active = append(active, r)
	}
	s.mu.Unlock()

	for _, r := range active {
		_ = r.Cancel()
	}
	for _, r := range active {
		select {
		case <-r.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
