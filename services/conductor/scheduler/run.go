// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/conductor/services/conductor/checkpoint"
	"github.com/AleutianAI/conductor/services/conductor/events"
	"github.com/AleutianAI/conductor/services/conductor/graph"
	"github.com/AleutianAI/conductor/services/conductor/pool"
	"github.com/AleutianAI/conductor/services/conductor/queue"
	"github.com/AleutianAI/conductor/services/conductor/task"
)

var tracer = otel.Tracer("conductor.scheduler")

// RunState is the lifecycle state of a run.
type RunState string

const (
	// RunStateRunning means the driver is executing levels.
	RunStateRunning RunState = "running"

	// RunStateDraining means cancellation was requested; in-flight
	// attempts finish, nothing new dispatches.
	RunStateDraining RunState = "draining"

	// RunStateCrashed means the run halted on an unrecoverable error,
	// checkpoint I/O failure being the canonical one.
	RunStateCrashed RunState = "crashed"

	// RunStateStopped means the driver has exited. The run either
	// completed, failed on a node, or finished draining.
	RunStateStopped RunState = "stopped"
)

// Status is a point-in-time view of a run.
type Status struct {
	// RunID identifies the run.
	RunID string `json:"run_id"`

	// GraphName is the graph being executed.
	GraphName string `json:"graph_name"`

	// State is the run's lifecycle state.
	State RunState `json:"state"`

	// CompletedLevels counts level barriers fully passed and
	// checkpointed. This is the durable resume frontier.
	CompletedLevels int `json:"completed_levels"`

	// TotalLevels is the graph's level count.
	TotalLevels int `json:"total_levels"`

	// StateVersion is the live merge counter. It can run ahead of the
	// last checkpoint while a level is mid-flight.
	StateVersion uint64 `json:"state_version"`

	// LastCheckpointVersion is the newest durable checkpoint.
	LastCheckpointVersion uint64 `json:"last_checkpoint_version"`

	// LastCheckpointAt is when it was written.
	LastCheckpointAt time.Time `json:"last_checkpoint_at,omitempty"`

	// TaskCounts buckets the run's tasks by state.
	TaskCounts map[task.State]int `json:"task_counts"`

	// NodeAttempts maps node names to attempts consumed so far.
	NodeAttempts map[string]int `json:"node_attempts,omitempty"`

	// Running is the number of executors currently in flight.
	Running int `json:"running"`

	// FailedNodes maps terminally failed nodes to their last error.
	FailedNodes map[string]string `json:"failed_nodes,omitempty"`

	// SkippedNodes maps skipped nodes to the failed ancestor that
	// caused the skip.
	SkippedNodes map[string]string `json:"skipped_nodes,omitempty"`

	// Error is the run's terminal error, once stopped.
	Error string `json:"error,omitempty"`
}

// Run is the handle for one executing graph.
//
// Thread Safety: All methods are safe for concurrent use.
type Run struct {
	id     string
	graph  *graph.Graph
	sched  *Scheduler
	logger *slog.Logger

	state   *graph.State
	queue   *queue.Queue
	pool    *pool.Pool
	emitter *events.Emitter
	journal queue.Journal

	mu               sync.Mutex
	runState         RunState
	completedLevels  int
	lastCheckpoint   uint64
	lastCheckpointAt time.Time
	taskByNode       map[string]string
	nodeByTask       map[string]string
	failed           map[string]string
	skipped          map[string]string
	finalState       *graph.StateSnapshot
	err              error

	drainOnce sync.Once
	drainCh   chan struct{}
	done      chan struct{}
}

// newRun wires a run's queue, pool, and emitter. The driver is not
// started.
func (s *Scheduler) newRun(id string, g *graph.Graph, st *graph.State) (*Run, error) {
	r := &Run{
		id:         id,
		graph:      g,
		sched:      s,
		logger:     s.logger.With(slog.String("run_id", id), slog.String("graph", g.Name())),
		state:      st,
		emitter:    events.NewEmitter(events.WithRunID(id), events.WithBufferSize(s.cfg.EventBuffer)),
		runState:   RunStateRunning,
		taskByNode: make(map[string]string),
		nodeByTask: make(map[string]string),
		failed:     make(map[string]string),
		skipped:    make(map[string]string),
		drainCh:    make(chan struct{}),
		done:       make(chan struct{}),
	}

	if s.cfg.Journal != nil {
		jrnl, err := s.cfg.Journal(id)
		if err != nil {
			return nil, fmt.Errorf("create journal: %w", err)
		}
		r.journal = jrnl
	}

	q, err := queue.New(queue.Config{
		Policy:  s.cfg.RetryPolicy,
		Logger:  r.logger,
		Journal: r.journal,
		OnTransition: func(t *task.Task, from, to task.State) {
			r.emitter.Emit(events.TypeTaskTransition, events.TaskTransitionData{
				TaskID:  t.ID,
				Node:    t.Node,
				From:    string(from),
				To:      string(to),
				Attempt: t.AttemptCount,
			})
		},
	})
	if err != nil {
		r.closeResources()
		return nil, err
	}
	r.queue = q

	poolCfg := s.cfg.Pool
	poolCfg.Logger = r.logger
	poolCfg.OnStart = func(taskID string) {
		if serr := q.Start(taskID); serr != nil {
			r.logger.Warn("mark task running failed",
				slog.String("task_id", taskID),
				slog.String("error", serr.Error()),
			)
		}
	}
	p, err := pool.New(poolCfg)
	if err != nil {
		r.closeResources()
		return nil, err
	}
	r.pool = p

	return r, nil
}

// ID returns the run's identifier.
func (r *Run) ID() string { return r.id }

// Graph returns the run's graph.
func (r *Run) Graph() *graph.Graph { return r.graph }

// Events returns the run's event emitter, for subscribing to progress.
func (r *Run) Events() *events.Emitter { return r.emitter }

// Done is closed when the driver has exited.
func (r *Run) Done() <-chan struct{} { return r.done }

// State returns the run's lifecycle state.
func (r *Run) State() RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runState
}

// Err returns the run's terminal error, nil until Done closes or if the
// run completed cleanly.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// FinalState returns the shared-state snapshot taken when the run
// stopped; nil while the run is active.
func (r *Run) FinalState() *graph.StateSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finalState
}

// Wait blocks until the run stops or ctx expires.
//
// Outputs:
//
//	*graph.StateSnapshot - The final shared state. Calling Wait again
//	                       on a finished run returns the same snapshot
//	                       without re-executing anything.
//	error - The run's terminal error, or ctx.Err().
func (r *Run) Wait(ctx context.Context) (*graph.StateSnapshot, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finalState, r.err
}

// Cancel requests a drain. Idempotent while the run is active.
//
// Outputs:
//
//	error - ErrRunNotActive if the run already stopped.
func (r *Run) Cancel() error {
	r.mu.Lock()
	switch r.runState {
	case RunStateCrashed, RunStateStopped:
		r.mu.Unlock()
		return ErrRunNotActive
	case RunStateRunning:
		r.runState = RunStateDraining
	}
	r.mu.Unlock()

	r.drainOnce.Do(func() { close(r.drainCh) })
	return nil
}

// Status builds a point-in-time status snapshot.
func (r *Run) Status() *Status {
	r.mu.Lock()
	st := &Status{
		RunID:                 r.id,
		GraphName:             r.graph.Name(),
		State:                 r.runState,
		CompletedLevels:       r.completedLevels,
		TotalLevels:           len(r.graph.Levels()),
		LastCheckpointVersion: r.lastCheckpoint,
		LastCheckpointAt:      r.lastCheckpointAt,
		FailedNodes:           copyStringMap(r.failed),
		SkippedNodes:          copyStringMap(r.skipped),
	}
	if r.err != nil {
		st.Error = r.err.Error()
	}
	r.mu.Unlock()

	st.StateVersion = r.state.Version()
	st.TaskCounts = r.queue.Counts()
	st.Running = r.pool.RunningCount()

	snap := r.queue.Snapshot()
	if len(snap.Tasks) > 0 {
		st.NodeAttempts = make(map[string]int, len(snap.Tasks))
		for _, t := range snap.Tasks {
			if t.Node != "" {
				st.NodeAttempts[t.Node] = t.AttemptCount
			}
		}
	}
	return st
}

func copyStringMap(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (r *Run) drainRequested() bool {
	select {
	case <-r.drainCh:
		return true
	default:
		return false
	}
}

// drive is the run's driver goroutine: one iteration per level, a
// barrier and a checkpoint between levels.
func (r *Run) drive() {
	ctx, span := tracer.Start(context.Background(), "scheduler.run",
		trace.WithAttributes(
			attribute.String("run.id", r.id),
			attribute.String("graph.name", r.graph.Name()),
			attribute.Int("graph.nodes", r.graph.NodeCount()),
		))
	err := r.execute(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	r.finish(err)
}

// finish quiesces the pool, folds in any straggler outcomes, writes a
// final checkpoint where one is useful, and closes the handle.
func (r *Run) finish(err error) {
	qctx, cancel := context.WithTimeout(context.Background(), r.sched.cfg.QuiesceTimeout)
	qerr := r.pool.Quiesce(qctx)
	cancel()
	if qerr == nil {
		for o := range r.pool.Outcomes() {
			r.handleOutcome(o)
		}
	} else {
		r.logger.Warn("pool quiesce timed out; abandoning in-flight attempts",
			slog.String("error", qerr.Error()),
		)
	}

	final := r.state.Snapshot()

	r.mu.Lock()
	r.finalState = final
	r.err = err
	switch {
	case err == nil:
		r.runState = RunStateStopped
	case errors.Is(err, ErrRunCrashed):
		r.runState = RunStateCrashed
	default:
		r.runState = RunStateStopped
	}
	state := r.runState
	r.mu.Unlock()

	switch {
	case err == nil:
		r.logger.Info("run completed", slog.Uint64("state_version", final.Version))
		r.emitter.Emit(events.TypeRunCompleted, events.RunData{
			GraphName: r.graph.Name(),
			State:     string(state),
		})
	case errors.Is(err, ErrRunCancelled):
		// Drained runs keep a final checkpoint so they can resume.
		r.checkpointBestEffort()
		r.logger.Info("run cancelled after drain")
		r.emitter.Emit(events.TypeRunCancelled, events.RunData{
			GraphName: r.graph.Name(),
			State:     string(state),
			Error:     err.Error(),
		})
	default:
		if !errors.Is(err, ErrRunCrashed) {
			r.checkpointBestEffort()
		}
		r.logger.Error("run failed", slog.String("error", err.Error()))
		r.emitter.Emit(events.TypeRunFailed, events.RunData{
			GraphName: r.graph.Name(),
			State:     string(state),
			Error:     err.Error(),
		})
	}

	r.closeResources()
	close(r.done)
}

// closeResources releases the run's journal. The queue and pool need no
// teardown beyond quiesce.
func (r *Run) closeResources() {
	if r.journal != nil {
		if cerr := r.journal.Close(); cerr != nil {
			r.logger.Warn("close journal failed", slog.String("error", cerr.Error()))
		}
		r.journal = nil
	}
}

// execute runs levels from the resume frontier to the end of the graph.
func (r *Run) execute(ctx context.Context) error {
	levels := r.graph.Levels()

	r.mu.Lock()
	start := r.completedLevels
	r.mu.Unlock()

	for lvl := start; lvl < len(levels); lvl++ {
		if r.drainRequested() {
			return ErrRunCancelled
		}

		nodes := r.liveNodes(levels[lvl])
		r.emitter.Emit(events.TypeLevelStarted, events.LevelData{
			Level:        lvl,
			Nodes:        nodes,
			StateVersion: r.state.Version(),
		})
		r.logger.Info("level started",
			slog.Int("level", lvl),
			slog.Int("nodes", len(nodes)),
			slog.Int("skipped", len(levels[lvl])-len(nodes)),
		)

		if len(nodes) > 0 {
			if err := r.runLevelSpan(ctx, lvl, nodes); err != nil {
				return err
			}
		}

		if err := r.saveCheckpoint(ctx, lvl+1); err != nil {
			return err
		}

		r.mu.Lock()
		r.completedLevels = lvl + 1
		r.mu.Unlock()

		r.emitter.Emit(events.TypeLevelCompleted, events.LevelData{
			Level:        lvl,
			Nodes:        nodes,
			StateVersion: r.state.Version(),
		})
	}
	return nil
}

// runLevelSpan wraps one super-step in a span: enqueue, dispatch to the
// barrier, then the single-threaded settle.
func (r *Run) runLevelSpan(ctx context.Context, lvl int, nodes []string) error {
	ctx, span := tracer.Start(ctx, "scheduler.level",
		trace.WithAttributes(
			attribute.Int("level", lvl),
			attribute.Int("level.nodes", len(nodes)),
		))
	defer span.End()

	err := r.enqueueLevel(nodes)
	if err == nil {
		err = r.runLevel(ctx, nodes)
	}
	if err == nil {
		err = r.settleLevel(nodes)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// liveNodes filters a level down to nodes not skipped by an upstream
// failure.
func (r *Run) liveNodes(level []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(level))
	for _, name := range level {
		if _, skip := r.skipped[name]; !skip {
			out = append(out, name)
		}
	}
	return out
}

// enqueueLevel builds one task per node and enqueues it. On resume the
// level's tasks may already exist; those are left alone.
func (r *Run) enqueueLevel(nodes []string) error {
	for _, name := range nodes {
		r.mu.Lock()
		_, exists := r.taskByNode[name]
		r.mu.Unlock()
		if exists {
			continue
		}

		spec, ok := r.graph.Node(name)
		if !ok {
			return fmt.Errorf("graph has no node %q", name)
		}

		t := task.New("graph-node", json.RawMessage(spec.Payload))
		t.Node = name
		t.RunID = r.id
		t.Priority = spec.Priority
		t.MemoryEstimate = spec.MemoryEstimate
		t.MaxAttempts = spec.MaxAttempts
		t.Timeout = spec.Timeout

		if err := r.queue.Enqueue(t); err != nil {
			return fmt.Errorf("enqueue node %s: %w", name, err)
		}
		r.mu.Lock()
		r.taskByNode[name] = t.ID
		r.nodeByTask[t.ID] = name
		r.mu.Unlock()
	}
	return nil
}

// runLevel dispatches the level's tasks and consumes outcomes until the
// fan-in barrier: every task terminal, nothing in flight.
func (r *Run) runLevel(ctx context.Context, nodes []string) error {
	ids := make([]string, 0, len(nodes))
	r.mu.Lock()
	for _, name := range nodes {
		ids = append(ids, r.taskByNode[name])
	}
	r.mu.Unlock()

	ticker := time.NewTicker(r.sched.cfg.TickInterval)
	defer ticker.Stop()

	for !r.queue.AllTerminal(ids) {
		if r.drainRequested() {
			return ErrRunCancelled
		}
		r.dispatchReady(ctx)

		select {
		case o := <-r.pool.Outcomes():
			r.handleOutcome(o)
		case <-ticker.C:
			// Re-poll: a retry window may have opened or memory
			// pressure eased.
		case <-r.drainCh:
			return ErrRunCancelled
		}
	}
	return nil
}

// dispatchReady claims and dispatches ready tasks until the queue is
// empty, the budget defers, or the pool saturates.
func (r *Run) dispatchReady(ctx context.Context) {
	for {
		head := r.queue.PeekReady(time.Now().UTC())
		if head == nil {
			return
		}

		spec, ok := r.graph.Node(head.Node)
		if !ok {
			// Should be unreachable: every enqueued task maps to a node.
			r.logger.Error("task references unknown node",
				slog.String("task_id", head.ID),
				slog.String("node", head.Node),
			)
			_, _ = r.queue.Fail(head.ID, fmt.Errorf("unknown node %q", head.Node))
			continue
		}

		admit, reason, err := r.sched.cfg.Budget.SafeToSpawn(ctx, head.MemoryEstimate, r.pool.RunningCount())
		if err != nil || !admit {
			if err != nil {
				r.logger.Warn("budget sample failed; deferring dispatch",
					slog.String("error", err.Error()),
				)
			}
			r.emitter.Emit(events.TypeDispatchDeferred, events.DispatchDeferredData{
				TaskID: head.ID,
				Reason: string(reason),
			})
			return
		}

		if err := r.queue.Claim(head.ID); err != nil {
			r.logger.Warn("claim failed",
				slog.String("task_id", head.ID),
				slog.String("error", err.Error()),
			)
			return
		}
		claimed, _ := r.queue.Get(head.ID)
		if derr := r.pool.Dispatch(ctx, claimed, spec.Executor); derr != nil {
			// Hand the slot back so the attempt is not charged.
			if rerr := r.queue.Release(head.ID); rerr != nil {
				r.logger.Error("release after failed dispatch",
					slog.String("task_id", head.ID),
					slog.String("error", rerr.Error()),
				)
			}
			if !errors.Is(derr, pool.ErrPoolSaturated) {
				r.logger.Warn("dispatch failed",
					slog.String("task_id", head.ID),
					slog.String("error", derr.Error()),
				)
			}
			return
		}
	}
}

// handleOutcome folds one pool outcome back into the queue.
func (r *Run) handleOutcome(o pool.Outcome) {
	r.mu.Lock()
	node := r.nodeByTask[o.TaskID]
	r.mu.Unlock()

	if o.Err == nil {
		if err := r.queue.Complete(o.TaskID, o.Result); err != nil {
			r.logger.Error("complete task",
				slog.String("task_id", o.TaskID),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	retryScheduled, err := r.queue.Fail(o.TaskID, o.Err)
	if err != nil {
		r.logger.Error("fail task",
			slog.String("task_id", o.TaskID),
			slog.String("error", err.Error()),
		)
		return
	}
	if retryScheduled {
		if t, ok := r.queue.Get(o.TaskID); ok {
			r.emitter.Emit(events.TypeTaskRetry, events.TaskRetryData{
				TaskID:    o.TaskID,
				Node:      node,
				Attempt:   t.AttemptCount,
				NotBefore: t.NotBefore,
				Error:     o.Err.Error(),
			})
		}
	}
}

// settleLevel is the single-threaded barrier step: merge succeeded
// nodes' declared writes into shared state, record failures, and apply
// the failure policy.
func (r *Run) settleLevel(nodes []string) error {
	var deltas []graph.Delta
	var failedNodes []string

	for _, name := range nodes {
		r.mu.Lock()
		id := r.taskByNode[name]
		r.mu.Unlock()
		t, ok := r.queue.Get(id)
		if !ok {
			return fmt.Errorf("task for node %s vanished", name)
		}
		if t.State != task.StateSucceeded {
			failedNodes = append(failedNodes, name)
			continue
		}

		spec, _ := r.graph.Node(name)
		if len(spec.Writes) == 0 {
			continue
		}
		var result map[string]any
		if err := json.Unmarshal(t.Result, &result); err != nil {
			r.logger.Warn("node result is not a JSON object; writes dropped",
				slog.String("node", name),
				slog.String("error", err.Error()),
			)
			r.state.RecordFailure(name, "result is not a JSON object: "+err.Error())
			continue
		}
		for _, w := range spec.Writes {
			v, present := result[w.Key]
			if !present {
				continue
			}
			deltas = append(deltas, graph.Delta{
				Node:    name,
				Key:     w.Key,
				Reducer: w.Reducer,
				Value:   v,
			})
		}
	}

	if err := r.state.Merge(deltas); err != nil {
		return fmt.Errorf("merge level results: %w", err)
	}

	if len(failedNodes) == 0 {
		return nil
	}

	for _, name := range failedNodes {
		r.mu.Lock()
		id := r.taskByNode[name]
		r.mu.Unlock()
		reason := "node failed"
		if t, ok := r.queue.Get(id); ok && t.LastError != "" {
			reason = t.LastError
		}
		r.state.RecordFailure(name, reason)
		r.mu.Lock()
		r.failed[name] = reason
		r.mu.Unlock()
	}

	if r.graph.FailurePolicy() == graph.FailFast {
		name := failedNodes[0]
		r.mu.Lock()
		reason := r.failed[name]
		r.mu.Unlock()
		return &NodeFailureError{Node: name, Reason: reason}
	}

	// ContinueIndependent: downstream of a failed node never runs.
	r.mu.Lock()
	for _, name := range failedNodes {
		for _, d := range r.graph.Descendants(name) {
			if _, already := r.skipped[d]; !already {
				r.skipped[d] = name
			}
		}
	}
	skipped := len(r.skipped)
	r.mu.Unlock()

	r.logger.Warn("level finished with failures; independent branches continue",
		slog.Int("failed", len(failedNodes)),
		slog.Int("skipped_total", skipped),
	)
	return nil
}

// saveCheckpoint persists a sealed checkpoint at a level barrier. A
// store failure crashes the run: continuing without durability would
// silently break the resume contract.
func (r *Run) saveCheckpoint(ctx context.Context, completedLevels int) error {
	cp := checkpoint.New(r.id, r.graph.Name(), completedLevels, r.state.Snapshot(), r.queue.Snapshot())
	if err := r.sched.cfg.Store.Save(ctx, cp); err != nil {
		return fmt.Errorf("%w: save checkpoint: %w", ErrRunCrashed, err)
	}

	r.mu.Lock()
	r.lastCheckpoint = cp.Version
	r.lastCheckpointAt = time.Now().UTC()
	r.mu.Unlock()

	r.emitter.Emit(events.TypeCheckpointSaved, events.CheckpointData{
		Version:         cp.Version,
		CompletedLevels: completedLevels,
	})
	r.logger.Debug("checkpoint saved",
		slog.Uint64("version", cp.Version),
		slog.Int("completed_levels", completedLevels),
	)

	// The journal only bridges the gap between checkpoints.
	if r.journal != nil {
		if terr := r.journal.Truncate(ctx); terr != nil {
			r.logger.Warn("journal truncate failed", slog.String("error", terr.Error()))
		}
	}
	return nil
}

// checkpointBestEffort writes a final checkpoint for drained or failed
// runs. Failures are logged, not fatal: the run is already stopping.
func (r *Run) checkpointBestEffort() {
	r.mu.Lock()
	completed := r.completedLevels
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cp := checkpoint.New(r.id, r.graph.Name(), completed, r.state.Snapshot(), r.queue.Snapshot())
	if err := r.sched.cfg.Store.Save(ctx, cp); err != nil {
		r.logger.Warn("final checkpoint failed", slog.String("error", err.Error()))
		return
	}
	r.mu.Lock()
	r.lastCheckpoint = cp.Version
	r.lastCheckpointAt = time.Now().UTC()
	r.mu.Unlock()
	r.emitter.Emit(events.TypeCheckpointSaved, events.CheckpointData{
		Version:         cp.Version,
		CompletedLevels: completed,
	})
}
