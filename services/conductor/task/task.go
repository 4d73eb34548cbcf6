// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package task defines the unit of work scheduled by the conductor.
//
// A Task is pure data: identity, routing hints, resource estimate, retry
// bookkeeping, and a lifecycle state machine. Execution is delegated to an
// Executor capability supplied by the host; the queue and pool only move
// tasks between states.
//
// Thread Safety:
//
//	Task is NOT internally synchronized. The owning queue serializes all
//	mutations; everyone else works on copies.
package task

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxAttempts is used when a task doesn't specify an attempt budget.
const DefaultMaxAttempts = 3

// DefaultTimeout bounds a single execution attempt when none is configured.
const DefaultTimeout = 30 * time.Second

// Priority orders tasks in the queue. Higher values are claimed first.
type Priority int

const (
	// PriorityLow is background work that yields to everything else.
	PriorityLow Priority = iota

	// PriorityNormal is the default for graph node tasks.
	PriorityNormal

	// PriorityHigh is for work on the critical path of a run.
	PriorityHigh

	// PriorityCritical preempts all other queued work.
	PriorityCritical
)

// String returns a human-readable priority name.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// State is the lifecycle state of a task.
type State string

const (
	// StatePending means the task is queued and eligible for dispatch.
	StatePending State = "pending"

	// StateAssigned means the task has been claimed but not yet started.
	StateAssigned State = "assigned"

	// StateRunning means an executor is working on the task.
	StateRunning State = "running"

	// StateSucceeded is terminal: the task completed and Result is set.
	StateSucceeded State = "succeeded"

	// StateFailed is terminal: attempts are exhausted or the failure
	// was not retryable.
	StateFailed State = "failed"

	// StateRetrying means a retry is scheduled; the task returns to
	// pending once NotBefore elapses.
	StateRetrying State = "retrying"
)

// IsTerminal reports whether the state admits no further transitions.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// transitions is the allowed state machine. Monotonic except the
// pending/retrying loop used by the backoff path.
var transitions = map[State][]State{
	StatePending:  {StateAssigned, StateFailed},
	StateAssigned: {StateRunning, StatePending, StateFailed},
	StateRunning:  {StateSucceeded, StateFailed, StateRetrying},
	StateRetrying: {StatePending, StateFailed},
}

// Task is a single schedulable unit of work.
//
// Description:
//
//	Tasks are created by a submitter (usually the run driver, one per graph
//	node per attempt wave), enqueued pending, claimed when the resource
//	budget allows, and driven to a terminal state by the worker pool.
//
// Invariants:
//
//	A task occupies exactly one queue slot at a time. AttemptCount never
//	exceeds MaxAttempts. A terminal task is immutable.
type Task struct {
	// ID uniquely identifies the task across the run.
	ID string `json:"id"`

	// Type routes the task to an executor and informs resource estimates.
	Type string `json:"type"`

	// Priority orders the task against other queued work.
	Priority Priority `json:"priority"`

	// Payload is opaque executor input.
	Payload json.RawMessage `json:"payload,omitempty"`

	// MemoryEstimate is the expected peak memory in bytes. Used for
	// admission control, never enforced on the executor.
	MemoryEstimate int64 `json:"memory_estimate"`

	// MaxAttempts bounds total executions, including the first.
	MaxAttempts int `json:"max_attempts"`

	// AttemptCount is the number of executions started so far.
	AttemptCount int `json:"attempt_count"`

	// State is the current lifecycle state.
	State State `json:"state"`

	// CreatedAt orders tasks within a priority tier (FIFO).
	CreatedAt time.Time `json:"created_at"`

	// Deadline, if set, expires the task once passed.
	Deadline *time.Time `json:"deadline,omitempty"`

	// NotBefore is the earliest dispatch time for a retrying task.
	NotBefore time.Time `json:"not_before"`

	// Timeout bounds a single execution attempt.
	Timeout time.Duration `json:"timeout,omitempty"`

	// Result is the executor output, set on success.
	Result json.RawMessage `json:"result,omitempty"`

	// LastError records the most recent failure, for status reporting.
	LastError string `json:"last_error,omitempty"`

	// Node is the graph node this task executes, when part of a run.
	Node string `json:"node,omitempty"`

	// RunID links the task to its owning run, when part of a run.
	RunID string `json:"run_id,omitempty"`
}

// New creates a pending task with defaults applied.
//
// Inputs:
//
//	typ - Task type for routing. Must not be empty.
//	payload - Opaque executor input. May be nil.
//
// Outputs:
//
//	*Task - The pending task with a fresh UUID.
func New(typ string, payload json.RawMessage) *Task {
	return &Task{
		ID:          uuid.NewString(),
		Type:        typ,
		Priority:    PriorityNormal,
		Payload:     payload,
		MaxAttempts: DefaultMaxAttempts,
		State:       StatePending,
		CreatedAt:   time.Now().UTC(),
	}
}

// Transition moves the task to a new state, enforcing the state machine.
//
// Outputs:
//
//	error - ErrInvalidTransition (wrapped with detail) if the move is not
//	        allowed; nil otherwise.
func (t *Task) Transition(to State) error {
	if t.State == to {
		return nil
	}
	for _, allowed := range transitions[t.State] {
		if allowed == to {
			t.State = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s (task %s)", ErrInvalidTransition, t.State, to, t.ID)
}

// Expired reports whether the task's deadline has passed at the given time.
func (t *Task) Expired(now time.Time) bool {
	return t.Deadline != nil && now.After(*t.Deadline)
}

// AttemptsRemaining reports whether another execution attempt is allowed.
func (t *Task) AttemptsRemaining() bool {
	return t.AttemptCount < t.MaxAttempts
}

// EffectiveTimeout returns the per-attempt timeout, defaulted when unset.
func (t *Task) EffectiveTimeout() time.Duration {
	if t.Timeout <= 0 {
		return DefaultTimeout
	}
	return t.Timeout
}

// Clone returns a deep copy safe to hand outside the queue.
func (t *Task) Clone() *Task {
	cp := *t
	if t.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), t.Payload...)
	}
	if t.Result != nil {
		cp.Result = append(json.RawMessage(nil), t.Result...)
	}
	if t.Deadline != nil {
		d := *t.Deadline
		cp.Deadline = &d
	}
	return &cp
}

// Executor is the environment-supplied capability that performs the actual
// work of a task. The conductor core never implements one; hosts register
// them per task type or per graph node.
//
// Thread Safety:
//
//	Implementations must be safe for concurrent use: the pool invokes
//	Execute from many goroutines.
//
// At-least-once:
//
//	After a crash/resume an executor may see the same task again.
//	Implementations must be idempotent, or the run's reducers must
//	tolerate duplicate application.
type Executor interface {
	// Execute performs the task's work.
	//
	// Inputs:
	//   ctx - Carries the per-attempt timeout; must be respected.
	//   t - A copy of the task. Mutations are not observed.
	//
	// Outputs:
	//   json.RawMessage - The task result, merged into run state.
	//   error - Non-nil on failure; retryable unless attempts are exhausted.
	Execute(ctx context.Context, t *Task) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, t *Task) (json.RawMessage, error)

// Execute calls the wrapped function.
func (f ExecutorFunc) Execute(ctx context.Context, t *Task) (json.RawMessage, error) {
	return f(ctx, t)
}
