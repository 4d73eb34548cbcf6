// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package queue implements the conductor's priority task queue.
//
// Ordering is strict priority first (critical > high > normal > low), then
// FIFO by creation time within a tier. The queue owns every task until a
// terminal state and is the single source of truth for attempt counting
// and retry backoff.
//
// Thread Safety:
//
//	Queue is safe for concurrent Claim/Complete/Fail calls from pool
//	workers. A single mutex guards all state.
package queue

import (
	"container/heap"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/conductor/services/conductor/task"
)

// TransitionHook observes task state transitions.
//
// The hook is the queue's observability side channel: it is invoked after
// the transition is applied, outside queue logic, and must not call back
// into the queue. The task argument is a copy.
type TransitionHook func(t *task.Task, from, to task.State)

// Config configures a Queue.
type Config struct {
	// Policy shapes retry backoff. Zero value gets DefaultRetryPolicy().
	Policy RetryPolicy

	// Logger for transition logging. If nil, uses slog.Default().
	Logger *slog.Logger

	// OnTransition is an optional hook fired on every state transition.
	OnTransition TransitionHook

	// Journal is an optional write-through mutation journal. When set,
	// every mutation is recorded before the queue's lock is released,
	// so a crashed host can rebuild the queue between checkpoints.
	Journal Journal
}

// entry is a heap element. Entries are lazily invalidated: an entry whose
// task is no longer pending or retrying is dropped when encountered.
type entry struct {
	id        string
	priority  task.Priority
	createdAt time.Time
	seq       uint64
}

// readyHeap orders entries by priority (desc), then FIFO within a tier.
type readyHeap []entry

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	if !h[i].createdAt.Equal(h[j].createdAt) {
		return h[i].createdAt.Before(h[j].createdAt)
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x any) { *h = append(*h, x.(entry)) }

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Queue is a priority-ordered task queue with retry bookkeeping.
type Queue struct {
	mu     sync.Mutex
	tasks  map[string]*task.Task
	ready  readyHeap
	seq    uint64
	policy RetryPolicy
	logger *slog.Logger
	hook   TransitionHook
	jrnl   Journal
}

// New creates an empty queue.
//
// Outputs:
//
//	*Queue - The queue.
//	error - Non-nil if the retry policy is inconsistent.
func New(cfg Config) (*Queue, error) {
	if cfg.Policy == (RetryPolicy{}) {
		cfg.Policy = DefaultRetryPolicy()
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Queue{
		tasks:  make(map[string]*task.Task),
		policy: cfg.Policy,
		logger: cfg.Logger.With(slog.String("component", "task_queue")),
		hook:   cfg.OnTransition,
		jrnl:   cfg.Journal,
	}, nil
}

// transition applies a state change, logs it, journals it, and fires the
// hook. Caller must hold q.mu.
func (q *Queue) transition(t *task.Task, to task.State) error {
	from := t.State
	if err := t.Transition(to); err != nil {
		return err
	}

	q.logger.Debug("task transition",
		slog.String("task_id", t.ID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.Int("attempt", t.AttemptCount),
	)

	if q.jrnl != nil {
		q.record(t)
	}

	if q.hook != nil {
		q.hook(t.Clone(), from, to)
	}
	return nil
}

// record journals the task's current snapshot. Journal failures are logged
// and otherwise ignored: the journal is a recovery aid, not the source of
// truth (checkpoints are).
func (q *Queue) record(t *task.Task) {
	if err := q.jrnl.Record(t.Clone()); err != nil {
		q.logger.Warn("queue journal write failed",
			slog.String("task_id", t.ID),
			slog.String("error", err.Error()),
		)
	}
}

// push adds a heap entry for a task in pending or retrying state.
// Caller must hold q.mu.
func (q *Queue) push(t *task.Task) {
	q.seq++
	heap.Push(&q.ready, entry{
		id:        t.ID,
		priority:  t.Priority,
		createdAt: t.CreatedAt,
		seq:       q.seq,
	})
}

// Enqueue adds a pending task to the queue.
//
// Inputs:
//
//	t - The task. Must be non-nil, pending, and not already enqueued.
//	    The queue takes ownership; callers must not mutate it afterwards.
//
// Outputs:
//
//	error - ErrNilTask, ErrDuplicateTask, or ErrInvalidTransition.
func (q *Queue) Enqueue(t *task.Task) error {
	if t == nil {
		return ErrNilTask
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.tasks[t.ID]; exists {
		return ErrDuplicateTask
	}
	if t.State != task.StatePending && t.State != task.StateRetrying {
		return task.ErrInvalidTransition
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = task.DefaultMaxAttempts
	}

	q.tasks[t.ID] = t
	q.push(t)

	q.logger.Debug("task enqueued",
		slog.String("task_id", t.ID),
		slog.String("type", t.Type),
		slog.String("priority", t.Priority.String()),
	)
	if q.jrnl != nil {
		q.record(t)
	}
	return nil
}

// PeekReady returns the highest-priority dispatchable task, or nil.
//
// Description:
//
//	Skips retrying tasks whose backoff window hasn't elapsed (they stay
//	queued) and expires tasks whose deadline has passed (failed terminal
//	with ErrTaskExpired, never retried). A retrying task whose window has
//	elapsed is moved back to pending before being returned.
//
// Inputs:
//
//	now - The scheduling instant, injected for testability.
//
// Outputs:
//
//	*task.Task - A copy of the best ready task, or nil if none is ready.
func (q *Queue) PeekReady(now time.Time) *task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var stash []entry
	defer func() {
		for _, e := range stash {
			heap.Push(&q.ready, e)
		}
	}()

	for q.ready.Len() > 0 {
		e := heap.Pop(&q.ready).(entry)

		t, ok := q.tasks[e.id]
		if !ok || (t.State != task.StatePending && t.State != task.StateRetrying) {
			continue // stale entry, lazily dropped
		}

		if t.Expired(now) {
			t.LastError = ErrTaskExpired.Error()
			if err := q.transition(t, task.StateFailed); err != nil {
				q.logger.Error("failed to expire task",
					slog.String("task_id", t.ID),
					slog.String("error", err.Error()),
				)
			}
			continue
		}

		if t.State == task.StateRetrying {
			if t.NotBefore.After(now) {
				stash = append(stash, e)
				continue
			}
			if err := q.transition(t, task.StatePending); err != nil {
				continue
			}
		}

		// Pending and ready: keep the entry queued for the next peek.
		stash = append(stash, e)
		return t.Clone()
	}
	return nil
}

// Claim marks a pending task assigned and charges an attempt.
//
// Description:
//
//	Claiming is what consumes an attempt slot: AttemptCount counts
//	executions started, so a task that times out twice and then succeeds
//	finishes with AttemptCount == 3.
//
// Outputs:
//
//	error - ErrTaskNotFound, ErrNotClaimable, or ErrAttemptsExhausted.
func (q *Queue) Claim(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if t.State != task.StatePending {
		return ErrNotClaimable
	}
	if !t.AttemptsRemaining() {
		return task.ErrAttemptsExhausted
	}

	t.AttemptCount++
	return q.transition(t, task.StateAssigned)
}

// Start marks an assigned task running. Called by the pool when the
// executor actually begins.
func (q *Queue) Start(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	return q.transition(t, task.StateRunning)
}

// Release returns an assigned task to pending without consuming the
// attempt it was charged. Used when dispatch is refused after a claim
// (admission race between the budget check and the pool gate).
func (q *Queue) Release(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if t.State != task.StateAssigned {
		return task.ErrInvalidTransition
	}
	if t.AttemptCount > 0 {
		t.AttemptCount--
	}
	if err := q.transition(t, task.StatePending); err != nil {
		return err
	}
	q.push(t)
	return nil
}

// Complete marks a running task succeeded and stores its result.
func (q *Queue) Complete(id string, result json.RawMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if err := q.transition(t, task.StateSucceeded); err != nil {
		return err
	}
	t.Result = result
	t.LastError = ""
	if q.jrnl != nil {
		q.record(t)
	}
	return nil
}

// Fail records a failed execution and schedules a retry when allowed.
//
// Description:
//
//	If attempts remain, the task moves to retrying with
//	NotBefore = now + backoff(AttemptCount) and will surface from
//	PeekReady once the window elapses. Otherwise it is failed terminal.
//
// Inputs:
//
//	id - The task id. Must be running.
//	execErr - The execution error; recorded on the task.
//
// Outputs:
//
//	bool - True if a retry was scheduled.
//	error - ErrTaskNotFound or ErrInvalidTransition.
func (q *Queue) Fail(id string, execErr error) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return false, ErrTaskNotFound
	}

	if execErr != nil {
		t.LastError = execErr.Error()
	}

	now := time.Now()
	if t.AttemptsRemaining() && !t.Expired(now) {
		backoff := q.policy.Backoff(t.AttemptCount)
		t.NotBefore = now.Add(backoff)
		if err := q.transition(t, task.StateRetrying); err != nil {
			return false, err
		}
		q.push(t)
		q.logger.Info("task retry scheduled",
			slog.String("task_id", t.ID),
			slog.Int("attempt", t.AttemptCount),
			slog.Int("max_attempts", t.MaxAttempts),
			slog.Duration("backoff", backoff),
		)
		return true, nil
	}

	if err := q.transition(t, task.StateFailed); err != nil {
		return false, err
	}
	q.logger.Warn("task failed terminal",
		slog.String("task_id", t.ID),
		slog.Int("attempts", t.AttemptCount),
		slog.String("error", t.LastError),
	)
	return false, nil
}

// Get returns a copy of a task by id.
func (q *Queue) Get(id string) (*task.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// Len returns the number of tasks the queue owns, terminal included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Counts returns the number of tasks per state.
func (q *Queue) Counts() map[task.State]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	counts := make(map[task.State]int)
	for _, t := range q.tasks {
		counts[t.State]++
	}
	return counts
}

// AllTerminal reports whether every listed task reached a terminal state.
// Unknown ids count as terminal (they were never enqueued here).
func (q *Queue) AllTerminal(ids []string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range ids {
		if t, ok := q.tasks[id]; ok && !t.State.IsTerminal() {
			return false
		}
	}
	return true
}

// Snapshot is a serializable copy of the queue for checkpointing.
type Snapshot struct {
	// Tasks are deep copies of every task the queue owns.
	Tasks []*task.Task `json:"tasks"`

	// TakenAt is when the snapshot was captured.
	TakenAt time.Time `json:"taken_at"`
}

// Snapshot captures a consistent copy of the queue.
//
// Thread Safety: safe to call concurrently with queue operations; the
// snapshot is taken under the queue lock.
func (q *Queue) Snapshot() *Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	tasks := make([]*task.Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		tasks = append(tasks, t.Clone())
	}
	return &Snapshot{Tasks: tasks, TakenAt: time.Now().UTC()}
}

// Restore replaces the queue's contents from a snapshot.
//
// Description:
//
//	Tasks that were running or assigned at snapshot time are
//	indeterminate: the executor may or may not have finished. They are
//	re-marked retrying with an immediate resume window (at-least-once
//	semantics; executors must be idempotent or reducers must tolerate
//	duplicates). The attempt they were charged is kept.
//
// Outputs:
//
//	error - Non-nil if the snapshot contains an impossible state.
func (q *Queue) Restore(snap *Snapshot) error {
	if snap == nil {
		return ErrNilTask
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.tasks = make(map[string]*task.Task, len(snap.Tasks))
	q.ready = q.ready[:0]

	now := time.Now()
	for _, st := range snap.Tasks {
		t := st.Clone()
		switch t.State {
		case task.StateRunning, task.StateAssigned:
			// Indeterminate at checkpoint time.
			if err := t.Transition(task.StateRetrying); err != nil {
				// Assigned has no direct edge to retrying; route
				// through running, which it was about to become.
				t.State = task.StateRunning
				if err := t.Transition(task.StateRetrying); err != nil {
					return err
				}
			}
			t.NotBefore = now
		}
		q.tasks[t.ID] = t
		if t.State == task.StatePending || t.State == task.StateRetrying {
			q.push(t)
		}
	}

	q.logger.Info("queue restored from snapshot",
		slog.Int("tasks", len(q.tasks)),
		slog.Time("taken_at", snap.TakenAt),
	)
	return nil
}

// RestoreFromJournal rebuilds the queue from replayed journal entries.
//
// Description:
//
//	Entries are full post-mutation snapshots, so replay is last-write-wins
//	per task id. The folded result goes through the same indeterminate-state
//	remapping as a checkpoint restore.
func (q *Queue) RestoreFromJournal(entries []*task.Task) error {
	latest := make(map[string]*task.Task, len(entries))
	order := make([]string, 0, len(entries))
	for _, t := range entries {
		if t == nil {
			continue
		}
		if _, seen := latest[t.ID]; !seen {
			order = append(order, t.ID)
		}
		latest[t.ID] = t
	}

	snap := &Snapshot{TakenAt: time.Now().UTC()}
	for _, id := range order {
		snap.Tasks = append(snap.Tasks, latest[id])
	}
	return q.Restore(snap)
}
