// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package queue

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/AleutianAI/conductor/services/conductor/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testPolicy has no jitter so backoff windows are deterministic.
func testPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:    100 * time.Millisecond,
		MaxDelay:     time.Second,
		Factor:       2.0,
		JitterFactor: 0,
	}
}

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := New(Config{Policy: testPolicy(), Logger: testLogger()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return q
}

func newTask(typ string, prio task.Priority) *task.Task {
	tk := task.New(typ, json.RawMessage(`{}`))
	tk.Priority = prio
	return tk
}

func TestNewRejectsInvalidPolicy(t *testing.T) {
	_, err := New(Config{
		Policy: RetryPolicy{BaseDelay: -time.Second, MaxDelay: time.Second, Factor: 2},
		Logger: testLogger(),
	})
	if !errors.Is(err, ErrInvalidPolicy) {
		t.Errorf("New() error = %v, want ErrInvalidPolicy", err)
	}
}

func TestEnqueueValidation(t *testing.T) {
	q := newTestQueue(t)

	if err := q.Enqueue(nil); !errors.Is(err, ErrNilTask) {
		t.Errorf("Enqueue(nil) error = %v, want ErrNilTask", err)
	}

	tk := newTask("build", task.PriorityNormal)
	if err := q.Enqueue(tk); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := q.Enqueue(tk); !errors.Is(err, ErrDuplicateTask) {
		t.Errorf("duplicate Enqueue() error = %v, want ErrDuplicateTask", err)
	}

	done := newTask("build", task.PriorityNormal)
	done.State = task.StateSucceeded
	if err := q.Enqueue(done); !errors.Is(err, task.ErrInvalidTransition) {
		t.Errorf("Enqueue(terminal) error = %v, want ErrInvalidTransition", err)
	}
}

func TestPeekReadyPriorityOrdering(t *testing.T) {
	q := newTestQueue(t)

	low := newTask("low", task.PriorityLow)
	critical := newTask("critical", task.PriorityCritical)
	normal := newTask("normal", task.PriorityNormal)

	for _, tk := range []*task.Task{low, critical, normal} {
		if err := q.Enqueue(tk); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	now := time.Now()
	got := q.PeekReady(now)
	if got == nil || got.ID != critical.ID {
		t.Fatalf("PeekReady() = %v, want critical task", got)
	}

	// Claim it out of the way; next best should be normal.
	if err := q.Claim(critical.ID); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	got = q.PeekReady(now)
	if got == nil || got.ID != normal.ID {
		t.Fatalf("PeekReady() after claim = %v, want normal task", got)
	}
}

func TestPeekReadyFIFOWithinTier(t *testing.T) {
	q := newTestQueue(t)

	first := newTask("a", task.PriorityNormal)
	second := newTask("b", task.PriorityNormal)
	second.CreatedAt = first.CreatedAt.Add(time.Millisecond)

	if err := q.Enqueue(first); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(second); err != nil {
		t.Fatal(err)
	}

	got := q.PeekReady(time.Now())
	if got == nil || got.ID != first.ID {
		t.Errorf("PeekReady() = %v, want first-created task", got)
	}
}

func TestClaimStartCompleteFlow(t *testing.T) {
	q := newTestQueue(t)
	tk := newTask("build", task.PriorityNormal)
	if err := q.Enqueue(tk); err != nil {
		t.Fatal(err)
	}

	if err := q.Claim(tk.ID); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if err := q.Claim(tk.ID); !errors.Is(err, ErrNotClaimable) {
		t.Errorf("second Claim() error = %v, want ErrNotClaimable", err)
	}
	if err := q.Start(tk.ID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	result := json.RawMessage(`{"ok":true}`)
	if err := q.Complete(tk.ID, result); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	got, ok := q.Get(tk.ID)
	if !ok {
		t.Fatal("Get() not found")
	}
	if got.State != task.StateSucceeded {
		t.Errorf("state = %s, want succeeded", got.State)
	}
	if got.AttemptCount != 1 {
		t.Errorf("attempt count = %d, want 1", got.AttemptCount)
	}
	if string(got.Result) != string(result) {
		t.Errorf("result = %s, want %s", got.Result, result)
	}
}

func TestClaimUnknownTask(t *testing.T) {
	q := newTestQueue(t)
	if err := q.Claim("missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Claim() error = %v, want ErrTaskNotFound", err)
	}
}

func TestFailSchedulesRetryWithBackoff(t *testing.T) {
	q := newTestQueue(t)
	tk := newTask("flaky", task.PriorityNormal)
	if err := q.Enqueue(tk); err != nil {
		t.Fatal(err)
	}

	if err := q.Claim(tk.ID); err != nil {
		t.Fatal(err)
	}
	if err := q.Start(tk.ID); err != nil {
		t.Fatal(err)
	}

	retried, err := q.Fail(tk.ID, errors.New("oom"))
	if err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	if !retried {
		t.Fatal("Fail() retried = false, want true")
	}

	got, _ := q.Get(tk.ID)
	if got.State != task.StateRetrying {
		t.Fatalf("state = %s, want retrying", got.State)
	}
	if got.LastError != "oom" {
		t.Errorf("last error = %q, want oom", got.LastError)
	}

	// Backoff window not yet elapsed: task must not surface.
	if peeked := q.PeekReady(time.Now()); peeked != nil {
		t.Errorf("PeekReady() inside backoff = %v, want nil", peeked)
	}

	// After the window the task is dispatchable again as pending.
	peeked := q.PeekReady(time.Now().Add(500 * time.Millisecond))
	if peeked == nil || peeked.ID != tk.ID {
		t.Fatalf("PeekReady() after backoff = %v, want task", peeked)
	}
	if peeked.State != task.StatePending {
		t.Errorf("state after backoff = %s, want pending", peeked.State)
	}
}

func TestFailTerminalAfterMaxAttempts(t *testing.T) {
	q := newTestQueue(t)
	tk := newTask("doomed", task.PriorityNormal)
	tk.MaxAttempts = 2
	if err := q.Enqueue(tk); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	for attempt := 1; attempt <= 2; attempt++ {
		peeked := q.PeekReady(now.Add(time.Duration(attempt) * time.Second))
		if peeked == nil {
			t.Fatalf("attempt %d: no ready task", attempt)
		}
		if err := q.Claim(peeked.ID); err != nil {
			t.Fatalf("attempt %d: Claim() error = %v", attempt, err)
		}
		if err := q.Start(peeked.ID); err != nil {
			t.Fatalf("attempt %d: Start() error = %v", attempt, err)
		}
		retried, err := q.Fail(peeked.ID, errors.New("broken"))
		if err != nil {
			t.Fatalf("attempt %d: Fail() error = %v", attempt, err)
		}
		wantRetry := attempt < 2
		if retried != wantRetry {
			t.Fatalf("attempt %d: retried = %v, want %v", attempt, retried, wantRetry)
		}
	}

	got, _ := q.Get(tk.ID)
	if got.State != task.StateFailed {
		t.Errorf("state = %s, want failed", got.State)
	}
	if got.AttemptCount != 2 {
		t.Errorf("attempt count = %d, want 2", got.AttemptCount)
	}
}

func TestPeekReadyExpiresDeadlinedTask(t *testing.T) {
	q := newTestQueue(t)
	tk := newTask("late", task.PriorityHigh)
	deadline := time.Now().Add(-time.Minute)
	tk.Deadline = &deadline
	if err := q.Enqueue(tk); err != nil {
		t.Fatal(err)
	}

	if peeked := q.PeekReady(time.Now()); peeked != nil {
		t.Errorf("PeekReady() = %v, want nil for expired task", peeked)
	}

	got, _ := q.Get(tk.ID)
	if got.State != task.StateFailed {
		t.Errorf("state = %s, want failed", got.State)
	}
	if got.LastError != ErrTaskExpired.Error() {
		t.Errorf("last error = %q, want %q", got.LastError, ErrTaskExpired.Error())
	}
	// Expiry must not consume a retry attempt.
	if got.AttemptCount != 0 {
		t.Errorf("attempt count = %d, want 0", got.AttemptCount)
	}
}

func TestReleaseRefundsAttempt(t *testing.T) {
	q := newTestQueue(t)
	tk := newTask("deferred", task.PriorityNormal)
	if err := q.Enqueue(tk); err != nil {
		t.Fatal(err)
	}

	if err := q.Claim(tk.ID); err != nil {
		t.Fatal(err)
	}
	if err := q.Release(tk.ID); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	got, _ := q.Get(tk.ID)
	if got.State != task.StatePending {
		t.Errorf("state = %s, want pending", got.State)
	}
	if got.AttemptCount != 0 {
		t.Errorf("attempt count = %d, want 0 after release", got.AttemptCount)
	}

	// Released task is immediately dispatchable again.
	if peeked := q.PeekReady(time.Now()); peeked == nil || peeked.ID != tk.ID {
		t.Errorf("PeekReady() after release = %v, want task", peeked)
	}
}

func TestSnapshotRestoreRemapsInFlight(t *testing.T) {
	q := newTestQueue(t)

	pending := newTask("pending", task.PriorityNormal)
	running := newTask("running", task.PriorityNormal)
	done := newTask("done", task.PriorityNormal)

	for _, tk := range []*task.Task{pending, running, done} {
		if err := q.Enqueue(tk); err != nil {
			t.Fatal(err)
		}
	}
	if err := q.Claim(running.ID); err != nil {
		t.Fatal(err)
	}
	if err := q.Start(running.ID); err != nil {
		t.Fatal(err)
	}
	if err := q.Claim(done.ID); err != nil {
		t.Fatal(err)
	}
	if err := q.Start(done.ID); err != nil {
		t.Fatal(err)
	}
	if err := q.Complete(done.ID, nil); err != nil {
		t.Fatal(err)
	}

	snap := q.Snapshot()
	if len(snap.Tasks) != 3 {
		t.Fatalf("snapshot tasks = %d, want 3", len(snap.Tasks))
	}

	restored := newTestQueue(t)
	if err := restored.Restore(snap); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	gotRunning, _ := restored.Get(running.ID)
	if gotRunning.State != task.StateRetrying {
		t.Errorf("running task restored as %s, want retrying", gotRunning.State)
	}
	// At-least-once: the charged attempt is kept.
	if gotRunning.AttemptCount != 1 {
		t.Errorf("attempt count = %d, want 1 after restore", gotRunning.AttemptCount)
	}

	gotDone, _ := restored.Get(done.ID)
	if gotDone.State != task.StateSucceeded {
		t.Errorf("done task restored as %s, want succeeded", gotDone.State)
	}

	// The remapped task resumes immediately.
	peeked := restored.PeekReady(time.Now())
	if peeked == nil {
		t.Fatal("PeekReady() after restore = nil, want a task")
	}
}

func TestRestoreFromJournalLastWriteWins(t *testing.T) {
	q := newTestQueue(t)

	tk := newTask("journaled", task.PriorityNormal)
	early := tk.Clone()
	late := tk.Clone()
	late.State = task.StateRunning
	late.AttemptCount = 1

	if err := q.RestoreFromJournal([]*task.Task{early, late}); err != nil {
		t.Fatalf("RestoreFromJournal() error = %v", err)
	}

	got, ok := q.Get(tk.ID)
	if !ok {
		t.Fatal("task missing after journal restore")
	}
	if got.State != task.StateRetrying {
		t.Errorf("state = %s, want retrying (last write was running)", got.State)
	}
	if got.AttemptCount != 1 {
		t.Errorf("attempt count = %d, want 1", got.AttemptCount)
	}
}

func TestTransitionHookObservesChanges(t *testing.T) {
	type observed struct {
		id   string
		from task.State
		to   task.State
	}
	var events []observed

	q, err := New(Config{
		Policy: testPolicy(),
		Logger: testLogger(),
		OnTransition: func(tk *task.Task, from, to task.State) {
			events = append(events, observed{tk.ID, from, to})
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	tk := newTask("watched", task.PriorityNormal)
	if err := q.Enqueue(tk); err != nil {
		t.Fatal(err)
	}
	if err := q.Claim(tk.ID); err != nil {
		t.Fatal(err)
	}
	if err := q.Start(tk.ID); err != nil {
		t.Fatal(err)
	}
	if err := q.Complete(tk.ID, nil); err != nil {
		t.Fatal(err)
	}

	want := []observed{
		{tk.ID, task.StatePending, task.StateAssigned},
		{tk.ID, task.StateAssigned, task.StateRunning},
		{tk.ID, task.StateRunning, task.StateSucceeded},
	}
	if len(events) != len(want) {
		t.Fatalf("observed %d transitions, want %d", len(events), len(want))
	}
	for i, w := range want {
		if events[i] != w {
			t.Errorf("event %d = %+v, want %+v", i, events[i], w)
		}
	}
}

func TestCountsAndAllTerminal(t *testing.T) {
	q := newTestQueue(t)

	a := newTask("a", task.PriorityNormal)
	b := newTask("b", task.PriorityNormal)
	if err := q.Enqueue(a); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(b); err != nil {
		t.Fatal(err)
	}
	if err := q.Claim(a.ID); err != nil {
		t.Fatal(err)
	}
	if err := q.Start(a.ID); err != nil {
		t.Fatal(err)
	}
	if err := q.Complete(a.ID, nil); err != nil {
		t.Fatal(err)
	}

	counts := q.Counts()
	if counts[task.StateSucceeded] != 1 || counts[task.StatePending] != 1 {
		t.Errorf("counts = %v, want 1 succeeded and 1 pending", counts)
	}

	if q.AllTerminal([]string{a.ID, b.ID}) {
		t.Error("AllTerminal() = true with a pending task")
	}
	if !q.AllTerminal([]string{a.ID, "never-enqueued"}) {
		t.Error("AllTerminal() = false for terminal + unknown ids")
	}
}

func TestBackoffGrowthAndCap(t *testing.T) {
	p := testPolicy()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second}, // capped
		{6, time.Second},
	}
	for _, tt := range tests {
		if got := p.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	p := DefaultRetryPolicy()

	for attempt := 1; attempt <= 5; attempt++ {
		for i := 0; i < 50; i++ {
			d := p.Backoff(attempt)
			if d <= 0 {
				t.Fatalf("Backoff(%d) = %v, want positive", attempt, d)
			}
			max := time.Duration(float64(p.MaxDelay) * (1 + p.JitterFactor))
			if d > max {
				t.Fatalf("Backoff(%d) = %v exceeds jittered cap %v", attempt, d, max)
			}
		}
	}
}
