// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graphdef

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/conductor/services/conductor/task"
)

func TestRegistryRegisterAndResolve(t *testing.T) {
	r := NewRegistry()

	if err := r.Register("echo", echoFactory); !errors.Is(err, ErrDuplicateExecutor) {
		t.Fatalf("duplicate register err = %v, want ErrDuplicateExecutor", err)
	}
	if _, err := r.Resolve("nope", nil); !errors.Is(err, ErrUnknownExecutor) {
		t.Fatalf("Resolve err = %v, want ErrUnknownExecutor", err)
	}

	err := r.Register("custom", func(_ map[string]any) (task.Executor, error) {
		return task.ExecutorFunc(func(_ context.Context, _ *task.Task) (json.RawMessage, error) {
			return json.RawMessage(`{"custom": true}`), nil
		}), nil
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	exec, err := r.Resolve("custom", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	out, err := exec.Execute(context.Background(), nil)
	if err != nil || string(out) != `{"custom": true}` {
		t.Fatalf("Execute = %s, %v", out, err)
	}
}

func TestEchoExecutorDefaultsToEmptyObject(t *testing.T) {
	exec, err := echoFactory(nil)
	if err != nil {
		t.Fatalf("echoFactory: %v", err)
	}
	out, err := exec.Execute(context.Background(), nil)
	if err != nil || string(out) != `{}` {
		t.Fatalf("Execute = %s, %v; want {}", out, err)
	}
}

func TestSleepExecutor(t *testing.T) {
	if _, err := sleepFactory(map[string]any{}); err == nil {
		t.Fatal("sleepFactory without duration succeeded")
	}
	if _, err := sleepFactory(map[string]any{"duration": "soon"}); err == nil {
		t.Fatal("sleepFactory with bad duration succeeded")
	}

	exec, err := sleepFactory(map[string]any{
		"duration": "10ms",
		"result":   map[string]any{"slept": true},
	})
	if err != nil {
		t.Fatalf("sleepFactory: %v", err)
	}
	out, err := exec.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var m map[string]any
	if uerr := json.Unmarshal(out, &m); uerr != nil || m["slept"] != true {
		t.Fatalf("result = %s", out)
	}

	// Cancellation interrupts the sleep.
	exec, _ = sleepFactory(map[string]any{"duration": "10s"})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := exec.Execute(ctx, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Execute err = %v, want deadline exceeded", err)
	}
}

func TestShellExecutor(t *testing.T) {
	if _, err := shellFactory(map[string]any{}); err == nil {
		t.Fatal("shellFactory without command succeeded")
	}
	if _, err := shellFactory(map[string]any{"command": []any{1}}); err == nil {
		t.Fatal("shellFactory with non-string argv succeeded")
	}

	exec, err := shellFactory(map[string]any{"command": []any{"echo", "hello"}})
	if err != nil {
		t.Fatalf("shellFactory: %v", err)
	}
	out, err := exec.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var m map[string]any
	if uerr := json.Unmarshal(out, &m); uerr != nil {
		t.Fatalf("result not JSON: %v", uerr)
	}
	if stdout, _ := m["stdout"].(string); !strings.Contains(stdout, "hello") {
		t.Fatalf("stdout = %q, want hello", m["stdout"])
	}

	// Non-zero exit is an error, so it feeds retries.
	exec, _ = shellFactory(map[string]any{"command": []any{"false"}})
	if _, err := exec.Execute(context.Background(), nil); err == nil {
		t.Fatal("failing command returned no error")
	}
}
