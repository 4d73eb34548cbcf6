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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/AleutianAI/conductor/services/conductor/task"
)

// maxShellOutput caps captured subprocess output per stream.
const maxShellOutput = 64 << 10

// Factory builds an executor instance with a node's params bound in.
// Called once per node at graph build time.
type Factory func(params map[string]any) (task.Executor, error)

// Registry maps executor names to factories.
//
// Thread Safety: Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a registry with the built-in executors: "echo"
// (returns its params' result object), "sleep" (waits, then returns its
// result object), and "shell" (runs a subprocess).
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	_ = r.Register("echo", echoFactory)
	_ = r.Register("sleep", sleepFactory)
	_ = r.Register("shell", shellFactory)
	return r
}

// Register adds a factory under name.
//
// Outputs:
//
//	error - ErrDuplicateExecutor if the name is taken.
func (r *Registry) Register(name string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateExecutor, name)
	}
	r.factories[name] = f
	return nil
}

// Names returns the registered executor names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}

// Resolve builds an executor instance for name with params bound.
//
// Outputs:
//
//	task.Executor - The bound instance.
//	error - ErrUnknownExecutor, or a factory error for bad params.
func (r *Registry) Resolve(name string, params map[string]any) (task.Executor, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExecutor, name)
	}
	return f(params)
}

// resultFromParams marshals params["result"], defaulting to an empty
// object so settle always has a JSON object to read writes from.
func resultFromParams(params map[string]any) (json.RawMessage, error) {
	v, ok := params["result"]
	if !ok {
		return json.RawMessage(`{}`), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return data, nil
}

func echoFactory(params map[string]any) (task.Executor, error) {
	result, err := resultFromParams(params)
	if err != nil {
		return nil, err
	}
	return task.ExecutorFunc(func(_ context.Context, _ *task.Task) (json.RawMessage, error) {
		return result, nil
	}), nil
}

func sleepFactory(params map[string]any) (task.Executor, error) {
	durStr, _ := params["duration"].(string)
	if durStr == "" {
		return nil, fmt.Errorf("sleep executor requires a duration param")
	}
	dur, err := time.ParseDuration(durStr)
	if err != nil {
		return nil, fmt.Errorf("sleep duration: %w", err)
	}
	result, err := resultFromParams(params)
	if err != nil {
		return nil, err
	}
	return task.ExecutorFunc(func(ctx context.Context, _ *task.Task) (json.RawMessage, error) {
		select {
		case <-time.After(dur):
			return result, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}), nil
}

// shellFactory runs params["command"] ([]string, argv form) with
// params["dir"] as the working directory. The result object is
// {"stdout": string, "exit_code": int}; a non-zero exit is an error so
// it feeds the retry path.
func shellFactory(params map[string]any) (task.Executor, error) {
	raw, ok := params["command"].([]any)
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("shell executor requires a non-empty command param")
	}
	argv := make([]string, len(raw))
	for i, a := range raw {
		s, ok := a.(string)
		if !ok {
			return nil, fmt.Errorf("shell command element %d is not a string", i)
		}
		argv[i] = s
	}
	dir, _ := params["dir"].(string)

	return task.ExecutorFunc(func(ctx context.Context, _ *task.Task) (json.RawMessage, error) {
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Dir = dir
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		runErr := cmd.Run()
		if stdout.Len() > maxShellOutput {
			stdout.Truncate(maxShellOutput)
		}
		if runErr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			msg := stderr.String()
			if len(msg) > maxShellOutput {
				msg = msg[:maxShellOutput]
			}
			return nil, fmt.Errorf("command %s: %w: %s", argv[0], runErr, msg)
		}

		out := map[string]any{
			"stdout":    stdout.String(),
			"exit_code": 0,
		}
		data, err := json.Marshal(out)
		if err != nil {
			return nil, err
		}
		return data, nil
	}), nil
}
