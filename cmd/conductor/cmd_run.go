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
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/conductor/services/conductor/events"
	"github.com/AleutianAI/conductor/services/conductor/graph"
	"github.com/AleutianAI/conductor/services/conductor/graphdef"
	"github.com/AleutianAI/conductor/services/conductor/scheduler"
)

// runRun executes a graph synchronously and prints the final state as
// JSON on stdout. SIGINT drains the run and writes a resumable
// checkpoint before exiting.
func runRun(cmd *cobra.Command, args []string) error {
	app, err := NewApp(config)
	if err != nil {
		return err
	}
	defer app.Close()

	g, err := resolveGraph(app, args[0])
	if err != nil {
		return err
	}
	initial, err := parseInitialState()
	if err != nil {
		return err
	}

	run, err := app.Scheduler.Submit(cmd.Context(), g, initial)
	if err != nil {
		return fmt.Errorf("submit run: %w", err)
	}
	fmt.Fprintf(os.Stderr, "run %s started (graph %s, %d levels)\n",
		run.ID(), g.Name(), len(g.Levels()))

	return driveToCompletion(app, run)
}

// runResume restarts an interrupted run from its latest checkpoint.
func runResume(cmd *cobra.Command, args []string) error {
	app, err := NewApp(config)
	if err != nil {
		return err
	}
	defer app.Close()

	runID := args[0]
	source := graphName
	if source == "" {
		cp, err := app.Store.LoadLatest(cmd.Context(), runID)
		if err != nil {
			return fmt.Errorf("load checkpoint: %w", err)
		}
		source = cp.GraphName
	}
	g, err := resolveGraph(app, source)
	if err != nil {
		return err
	}

	run, err := app.Scheduler.Resume(cmd.Context(), g, runID)
	if err != nil {
		return fmt.Errorf("resume run: %w", err)
	}
	fmt.Fprintf(os.Stderr, "run %s resumed (graph %s)\n", run.ID(), g.Name())

	return driveToCompletion(app, run)
}

// resolveGraph treats the argument as a definition file when it exists
// on disk, and as a library name otherwise.
func resolveGraph(app *App, source string) (*graph.Graph, error) {
	if looksLikeFile(source) {
		def, err := graphdef.ParseFile(source)
		if err != nil {
			return nil, err
		}
		return def.Build(app.Registry)
	}
	return app.Library.Build(source)
}

func looksLikeFile(s string) bool {
	if _, err := os.Stat(s); err == nil {
		return true
	}
	return strings.HasSuffix(s, ".yaml") || strings.HasSuffix(s, ".yml")
}

// parseInitialState merges --initial JSON with --set key=value pairs,
// the pairs winning on conflict. Pair values that parse as JSON keep
// their type; everything else is a string.
func parseInitialState() (map[string]any, error) {
	initial := map[string]any{}
	if initialJSON != "" {
		if err := json.Unmarshal([]byte(initialJSON), &initial); err != nil {
			return nil, fmt.Errorf("parse --initial: %w", err)
		}
	}
	for _, pair := range initialPairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q, want key=value", pair)
		}
		var typed any
		if err := json.Unmarshal([]byte(value), &typed); err == nil {
			initial[key] = typed
		} else {
			initial[key] = value
		}
	}
	return initial, nil
}

// driveToCompletion waits for the run, forwarding SIGINT/SIGTERM as a
// drain request, then prints the final state.
func driveToCompletion(app *App, run *scheduler.Run) error {
	if watchEvents {
		printEvents(run)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
			fmt.Fprintf(os.Stderr, "draining run %s (interrupt again to abandon)\n", run.ID())
			_ = run.Cancel()
			<-sigCh
			os.Exit(130)
		case <-run.Done():
		}
	}()

	snapshot, err := run.Wait(context.Background())
	if err != nil {
		status := run.Status()
		fmt.Fprintf(os.Stderr, "run %s %s after %d/%d levels\n",
			run.ID(), status.State, status.CompletedLevels, status.TotalLevels)
		return err
	}

	out, merr := json.MarshalIndent(snapshot.Values, "", "  ")
	if merr != nil {
		return fmt.Errorf("encode final state: %w", merr)
	}
	fmt.Println(string(out))
	return nil
}

func printEvents(run *scheduler.Run) {
	run.Events().Subscribe(func(e *events.Event) {
		data, err := json.Marshal(e)
		if err != nil {
			return
		}
		fmt.Fprintf(os.Stderr, "%s\n", data)
	})
}
