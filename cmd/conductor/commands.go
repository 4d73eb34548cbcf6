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
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configPath   string
	initialJSON  string
	initialPairs []string
	graphName    string
	ephemeral    bool
	watchEvents  bool

	config Config

	rootCmd = &cobra.Command{
		Use:   "conductor",
		Short: "A memory-aware scheduler for stateful task graphs",
		Long: `Conductor executes dependency graphs of tasks level by level,
admitting work only when memory headroom allows, checkpointing after
every completed level so interrupted runs resume where they stopped.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return err
			}
			if ephemeral {
				cfg.Ephemeral = true
			}
			config = cfg
			return nil
		},
		SilenceUsage: true,
	}

	// --- Execution ---
	runCmd = &cobra.Command{
		Use:   "run [graph file or library name]",
		Short: "Execute a graph to completion and print the final state",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun, // Defined in cmd_run.go
	}

	resumeCmd = &cobra.Command{
		Use:   "resume [run-id]",
		Short: "Resume an interrupted run from its latest checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE:  runResume, // Defined in cmd_run.go
	}

	// --- Server ---
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the conductor HTTP API server",
		RunE:  runServe, // Defined in cmd_serve.go
	}

	// --- Inspection ---
	checkpointsCmd = &cobra.Command{
		Use:   "checkpoints [run-id] [version]",
		Short: "List stored checkpoint versions for a run, or dump one as JSON",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runCheckpoints, // Defined in cmd_inspect.go
	}

	graphsCmd = &cobra.Command{
		Use:   "graphs",
		Short: "List graph definitions in the library directory",
		RunE:  runGraphs, // Defined in cmd_inspect.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to a YAML config file (defaults apply when omitted)")
	rootCmd.PersistentFlags().BoolVar(&ephemeral, "ephemeral", false,
		"Keep all run state in memory (no checkpoints survive exit)")

	runCmd.Flags().StringVar(&initialJSON, "initial", "",
		"Initial shared state as a JSON object")
	runCmd.Flags().StringArrayVar(&initialPairs, "set", nil,
		"Initial state entry as key=value (repeatable)")
	runCmd.Flags().BoolVar(&watchEvents, "events", false,
		"Print run events to stderr while executing")

	resumeCmd.Flags().StringVar(&graphName, "graph", "",
		"Override the graph recorded in the checkpoint")
	resumeCmd.Flags().BoolVar(&watchEvents, "events", false,
		"Print run events to stderr while executing")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkpointsCmd)
	rootCmd.AddCommand(graphsCmd)
}
