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
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// runCheckpoints lists the stored checkpoint versions for a run, or
// dumps one checkpoint as JSON when a version is given.
func runCheckpoints(cmd *cobra.Command, args []string) error {
	app, err := NewApp(config)
	if err != nil {
		return err
	}
	defer app.Close()

	runID := args[0]
	if len(args) == 2 {
		version, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[1], err)
		}
		cp, err := app.Store.Load(cmd.Context(), runID, version)
		if err != nil {
			return fmt.Errorf("load checkpoint: %w", err)
		}
		out, err := json.MarshalIndent(cp, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}
	versions, err := app.Store.Versions(cmd.Context(), runID)
	if err != nil {
		return fmt.Errorf("list checkpoints: %w", err)
	}
	if len(versions) == 0 {
		fmt.Printf("no checkpoints for run %s\n", runID)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tLEVELS\tSTATE VERSION\tCREATED")
	for _, v := range versions {
		cp, err := app.Store.Load(cmd.Context(), runID, v)
		if err != nil {
			fmt.Fprintf(w, "%d\t-\t-\t(unreadable: %v)\n", v, err)
			continue
		}
		fmt.Fprintf(w, "%d\t%d\t%d\t%s\n",
			cp.Version, cp.CompletedLevels, cp.State.Version,
			cp.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

// runGraphs lists the definitions in the library directory.
func runGraphs(cmd *cobra.Command, args []string) error {
	app, err := NewApp(config)
	if err != nil {
		return err
	}
	defer app.Close()

	names := app.Library.Names()
	if len(names) == 0 {
		fmt.Printf("no graph definitions in %s\n", config.GraphDir)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tNODES\tPOLICY")
	for _, name := range names {
		def, ok := app.Library.Get(name)
		if !ok {
			continue
		}
		policy := def.FailurePolicy
		if policy == "" {
			policy = "fail_fast"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\n", name, len(def.Nodes), policy)
	}
	return w.Flush()
}
