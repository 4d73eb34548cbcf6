// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLevelString(t *testing.T) {
	cases := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
		{Level(-1), "UNKNOWN"},
	}
	for _, tc := range cases {
		if got := tc.level.String(); got != tc.want {
			t.Errorf("Level(%d).String() = %q, want %q", tc.level, got, tc.want)
		}
	}
}

func TestFileLoggingWritesJSON(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{
		Level:   LevelInfo,
		LogDir:  dir,
		Service: "conductor-test",
		Quiet:   true,
	})

	logger.Info("run submitted", "run_id", "r-1", "nodes", 3)
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	name := "conductor-test_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}

	var record map[string]any
	line := strings.TrimSpace(string(data))
	if err := json.Unmarshal([]byte(line), &record); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, line)
	}
	if record["msg"] != "run submitted" || record["service"] != "conductor-test" {
		t.Fatalf("record = %v", record)
	}
	if record["run_id"] != "r-1" {
		t.Fatalf("run_id = %v", record["run_id"])
	}
}

func TestLevelFiltering(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{Level: LevelWarn, Quiet: true, Exporter: exporter})
	defer logger.Close()

	logger.Debug("dropped")
	logger.Info("dropped too")
	logger.Warn("kept")
	logger.Error("also kept")

	entries := exporter.Entries()
	if len(entries) != 2 {
		t.Fatalf("exported %d entries, want 2", len(entries))
	}
	if entries[0].Level != LevelWarn || entries[1].Level != LevelError {
		t.Fatalf("levels = %v, %v", entries[0].Level, entries[1].Level)
	}
}

func TestExporterReceivesAttrs(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{Level: LevelInfo, Quiet: true, Service: "conductor", Exporter: exporter})
	defer logger.Close()

	logger.Info("checkpoint saved", "version", 4, "levels", 2)

	entries := exporter.Entries()
	if len(entries) != 1 {
		t.Fatalf("exported %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.Service != "conductor" || e.Message != "checkpoint saved" {
		t.Fatalf("entry = %+v", e)
	}
	if e.Attrs["version"] != 4 || e.Attrs["levels"] != 2 {
		t.Fatalf("attrs = %v", e.Attrs)
	}
}

func TestWithAddsAttributes(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{Level: LevelInfo, LogDir: dir, Service: "conductor", Quiet: true})
	child := logger.With("run_id", "r-9")
	child.Info("draining")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	name := "conductor_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"run_id":"r-9"`) {
		t.Fatalf("child attr missing from %q", data)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	logger := New(Config{Level: LevelInfo, LogDir: t.TempDir(), Quiet: true})
	if err := logger.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	if got := expandPath("~/.conductor/logs"); got != filepath.Join(home, ".conductor/logs") {
		t.Fatalf("expandPath = %q", got)
	}
	if got := expandPath("/var/log/conductor"); got != "/var/log/conductor" {
		t.Fatalf("absolute path changed: %q", got)
	}
}

func TestArgsToMap(t *testing.T) {
	attrs := argsToMap([]any{"a", 1, "b", "two", "dangling"})
	if attrs["a"] != 1 || attrs["b"] != "two" {
		t.Fatalf("attrs = %v", attrs)
	}
	if attrs["!BADKEY"] != "dangling" {
		t.Fatalf("dangling key handling = %v", attrs)
	}
}
