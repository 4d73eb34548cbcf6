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
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/conductor/services/conductor/graphdef"
)

// Config is the CLI and server configuration, loaded from YAML.
//
// Byte sizes accept "256MB"-style strings; durations accept
// time.ParseDuration strings like "500ms".
type Config struct {
	// Server configures the HTTP API for `conductor serve`.
	Server ServerConfig `yaml:"server"`

	// DataDir holds checkpoints and journals. Default: ~/.conductor
	DataDir string `yaml:"data_dir"`

	// GraphDir is the graph definition library. Default: ./graphs
	GraphDir string `yaml:"graph_dir"`

	// Ephemeral keeps all run state in memory, skipping the data dir.
	Ephemeral bool `yaml:"ephemeral"`

	Logging   LoggingConfig   `yaml:"logging"`
	Budget    BudgetConfig    `yaml:"budget"`
	Pool      PoolConfig      `yaml:"pool"`
	Retry     RetryConfig     `yaml:"retry"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Port to listen on. Default: 8080.
	Port int `yaml:"port"`

	// Debug enables Gin debug mode and request logging.
	Debug bool `yaml:"debug"`
}

// LoggingConfig configures the layered logger.
type LoggingConfig struct {
	// Level is debug, info, warn, or error. Default: info.
	Level string `yaml:"level"`

	// Dir is an optional directory for JSON log files.
	Dir string `yaml:"dir"`

	// JSON switches stderr output to JSON.
	JSON bool `yaml:"json"`
}

// BudgetConfig configures memory-aware admission.
type BudgetConfig struct {
	// SafeThreshold: available memory above this is unconditionally
	// safe. Default: 2GB.
	SafeThreshold string `yaml:"safe_threshold"`

	// WarningThreshold: spawns below this are logged. Default: 1GB.
	WarningThreshold string `yaml:"warning_threshold"`

	// CriticalThreshold: no spawns below this. Default: 256MB.
	CriticalThreshold string `yaml:"critical_threshold"`

	// ReservedBytes is headroom estimates may never consume.
	// Default: 512MB.
	ReservedBytes string `yaml:"reserved_bytes"`

	// MaxConcurrent is the ceiling on simultaneously running tasks.
	// Default: 4.
	MaxConcurrent int `yaml:"max_concurrent"`
}

// PoolConfig configures the worker pool.
type PoolConfig struct {
	// MaxWorkers bounds goroutines per run. Default: 8.
	MaxWorkers int `yaml:"max_workers"`

	// SpawnRate limits dispatches per second. 0 means unlimited.
	SpawnRate float64 `yaml:"spawn_rate"`
}

// RetryConfig configures task retry backoff.
type RetryConfig struct {
	// BaseDelay before the first retry. Default: 500ms.
	BaseDelay string `yaml:"base_delay"`

	// MaxDelay caps backoff growth. Default: 30s.
	MaxDelay string `yaml:"max_delay"`

	// Factor multiplies the delay per attempt. Default: 2.0.
	Factor float64 `yaml:"factor"`

	// JitterFactor randomizes delays by +/- this fraction. Default: 0.2.
	JitterFactor float64 `yaml:"jitter_factor"`
}

// TelemetryConfig selects exporters.
type TelemetryConfig struct {
	// TraceExporter is "otlp", "stdout", or "none". Default: none.
	TraceExporter string `yaml:"trace_exporter"`

	// MetricExporter is "prometheus", "stdout", or "none".
	// Default: prometheus.
	MetricExporter string `yaml:"metric_exporter"`

	// OTLPEndpoint is the OTLP receiver for traces.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// DefaultAppConfig returns the configuration used when no file is given.
func DefaultAppConfig() Config {
	return Config{
		Server:   ServerConfig{Port: 8080},
		DataDir:  "~/.conductor",
		GraphDir: "./graphs",
		Logging:  LoggingConfig{Level: "info"},
		Budget: BudgetConfig{
			SafeThreshold:     "2GB",
			WarningThreshold:  "1GB",
			CriticalThreshold: "256MB",
			ReservedBytes:     "512MB",
			MaxConcurrent:     4,
		},
		Pool: PoolConfig{
			MaxWorkers: 8,
			SpawnRate:  16,
		},
		Retry: RetryConfig{
			BaseDelay:    "500ms",
			MaxDelay:     "30s",
			Factor:       2.0,
			JitterFactor: 0.2,
		},
		Telemetry: TelemetryConfig{
			TraceExporter:  "none",
			MetricExporter: "prometheus",
		},
	}
}

// LoadConfig reads a YAML config file over the defaults. An empty path
// returns the defaults unchanged.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultAppConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func parseBytes(s, field string) (int64, error) {
	n, err := graphdef.ParseByteSize(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return n, nil
}

func parseDelay(s, field string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}

// expandPath resolves a leading "~/" against the home directory.
func expandPath(path string) string {
	if len(path) >= 2 && path[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
