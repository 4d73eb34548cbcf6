// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graphdef loads user-authored YAML graph definitions, validates
// them, and builds executable graphs against an executor registry.
package graphdef

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/conductor/services/conductor/graph"
	"github.com/AleutianAI/conductor/services/conductor/task"
)

var defValidate = validator.New()

// Definition is the YAML schema for a graph.
//
// Example:
//
//	name: nightly-etl
//	failure_policy: continue_independent
//	nodes:
//	  - name: extract
//	    executor: shell
//	    params:
//	      command: ["./extract.sh"]
//	    timeout: 2m
//	    memory_estimate: 512MB
//	    writes:
//	      - key: rows
//	        reducer: add
//	  - name: load
//	    executor: shell
//	    depends_on: [extract]
//	    params:
//	      command: ["./load.sh"]
type Definition struct {
	// Name identifies the graph. Unique within a library.
	Name string `yaml:"name" validate:"required"`

	// FailurePolicy is "fail_fast" (default) or "continue_independent".
	FailurePolicy string `yaml:"failure_policy" validate:"omitempty,oneof=fail_fast continue_independent"`

	// Nodes are the graph's units of work.
	Nodes []NodeDef `yaml:"nodes" validate:"required,min=1,dive"`
}

// NodeDef is the YAML schema for one node.
type NodeDef struct {
	// Name is unique within the definition.
	Name string `yaml:"name" validate:"required"`

	// Executor names a registered executor factory.
	Executor string `yaml:"executor" validate:"required"`

	// Params are executor-specific settings, passed to the factory and
	// carried as the node task's payload.
	Params map[string]any `yaml:"params"`

	// DependsOn lists upstream node names.
	DependsOn []string `yaml:"depends_on"`

	// Priority is low, normal, high, or critical. Default: normal.
	Priority string `yaml:"priority" validate:"omitempty,oneof=low normal high critical"`

	// MemoryEstimate is a human-readable size ("256MB", "1GB", "4096").
	MemoryEstimate string `yaml:"memory_estimate"`

	// MaxAttempts bounds retries. Zero means the task default.
	MaxAttempts int `yaml:"max_attempts" validate:"gte=0,lte=100"`

	// Timeout is a Go duration string ("30s", "2m"). Zero means the
	// graph default.
	Timeout string `yaml:"timeout"`

	// Writes declares the state keys the node's result contributes to.
	Writes []WriteDef `yaml:"writes" validate:"omitempty,dive"`
}

// WriteDef is the YAML schema for one declared state write.
type WriteDef struct {
	Key     string `yaml:"key" validate:"required"`
	Reducer string `yaml:"reducer" validate:"required,oneof=append add max set"`
}

// Parse decodes and validates a YAML definition.
//
// Outputs:
//
//	*Definition - The validated definition.
//	error - ErrInvalidDefinition (wrapped with detail) on schema or
//	        semantic problems. Graph-level problems (cycles, writer
//	        conflicts) surface later, from Build.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
	}
	if err := defValidate.Struct(&def); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
	}

	// Field formats the validator tags cannot express.
	for _, n := range def.Nodes {
		if n.MemoryEstimate != "" {
			if _, err := ParseByteSize(n.MemoryEstimate); err != nil {
				return nil, fmt.Errorf("%w: node %s: %w", ErrInvalidDefinition, n.Name, err)
			}
		}
		if n.Timeout != "" {
			if _, err := time.ParseDuration(n.Timeout); err != nil {
				return nil, fmt.Errorf("%w: node %s: timeout: %w", ErrInvalidDefinition, n.Name, err)
			}
		}
	}
	return &def, nil
}

// ParseFile reads and parses one definition file.
func ParseFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition %s: %w", path, err)
	}
	return Parse(data)
}

// Build resolves the definition against the registry and constructs an
// executable graph.
//
// Description:
//
//	Executors are resolved exactly once here, with each node's params
//	bound into the instance. Structural validation (cycles, unknown
//	dependencies, writer conflicts) is the graph builder's job and its
//	errors pass through unchanged.
//
// Outputs:
//
//	*graph.Graph - The executable graph.
//	error - ErrUnknownExecutor if a node names an unregistered
//	        executor, or any graph build error.
func (d *Definition) Build(registry *Registry) (*graph.Graph, error) {
	b := graph.NewBuilder(d.Name)
	if d.FailurePolicy == "continue_independent" {
		b.WithFailurePolicy(graph.ContinueIndependent)
	}

	for _, n := range d.Nodes {
		exec, err := registry.Resolve(n.Executor, n.Params)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", n.Name, err)
		}

		var payload []byte
		if len(n.Params) > 0 {
			payload, err = json.Marshal(n.Params)
			if err != nil {
				return nil, fmt.Errorf("node %s: encode params: %w", n.Name, err)
			}
		}

		spec := graph.NodeSpec{
			Name:         n.Name,
			Dependencies: n.DependsOn,
			Executor:     exec,
			Payload:      payload,
			Priority:     parsePriority(n.Priority),
			MaxAttempts:  n.MaxAttempts,
		}
		if n.MemoryEstimate != "" {
			spec.MemoryEstimate, _ = ParseByteSize(n.MemoryEstimate)
		}
		if n.Timeout != "" {
			spec.Timeout, _ = time.ParseDuration(n.Timeout)
		}
		for _, w := range n.Writes {
			spec.Writes = append(spec.Writes, graph.Write{
				Key:     w.Key,
				Reducer: parseReducer(w.Reducer),
			})
		}
		b.AddNode(spec)
	}
	return b.Build()
}

func parsePriority(s string) task.Priority {
	switch s {
	case "low":
		return task.PriorityLow
	case "high":
		return task.PriorityHigh
	case "critical":
		return task.PriorityCritical
	default:
		return task.PriorityNormal
	}
}

func parseReducer(s string) graph.ReducerKind {
	switch s {
	case "append":
		return graph.ReduceAppend
	case "add":
		return graph.ReduceAdd
	case "max":
		return graph.ReduceMax
	default:
		return graph.ReduceSet
	}
}

// ParseByteSize parses "4096", "64KB", "256MB", "2GB" into bytes.
// Units are binary (KB = 1024).
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "GB"):
		mult, s = 1<<30, strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "MB"):
		mult, s = 1<<20, strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "KB"):
		mult, s = 1<<10, strings.TrimSuffix(s, "KB")
	case strings.HasSuffix(s, "B"):
		s = strings.TrimSuffix(s, "B")
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid byte size %q", s)
	}
	return n * mult, nil
}
