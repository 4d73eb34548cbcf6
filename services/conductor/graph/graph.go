// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph models a run as a DAG of executor nodes partitioned into
// super-steps.
//
// A super-step is a topological level: level k holds every node whose
// dependencies are all satisfied by levels 0..k-1. Nodes within one level
// run concurrently; levels run strictly in order with a fan-in barrier and
// a single-threaded state merge between them. All structural errors
// (cycles, unknown dependencies, conflicting writers) are caught at Build
// time, never at run time.
package graph

import (
	"sort"
	"time"

	"github.com/AleutianAI/conductor/services/conductor/task"
)

// DefaultNodeTimeout bounds a node's execution when the spec doesn't.
const DefaultNodeTimeout = 30 * time.Second

// FailurePolicy decides what a run does when a node terminally fails.
type FailurePolicy int

const (
	// FailFast aborts the whole run on the first terminal node failure.
	FailFast FailurePolicy = iota

	// ContinueIndependent keeps running nodes that do not depend on the
	// failed node, recording the failure under ReservedErrorsKey.
	ContinueIndependent
)

func (p FailurePolicy) String() string {
	switch p {
	case FailFast:
		return "fail_fast"
	case ContinueIndependent:
		return "continue_independent"
	default:
		return "unknown"
	}
}

// Write declares one state key a node contributes to.
type Write struct {
	// Key is the state key.
	Key string

	// Reducer is how the node's value for this key merges into state.
	Reducer ReducerKind
}

// NodeSpec declares one unit of work in the graph.
type NodeSpec struct {
	// Name is unique within the graph.
	Name string

	// Dependencies are node names that must succeed (or be skipped
	// under ContinueIndependent) before this node runs.
	Dependencies []string

	// Executor performs the node's work. Resolved once at build time.
	Executor task.Executor

	// Payload is passed to the executor through the node's task.
	Payload []byte

	// Priority for the node's task. Default: PriorityNormal.
	Priority task.Priority

	// MemoryEstimate in bytes, used for budget admission.
	MemoryEstimate int64

	// MaxAttempts for the node's task. Default: task.DefaultMaxAttempts.
	MaxAttempts int

	// Timeout bounds each execution attempt. Default: DefaultNodeTimeout.
	Timeout time.Duration

	// Writes declares the state keys this node's result contributes to.
	// The executor's result must be a JSON object containing them.
	Writes []Write
}

// Graph is an immutable, validated DAG ready for execution.
//
// Thread Safety: Safe for concurrent use after Build.
type Graph struct {
	name    string
	nodes   map[string]*NodeSpec
	levels  [][]string
	levelOf map[string]int
	policy  FailurePolicy
}

// Builder accumulates node specs and validates them at Build.
//
// Errors are collected and reported together from Build, so callers can
// chain AddNode without checking each one.
type Builder struct {
	name   string
	specs  []*NodeSpec
	policy FailurePolicy
	errs   []error
}

// NewBuilder creates a graph builder.
//
// Inputs:
//
//	name - Identifies the graph in logs, checkpoints, and status output.
func NewBuilder(name string) *Builder {
	return &Builder{name: name}
}

// AddNode registers a node spec. Returns the builder for chaining.
func (b *Builder) AddNode(spec NodeSpec) *Builder {
	b.specs = append(b.specs, &spec)
	return b
}

// WithFailurePolicy sets the run's terminal-failure behavior.
// Default: FailFast.
func (b *Builder) WithFailurePolicy(p FailurePolicy) *Builder {
	b.policy = p
	return b
}

// Build validates the accumulated specs and produces an immutable Graph.
//
// Description:
//
//	Checks, in order: node validity (names, executors, reducers,
//	reserved keys), duplicate names, unknown and self dependencies,
//	cycles (DFS with path reporting), and same-level writer conflicts
//	on non-commutative reducers. The first failed check reports.
//
// Outputs:
//
//	*Graph - The validated graph with its super-step partition computed.
//	error - ErrEmptyGraph, ErrDuplicateNode, ErrUnknownDependency,
//	        ErrNilExecutor, ErrReservedKey, *CycleError, or
//	        *ConflictError.
func (b *Builder) Build() (*Graph, error) {
	if len(b.specs) == 0 {
		return nil, ErrEmptyGraph
	}

	nodes := make(map[string]*NodeSpec, len(b.specs))
	for _, spec := range b.specs {
		if spec.Name == "" {
			return nil, ErrEmptyNodeName
		}
		if _, dup := nodes[spec.Name]; dup {
			return nil, wrapNode(ErrDuplicateNode, spec.Name)
		}
		if spec.Executor == nil {
			return nil, wrapNode(ErrNilExecutor, spec.Name)
		}
		if spec.Timeout <= 0 {
			spec.Timeout = DefaultNodeTimeout
		}
		if spec.MaxAttempts <= 0 {
			spec.MaxAttempts = task.DefaultMaxAttempts
		}
		for _, w := range spec.Writes {
			if w.Key == ReservedErrorsKey {
				return nil, wrapNode(ErrReservedKey, spec.Name)
			}
			if !w.Reducer.Valid() {
				return nil, wrapNode(ErrUnknownReducer, spec.Name)
			}
		}
		nodes[spec.Name] = spec
	}

	for _, spec := range b.specs {
		for _, dep := range spec.Dependencies {
			if dep == spec.Name {
				return nil, wrapNode(ErrSelfDependency, spec.Name)
			}
			if _, ok := nodes[dep]; !ok {
				return nil, wrapNode(ErrUnknownDependency, spec.Name+" -> "+dep)
			}
		}
	}

	if err := detectCycles(nodes); err != nil {
		return nil, err
	}

	levels, levelOf := partitionLevels(nodes)

	if err := detectWriterConflicts(nodes, levels); err != nil {
		return nil, err
	}

	return &Graph{
		name:    b.name,
		nodes:   nodes,
		levels:  levels,
		levelOf: levelOf,
		policy:  b.policy,
	}, nil
}

func wrapNode(err error, name string) error {
	return &nodeBuildError{err: err, node: name}
}

type nodeBuildError struct {
	err  error
	node string
}

func (e *nodeBuildError) Error() string {
	return e.err.Error() + ": " + e.node
}

func (e *nodeBuildError) Unwrap() error {
	return e.err
}

// detectCycles runs a three-color DFS, reporting the closing path.
func detectCycles(nodes map[string]*NodeSpec) error {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(nodes))

	names := make([]string, 0, len(nodes))
	for name := range nodes {
		names = append(names, name)
	}
	sort.Strings(names)

	var path []string
	var visit func(name string) *CycleError
	visit = func(name string) *CycleError {
		color[name] = gray
		path = append(path, name)

		deps := append([]string(nil), nodes[name].Dependencies...)
		sort.Strings(deps)
		for _, dep := range deps {
			switch color[dep] {
			case gray:
				// Close the cycle for the error report.
				start := 0
				for i, n := range path {
					if n == dep {
						start = i
						break
					}
				}
				cycle := append(append([]string(nil), path[start:]...), dep)
				return NewCycleError(cycle)
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}

		path = path[:len(path)-1]
		color[name] = black
		return nil
	}

	for _, name := range names {
		if color[name] == white {
			if err := visit(name); err != nil {
				return err
			}
		}
	}
	return nil
}

// partitionLevels computes topological levels. Level of a node is
// 1 + max(level of dependencies), roots at 0. Names within a level are
// sorted so the partition is deterministic.
func partitionLevels(nodes map[string]*NodeSpec) ([][]string, map[string]int) {
	levelOf := make(map[string]int, len(nodes))

	var levelFor func(name string) int
	levelFor = func(name string) int {
		if lvl, ok := levelOf[name]; ok {
			return lvl
		}
		lvl := 0
		for _, dep := range nodes[name].Dependencies {
			if d := levelFor(dep) + 1; d > lvl {
				lvl = d
			}
		}
		levelOf[name] = lvl
		return lvl
	}

	maxLevel := 0
	for name := range nodes {
		if lvl := levelFor(name); lvl > maxLevel {
			maxLevel = lvl
		}
	}

	levels := make([][]string, maxLevel+1)
	for name, lvl := range levelOf {
		levels[lvl] = append(levels[lvl], name)
	}
	for _, level := range levels {
		sort.Strings(level)
	}
	return levels, levelOf
}

// detectWriterConflicts rejects two same-level writers of one key unless
// the key's reducer is commutative (and consistently declared).
func detectWriterConflicts(nodes map[string]*NodeSpec, levels [][]string) error {
	for lvl, level := range levels {
		type keyWriters struct {
			reducer ReducerKind
			nodes   []string
		}
		byKey := make(map[string]*keyWriters)

		for _, name := range level {
			for _, w := range nodes[name].Writes {
				kw, ok := byKey[w.Key]
				if !ok {
					byKey[w.Key] = &keyWriters{reducer: w.Reducer, nodes: []string{name}}
					continue
				}
				kw.nodes = append(kw.nodes, name)
				// Mixed reducers on one key can't be reasoned about;
				// treat like a non-commutative clash.
				if kw.reducer != w.Reducer || !w.Reducer.Commutative() {
					sort.Strings(kw.nodes)
					return &ConflictError{Key: w.Key, Level: lvl, Nodes: kw.nodes}
				}
			}
		}
	}
	return nil
}

// Name returns the graph's name.
func (g *Graph) Name() string {
	return g.name
}

// FailurePolicy returns the run's terminal-failure behavior.
func (g *Graph) FailurePolicy() FailurePolicy {
	return g.policy
}

// NodeCount returns the number of nodes.
func (g *Graph) NodeCount() int {
	return len(g.nodes)
}

// Node returns the spec for a node name.
func (g *Graph) Node(name string) (*NodeSpec, bool) {
	spec, ok := g.nodes[name]
	return spec, ok
}

// NodeNames returns all node names, sorted.
func (g *Graph) NodeNames() []string {
	names := make([]string, 0, len(g.nodes))
	for name := range g.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Levels returns the super-step partition. Level k contains every node
// whose dependencies are satisfied by levels 0..k-1, sorted by name.
// The returned slices must not be mutated.
func (g *Graph) Levels() [][]string {
	return g.levels
}

// LevelOf returns the super-step index of a node.
func (g *Graph) LevelOf(name string) (int, bool) {
	lvl, ok := g.levelOf[name]
	return lvl, ok
}

// Descendants returns every node reachable from name through the
// dependency relation, sorted. Used by ContinueIndependent to skip the
// subtree under a failed node.
func (g *Graph) Descendants(name string) []string {
	dependents := make(map[string][]string, len(g.nodes))
	for n, spec := range g.nodes {
		for _, dep := range spec.Dependencies {
			dependents[dep] = append(dependents[dep], n)
		}
	}

	seen := make(map[string]bool)
	queue := append([]string(nil), dependents[name]...)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if seen[n] {
			continue
		}
		seen[n] = true
		queue = append(queue, dependents[n]...)
	}

	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
