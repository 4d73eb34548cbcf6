// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmptyGraph is returned when building a graph with no nodes.
	ErrEmptyGraph = errors.New("graph has no nodes")

	// ErrEmptyNodeName is returned when a node has no name.
	ErrEmptyNodeName = errors.New("node name must not be empty")

	// ErrDuplicateNode is returned when two nodes share a name.
	ErrDuplicateNode = errors.New("duplicate node name")

	// ErrUnknownDependency is returned when a node depends on a
	// nonexistent node.
	ErrUnknownDependency = errors.New("dependency references unknown node")

	// ErrSelfDependency is returned when a node depends on itself.
	ErrSelfDependency = errors.New("node depends on itself")

	// ErrNilExecutor is returned when a node has no executor.
	ErrNilExecutor = errors.New("node executor must not be nil")

	// ErrCycleDetected is returned when the dependency relation has a cycle.
	ErrCycleDetected = errors.New("cycle detected in graph")

	// ErrConflictingWriters is returned when two nodes in the same
	// super-step write the same key through a non-commutative reducer.
	ErrConflictingWriters = errors.New("conflicting writers for key in same super-step")

	// ErrReservedKey is returned when a node writes the reserved errors key.
	ErrReservedKey = errors.New("key is reserved")

	// ErrUnknownNode is returned when looking up a node that doesn't exist.
	ErrUnknownNode = errors.New("unknown node")

	// ErrUnknownReducer is returned for an unrecognized reducer kind.
	ErrUnknownReducer = errors.New("unknown reducer kind")

	// ErrReducerTypeMismatch is returned when a delta's value cannot be
	// combined by the key's reducer.
	ErrReducerTypeMismatch = errors.New("value type incompatible with reducer")
)

// CycleError reports a dependency cycle with the path that closes it.
type CycleError struct {
	// Path is the sequence of node names forming the cycle.
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected in graph: %s", strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error {
	return ErrCycleDetected
}

// NewCycleError creates a CycleError with the given path.
func NewCycleError(path []string) *CycleError {
	return &CycleError{Path: path}
}

// ConflictError reports two concurrent writers of the same key whose
// reducer cannot merge them commutatively.
type ConflictError struct {
	// Key is the contested state key.
	Key string

	// Level is the super-step index where the conflict occurs.
	Level int

	// Nodes are the conflicting writer names.
	Nodes []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicting writers for key %q in super-step %d: %s",
		e.Key, e.Level, strings.Join(e.Nodes, ", "))
}

func (e *ConflictError) Unwrap() error {
	return ErrConflictingWriters
}
