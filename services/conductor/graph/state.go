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
	"fmt"
	"sort"
	"sync"
)

// ReservedErrorsKey is the state key node failures are recorded under when
// a run continues past them. Nodes may not declare writes to it.
const ReservedErrorsKey = "errors"

// ReducerKind names how concurrent writes to a key combine.
type ReducerKind string

const (
	// ReduceAppend collects values into a list. Deltas from one
	// super-step are order-normalized by writer name before applying,
	// so the merged list is deterministic regardless of completion order.
	ReduceAppend ReducerKind = "append"

	// ReduceAdd sums numeric values.
	ReduceAdd ReducerKind = "add"

	// ReduceMax keeps the numeric maximum.
	ReduceMax ReducerKind = "max"

	// ReduceSet replaces the value. Not commutative: at most one node
	// per super-step may write a ReduceSet key, enforced at build time.
	ReduceSet ReducerKind = "set"
)

// Valid reports whether the kind is recognized.
func (k ReducerKind) Valid() bool {
	switch k {
	case ReduceAppend, ReduceAdd, ReduceMax, ReduceSet:
		return true
	}
	return false
}

// Commutative reports whether two same-super-step writers may share a key
// under this reducer.
func (k ReducerKind) Commutative() bool {
	return k != ReduceSet
}

// Delta is one node's contribution to a state key.
type Delta struct {
	// Node is the writer, used for deterministic ordering.
	Node string

	// Key is the target state key.
	Key string

	// Reducer is how the value combines with the existing one.
	Reducer ReducerKind

	// Value is the contributed value. JSON-compatible types only.
	Value any
}

// StateSnapshot is a serializable copy of the state.
type StateSnapshot struct {
	// Version is the merge counter at capture time.
	Version uint64 `json:"version"`

	// Values is a deep copy of the key/value mapping.
	Values map[string]any `json:"values"`
}

// State is the run's shared key/value state.
//
// Description:
//
//	Mutation happens only through Merge and RecordFailure, both called
//	from the single-threaded merge step of the run driver. Workers never
//	touch state directly; they return results that the driver merges.
//	The lock exists for concurrent readers (status queries, checkpoint
//	capture), not for concurrent writers.
//
// Thread Safety: Safe for concurrent use.
type State struct {
	mu      sync.RWMutex
	version uint64
	values  map[string]any
}

// NewState creates a state seeded with initial values.
//
// Inputs:
//
//	initial - Seed values, deep copied. May be nil.
func NewState(initial map[string]any) *State {
	values := make(map[string]any, len(initial))
	for k, v := range initial {
		values[k] = deepCopyValue(v)
	}
	return &State{values: values}
}

// FromSnapshot reconstructs a state from a snapshot.
func FromSnapshot(snap *StateSnapshot) *State {
	if snap == nil {
		return NewState(nil)
	}
	s := NewState(snap.Values)
	s.version = snap.Version
	return s
}

// Version returns the merge counter.
func (s *State) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Get returns a deep copy of the value for a key.
func (s *State) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return nil, false
	}
	return deepCopyValue(v), true
}

// Snapshot captures a serializable deep copy.
func (s *State) Snapshot() *StateSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	values := make(map[string]any, len(s.values))
	for k, v := range s.values {
		values[k] = deepCopyValue(v)
	}
	return &StateSnapshot{Version: s.version, Values: values}
}

// Merge applies one super-step's deltas and bumps the version.
//
// Description:
//
//	Deltas are order-normalized (sorted by key, then writer name) before
//	applying, which makes the merged result independent of the order the
//	super-step's tasks happened to finish in. The version increments once
//	per merge, so it counts completed super-step merges.
//
// Outputs:
//
//	error - Non-nil on a reducer type mismatch. Deltas applied before
//	        the mismatch stay applied; the version bumps only on full
//	        success.
func (s *State) Merge(deltas []Delta) error {
	if len(deltas) == 0 {
		return nil
	}

	sorted := make([]Delta, len(deltas))
	copy(sorted, deltas)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Key != sorted[j].Key {
			return sorted[i].Key < sorted[j].Key
		}
		return sorted[i].Node < sorted[j].Node
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range sorted {
		merged, err := applyReducer(d.Reducer, s.values[d.Key], d.Value)
		if err != nil {
			return fmt.Errorf("merge key %q from node %q: %w", d.Key, d.Node, err)
		}
		s.values[d.Key] = merged
	}
	s.version++
	return nil
}

// RecordFailure notes a terminally failed node under the reserved errors
// key. Used when the run's failure policy continues past failures.
func (s *State) RecordFailure(node, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	failures, _ := s.values[ReservedErrorsKey].(map[string]any)
	if failures == nil {
		failures = make(map[string]any)
	}
	failures[node] = msg
	s.values[ReservedErrorsKey] = failures
	s.version++
}

// applyReducer combines prev and value under the reducer kind.
func applyReducer(kind ReducerKind, prev, value any) (any, error) {
	switch kind {
	case ReduceAppend:
		var list []any
		if prev != nil {
			existing, ok := prev.([]any)
			if !ok {
				return nil, fmt.Errorf("%w: append onto %T", ErrReducerTypeMismatch, prev)
			}
			list = existing
		}
		if elems, ok := value.([]any); ok {
			return append(list, elems...), nil
		}
		return append(list, value), nil

	case ReduceAdd:
		sum := 0.0
		if prev != nil {
			p, ok := toFloat(prev)
			if !ok {
				return nil, fmt.Errorf("%w: add onto %T", ErrReducerTypeMismatch, prev)
			}
			sum = p
		}
		v, ok := toFloat(value)
		if !ok {
			return nil, fmt.Errorf("%w: add %T", ErrReducerTypeMismatch, value)
		}
		return sum + v, nil

	case ReduceMax:
		v, ok := toFloat(value)
		if !ok {
			return nil, fmt.Errorf("%w: max of %T", ErrReducerTypeMismatch, value)
		}
		if prev == nil {
			return v, nil
		}
		p, ok := toFloat(prev)
		if !ok {
			return nil, fmt.Errorf("%w: max onto %T", ErrReducerTypeMismatch, prev)
		}
		if v > p {
			return v, nil
		}
		return p, nil

	case ReduceSet:
		return value, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownReducer, kind)
	}
}

// toFloat normalizes JSON-compatible numeric types.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// deepCopyValue clones JSON-compatible values.
func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = deepCopyValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		// Scalars (and json.RawMessage byte slices) are treated as
		// immutable by convention.
		return v
	}
}
