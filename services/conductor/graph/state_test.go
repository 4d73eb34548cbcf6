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
	"math/rand"
	"reflect"
	"testing"
)

func TestApplyReducer(t *testing.T) {
	tests := []struct {
		name    string
		kind    ReducerKind
		prev    any
		value   any
		want    any
		wantErr error
	}{
		{name: "append to empty", kind: ReduceAppend, prev: nil, value: "x", want: []any{"x"}},
		{name: "append to list", kind: ReduceAppend, prev: []any{"a"}, value: "b", want: []any{"a", "b"}},
		{name: "append concatenates slices", kind: ReduceAppend, prev: []any{"a"}, value: []any{"b", "c"}, want: []any{"a", "b", "c"}},
		{name: "append onto scalar", kind: ReduceAppend, prev: 7, value: "x", wantErr: ErrReducerTypeMismatch},
		{name: "add from zero", kind: ReduceAdd, prev: nil, value: 2.5, want: 2.5},
		{name: "add accumulates", kind: ReduceAdd, prev: 1.5, value: 2, want: 3.5},
		{name: "add non-numeric", kind: ReduceAdd, prev: nil, value: "nan", wantErr: ErrReducerTypeMismatch},
		{name: "max first value", kind: ReduceMax, prev: nil, value: 3.0, want: 3.0},
		{name: "max keeps larger", kind: ReduceMax, prev: 5.0, value: 3.0, want: 5.0},
		{name: "max takes larger", kind: ReduceMax, prev: 3.0, value: 5.0, want: 5.0},
		{name: "set replaces", kind: ReduceSet, prev: "old", value: "new", want: "new"},
		{name: "unknown reducer", kind: ReducerKind("bogus"), value: 1, wantErr: ErrUnknownReducer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := applyReducer(tt.kind, tt.prev, tt.value)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("applyReducer() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("applyReducer() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("applyReducer() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMergeBumpsVersionOnce(t *testing.T) {
	s := NewState(nil)

	deltas := []Delta{
		{Node: "a", Key: "count", Reducer: ReduceAdd, Value: 1},
		{Node: "b", Key: "count", Reducer: ReduceAdd, Value: 2},
		{Node: "a", Key: "items", Reducer: ReduceAppend, Value: "x"},
	}
	if err := s.Merge(deltas); err != nil {
		t.Fatalf("Merge() error = %v", err)
	}

	if s.Version() != 1 {
		t.Errorf("version = %d, want 1 after one merge", s.Version())
	}
	if v, _ := s.Get("count"); v != 3.0 {
		t.Errorf("count = %v, want 3", v)
	}

	if err := s.Merge(nil); err != nil {
		t.Fatal(err)
	}
	if s.Version() != 1 {
		t.Errorf("version = %d, empty merge must not bump", s.Version())
	}
}

// Merging the same super-step's deltas in any completion order must yield
// an identical final state.
func TestMergeCommutativity(t *testing.T) {
	deltas := []Delta{
		{Node: "a", Key: "items", Reducer: ReduceAppend, Value: "from-a"},
		{Node: "b", Key: "items", Reducer: ReduceAppend, Value: "from-b"},
		{Node: "c", Key: "items", Reducer: ReduceAppend, Value: "from-c"},
		{Node: "a", Key: "total", Reducer: ReduceAdd, Value: 10},
		{Node: "b", Key: "total", Reducer: ReduceAdd, Value: 5},
		{Node: "c", Key: "peak", Reducer: ReduceMax, Value: 7.0},
		{Node: "a", Key: "peak", Reducer: ReduceMax, Value: 12.0},
	}

	reference := NewState(nil)
	if err := reference.Merge(deltas); err != nil {
		t.Fatal(err)
	}
	want := reference.Snapshot()

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 20; trial++ {
		shuffled := make([]Delta, len(deltas))
		copy(shuffled, deltas)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		s := NewState(nil)
		if err := s.Merge(shuffled); err != nil {
			t.Fatal(err)
		}
		got := s.Snapshot()
		if !reflect.DeepEqual(got.Values, want.Values) {
			t.Fatalf("trial %d: merged values = %v, want %v", trial, got.Values, want.Values)
		}
	}
}

func TestRecordFailure(t *testing.T) {
	s := NewState(nil)

	s.RecordFailure("broken_node", "exhausted attempts")
	s.RecordFailure("other_node", "timed out")

	v, ok := s.Get(ReservedErrorsKey)
	if !ok {
		t.Fatal("errors key missing")
	}
	failures := v.(map[string]any)
	if failures["broken_node"] != "exhausted attempts" || failures["other_node"] != "timed out" {
		t.Errorf("failures = %v", failures)
	}
	if s.Version() != 2 {
		t.Errorf("version = %d, want 2", s.Version())
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := NewState(map[string]any{"seed": "value"})
	if err := s.Merge([]Delta{
		{Node: "a", Key: "items", Reducer: ReduceAppend, Value: "x"},
	}); err != nil {
		t.Fatal(err)
	}

	snap := s.Snapshot()
	restored := FromSnapshot(snap)

	if restored.Version() != s.Version() {
		t.Errorf("restored version = %d, want %d", restored.Version(), s.Version())
	}
	if !reflect.DeepEqual(restored.Snapshot().Values, snap.Values) {
		t.Errorf("restored values = %v, want %v", restored.Snapshot().Values, snap.Values)
	}

	if FromSnapshot(nil).Version() != 0 {
		t.Error("FromSnapshot(nil) must be an empty state")
	}
}

func TestSnapshotIsolation(t *testing.T) {
	s := NewState(nil)
	if err := s.Merge([]Delta{
		{Node: "a", Key: "items", Reducer: ReduceAppend, Value: "x"},
	}); err != nil {
		t.Fatal(err)
	}

	snap := s.Snapshot()
	snap.Values["items"].([]any)[0] = "mutated"

	if v, _ := s.Get("items"); !reflect.DeepEqual(v, []any{"x"}) {
		t.Errorf("state leaked snapshot mutation: %v", v)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewState(map[string]any{"m": map[string]any{"k": "v"}})

	v, _ := s.Get("m")
	v.(map[string]any)["k"] = "mutated"

	fresh, _ := s.Get("m")
	if fresh.(map[string]any)["k"] != "v" {
		t.Error("Get() exposed internal map")
	}
}
