// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package queue

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/AleutianAI/conductor/services/conductor/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJournal(t *testing.T) *BadgerJournal {
	t.Helper()
	j, err := NewBadgerJournal(JournalConfig{
		RunID:    "run-test",
		InMemory: true,
		Logger:   testLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestJournalConfigValidate(t *testing.T) {
	cfg := JournalConfig{InMemory: true}
	assert.Error(t, cfg.Validate(), "missing run_id must be rejected")

	cfg = JournalConfig{RunID: "r1"}
	assert.Error(t, cfg.Validate(), "persistent journal without path must be rejected")

	cfg = JournalConfig{RunID: "r1", InMemory: true}
	assert.NoError(t, cfg.Validate())
}

func TestJournalRecordReplayRoundTrip(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	first := task.New("compile", json.RawMessage(`{"target":"all"}`))
	second := first.Clone()
	second.State = task.StateRunning
	second.AttemptCount = 1

	require.NoError(t, j.Record(first))
	require.NoError(t, j.Record(second))

	entries, err := j.Replay(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, first.ID, entries[0].ID)
	assert.Equal(t, task.StatePending, entries[0].State)
	assert.Equal(t, task.StateRunning, entries[1].State)
	assert.Equal(t, 1, entries[1].AttemptCount)
	assert.JSONEq(t, `{"target":"all"}`, string(entries[1].Payload))
}

func TestJournalReplayEmpty(t *testing.T) {
	j := newTestJournal(t)

	entries, err := j.Replay(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestJournalTruncate(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, j.Record(task.New("noop", nil)))
	}

	require.NoError(t, j.Truncate(ctx))

	entries, err := j.Replay(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries, "truncate must drop checkpointed entries")

	// Records after a truncate are still replayable.
	require.NoError(t, j.Record(task.New("after", nil)))
	entries, err = j.Replay(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "after", entries[0].Type)
}

func TestJournalClosedOperations(t *testing.T) {
	j := newTestJournal(t)
	require.NoError(t, j.Close())
	require.NoError(t, j.Close(), "double close must be a no-op")

	assert.ErrorIs(t, j.Record(task.New("x", nil)), ErrJournalClosed)

	_, err := j.Replay(context.Background())
	assert.ErrorIs(t, err, ErrJournalClosed)

	assert.ErrorIs(t, j.Truncate(context.Background()), ErrJournalClosed)
}

func TestJournalEntryChecksum(t *testing.T) {
	tk := task.New("verify", json.RawMessage(`{"n":1}`))

	data, err := encodeEntry(tk)
	require.NoError(t, err)

	decoded, err := decodeEntry(data)
	require.NoError(t, err)
	assert.Equal(t, tk.ID, decoded.ID)

	// Flip a payload byte: CRC must catch it.
	corrupted := make([]byte, len(data))
	copy(corrupted, data)
	corrupted[len(corrupted)-1] ^= 0xFF
	_, err = decodeEntry(corrupted)
	assert.ErrorIs(t, err, ErrJournalCorrupted)

	_, err = decodeEntry([]byte{0x01, 0x02})
	assert.ErrorIs(t, err, ErrJournalCorrupted)
}
