// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package checkpoint persists run snapshots at super-step boundaries.
//
// A checkpoint is only ever captured after a super-step's fan-in barrier
// and merge, so every checkpoint is a consistent resumption point: no
// partial merges, no half-finished levels. Integrity is a SHA-256 digest
// over the canonical JSON form, verified on load.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/AleutianAI/conductor/services/conductor/graph"
	"github.com/AleutianAI/conductor/services/conductor/queue"
)

// FormatVersion identifies the serialized checkpoint layout. Bump when
// the structure changes incompatibly.
const FormatVersion = 1

// Checkpoint is a durable snapshot of a run between super-steps.
type Checkpoint struct {
	// Format is the serialization layout version.
	Format int `json:"format"`

	// RunID identifies the run.
	RunID string `json:"run_id"`

	// GraphName identifies the graph definition the run executes.
	GraphName string `json:"graph_name"`

	// Version orders checkpoints within a run. The scheduler uses the
	// state's merge counter, which increments once per super-step.
	Version uint64 `json:"version"`

	// CompletedLevels is how many super-steps have fully merged.
	CompletedLevels int `json:"completed_levels"`

	// State is the shared state snapshot.
	State *graph.StateSnapshot `json:"state"`

	// Queue is the task queue snapshot.
	Queue *queue.Snapshot `json:"queue"`

	// CreatedAt is when the checkpoint was captured.
	CreatedAt time.Time `json:"created_at"`

	// Checksum is the SHA-256 hex digest of the checkpoint with this
	// field empty. Set by Seal, verified by Verify.
	Checksum string `json:"checksum"`
}

// New assembles an unsealed checkpoint.
func New(runID, graphName string, completedLevels int, state *graph.StateSnapshot, qs *queue.Snapshot) *Checkpoint {
	var version uint64
	if state != nil {
		version = state.Version
	}
	return &Checkpoint{
		Format:          FormatVersion,
		RunID:           runID,
		GraphName:       graphName,
		Version:         version,
		CompletedLevels: completedLevels,
		State:           state,
		Queue:           qs,
		CreatedAt:       time.Now().UTC(),
	}
}

// digest computes the SHA-256 hex digest of the checkpoint with the
// checksum field zeroed.
func (c *Checkpoint) digest() (string, error) {
	shadow := *c
	shadow.Checksum = ""
	payload, err := json.Marshal(&shadow)
	if err != nil {
		return "", fmt.Errorf("marshal for digest: %w", err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// Seal computes and stores the checksum. Must be called before Save.
func (c *Checkpoint) Seal() error {
	digest, err := c.digest()
	if err != nil {
		return err
	}
	c.Checksum = digest
	return nil
}

// Verify recomputes the checksum and compares.
//
// Outputs:
//
//	error - ErrChecksumMismatch on corruption, ErrUnsupportedFormat for
//	        a format this build can't read.
func (c *Checkpoint) Verify() error {
	if c.Format != FormatVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedFormat, c.Format)
	}
	digest, err := c.digest()
	if err != nil {
		return err
	}
	if digest != c.Checksum {
		return fmt.Errorf("%w: stored=%s computed=%s", ErrChecksumMismatch, c.Checksum, digest)
	}
	return nil
}

// encode seals (if needed) and serializes the checkpoint.
func encode(c *Checkpoint) ([]byte, error) {
	if c.Checksum == "" {
		if err := c.Seal(); err != nil {
			return nil, err
		}
	}
	return json.Marshal(c)
}

// decode deserializes and verifies a checkpoint.
func decode(data []byte) (*Checkpoint, error) {
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	if err := c.Verify(); err != nil {
		return nil, err
	}
	return &c, nil
}
