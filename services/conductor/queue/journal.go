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
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/conductor/services/conductor/storage/badger"
	"github.com/AleutianAI/conductor/services/conductor/task"
	dgbadger "github.com/dgraph-io/badger/v4"
)

var (
	// ErrJournalClosed is returned when operations are called on a closed journal.
	ErrJournalClosed = errors.New("journal is closed")

	// ErrJournalCorrupted is returned when a journal entry fails its integrity check.
	ErrJournalCorrupted = errors.New("journal entry corrupted (CRC mismatch)")
)

// Journal records queue mutations so a crashed scheduler can rebuild the
// queue between checkpoints.
//
// Description:
//
//	Every mutation writes the task's full post-transition snapshot. Replay
//	is therefore last-write-wins per task id: folding entries in sequence
//	order reconstructs the queue state at the time of the crash.
//
// Thread Safety: implementations must be safe for concurrent use.
type Journal interface {
	// Record persists a task snapshot.
	Record(t *task.Task) error

	// Replay returns recorded snapshots in sequence order.
	Replay(ctx context.Context) ([]*task.Task, error)

	// Truncate drops entries that are covered by a durable checkpoint.
	Truncate(ctx context.Context) error

	// Close syncs and releases resources.
	Close() error
}

// JournalConfig configures a BadgerJournal.
type JournalConfig struct {
	// Path is the directory for BadgerDB files. Required unless InMemory.
	Path string

	// RunID scopes this journal to a specific run. Required; used as the
	// key prefix so multiple runs can share a database.
	RunID string

	// SyncWrites enables synchronous writes. Default: true; a journal
	// that loses writes on crash defeats its purpose.
	SyncWrites bool

	// InMemory uses in-memory BadgerDB (for testing).
	InMemory bool

	// Logger for journal operations. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultJournalConfig returns production defaults.
func DefaultJournalConfig() JournalConfig {
	return JournalConfig{
		SyncWrites: true,
		Logger:     slog.Default(),
	}
}

// Validate checks if the configuration is valid.
func (c *JournalConfig) Validate() error {
	if c.RunID == "" {
		return errors.New("run_id must not be empty")
	}
	if !c.InMemory && c.Path == "" {
		return errors.New("path is required for persistent journal")
	}
	return nil
}

// BadgerJournal implements Journal using BadgerDB.
//
// Key format: "task:{run_id}:{seq_num:016d}"
// Value format: [4-byte CRC32][json-encoded task]
//
// Thread Safety: Safe for concurrent use.
type BadgerJournal struct {
	db     *badger.DB
	config JournalConfig
	logger *slog.Logger

	seqNum atomic.Uint64
	closed atomic.Bool
}

// NewBadgerJournal opens a journal scoped to a run.
//
// Outputs:
//
//	*BadgerJournal - Ready-to-use journal.
//	error - Non-nil if the configuration is invalid or BadgerDB fails to open.
func NewBadgerJournal(config JournalConfig) (*BadgerJournal, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	dbConfig := badger.Config{
		Path:              config.Path,
		InMemory:          config.InMemory,
		SyncWrites:        config.SyncWrites,
		NumVersionsToKeep: 1,
		GCInterval:        5 * time.Minute,
		GCDiscardRatio:    0.5,
		Logger:            config.Logger,
	}

	db, err := badger.OpenDB(dbConfig)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	j := &BadgerJournal{
		db:     db,
		config: config,
		logger: config.Logger.With(
			slog.String("component", "queue_journal"),
			slog.String("run_id", config.RunID),
		),
	}

	if err := j.initSeqNum(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sequence number: %w", err)
	}

	j.logger.Info("queue journal opened",
		slog.String("path", config.Path),
		slog.Bool("sync_writes", config.SyncWrites),
		slog.Uint64("last_seq_num", j.seqNum.Load()))

	return j, nil
}

// initSeqNum scans for the highest existing sequence number.
func (j *BadgerJournal) initSeqNum() error {
	prefix := j.keyPrefix()
	var maxSeq uint64

	err := j.db.WithReadTxn(context.Background(), func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true

		it := txn.NewIterator(opts)
		defer it.Close()

		seekKey := append([]byte(prefix), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
		it.Seek(seekKey)

		if it.ValidForPrefix([]byte(prefix)) {
			key := it.Item().Key()
			seqStr := string(key[len(prefix):])
			var seq uint64
			if _, err := fmt.Sscanf(seqStr, "%016d", &seq); err == nil {
				maxSeq = seq
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	j.seqNum.Store(maxSeq)
	return nil
}

func (j *BadgerJournal) keyPrefix() string {
	return fmt.Sprintf("task:%s:", j.config.RunID)
}

func (j *BadgerJournal) entryKey(seqNum uint64) []byte {
	return []byte(fmt.Sprintf("%s%016d", j.keyPrefix(), seqNum))
}

// encodeEntry encodes a task snapshot with a CRC32 checksum prefix.
func encodeEntry(t *task.Task) ([]byte, error) {
	payload, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}

	crc := crc32.ChecksumIEEE(payload)
	result := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(result[:4], crc)
	copy(result[4:], payload)
	return result, nil
}

// decodeEntry decodes a task snapshot and validates its checksum.
func decodeEntry(data []byte) (*task.Task, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("%w: entry too short", ErrJournalCorrupted)
	}

	storedCRC := binary.BigEndian.Uint32(data[:4])
	payload := data[4:]
	if computed := crc32.ChecksumIEEE(payload); storedCRC != computed {
		return nil, fmt.Errorf("%w: stored=%08x computed=%08x", ErrJournalCorrupted, storedCRC, computed)
	}

	var t task.Task
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return &t, nil
}

// Record persists a task snapshot under the next sequence number.
func (j *BadgerJournal) Record(t *task.Task) error {
	if t == nil {
		return ErrNilTask
	}
	if j.closed.Load() {
		return ErrJournalClosed
	}

	data, err := encodeEntry(t)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}

	seqNum := j.seqNum.Add(1)
	key := j.entryKey(seqNum)

	err = j.db.WithTxn(context.Background(), func(txn *dgbadger.Txn) error {
		return txn.Set(key, data)
	})
	if err != nil {
		return fmt.Errorf("write entry: %w", err)
	}

	j.logger.Debug("mutation journaled",
		slog.Uint64("seq_num", seqNum),
		slog.String("task_id", t.ID),
		slog.String("state", string(t.State)))
	return nil
}

// Replay returns recorded snapshots in sequence order.
//
// Outputs:
//
//	[]*task.Task - Snapshots, oldest first. Empty if the journal is empty.
//	error - Non-nil on read failure or a CRC mismatch.
func (j *BadgerJournal) Replay(ctx context.Context) ([]*task.Task, error) {
	if j.closed.Load() {
		return nil, ErrJournalClosed
	}

	var tasks []*task.Task
	prefix := []byte(j.keyPrefix())

	err := j.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			err := it.Item().Value(func(val []byte) error {
				t, err := decodeEntry(val)
				if err != nil {
					return err
				}
				tasks = append(tasks, t)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}

	j.logger.Info("journal replay completed", slog.Int("entries", len(tasks)))
	return tasks, nil
}

// Truncate drops all entries up to the current sequence number.
// Called after a checkpoint makes them redundant.
func (j *BadgerJournal) Truncate(ctx context.Context) error {
	if j.closed.Load() {
		return ErrJournalClosed
	}

	currentSeq := j.seqNum.Load()
	deleted := 0
	prefix := []byte(j.keyPrefix())

	err := j.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			seqStr := string(key[len(prefix):])
			var seqNum uint64
			if _, err := fmt.Sscanf(seqStr, "%016d", &seqNum); err != nil {
				continue
			}
			if seqNum <= currentSeq {
				if err := txn.Delete(key); err != nil {
					return err
				}
				deleted++
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("truncate journal: %w", err)
	}

	j.logger.Info("journal truncated",
		slog.Uint64("through_seq", currentSeq),
		slog.Int("deleted", deleted))
	return nil
}

// Close syncs and releases resources. Safe to call multiple times.
func (j *BadgerJournal) Close() error {
	if j.closed.Swap(true) {
		return nil
	}

	j.logger.Info("closing queue journal")
	if err := j.db.Sync(); err != nil {
		j.logger.Warn("sync before close failed", slog.String("error", err.Error()))
	}
	return j.db.Close()
}
