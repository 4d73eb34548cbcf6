// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/conductor/services/conductor/storage/badger"
	dgbadger "github.com/dgraph-io/badger/v4"
)

// Store persists sealed checkpoints.
//
// Thread Safety: implementations must be safe for concurrent use.
type Store interface {
	// Save persists a checkpoint. Seals it if not already sealed.
	Save(ctx context.Context, c *Checkpoint) error

	// Load returns the checkpoint with the given version.
	Load(ctx context.Context, runID string, version uint64) (*Checkpoint, error)

	// LoadLatest returns the highest-version checkpoint for a run.
	LoadLatest(ctx context.Context, runID string) (*Checkpoint, error)

	// Versions lists the stored checkpoint versions for a run, ascending.
	Versions(ctx context.Context, runID string) ([]uint64, error)

	// Close releases resources.
	Close() error
}

// -----------------------------------------------------------------------------
// MemoryStore
// -----------------------------------------------------------------------------

// MemoryStore keeps checkpoints in memory. For tests and ephemeral runs.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]map[uint64][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]map[uint64][]byte)}
}

func (s *MemoryStore) Save(_ context.Context, c *Checkpoint) error {
	if c == nil {
		return ErrNilCheckpoint
	}
	data, err := encode(c)
	if err != nil {
		return &IOError{Op: "save", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs[c.RunID] == nil {
		s.runs[c.RunID] = make(map[uint64][]byte)
	}
	s.runs[c.RunID][c.Version] = data
	return nil
}

func (s *MemoryStore) Load(_ context.Context, runID string, version uint64) (*Checkpoint, error) {
	s.mu.RLock()
	data, ok := s.runs[runID][version]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return decode(data)
}

func (s *MemoryStore) LoadLatest(ctx context.Context, runID string) (*Checkpoint, error) {
	versions, err := s.Versions(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	return s.Load(ctx, runID, versions[len(versions)-1])
}

func (s *MemoryStore) Versions(_ context.Context, runID string) ([]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := make([]uint64, 0, len(s.runs[runID]))
	for v := range s.runs[runID] {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// -----------------------------------------------------------------------------
// FileStore
// -----------------------------------------------------------------------------

// FileStore persists checkpoints as JSON files.
//
// Layout: {dir}/{run_id}/cp-{version:016d}.json. Writes go through a temp
// file and an atomic rename so a crash mid-write never leaves a torn
// checkpoint with a valid name.
type FileStore struct {
	dir    string
	logger *slog.Logger
}

// NewFileStore creates a file store rooted at dir.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, &IOError{Op: "open", Err: fmt.Errorf("dir must not be empty")}
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, &IOError{Op: "open", Err: err}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{
		dir:    dir,
		logger: logger.With(slog.String("component", "checkpoint_file_store")),
	}, nil
}

func (s *FileStore) runDir(runID string) string {
	return filepath.Join(s.dir, runID)
}

func (s *FileStore) path(runID string, version uint64) string {
	return filepath.Join(s.runDir(runID), fmt.Sprintf("cp-%016d.json", version))
}

func (s *FileStore) Save(_ context.Context, c *Checkpoint) error {
	if c == nil {
		return ErrNilCheckpoint
	}
	data, err := encode(c)
	if err != nil {
		return &IOError{Op: "save", Err: err}
	}

	dir := s.runDir(c.RunID)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return &IOError{Op: "save", Err: err}
	}

	tmp, err := os.CreateTemp(dir, "cp-*.tmp")
	if err != nil {
		return &IOError{Op: "save", Err: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &IOError{Op: "save", Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &IOError{Op: "save", Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &IOError{Op: "save", Err: err}
	}
	if err := os.Rename(tmpName, s.path(c.RunID, c.Version)); err != nil {
		os.Remove(tmpName)
		return &IOError{Op: "save", Err: err}
	}

	s.logger.Debug("checkpoint saved",
		slog.String("run_id", c.RunID),
		slog.Uint64("version", c.Version),
		slog.Int("bytes", len(data)))
	return nil
}

func (s *FileStore) Load(_ context.Context, runID string, version uint64) (*Checkpoint, error) {
	data, err := os.ReadFile(s.path(runID, version))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, &IOError{Op: "load", Err: err}
	}
	return decode(data)
}

func (s *FileStore) LoadLatest(ctx context.Context, runID string) (*Checkpoint, error) {
	versions, err := s.Versions(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	return s.Load(ctx, runID, versions[len(versions)-1])
}

func (s *FileStore) Versions(_ context.Context, runID string) ([]uint64, error) {
	entries, err := os.ReadDir(s.runDir(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &IOError{Op: "list", Err: err}
	}

	var versions []uint64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "cp-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		var v uint64
		if _, err := fmt.Sscanf(name, "cp-%016d.json", &v); err != nil {
			continue
		}
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}

func (s *FileStore) Close() error {
	return nil
}

// -----------------------------------------------------------------------------
// BadgerStore
// -----------------------------------------------------------------------------

// BadgerStore persists checkpoints in BadgerDB.
//
// Key format: "cp:{run_id}:{version:016d}". The zero-padded version makes
// lexicographic key order equal version order, so latest-checkpoint lookup
// is a reverse seek.
type BadgerStore struct {
	db     *badger.DB
	ownsDB bool
	logger *slog.Logger
}

// BadgerStoreConfig configures a BadgerStore.
type BadgerStoreConfig struct {
	// Path is the directory for BadgerDB files. Required unless InMemory.
	Path string

	// InMemory uses in-memory BadgerDB (for testing).
	InMemory bool

	// Logger for store operations. Default: slog.Default().
	Logger *slog.Logger
}

// NewBadgerStore opens a checkpoint store with its own database.
func NewBadgerStore(cfg BadgerStoreConfig) (*BadgerStore, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	db, err := badger.OpenDB(badger.Config{
		Path:              cfg.Path,
		InMemory:          cfg.InMemory,
		SyncWrites:        true,
		NumVersionsToKeep: 1,
		GCInterval:        5 * time.Minute,
		GCDiscardRatio:    0.5,
		Logger:            cfg.Logger,
	})
	if err != nil {
		return nil, &IOError{Op: "open", Err: err}
	}

	return &BadgerStore{
		db:     db,
		ownsDB: true,
		logger: cfg.Logger.With(slog.String("component", "checkpoint_badger_store")),
	}, nil
}

// NewBadgerStoreWithDB wraps an existing database (shared with the queue
// journal). Close does not close a shared database.
func NewBadgerStoreWithDB(db *badger.DB, logger *slog.Logger) *BadgerStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerStore{
		db:     db,
		logger: logger.With(slog.String("component", "checkpoint_badger_store")),
	}
}

func checkpointKey(runID string, version uint64) []byte {
	return []byte(fmt.Sprintf("cp:%s:%016d", runID, version))
}

func checkpointPrefix(runID string) []byte {
	return []byte(fmt.Sprintf("cp:%s:", runID))
}

func (s *BadgerStore) Save(ctx context.Context, c *Checkpoint) error {
	if c == nil {
		return ErrNilCheckpoint
	}
	data, err := encode(c)
	if err != nil {
		return &IOError{Op: "save", Err: err}
	}

	key := checkpointKey(c.RunID, c.Version)
	err = s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Set(key, data)
	})
	if err != nil {
		return &IOError{Op: "save", Err: err}
	}

	s.logger.Debug("checkpoint saved",
		slog.String("run_id", c.RunID),
		slog.Uint64("version", c.Version),
		slog.Int("bytes", len(data)))
	return nil
}

func (s *BadgerStore) Load(ctx context.Context, runID string, version uint64) (*Checkpoint, error) {
	var data []byte
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get(checkpointKey(runID, version))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if err == dgbadger.ErrKeyNotFound {
			return nil, ErrNotFound
		}
		return nil, &IOError{Op: "load", Err: err}
	}
	return decode(data)
}

func (s *BadgerStore) LoadLatest(ctx context.Context, runID string) (*Checkpoint, error) {
	prefix := checkpointPrefix(runID)
	var data []byte

	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = true
		opts.Reverse = true

		it := txn.NewIterator(opts)
		defer it.Close()

		seekKey := append(append([]byte(nil), prefix...), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
		it.Seek(seekKey)
		if !it.ValidForPrefix(prefix) {
			return dgbadger.ErrKeyNotFound
		}

		var err error
		data, err = it.Item().ValueCopy(nil)
		return err
	})
	if err != nil {
		if err == dgbadger.ErrKeyNotFound {
			return nil, ErrNotFound
		}
		return nil, &IOError{Op: "load_latest", Err: err}
	}
	return decode(data)
}

func (s *BadgerStore) Versions(ctx context.Context, runID string) ([]uint64, error) {
	prefix := checkpointPrefix(runID)
	var versions []uint64

	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			var v uint64
			if _, err := fmt.Sscanf(string(key[len(prefix):]), "%016d", &v); err != nil {
				continue
			}
			versions = append(versions, v)
		}
		return nil
	})
	if err != nil {
		return nil, &IOError{Op: "list", Err: err}
	}
	return versions, nil
}

func (s *BadgerStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}
