// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graphdef

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

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/conductor/services/conductor/graph"
)

// DefaultDebounce batches rapid definition-file edits into one reload.
const DefaultDebounce = 200 * time.Millisecond

// parseConcurrency bounds parallel definition parsing during Reload.
const parseConcurrency = 4

// Library holds the parsed graph definitions from one directory and
// rebuilds them on demand.
//
// Thread Safety: Safe for concurrent use; Reload swaps the whole
// definition set atomically.
type Library struct {
	dir      string
	registry *Registry
	logger   *slog.Logger
	debounce time.Duration

	mu   sync.RWMutex
	defs map[string]*Definition

	stopOnce sync.Once
	done     chan struct{}
}

// NewLibrary creates a library over a definitions directory.
//
// Inputs:
//
//	dir - Directory holding *.yaml / *.yml definitions.
//	registry - Executor registry used at Build time. Must not be nil.
//	logger - If nil, uses slog.Default().
func NewLibrary(dir string, registry *Registry, logger *slog.Logger) (*Library, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Library{
		dir:      dir,
		registry: registry,
		logger:   logger.With(slog.String("component", "graph_library")),
		debounce: DefaultDebounce,
		defs:     make(map[string]*Definition),
		done:     make(chan struct{}),
	}, nil
}

// Reload re-reads every definition file in the directory.
//
// Description:
//
//	A file that fails to parse is logged and skipped; it never blocks
//	the rest of the library. Two files declaring the same graph name is
//	an error for the later file (lexical order), also logged and
//	skipped.
//
// Outputs:
//
//	error - Non-nil only if the directory itself is unreadable.
func (l *Library) Reload() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("read definitions dir %s: %w", l.dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	// Parse in parallel, keep lexical order for duplicate resolution.
	parsed := make([]*Definition, len(names))
	var g errgroup.Group
	g.SetLimit(parseConcurrency)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			def, perr := ParseFile(filepath.Join(l.dir, name))
			if perr != nil {
				l.logger.Warn("skipping unparseable definition",
					slog.String("file", name),
					slog.String("error", perr.Error()),
				)
				return nil
			}
			parsed[i] = def
			return nil
		})
	}
	_ = g.Wait()

	fresh := make(map[string]*Definition, len(names))
	for i, def := range parsed {
		if def == nil {
			continue
		}
		if _, dup := fresh[def.Name]; dup {
			l.logger.Warn("skipping duplicate graph name",
				slog.String("file", names[i]),
				slog.String("graph", def.Name),
			)
			continue
		}
		fresh[def.Name] = def
	}

	l.mu.Lock()
	l.defs = fresh
	l.mu.Unlock()

	l.logger.Info("definitions loaded",
		slog.Int("graphs", len(fresh)),
		slog.String("dir", l.dir),
	)
	return nil
}

// Get returns a parsed definition by graph name.
func (l *Library) Get(name string) (*Definition, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	def, ok := l.defs[name]
	return def, ok
}

// Names returns the loaded graph names, sorted.
func (l *Library) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.defs))
	for name := range l.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build constructs the executable graph for a loaded definition.
//
// Outputs:
//
//	*graph.Graph - The graph, executors freshly resolved.
//	error - ErrUnknownDefinition, or a build error.
func (l *Library) Build(name string) (*graph.Graph, error) {
	def, ok := l.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDefinition, name)
	}
	return def.Build(l.registry)
}

// Watch hot-reloads the library when definition files change.
//
// Description:
//
//	Events are debounced so an editor's save burst triggers one reload.
//	Watching stops when ctx is cancelled or Stop is called.
//
// Outputs:
//
//	error - Non-nil if the watcher could not be created or the
//	        directory could not be added.
func (l *Library) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", l.dir, err)
	}

	go func() {
		defer watcher.Close()
		var timer *time.Timer
		var pending <-chan time.Time

		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				ext := strings.ToLower(filepath.Ext(ev.Name))
				if ext != ".yaml" && ext != ".yml" {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(l.debounce)
				} else {
					timer.Reset(l.debounce)
				}
				pending = timer.C
			case <-pending:
				pending = nil
				if err := l.Reload(); err != nil {
					l.logger.Error("hot reload failed", slog.String("error", err.Error()))
				}
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Warn("watcher error", slog.String("error", werr.Error()))
			case <-ctx.Done():
				return
			case <-l.done:
				return
			}
		}
	}()
	return nil
}

// Stop ends watching. Idempotent.
func (l *Library) Stop() {
	l.stopOnce.Do(func() { close(l.done) })
}
