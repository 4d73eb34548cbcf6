// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conductor provides the HTTP service for the run scheduler.
//
// The service exposes endpoints for:
//   - Submitting and resuming runs
//   - Querying run status and stored checkpoints
//   - Cancelling runs
//   - Streaming run events over WebSocket
//   - Listing and reloading graph definitions
package conductor

import (
	"context"
	"errors"
	"log/slog"

	"github.com/AleutianAI/conductor/services/conductor/checkpoint"
	"github.com/AleutianAI/conductor/services/conductor/graph"
	"github.com/AleutianAI/conductor/services/conductor/graphdef"
	"github.com/AleutianAI/conductor/services/conductor/scheduler"
)

// Version is reported by the health endpoint.
const Version = "0.3.0"

// Package sentinel errors.
var (
	// ErrMissingScheduler is returned when ServiceConfig.Scheduler is nil.
	ErrMissingScheduler = errors.New("conductor: scheduler is required")

	// ErrMissingStore is returned when ServiceConfig.Store is nil.
	ErrMissingStore = errors.New("conductor: checkpoint store is required")

	// ErrNoGraphSource is returned when a submit request names no graph
	// and carries no inline definition.
	ErrNoGraphSource = errors.New("conductor: either graph or definition is required")

	// ErrAmbiguousGraphSource is returned when a submit request names a
	// graph and also carries an inline definition.
	ErrAmbiguousGraphSource = errors.New("conductor: graph and definition are mutually exclusive")
)

// ServiceConfig configures the conductor service.
type ServiceConfig struct {
	// Scheduler drives runs. Required.
	Scheduler *scheduler.Scheduler

	// Store is the checkpoint store shared with the scheduler. Required:
	// resume and checkpoint listing read it directly.
	Store checkpoint.Store

	// Library holds named graph definitions. Optional; without it only
	// inline definitions can be submitted.
	Library *graphdef.Library

	// Registry resolves executor names for inline definitions.
	// Default: graphdef.NewRegistry() (builtins only).
	Registry *graphdef.Registry

	// Logger receives service logs. Default: slog.Default().
	Logger *slog.Logger
}

// Service is the conductor HTTP service.
//
// Thread Safety:
//
//	Service is safe for concurrent use. All mutable state lives behind
//	the scheduler and library, which guard their own.
type Service struct {
	scheduler *scheduler.Scheduler
	store     checkpoint.Store
	library   *graphdef.Library
	registry  *graphdef.Registry
	logger    *slog.Logger
}

// NewService creates a conductor service.
//
// Inputs:
//
//	config - Service configuration.
//
// Outputs:
//
//	*Service - The configured service.
//	error - ErrMissingScheduler or ErrMissingStore.
func NewService(config ServiceConfig) (*Service, error) {
	if config.Scheduler == nil {
		return nil, ErrMissingScheduler
	}
	if config.Store == nil {
		return nil, ErrMissingStore
	}
	if config.Registry == nil {
		config.Registry = graphdef.NewRegistry()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Service{
		scheduler: config.Scheduler,
		store:     config.Store,
		library:   config.Library,
		registry:  config.Registry,
		logger:    config.Logger.With(slog.String("component", "conductor.service")),
	}, nil
}

// Scheduler returns the underlying scheduler.
func (s *Service) Scheduler() *scheduler.Scheduler { return s.scheduler }

// SubmitRun builds the requested graph and submits it to the scheduler.
//
// Description:
//
//	The graph comes from the library when req.Graph is set, or from
//	parsing req.Definition as inline YAML. Exactly one source must be
//	present.
//
// Outputs:
//
//	*scheduler.Run - Handle for the started run.
//	error - ErrNoGraphSource, ErrAmbiguousGraphSource,
//	        graphdef.ErrUnknownDefinition, graphdef.ErrInvalidDefinition,
//	        or a scheduler error.
func (s *Service) SubmitRun(ctx context.Context, req SubmitRunRequest) (*scheduler.Run, error) {
	g, err := s.buildGraph(req)
	if err != nil {
		return nil, err
	}
	return s.scheduler.Submit(ctx, g, req.Initial)
}

// ResumeRun restarts an interrupted run from its latest checkpoint.
//
// Description:
//
//	The graph name is taken from the checkpoint unless the request
//	overrides it. The definition must still be present in the library.
func (s *Service) ResumeRun(ctx context.Context, runID string, req ResumeRunRequest) (*scheduler.Run, error) {
	name := req.Graph
	if name == "" {
		cp, err := s.store.LoadLatest(ctx, runID)
		if err != nil {
			return nil, err
		}
		name = cp.GraphName
	}
	if s.library == nil {
		return nil, graphdef.ErrUnknownDefinition
	}
	g, err := s.library.Build(name)
	if err != nil {
		return nil, err
	}
	return s.scheduler.Resume(ctx, g, runID)
}

// CheckpointVersions lists the stored checkpoint versions for a run.
func (s *Service) CheckpointVersions(ctx context.Context, runID string) ([]uint64, error) {
	return s.store.Versions(ctx, runID)
}

// GraphNames lists the loaded graph definitions, or nil without a library.
func (s *Service) GraphNames() []string {
	if s.library == nil {
		return nil
	}
	return s.library.Names()
}

// ReloadGraphs re-reads the library directory.
func (s *Service) ReloadGraphs() error {
	if s.library == nil {
		return graphdef.ErrUnknownDefinition
	}
	return s.library.Reload()
}

func (s *Service) buildGraph(req SubmitRunRequest) (*graph.Graph, error) {
	switch {
	case req.Graph != "" && req.Definition != "":
		return nil, ErrAmbiguousGraphSource
	case req.Graph != "":
		if s.library == nil {
			return nil, graphdef.ErrUnknownDefinition
		}
		return s.library.Build(req.Graph)
	case req.Definition != "":
		def, err := graphdef.Parse([]byte(req.Definition))
		if err != nil {
			return nil, err
		}
		return def.Build(s.registry)
	default:
		return nil, ErrNoGraphSource
	}
}
