// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conductor

import (
	"github.com/AleutianAI/conductor/services/conductor/scheduler"
)

// SubmitRunRequest is the request body for POST /v1/conductor/runs.
//
// Exactly one of Graph or Definition must be provided. Graph names a
// definition already loaded in the graph library; Definition carries an
// inline YAML document parsed and built on the fly.
type SubmitRunRequest struct {
	// Graph is the name of a library graph to run.
	Graph string `json:"graph,omitempty"`

	// Definition is an inline YAML graph definition.
	Definition string `json:"definition,omitempty"`

	// Initial seeds the run's shared state.
	Initial map[string]any `json:"initial,omitempty"`
}

// ResumeRunRequest is the request body for POST /v1/conductor/runs/:id/resume.
type ResumeRunRequest struct {
	// Graph optionally overrides the graph name recorded in the
	// checkpoint. The built graph must still carry the recorded name.
	Graph string `json:"graph,omitempty"`
}

// RunResponse is the response for run submission and resumption.
type RunResponse struct {
	// RunID identifies the run for status, cancel, and event queries.
	RunID string `json:"run_id"`

	// GraphName is the graph the run executes.
	GraphName string `json:"graph_name"`

	// State is the scheduler state at response time.
	State string `json:"state"`
}

// StatusResponse is the response for GET /v1/conductor/runs/:id.
type StatusResponse struct {
	// Status is the full progress report for the run.
	Status *scheduler.Status `json:"status"`
}

// GraphsResponse is the response for GET /v1/conductor/graphs.
type GraphsResponse struct {
	// Graphs are the loaded definition names, sorted.
	Graphs []string `json:"graphs"`

	// Executors are the registered executor names, sorted.
	Executors []string `json:"executors"`
}

// CheckpointsResponse is the response for GET /v1/conductor/runs/:id/checkpoints.
type CheckpointsResponse struct {
	// RunID is the run the versions belong to.
	RunID string `json:"run_id"`

	// Versions are the stored checkpoint versions, ascending.
	Versions []uint64 `json:"versions"`
}

// HealthResponse is the response for GET /v1/conductor/health.
type HealthResponse struct {
	// Status is "healthy" or "degraded".
	Status string `json:"status"`

	// Version is the service version.
	Version string `json:"version"`
}

// ReadyResponse is the response for GET /v1/conductor/ready.
type ReadyResponse struct {
	// Ready is true if the service is ready to accept runs.
	Ready bool `json:"ready"`

	// GraphCount is the number of loaded graph definitions.
	GraphCount int `json:"graph_count"`

	// ActiveRuns is the number of runs currently executing.
	ActiveRuns int `json:"active_runs"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is the error code (optional).
	Code string `json:"code,omitempty"`

	// Details provides additional error context (optional).
	Details string `json:"details,omitempty"`
}
