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
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/conductor/services/conductor/checkpoint"
	"github.com/AleutianAI/conductor/services/conductor/graphdef"
	"github.com/AleutianAI/conductor/services/conductor/scheduler"
)

// Handlers holds the HTTP handlers for the conductor service.
type Handlers struct {
	service *Service
	logger  *slog.Logger
}

// NewHandlers creates handlers for the given service.
func NewHandlers(service *Service) *Handlers {
	return &Handlers{
		service: service,
		logger:  service.logger,
	}
}

// getOrCreateRequestID returns the X-Request-ID header or a new UUID.
func getOrCreateRequestID(c *gin.Context) string {
	if id := c.GetHeader("X-Request-ID"); id != "" {
		return id
	}
	return uuid.NewString()
}

// HandleSubmitRun handles POST /v1/conductor/runs.
//
// Description:
//
//	Builds the requested graph (library name or inline YAML), seeds the
//	shared state, and starts the run. Returns immediately with the run
//	ID; progress is observed via status and event endpoints.
//
// Responses:
//
//	202 Accepted: Run started
//	400 Bad Request: Invalid body, unknown graph, or invalid definition
//	503 Service Unavailable: Scheduler shutting down
//	500 Internal Server Error: Submission error
func (h *Handlers) HandleSubmitRun(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleSubmitRun")

	var req SubmitRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	run, err := h.service.SubmitRun(c.Request.Context(), req)
	if err != nil {
		status, code := submitErrorStatus(err)
		logger.Warn("Run submission rejected", "error", err, "graph", req.Graph)
		c.JSON(status, ErrorResponse{
			Error: err.Error(),
			Code:  code,
		})
		return
	}

	logger.Info("Run submitted",
		"run_id", run.ID(),
		"graph", run.Graph().Name())
	c.JSON(http.StatusAccepted, RunResponse{
		RunID:     run.ID(),
		GraphName: run.Graph().Name(),
		State:     string(run.State()),
	})
}

// HandleResumeRun handles POST /v1/conductor/runs/:id/resume.
//
// Responses:
//
//	202 Accepted: Run resumed (or already finished; State reflects it)
//	400 Bad Request: Invalid body or graph/checkpoint mismatch
//	404 Not Found: No checkpoint for the run
//	503 Service Unavailable: Scheduler shutting down
func (h *Handlers) HandleResumeRun(c *gin.Context) {
	runID := c.Param("id")
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleResumeRun")

	var req ResumeRunRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			logger.Warn("Invalid request body", "error", err)
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: "Invalid request body",
				Code:  "INVALID_REQUEST",
			})
			return
		}
	}

	run, err := h.service.ResumeRun(c.Request.Context(), runID, req)
	if err != nil {
		status := http.StatusInternalServerError
		code := "RESUME_ERROR"
		switch {
		case errors.Is(err, checkpoint.ErrNotFound):
			status = http.StatusNotFound
			code = "RUN_NOT_FOUND"
		case errors.Is(err, scheduler.ErrGraphMismatch),
			errors.Is(err, graphdef.ErrUnknownDefinition):
			status = http.StatusBadRequest
			code = "GRAPH_MISMATCH"
		case errors.Is(err, scheduler.ErrSchedulerClosed):
			status = http.StatusServiceUnavailable
			code = "SHUTTING_DOWN"
		}
		logger.Warn("Run resume rejected", "run_id", runID, "error", err)
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}

	logger.Info("Run resumed", "run_id", run.ID(), "graph", run.Graph().Name())
	c.JSON(http.StatusAccepted, RunResponse{
		RunID:     run.ID(),
		GraphName: run.Graph().Name(),
		State:     string(run.State()),
	})
}

// HandleRunStatus handles GET /v1/conductor/runs/:id.
func (h *Handlers) HandleRunStatus(c *gin.Context) {
	runID := c.Param("id")

	status, err := h.service.scheduler.Status(runID)
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: err.Error(),
			Code:  "RUN_NOT_FOUND",
		})
		return
	}
	c.JSON(http.StatusOK, StatusResponse{Status: status})
}

// HandleCancelRun handles POST /v1/conductor/runs/:id/cancel.
//
// Responses:
//
//	202 Accepted: Drain requested
//	404 Not Found: Unknown run
//	409 Conflict: Run already finished
func (h *Handlers) HandleCancelRun(c *gin.Context) {
	runID := c.Param("id")
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleCancelRun")

	err := h.service.scheduler.Cancel(runID)
	if err != nil {
		status := http.StatusInternalServerError
		code := "CANCEL_ERROR"
		if errors.Is(err, scheduler.ErrRunNotFound) {
			status = http.StatusNotFound
			code = "RUN_NOT_FOUND"
		} else if errors.Is(err, scheduler.ErrRunNotActive) {
			status = http.StatusConflict
			code = "RUN_NOT_ACTIVE"
		}
		logger.Warn("Cancel rejected", "run_id", runID, "error", err)
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}

	logger.Info("Run draining", "run_id", runID)
	c.JSON(http.StatusAccepted, gin.H{"run_id": runID, "state": string(scheduler.RunStateDraining)})
}

// HandleCheckpoints handles GET /v1/conductor/runs/:id/checkpoints.
func (h *Handlers) HandleCheckpoints(c *gin.Context) {
	runID := c.Param("id")

	versions, err := h.service.CheckpointVersions(c.Request.Context(), runID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(),
			Code:  "STORE_ERROR",
		})
		return
	}
	c.JSON(http.StatusOK, CheckpointsResponse{RunID: runID, Versions: versions})
}

// HandleListGraphs handles GET /v1/conductor/graphs.
func (h *Handlers) HandleListGraphs(c *gin.Context) {
	c.JSON(http.StatusOK, GraphsResponse{
		Graphs:    h.service.GraphNames(),
		Executors: h.service.registry.Names(),
	})
}

// HandleReloadGraphs handles POST /v1/conductor/graphs/reload.
func (h *Handlers) HandleReloadGraphs(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleReloadGraphs")

	if err := h.service.ReloadGraphs(); err != nil {
		logger.Error("Graph reload failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(),
			Code:  "RELOAD_ERROR",
		})
		return
	}
	logger.Info("Graph library reloaded", "graphs", len(h.service.GraphNames()))
	c.JSON(http.StatusOK, GraphsResponse{
		Graphs:    h.service.GraphNames(),
		Executors: h.service.registry.Names(),
	})
}

// HandleHealth handles GET /v1/conductor/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: Version,
	})
}

// HandleReady handles GET /v1/conductor/ready.
func (h *Handlers) HandleReady(c *gin.Context) {
	c.JSON(http.StatusOK, ReadyResponse{
		Ready:      true,
		GraphCount: len(h.service.GraphNames()),
		ActiveRuns: h.service.scheduler.ActiveRuns(),
	})
}

// submitErrorStatus maps a submission error to an HTTP status and code.
func submitErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrNoGraphSource), errors.Is(err, ErrAmbiguousGraphSource):
		return http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, graphdef.ErrUnknownDefinition):
		return http.StatusBadRequest, "UNKNOWN_GRAPH"
	case errors.Is(err, graphdef.ErrInvalidDefinition),
		errors.Is(err, graphdef.ErrUnknownExecutor):
		return http.StatusBadRequest, "INVALID_DEFINITION"
	case errors.Is(err, scheduler.ErrSchedulerClosed):
		return http.StatusServiceUnavailable, "SHUTTING_DOWN"
	default:
		return http.StatusInternalServerError, "SUBMIT_ERROR"
	}
}
