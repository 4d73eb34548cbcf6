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
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all conductor routes with the router.
//
// Description:
//
//	Registers all /v1/conductor/* endpoints with the given Gin router
//	group. The router group should already have any required middleware
//	applied.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//
// Endpoints:
//
//	POST /v1/conductor/runs - Submit a run
//	GET  /v1/conductor/runs/:id - Run status
//	POST /v1/conductor/runs/:id/cancel - Drain a run
//	POST /v1/conductor/runs/:id/resume - Resume from latest checkpoint
//	GET  /v1/conductor/runs/:id/checkpoints - Stored checkpoint versions
//	GET  /v1/conductor/runs/:id/events - WebSocket event stream
//	GET  /v1/conductor/graphs - List loaded graph definitions
//	POST /v1/conductor/graphs/reload - Re-read the library directory
//	GET  /v1/conductor/health - Health check
//	GET  /v1/conductor/ready - Readiness check
//
// Example:
//
//	service, _ := conductor.NewService(cfg)
//	handlers := conductor.NewHandlers(service)
//
//	v1 := router.Group("/v1")
//	conductor.RegisterRoutes(v1, handlers)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	cond := rg.Group("/conductor")
	{
		// Run lifecycle
		cond.POST("/runs", handlers.HandleSubmitRun)
		cond.GET("/runs/:id", handlers.HandleRunStatus)
		cond.POST("/runs/:id/cancel", handlers.HandleCancelRun)
		cond.POST("/runs/:id/resume", handlers.HandleResumeRun)

		// Durability
		cond.GET("/runs/:id/checkpoints", handlers.HandleCheckpoints)

		// Observation
		cond.GET("/runs/:id/events", handlers.HandleRunEvents)

		// Graph library
		cond.GET("/graphs", handlers.HandleListGraphs)
		cond.POST("/graphs/reload", handlers.HandleReloadGraphs)

		// Health checks
		cond.GET("/health", handlers.HandleHealth)
		cond.GET("/ready", handlers.HandleReady)
	}
}
