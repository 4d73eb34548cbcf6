// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/conductor/services/conductor"
	"github.com/AleutianAI/conductor/services/conductor/telemetry"
)

// runServe starts the HTTP API and blocks until SIGINT/SIGTERM, then
// drains active runs before exiting.
func runServe(cmd *cobra.Command, args []string) error {
	app, err := NewApp(config)
	if err != nil {
		return err
	}
	defer app.Close()

	if config.Server.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	svc, err := conductor.NewService(conductor.ServiceConfig{
		Scheduler: app.Scheduler,
		Store:     app.Store,
		Library:   app.Library,
		Registry:  app.Registry,
		Logger:    app.Logger.Slog(),
	})
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	handlers := conductor.NewHandlers(svc)

	router := gin.New()
	router.Use(gin.Recovery())
	if config.Server.Debug {
		router.Use(gin.Logger())
	}
	v1 := router.Group("/v1")
	conductor.RegisterRoutes(v1, handlers)
	if strings.EqualFold(config.Telemetry.MetricExporter, "prometheus") {
		router.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))
	}

	// Hot-reload graph definitions while serving.
	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	if err := app.Library.Watch(watchCtx); err != nil {
		app.Logger.Warn("graph library watch unavailable", "error", err)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", config.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		app.Logger.Info("conductor API listening",
			"addr", srv.Addr,
			"graph_dir", config.GraphDir,
			"data_dir", config.DataDir)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-quit:
		app.Logger.Info("shutting down", "signal", sig.String())
	}

	// Stop accepting requests, then drain runs: each writes a final
	// checkpoint so work resumes after restart.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		app.Logger.Warn("http shutdown", "error", err)
	}
	if err := app.Scheduler.Shutdown(shutdownCtx); err != nil {
		app.Logger.Warn("scheduler drain incomplete", "error", err)
		return err
	}
	app.Logger.Info("shutdown complete")
	return nil
}
