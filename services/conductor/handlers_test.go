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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/conductor/services/conductor/budget"
	"github.com/AleutianAI/conductor/services/conductor/checkpoint"
	"github.com/AleutianAI/conductor/services/conductor/graphdef"
	"github.com/AleutianAI/conductor/services/conductor/pool"
	"github.com/AleutianAI/conductor/services/conductor/queue"
	"github.com/AleutianAI/conductor/services/conductor/scheduler"
)

func init() {
	// Set Gin to test mode to reduce noise
	gin.SetMode(gin.TestMode)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const libraryYAML = `name: pipeline
nodes:
  - name: produce
    executor: echo
    params:
      result:
        count: 3
    writes:
      - key: count
        reducer: set
  - name: consume
    executor: echo
    depends_on: [produce]
`

func testService(t *testing.T) (*Service, *scheduler.Scheduler) {
	t.Helper()

	monitor, err := budget.NewMonitor(
		&budget.StaticSampler{AvailableBytes: 8 << 30},
		budget.Config{
			SafeThreshold:     64 << 20,
			WarningThreshold:  32 << 20,
			CriticalThreshold: 16 << 20,
			MaxConcurrent:     8,
		},
		testLogger(),
	)
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}

	store := checkpoint.NewMemoryStore()
	sched, err := scheduler.New(scheduler.Config{
		Budget: monitor,
		Store:  store,
		Pool: pool.Config{
			MaxWorkers: 8,
			SpawnRate:  rate.Inf,
			Logger:     testLogger(),
		},
		RetryPolicy: queue.RetryPolicy{
			BaseDelay:    20 * time.Millisecond,
			MaxDelay:     100 * time.Millisecond,
			Factor:       2.0,
			JitterFactor: 0,
		},
		TickInterval:   2 * time.Millisecond,
		QuiesceTimeout: 5 * time.Second,
		Logger:         testLogger(),
	})
	if err != nil {
		t.Fatalf("scheduler.New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched.Shutdown(ctx)
	})

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "pipeline.yaml"), []byte(libraryYAML), 0o644); err != nil {
		t.Fatalf("write library file: %v", err)
	}
	registry := graphdef.NewRegistry()
	library, err := graphdef.NewLibrary(dir, registry, testLogger())
	if err != nil {
		t.Fatalf("NewLibrary: %v", err)
	}
	if err := library.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	svc, err := NewService(ServiceConfig{
		Scheduler: sched,
		Store:     store,
		Library:   library,
		Registry:  registry,
		Logger:    testLogger(),
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, sched
}

func setupTestRouter(svc *Service) *gin.Engine {
	router := gin.New()
	handlers := NewHandlers(svc)
	v1 := router.Group("/v1")
	RegisterRoutes(v1, handlers)
	return router
}

func postJSON(t *testing.T, router *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req, _ := http.NewRequest("POST", path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func getJSON(t *testing.T, router *gin.Engine, path string, out any) *httptest.ResponseRecorder {
	t.Helper()
	req, _ := http.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if out != nil && w.Code == http.StatusOK {
		if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
			t.Fatalf("unmarshal response: %v", err)
		}
	}
	return w
}

func waitForRun(t *testing.T, sched *scheduler.Scheduler, runID string) {
	t.Helper()
	run, ok := sched.Run(runID)
	if !ok {
		t.Fatalf("run %s not registered", runID)
	}
	select {
	case <-run.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("run %s did not finish", runID)
	}
}

func TestHandlers_HandleHealth(t *testing.T) {
	svc, _ := testService(t)
	router := setupTestRouter(svc)

	var resp HealthResponse
	w := getJSON(t, router, "/v1/conductor/health", &resp)
	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	if resp.Status != "healthy" {
		t.Errorf("expected status 'healthy', got %q", resp.Status)
	}
	if resp.Version != Version {
		t.Errorf("expected version %q, got %q", Version, resp.Version)
	}
}

func TestHandlers_HandleReady(t *testing.T) {
	svc, _ := testService(t)
	router := setupTestRouter(svc)

	var resp ReadyResponse
	w := getJSON(t, router, "/v1/conductor/ready", &resp)
	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	if !resp.Ready {
		t.Error("expected Ready=true")
	}
	if resp.GraphCount != 1 {
		t.Errorf("expected 1 graph, got %d", resp.GraphCount)
	}
}

func TestHandlers_HandleSubmitRun_InvalidRequest(t *testing.T) {
	svc, _ := testService(t)
	router := setupTestRouter(svc)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "empty body",
			body:       "{}",
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_REQUEST",
		},
		{
			name:       "not json",
			body:       "plainly not json",
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_REQUEST",
		},
		{
			name:       "both sources",
			body:       `{"graph":"pipeline","definition":"name: x"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_REQUEST",
		},
		{
			name:       "unknown graph",
			body:       `{"graph":"nonesuch"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "UNKNOWN_GRAPH",
		},
		{
			name:       "invalid inline definition",
			body:       `{"definition":"name: broken\nnodes: []"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_DEFINITION",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest("POST", "/v1/conductor/runs", bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			var resp ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("unmarshal error response: %v", err)
			}
			if resp.Code != tt.wantCode {
				t.Errorf("expected code %q, got %q", tt.wantCode, resp.Code)
			}
		})
	}
}

func TestHandlers_SubmitStatusLifecycle(t *testing.T) {
	svc, sched := testService(t)
	router := setupTestRouter(svc)

	w := postJSON(t, router, "/v1/conductor/runs", SubmitRunRequest{
		Graph:   "pipeline",
		Initial: map[string]any{"seed": true},
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d: %s", http.StatusAccepted, w.Code, w.Body.String())
	}
	var submitted RunResponse
	if err := json.Unmarshal(w.Body.Bytes(), &submitted); err != nil {
		t.Fatalf("unmarshal submit response: %v", err)
	}
	if submitted.RunID == "" {
		t.Fatal("expected a run ID")
	}
	if submitted.GraphName != "pipeline" {
		t.Errorf("expected graph 'pipeline', got %q", submitted.GraphName)
	}

	waitForRun(t, sched, submitted.RunID)

	var status StatusResponse
	sw := getJSON(t, router, "/v1/conductor/runs/"+submitted.RunID, &status)
	if sw.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, sw.Code)
	}
	if status.Status.State != scheduler.RunStateStopped {
		t.Errorf("expected stopped run, got %q", status.Status.State)
	}
	if status.Status.CompletedLevels != status.Status.TotalLevels {
		t.Errorf("expected all levels complete, got %d/%d",
			status.Status.CompletedLevels, status.Status.TotalLevels)
	}

	var cps CheckpointsResponse
	cw := getJSON(t, router, "/v1/conductor/runs/"+submitted.RunID+"/checkpoints", &cps)
	if cw.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, cw.Code)
	}
	if len(cps.Versions) == 0 {
		t.Error("expected stored checkpoint versions")
	}
}

func TestHandlers_SubmitInlineDefinition(t *testing.T) {
	svc, sched := testService(t)
	router := setupTestRouter(svc)

	inline := "name: adhoc\nnodes:\n  - name: only\n    executor: echo\n"
	w := postJSON(t, router, "/v1/conductor/runs", SubmitRunRequest{Definition: inline})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d: %s", http.StatusAccepted, w.Code, w.Body.String())
	}
	var resp RunResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal submit response: %v", err)
	}
	if resp.GraphName != "adhoc" {
		t.Errorf("expected graph 'adhoc', got %q", resp.GraphName)
	}
	waitForRun(t, sched, resp.RunID)
}

func TestHandlers_HandleRunStatus_NotFound(t *testing.T) {
	svc, _ := testService(t)
	router := setupTestRouter(svc)

	w := getJSON(t, router, "/v1/conductor/runs/nonesuch", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status %d, got %d", http.StatusNotFound, w.Code)
	}
}

func TestHandlers_HandleCancelRun(t *testing.T) {
	svc, sched := testService(t)
	router := setupTestRouter(svc)

	// A run that already finished cannot be cancelled.
	w := postJSON(t, router, "/v1/conductor/runs", SubmitRunRequest{Graph: "pipeline"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("submit failed: %d %s", w.Code, w.Body.String())
	}
	var resp RunResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal submit response: %v", err)
	}
	waitForRun(t, sched, resp.RunID)

	cw := postJSON(t, router, "/v1/conductor/runs/"+resp.RunID+"/cancel", nil)
	if cw.Code != http.StatusConflict {
		t.Errorf("expected status %d, got %d: %s", http.StatusConflict, cw.Code, cw.Body.String())
	}

	uw := postJSON(t, router, "/v1/conductor/runs/nonesuch/cancel", nil)
	if uw.Code != http.StatusNotFound {
		t.Errorf("expected status %d, got %d", http.StatusNotFound, uw.Code)
	}
}

func TestHandlers_HandleResumeRun_NotFound(t *testing.T) {
	svc, _ := testService(t)
	router := setupTestRouter(svc)

	w := postJSON(t, router, "/v1/conductor/runs/nonesuch/resume", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status %d, got %d: %s", http.StatusNotFound, w.Code, w.Body.String())
	}
}

func TestHandlers_HandleResumeRun_FinishedRun(t *testing.T) {
	svc, sched := testService(t)
	router := setupTestRouter(svc)

	w := postJSON(t, router, "/v1/conductor/runs", SubmitRunRequest{Graph: "pipeline"})
	var resp RunResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal submit response: %v", err)
	}
	waitForRun(t, sched, resp.RunID)

	// Resuming a completed run yields a finished handle, not an error.
	rw := postJSON(t, router, "/v1/conductor/runs/"+resp.RunID+"/resume", nil)
	if rw.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d: %s", http.StatusAccepted, rw.Code, rw.Body.String())
	}
	waitForRun(t, sched, resp.RunID)
}

func TestHandlers_HandleListGraphs(t *testing.T) {
	svc, _ := testService(t)
	router := setupTestRouter(svc)

	var resp GraphsResponse
	w := getJSON(t, router, "/v1/conductor/graphs", &resp)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	if len(resp.Graphs) != 1 || resp.Graphs[0] != "pipeline" {
		t.Errorf("expected [pipeline], got %v", resp.Graphs)
	}
	found := false
	for _, e := range resp.Executors {
		if e == "echo" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected 'echo' in executors, got %v", resp.Executors)
	}
}

func TestHandlers_HandleReloadGraphs(t *testing.T) {
	svc, _ := testService(t)
	router := setupTestRouter(svc)

	w := postJSON(t, router, "/v1/conductor/graphs/reload", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	var resp GraphsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(resp.Graphs) != 1 {
		t.Errorf("expected 1 graph after reload, got %d", len(resp.Graphs))
	}
}

func TestService_RequiresSchedulerAndStore(t *testing.T) {
	if _, err := NewService(ServiceConfig{}); err == nil {
		t.Error("expected error for missing scheduler")
	}
	_, sched := testService(t)
	if _, err := NewService(ServiceConfig{Scheduler: sched}); err == nil {
		t.Error("expected error for missing store")
	}
}

func TestService_ConcurrentSubmits(t *testing.T) {
	svc, sched := testService(t)
	router := setupTestRouter(svc)

	ids := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		w := postJSON(t, router, "/v1/conductor/runs", SubmitRunRequest{
			Graph:   "pipeline",
			Initial: map[string]any{"n": fmt.Sprintf("run-%d", i)},
		})
		if w.Code != http.StatusAccepted {
			t.Fatalf("submit %d failed: %d %s", i, w.Code, w.Body.String())
		}
		var resp RunResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("unmarshal submit response: %v", err)
		}
		ids = append(ids, resp.RunID)
	}
	for _, id := range ids {
		waitForRun(t, sched, id)
	}
}
