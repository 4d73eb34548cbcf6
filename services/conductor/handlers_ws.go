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
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/conductor/services/conductor/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 64 * 1024,
}

// wsEnvelope wraps run events and control frames on the event stream.
type wsEnvelope struct {
	// Kind is "event", "replay_complete", or "run_done".
	Kind string `json:"kind"`

	// Event is present when Kind is "event".
	Event *events.Event `json:"event,omitempty"`

	// State carries the final run state for "run_done" frames.
	State string `json:"state,omitempty"`
}

func sendJSON(ws *websocket.Conn, logger *slog.Logger, v any) error {
	err := ws.WriteJSON(v)
	if err != nil {
		logger.Warn("Failed to write WebSocket JSON", "error", err)
	}
	return err
}

// HandleRunEvents handles GET /v1/conductor/runs/:id/events.
//
// Description:
//
//	Upgrades the connection, replays the run's retained event history,
//	then streams live events until the run reaches a terminal state or
//	the client disconnects. A "run_done" frame closes the stream.
//
// Thread Safety: Each connection writes from a single goroutine; live
// events are forwarded through a channel rather than written from the
// emitter's callback.
func (h *Handlers) HandleRunEvents(c *gin.Context) {
	runID := c.Param("id")
	logger := h.logger.With("handler", "HandleRunEvents", "run_id", runID)

	run, ok := h.service.scheduler.Run(runID)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "run not found",
			Code:  "RUN_NOT_FOUND",
		})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error("Failed to upgrade the websocket", "error", err)
		return
	}
	defer ws.Close()
	logger.Info("Event stream client connected")

	// Buffered so the emitter's synchronous dispatch never blocks on a
	// slow client; overflow is dropped in favor of liveness.
	live := make(chan events.Event, 256)
	subID := run.Events().Subscribe(func(e *events.Event) {
		select {
		case live <- *e:
		default:
		}
	})
	defer run.Events().Unsubscribe(subID)

	// Replay happens after subscribing, so events landing in between
	// are buffered rather than lost. Duplicates across the seam are
	// possible; clients deduplicate on event ID.
	for _, e := range run.Events().Recent() {
		e := e
		if err := sendJSON(ws, logger, wsEnvelope{Kind: "event", Event: &e}); err != nil {
			return
		}
	}
	if err := sendJSON(ws, logger, wsEnvelope{Kind: "replay_complete"}); err != nil {
		return
	}

	// Reader goroutine: we never expect client frames, but reading is
	// how disconnects surface.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case e := <-live:
			if err := sendJSON(ws, logger, wsEnvelope{Kind: "event", Event: &e}); err != nil {
				return
			}
		case <-run.Done():
			// Drain events emitted before the run closed its done
			// channel.
			for {
				select {
				case e := <-live:
					if err := sendJSON(ws, logger, wsEnvelope{Kind: "event", Event: &e}); err != nil {
						return
					}
					continue
				default:
				}
				break
			}
			_ = sendJSON(ws, logger, wsEnvelope{Kind: "run_done", State: string(run.State())})
			logger.Info("Event stream finished", "state", string(run.State()))
			return
		case <-gone:
			logger.Info("Event stream client disconnected")
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
