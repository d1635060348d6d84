// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package namer

import (
	"context"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const eventWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// HandleTaskEvents handles GET /v1/namer/tasks/:id/events.
//
// Description:
//
//	Upgrades to a websocket and sends every event of the task as a JSON
//	text message: first the events already published, then live ones. The
//	server closes the socket with a normal closure once the task reaches
//	terminated. Messages from the client are ignored; a client close ends
//	the stream.
//
// Response:
//
//	101 Switching Protocols, then tasks.Event messages
//	404 Not Found: TASK_NOT_FOUND
func (h *Handlers) HandleTaskEvents(c *gin.Context) {
	logger := handlerLogger(c, "HandleTaskEvents")
	task, ok := h.lookupTask(c)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Read until the client goes away so control frames are processed.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	sent := 0
	for ev := range task.Events(ctx) {
		_ = conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
		if err := conn.WriteJSON(ev); err != nil {
			logger.Debug("event stream closed by peer", slog.String("error", err.Error()))
			return
		}
		sent++
	}
	if ctx.Err() != nil {
		return
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "task terminated")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	logger.Debug("event stream complete", slog.String("task_id", task.ID), slog.Int("events", sent))
}
