// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package kbcache

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	eventsBuffer    = 64
	eventsPingEvery = 30 * time.Second
	eventsWriteWait = 10 * time.Second
)

// The server binds to loopback by default; any local origin may stream.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleEvents handles GET /v1/kb/events.
//
// Description:
//
//	Upgrades to a WebSocket and streams every notice and event as a
//	notify.Message JSON frame until the client disconnects. Messages
//	published before the upgrade are not replayed; GET /v1/kb/status
//	carries the recent history.
func (h *Handlers) HandleEvents(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With(slog.String("request_id", requestID), slog.String("handler", "HandleEvents"))

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	msgs, cancel := h.svc.Subscribe(eventsBuffer)
	defer cancel()

	// Reads only detect the close; clients send nothing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventsPingEvery)
	defer ping.Stop()

	logger.Debug("event stream opened")
	for {
		select {
		case <-gone:
			logger.Debug("event stream closed by client")
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			if !sendJSON(ws, m, logger) {
				return
			}
		case <-ping.C:
			_ = ws.SetWriteDeadline(time.Now().Add(eventsWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func sendJSON(ws *websocket.Conn, v any, logger *slog.Logger) bool {
	_ = ws.SetWriteDeadline(time.Now().Add(eventsWriteWait))
	if err := ws.WriteJSON(v); err != nil {
		logger.Warn("failed to send websocket message", slog.String("error", err.Error()))
		return false
	}
	return true
}
