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
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/kbcache/services/kbcache/cachekey"
	"github.com/AleutianAI/kbcache/services/kbcache/facts"
	"github.com/AleutianAI/kbcache/services/kbcache/orchestrator"
	"github.com/AleutianAI/kbcache/services/kbcache/telemetry"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 500
)

// Handlers serves the knowledge base endpoints.
type Handlers struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandlers creates handlers for svc.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc, logger: svc.logger}
}

// HandleStatus handles GET /v1/kb/status.
func (h *Handlers) HandleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Status())
}

// HandleEnsure handles POST /v1/kb/ensure.
//
// Description:
//
//	Starts loading or building the knowledge base. With ?wait=true the
//	request blocks until the outcome is known or the client goes away;
//	the work itself is never cancelled by the request.
//
// Response:
//
//	200 OK: EnsureResponse with done=true
//	202 Accepted: EnsureResponse with done=false
//	400 Bad Request: invalid wait parameter
func (h *Handlers) HandleEnsure(c *gin.Context) {
	h.respondPending(c, "HandleEnsure", h.svc.Ensure)
}

// HandleRebuild handles POST /v1/kb/rebuild. Accepts ?wait=true like
// HandleEnsure.
func (h *Handlers) HandleRebuild(c *gin.Context) {
	h.respondPending(c, "HandleRebuild", h.svc.Rebuild)
}

func (h *Handlers) respondPending(c *gin.Context, handler string, start func(ctx context.Context) *orchestrator.Pending) {
	ctx := c.Request.Context()
	logger := telemetry.LoggerWithTrace(ctx, h.logger).With(
		slog.String("request_id", getOrCreateRequestID(c)),
		slog.String("handler", handler))

	wait, err := boolQuery(c, "wait")
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "wait must be a boolean", Code: "INVALID_REQUEST"})
		return
	}

	p := start(ctx)
	if !wait {
		res, done := p.Result()
		c.JSON(statusFor(done), ensureResponse(h.svc, res, done))
		return
	}

	res, err := p.Wait(ctx)
	if err != nil {
		logger.Info("client stopped waiting", slog.String("error", err.Error()))
		c.JSON(http.StatusAccepted, ensureResponse(h.svc, orchestrator.Result{}, false))
		return
	}
	if res.Err != nil {
		logger.Warn("knowledge base unavailable", slog.String("error", res.Err.Error()))
	}
	c.JSON(http.StatusOK, ensureResponse(h.svc, res, true))
}

// HandleLookup handles GET /v1/kb/facts/:table/:key.
//
// Response:
//
//	200 OK: FactResponse
//	400 Bad Request: unknown table
//	404 Not Found: no such fact
//	503 Service Unavailable: knowledge base not ready
func (h *Handlers) HandleLookup(c *gin.Context) {
	resp, err := h.svc.Lookup(c.Param("table"), c.Param("key"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, resp)
	case errors.Is(err, facts.ErrUnknownTable):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_TABLE"})
	case errors.Is(err, ErrFactNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "NOT_FOUND"})
	case errors.Is(err, orchestrator.ErrNotReady):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Code: "NOT_READY"})
	default:
		h.logger.Error("lookup failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "lookup failed", Code: "LOOKUP_FAILED"})
	}
}

// HandleHistory handles GET /v1/kb/history?limit=N.
func (h *Handlers) HandleHistory(c *gin.Context) {
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxHistoryLimit {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "limit must be between 1 and 500", Code: "INVALID_REQUEST"})
			return
		}
		limit = n
	}

	entries, err := h.svc.History(c.Request.Context(), limit)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, HistoryResponse{Entries: entries})
	case errors.Is(err, ErrJournalDisabled):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "JOURNAL_DISABLED"})
	default:
		h.logger.Error("history failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "history unavailable", Code: "HISTORY_FAILED"})
	}
}

// HandleHealth handles GET /v1/kb/health. A failed build reports
// "degraded" but the process stays healthy.
func (h *Handlers) HandleHealth(c *gin.Context) {
	state := h.svc.orch.State()
	status := "ok"
	if state == orchestrator.StateFailed {
		status = "degraded"
	}
	c.JSON(http.StatusOK, HealthResponse{Status: status, Version: ServiceVersion, State: state.String()})
}

func ensureResponse(svc *Service, res orchestrator.Result, done bool) EnsureResponse {
	if !done {
		return EnsureResponse{State: svc.orch.State().String()}
	}
	resp := EnsureResponse{
		State:  res.State.String(),
		Done:   true,
		Source: string(res.Source),
		TaskID: res.TaskID,
	}
	if res.Key != (cachekey.Key{}) {
		resp.Key = res.Key.String()
	}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}
	return resp
}

func statusFor(done bool) int {
	if done {
		return http.StatusOK
	}
	return http.StatusAccepted
}

func boolQuery(c *gin.Context, name string) (bool, error) {
	raw := c.Query(name)
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}

// getOrCreateRequestID echoes X-Request-ID or generates one.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}
