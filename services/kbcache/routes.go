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
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/kbcache/services/kbcache/telemetry"
)

// RegisterRoutes registers the /kb endpoints on rg.
//
// Endpoints:
//
//	GET  /v1/kb/status             - State, fact counts, recent notices
//	POST /v1/kb/ensure             - Load or build (?wait=true blocks)
//	POST /v1/kb/rebuild            - Force a build (?wait=true blocks)
//	GET  /v1/kb/facts/:table/:key  - Read one fact
//	GET  /v1/kb/history            - Build journal (?limit=N)
//	GET  /v1/kb/health             - Liveness
//	GET  /v1/kb/events             - WebSocket stream of notices and events
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	kb := rg.Group("/kb")
	{
		kb.GET("/status", handlers.HandleStatus)
		kb.POST("/ensure", handlers.HandleEnsure)
		kb.POST("/rebuild", handlers.HandleRebuild)
		kb.GET("/facts/:table/:key", handlers.HandleLookup)
		kb.GET("/history", handlers.HandleHistory)
		kb.GET("/health", handlers.HandleHealth)
		kb.GET("/events", handlers.HandleEvents)
	}
}

// NewRouter builds the HTTP engine for svc: recovery, OpenTelemetry
// middleware, the /v1/kb routes and /metrics.
func NewRouter(svc *Service, debug bool) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(svc.cfg.Telemetry.ServiceName))
	if debug {
		router.Use(gin.Logger())
	}

	v1 := router.Group("/v1")
	RegisterRoutes(v1, NewHandlers(svc))

	router.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))
	return router
}
