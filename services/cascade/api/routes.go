// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/cascade/services/cascade/telemetry"
)

// RegisterRoutes registers the /v1 endpoints on rg.
//
// Endpoints:
//
//	POST /v1/cascade            - Run a cascade from explicit ids
//	POST /v1/hierarchy/rebuild  - Rebuild grouping and container nodes
//	POST /v1/nodes              - Apply definitions, then cascade
//	GET  /v1/nodes/:id          - Fetch one stored node
//	GET  /v1/health             - Store reachability
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	rg.POST("/cascade", h.HandleCascade)
	rg.POST("/hierarchy/rebuild", h.HandleRebuild)
	rg.POST("/nodes", h.HandleApply)
	rg.GET("/nodes/:id", h.HandleGetNode)
	rg.GET("/health", h.HandleHealth)
}

// NewRouter builds the full router: recovery, otel tracing, /v1 routes
// and /metrics.
func NewRouter(h *Handlers, serviceName string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))

	RegisterRoutes(router.Group("/v1"), h)
	router.GET("/metrics", gin.WrapH(metricsHandler()))
	return router
}

func metricsHandler() http.Handler {
	if handler := telemetry.MetricsHandler(); handler != nil {
		return handler
	}
	return promhttp.Handler()
}
