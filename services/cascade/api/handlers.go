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
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/cascade/services/cascade/authoring"
	"github.com/AleutianAI/cascade/services/cascade/engine"
	"github.com/AleutianAI/cascade/services/cascade/graph"
	"github.com/AleutianAI/cascade/services/cascade/storage"
)

// Handlers serves the HTTP endpoints.
type Handlers struct {
	engine *engine.Engine
	author *authoring.Author
	logger *slog.Logger
}

// NewHandlers creates handlers over an engine and an author sharing one
// store. A nil logger uses slog.Default().
func NewHandlers(e *engine.Engine, a *authoring.Author, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{engine: e, author: a, logger: logger}
}

// HandleCascade handles POST /v1/cascade.
func (h *Handlers) HandleCascade(c *gin.Context) {
	logger := h.requestLogger(c, "HandleCascade")

	var req CascadeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
		return
	}

	res, err := h.engine.Cascade(c.Request.Context(), req.IDs, engine.CascadeOptions{
		DryRun:    req.DryRun,
		Verbose:   req.Verbose,
		MaxPasses: req.MaxPasses,
	})
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	c.JSON(runStatus(res), res)
}

// HandleRebuild handles POST /v1/hierarchy/rebuild.
func (h *Handlers) HandleRebuild(c *gin.Context) {
	logger := h.requestLogger(c, "HandleRebuild")

	var req RebuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
		return
	}

	res, err := h.engine.RebuildHierarchy(c.Request.Context(), engine.HierarchyOptions{
		Full:    req.Full,
		After:   req.After,
		DryRun:  req.DryRun,
		Verbose: req.Verbose,
	})
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	c.JSON(runStatus(res), res)
}

// HandleApply handles POST /v1/nodes: apply definitions, then cascade
// from the applied ids.
func (h *Handlers) HandleApply(c *gin.Context) {
	logger := h.requestLogger(c, "HandleApply")

	var req ApplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
		return
	}

	applied, err := h.author.Apply(c.Request.Context(), req.Nodes)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	resp := ApplyResponse{Apply: applied}
	if !req.NoCascade && len(applied.Applied) > 0 {
		res, err := h.engine.Cascade(c.Request.Context(), applied.Applied, engine.CascadeOptions{DryRun: req.DryRun})
		if err != nil {
			h.fail(c, logger, err)
			return
		}
		resp.Cascade = res
	}
	c.JSON(http.StatusOK, resp)
}

// HandleGetNode handles GET /v1/nodes/:id.
func (h *Handlers) HandleGetNode(c *gin.Context) {
	logger := h.requestLogger(c, "HandleGetNode")
	id := c.Param("id")

	nodes, err := h.engine.Store().FetchByIDs(c.Request.Context(), []string{id})
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	if len(nodes) == 0 {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "node " + id + " not found", Code: "NOT_FOUND"})
		return
	}
	c.JSON(http.StatusOK, nodes[0])
}

// HandleHealth handles GET /v1/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	nodes, err := h.engine.Store().FetchAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "unhealthy", Version: ServiceVersion})
		return
	}
	c.JSON(http.StatusOK, HealthResponse{Status: "healthy", Version: ServiceVersion, Nodes: len(nodes)})
}

// runStatus is 200 for a clean run and 207 when some batches failed.
func runStatus(res *engine.RunResult) int {
	if res.Success {
		return http.StatusOK
	}
	return http.StatusMultiStatus
}

// fail maps an error to a status and code and writes it.
func (h *Handlers) fail(c *gin.Context, logger *slog.Logger, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL"
	switch {
	case errors.Is(err, storage.ErrLocked):
		status, code = http.StatusConflict, "LOCKED"
	case errors.Is(err, storage.ErrUnavailable):
		status, code = http.StatusServiceUnavailable, "STORE_UNAVAILABLE"
	case errors.Is(err, storage.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, engine.ErrInvalidOptions):
		status, code = http.StatusBadRequest, "INVALID_OPTIONS"
	case errors.Is(err, authoring.ErrInvalidDefinitions):
		status, code = http.StatusUnprocessableEntity, "INVALID_DEFINITIONS"
	case errors.Is(err, authoring.ErrDanglingDependency):
		status, code = http.StatusUnprocessableEntity, "DANGLING_DEPENDENCY"
	case errors.Is(err, graph.ErrCycle):
		status, code = http.StatusUnprocessableEntity, "DEPENDENCY_CYCLE"
	}
	logger.Error("request failed", slog.String("code", code), slog.String("error", err.Error()))
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
}

func (h *Handlers) requestLogger(c *gin.Context, handler string) *slog.Logger {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return h.logger.With(slog.String("request_id", requestID), slog.String("handler", handler))
}
