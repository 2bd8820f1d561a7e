// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api exposes the engine over HTTP with gin.
package api

import (
	"github.com/AleutianAI/cascade/services/cascade/authoring"
	"github.com/AleutianAI/cascade/services/cascade/engine"
)

// ServiceVersion is reported by the health endpoint.
const ServiceVersion = "1.0.0"

// CascadeRequest is the body of POST /v1/cascade.
type CascadeRequest struct {
	IDs       []string `json:"ids" binding:"required,min=1,dive,required"`
	DryRun    bool     `json:"dryRun"`
	Verbose   bool     `json:"verbose"`
	MaxPasses int      `json:"maxPasses" binding:"gte=0,lte=50"`
}

// RebuildRequest is the body of POST /v1/hierarchy/rebuild.
type RebuildRequest struct {
	Full    bool     `json:"full"`
	After   []string `json:"after" binding:"dive,required"`
	DryRun  bool     `json:"dryRun"`
	Verbose bool     `json:"verbose"`
}

// ApplyRequest is the body of POST /v1/nodes.
type ApplyRequest struct {
	Nodes []authoring.Definition `json:"nodes" binding:"required,min=1"`

	// NoCascade skips the cascade seeded with the applied ids.
	NoCascade bool `json:"noCascade"`
	DryRun    bool `json:"dryRun"`
}

// ApplyResponse reports an apply and its follow-up cascade.
type ApplyResponse struct {
	Apply   *authoring.ApplyResult `json:"apply"`
	Cascade *engine.RunResult      `json:"cascade,omitempty"`
}

// HealthResponse is returned by GET /v1/health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Nodes   int    `json:"nodes"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
