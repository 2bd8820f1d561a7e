// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package merge implements the deep merge used to derive inherited and
// effective configuration data.
//
// Semantics:
//
//   - object + object merges key by key, recursively
//   - arrays and scalars are replaced wholesale by the later source
//   - later layers win
//
// Results never alias their inputs, so callers may mutate them freely.
package merge

import (
	"fmt"
	"sort"

	"github.com/AleutianAI/cascade/services/cascade/node"
)

// DefaultMaxDepth bounds recursion. Past it, the later subtree replaces the
// earlier one and the report records a depth hit.
const DefaultMaxDepth = 64

// Anomaly describes input that could not be merged normally.
type Anomaly struct {
	// Layer is the index of the offending layer in MergeInOrder, or -1.
	Layer int `json:"layer"`

	// Path is a JSON-ish path such as "$.style.colors".
	Path string `json:"path"`

	// Reason is a short human-readable description.
	Reason string `json:"reason"`
}

// Report collects anomalies from one merge.
type Report struct {
	Anomalies []Anomaly `json:"anomalies,omitempty"`
	DepthHits int       `json:"depthHits"`
}

// OK reports whether the merge saw no anomalies.
func (r Report) OK() bool { return len(r.Anomalies) == 0 && r.DepthHits == 0 }

func (r *Report) add(layer int, path, reason string) {
	r.Anomalies = append(r.Anomalies, Anomaly{Layer: layer, Path: path, Reason: reason})
}

// Merger carries merge options. The zero value uses DefaultMaxDepth.
type Merger struct {
	MaxDepth int
}

func (m Merger) maxDepth() int {
	if m.MaxDepth <= 0 {
		return DefaultMaxDepth
	}
	return m.MaxDepth
}

// Merge deep-merges src over dst using default options.
func Merge(dst, src node.Data) node.Data {
	out, _ := Merger{}.Merge(dst, src)
	return out
}

// MergeInOrder folds layers left to right using default options.
func MergeInOrder(layers ...node.Data) node.Data {
	out, _ := Merger{}.MergeInOrder(layers...)
	return out
}

// Merge deep-merges src over dst.
//
// Description:
//
//	Produces a new object: keys only in dst are copied, keys only in src
//	are copied, and keys in both are merged when both values are objects
//	or replaced by src otherwise. Keys are visited in sorted order so that
//	anomaly reports are deterministic.
//
// Inputs:
//
//	dst - Lower-priority data. May be nil.
//	src - Higher-priority data. May be nil.
//
// Outputs:
//
//	node.Data - The merged result, never nil, sharing no memory with inputs.
//	Report - Depth hits, if any.
func (m Merger) Merge(dst, src node.Data) (node.Data, Report) {
	var rep Report
	out := m.mergeObject(cloneObject(dst), src, "$", 0, &rep, -1)
	return out, rep
}

// MergeInOrder folds layers in order, later layers winning.
//
// Description:
//
//	A nil layer is treated as an empty contribution and recorded as an
//	anomaly: callers pass nil for a dependency whose data is missing or is
//	not an object.
func (m Merger) MergeInOrder(layers ...node.Data) (node.Data, Report) {
	var rep Report
	out := node.Data{}
	for i, layer := range layers {
		if layer == nil {
			rep.add(i, "$", "layer is not an object; treated as empty")
			continue
		}
		out = m.mergeObject(out, layer, "$", 0, &rep, i)
	}
	return out, rep
}

// mergeObject merges src into dst, which must already be owned by the
// caller.
func (m Merger) mergeObject(dst, src node.Data, path string, depth int, rep *Report, layer int) node.Data {
	if dst == nil {
		dst = node.Data{}
	}
	if depth >= m.maxDepth() {
		rep.DepthHits++
		rep.add(layer, path, fmt.Sprintf("max depth %d exceeded; subtree replaced", m.maxDepth()))
		return cloneObject(src)
	}

	keys := make([]string, 0, len(src))
	for k := range src {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		sv := src[k]
		dv, exists := dst[k]
		if !exists {
			dst[k] = cloneValue(sv)
			continue
		}
		dm, dok := node.AsData(dv)
		sm, sok := node.AsData(sv)
		if dok && sok {
			dst[k] = m.mergeObject(cloneObject(dm), sm, path+"."+k, depth+1, rep, layer)
			continue
		}
		dst[k] = cloneValue(sv)
	}
	return dst
}

func cloneObject(d node.Data) node.Data {
	out := make(node.Data, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	if m, ok := node.AsData(v); ok {
		return cloneObject(m)
	}
	if arr, ok := v.([]any); ok {
		out := make([]any, len(arr))
		for i, elem := range arr {
			out[i] = cloneValue(elem)
		}
		return out
	}
	return v
}
