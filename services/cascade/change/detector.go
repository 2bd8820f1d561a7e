// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package change decides whether recomputed nodes differ from their
// persisted form, and collapses duplicate pending updates.
package change

import (
	"encoding/json"
	"sort"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/AleutianAI/cascade/services/cascade/node"
)

// Fields compared by the detector, in report order.
const (
	FieldSelfData     = "selfData"
	FieldOverrideData = "overrideData"
	FieldData         = "effectiveData"
	FieldDeps         = "deps"
	FieldTags         = "tags"
)

// Detector compares node states after order-insensitive normalization.
//
// Object keys are sorted and arrays are sorted by the serialized form of
// their elements, so merges that emit keys or array items in a different
// order never count as changes.
//
// Thread Safety: Safe for concurrent use.
type Detector struct{}

// NewDetector creates a Detector.
func NewDetector() *Detector { return &Detector{} }

// Changed reports whether next differs from prev in any compared field.
// A nil prev (a node never persisted) is always a change.
func (d *Detector) Changed(prev, next *node.Node) bool {
	return len(d.Diff(prev, next)) > 0
}

// Diff lists the compared fields that differ, in fixed order.
func (d *Detector) Diff(prev, next *node.Node) []string {
	if next == nil {
		return nil
	}
	if prev == nil {
		return []string{FieldSelfData, FieldOverrideData, FieldData, FieldDeps, FieldTags}
	}
	a, b := snapshot(prev), snapshot(next)
	var fields []string
	for i, name := range []string{FieldSelfData, FieldOverrideData, FieldData, FieldDeps, FieldTags} {
		if a[i] != b[i] {
			fields = append(fields, name)
		}
	}
	return fields
}

// Explain renders a human-readable diff of the compared fields, or "" when
// nothing changed. Used by verbose cascade output.
func (d *Detector) Explain(prev, next *node.Node) string {
	if !d.Changed(prev, next) {
		return ""
	}
	return cmp.Diff(view(prev), view(next))
}

// Drifted reports the derived fields (selfData, effectiveData) whose stored
// form differs from next only in array order. Changed ignores such
// differences, but a stored node that drifted no longer equals
// Merge(SelfData, OverrideData) and must be rewritten.
func (d *Detector) Drifted(prev, next *node.Node) []string {
	if prev == nil || next == nil {
		return nil
	}
	var fields []string
	if !exactEqual(prev.SelfData, next.SelfData) {
		fields = append(fields, FieldSelfData)
	}
	if !exactEqual(prev.Data, next.Data) {
		fields = append(fields, FieldData)
	}
	return fields
}

// ExplainDrift renders an order-sensitive diff of the derived fields.
func (d *Detector) ExplainDrift(prev, next *node.Node) string {
	if len(d.Drifted(prev, next)) == 0 {
		return ""
	}
	return cmp.Diff(derived(prev), derived(next), cmpopts.EquateEmpty())
}

func exactEqual(a, b node.Data) bool {
	return cmp.Equal(map[string]any(a), map[string]any(b), cmpopts.EquateEmpty())
}

func derived(n *node.Node) map[string]any {
	return map[string]any{
		FieldSelfData: map[string]any(n.SelfData),
		FieldData:     map[string]any(n.Data),
	}
}

// projection holds the normalized compared fields.
type projection struct {
	SelfData     any      `json:"selfData"`
	OverrideData any      `json:"overrideData"`
	Data         any      `json:"effectiveData"`
	Deps         []string `json:"deps"`
	Tags         []string `json:"tags"`
}

func view(n *node.Node) projection {
	if n == nil {
		return projection{}
	}
	return projection{
		SelfData:     Normalize(map[string]any(n.SelfData)),
		OverrideData: Normalize(map[string]any(n.OverrideData)),
		Data:         Normalize(map[string]any(n.Data)),
		Deps:         sortedCopy(n.Deps),
		Tags:         sortedCopy(n.Tags),
	}
}

// snapshot serializes each compared field of the normalized view.
func snapshot(n *node.Node) [5]string {
	v := view(n)
	return [5]string{
		serialize(v.SelfData),
		serialize(v.OverrideData),
		serialize(v.Data),
		serialize(v.Deps),
		serialize(v.Tags),
	}
}

// Normalize returns v with arrays sorted by serialized element form,
// recursively. Object keys need no work: encoding/json already writes
// them sorted. Nil objects and arrays become empty ones.
func Normalize(v any) any {
	if m, ok := node.AsData(v); ok {
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[k] = Normalize(val)
		}
		return out
	}
	switch t := v.(type) {
	case []any:
		items := make([]any, len(t))
		keys := make([]string, len(t))
		for i, elem := range t {
			items[i] = Normalize(elem)
			keys[i] = serialize(items[i])
		}
		idx := make([]int, len(t))
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(a, b int) bool { return keys[idx[a]] < keys[idx[b]] })
		out := make([]any, len(t))
		for i, j := range idx {
			out[i] = items[j]
		}
		return out
	case []string:
		return sortedCopy(t)
	}
	return v
}

func sortedCopy(s []string) []string {
	out := append([]string{}, s...)
	sort.Strings(out)
	return out
}

func serialize(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
