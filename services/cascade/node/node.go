// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package node

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Kinds
// =============================================================================

// Kind classifies how a node's SelfData is derived.
type Kind string

const (
	// KindProperty is a scalar field property such as "required".
	KindProperty Kind = "property"

	// KindField is an entity field inheriting from properties.
	KindField Kind = "field"

	// KindGrouping covers field-set, sort and filter sections. SelfData is
	// keyed by dependency id.
	KindGrouping Kind = "grouping"

	// KindContainer covers page, space, workspace, app and user-config
	// levels. SelfData is assembled into sparse sections.
	KindContainer Kind = "container"

	// KindLeafMisc covers everything else (views and similar); it is
	// computed like an ordinary node.
	KindLeafMisc Kind = "leaf-misc"
)

// SubKind refines a Kind. Grouping and container nodes must carry one of
// the sub-kinds declared below; other kinds may carry any value.
type SubKind string

const (
	SubKindFieldSet SubKind = "field_set"
	SubKindSort     SubKind = "sort"
	SubKindFilter   SubKind = "filter"

	SubKindPage       SubKind = "page"
	SubKindSpace      SubKind = "space"
	SubKindWorkspace  SubKind = "workspace"
	SubKindApp        SubKind = "app"
	SubKindUserConfig SubKind = "user_config"

	SubKindView SubKind = "view"
)

// Levels is the fixed bottom-up order in which hierarchy levels are rebuilt.
// Index 0 is the grouping level; containers follow from page to user config.
var Levels = []SubKind{"", SubKindPage, SubKindSpace, SubKindWorkspace, SubKindApp, SubKindUserConfig}

var groupingSubKinds = map[SubKind]bool{
	SubKindFieldSet: true,
	SubKindSort:     true,
	SubKindFilter:   true,
}

var containerLevels = map[SubKind]int{
	SubKindPage:       1,
	SubKindSpace:      2,
	SubKindWorkspace:  3,
	SubKindApp:        4,
	SubKindUserConfig: 5,
}

// IsOrdinary reports whether nodes of this kind merge their deps flatly.
func (k Kind) IsOrdinary() bool {
	return k == KindProperty || k == KindField || k == KindLeafMisc
}

// =============================================================================
// Node
// =============================================================================

// Node is one configuration entity with inherited and overridden data.
//
// The JSON form is the persisted shape shared by every store.
type Node struct {
	ID           string    `json:"id" yaml:"id" validate:"required,max=256"`
	Kind         Kind      `json:"kind" yaml:"kind" validate:"required,oneof=property field grouping container leaf-misc"`
	SubKind      SubKind   `json:"subKind,omitempty" yaml:"subKind,omitempty" validate:"max=64"`
	Deps         []string  `json:"deps" yaml:"deps" validate:"dive,required"`
	SelfData     Data      `json:"selfData" yaml:"selfData,omitempty"`
	OverrideData Data      `json:"overrideData" yaml:"overrideData,omitempty"`
	Data         Data      `json:"effectiveData" yaml:"effectiveData,omitempty"`
	Tags         []string  `json:"tags" yaml:"tags"`
	Category     string    `json:"category,omitempty" yaml:"category,omitempty"`
	Caption      string    `json:"caption,omitempty" yaml:"caption,omitempty"`
	Version      int       `json:"version" yaml:"version" validate:"gte=0"`
	Deleted      bool      `json:"deleted" yaml:"deleted"`
	UpdatedAt    time.Time `json:"updatedAt" yaml:"updatedAt,omitempty"`
}

// Normalize fills nil slices and maps with empty values and canonicalizes
// the three data maps. Invalid payloads are replaced by empty maps and
// reported; callers decide whether that is an anomaly or an error.
func (n *Node) Normalize() error {
	if n.Deps == nil {
		n.Deps = []string{}
	}
	if n.Tags == nil {
		n.Tags = []string{}
	}
	var errs []error
	for _, f := range []struct {
		name string
		data *Data
	}{
		{"selfData", &n.SelfData},
		{"overrideData", &n.OverrideData},
		{"effectiveData", &n.Data},
	} {
		norm, err := f.data.Normalize()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.name, err))
			norm = Data{}
		}
		*f.data = norm
	}
	return errors.Join(errs...)
}

// Clone returns a deep copy of n.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	cp := *n
	cp.Deps = append([]string{}, n.Deps...)
	cp.Tags = append([]string{}, n.Tags...)
	cp.SelfData = n.SelfData.Clone()
	cp.OverrideData = n.OverrideData.Clone()
	cp.Data = n.Data.Clone()
	return &cp
}

// Touch bumps the version and stamps UpdatedAt.
func (n *Node) Touch(now time.Time) {
	n.Version++
	n.UpdatedAt = now.UTC()
}

// IsGrouping reports whether n keys its SelfData by dependency id.
func (n *Node) IsGrouping() bool { return n.Kind == KindGrouping }

// IsContainer reports whether n is a hierarchy level.
func (n *Node) IsContainer() bool { return n.Kind == KindContainer }

// Level returns the hierarchy level of n: 0 for grouping nodes, 1-5 for
// container levels from page to user config, and -1 for everything else.
func (n *Node) Level() int {
	switch n.Kind {
	case KindGrouping:
		return 0
	case KindContainer:
		if lvl, ok := containerLevels[n.SubKind]; ok {
			return lvl
		}
	}
	return -1
}

// MarshalJSON guarantees Deps and Tags serialize as arrays and the data
// maps as objects, never null.
func (n Node) MarshalJSON() ([]byte, error) {
	type plain Node
	p := plain(n)
	if p.Deps == nil {
		p.Deps = []string{}
	}
	if p.Tags == nil {
		p.Tags = []string{}
	}
	if p.SelfData == nil {
		p.SelfData = Data{}
	}
	if p.OverrideData == nil {
		p.OverrideData = Data{}
	}
	if p.Data == nil {
		p.Data = Data{}
	}
	return json.Marshal(p)
}

// UnmarshalJSON decodes the persisted shape and normalizes the result.
// A payload that is not a JSON object (for example a string stored in
// selfData by an older writer) is replaced by an empty object so that the
// node still loads; the engine reports such nodes as anomalies.
func (n *Node) UnmarshalJSON(b []byte) error {
	var raw struct {
		ID           string          `json:"id"`
		Kind         Kind            `json:"kind"`
		SubKind      SubKind         `json:"subKind"`
		Deps         []string        `json:"deps"`
		SelfData     json.RawMessage `json:"selfData"`
		OverrideData json.RawMessage `json:"overrideData"`
		Data         json.RawMessage `json:"effectiveData"`
		Tags         []string        `json:"tags"`
		Category     string          `json:"category"`
		Caption      string          `json:"caption"`
		Version      int             `json:"version"`
		Deleted      bool            `json:"deleted"`
		UpdatedAt    time.Time       `json:"updatedAt"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*n = Node{
		ID:        raw.ID,
		Kind:      raw.Kind,
		SubKind:   raw.SubKind,
		Deps:      raw.Deps,
		Tags:      raw.Tags,
		Category:  raw.Category,
		Caption:   raw.Caption,
		Version:   raw.Version,
		Deleted:   raw.Deleted,
		UpdatedAt: raw.UpdatedAt,
	}
	n.SelfData = decodeObject(raw.SelfData)
	n.OverrideData = decodeObject(raw.OverrideData)
	n.Data = decodeObject(raw.Data)
	return n.Normalize()
}

func decodeObject(raw json.RawMessage) Data {
	if len(raw) == 0 {
		return Data{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return Data{}
	}
	return Data(m)
}

// Record returns the persisted shape of n as a generic map. Absent
// optional fields (empty subKind, category, caption) are omitted, which
// is what the deduplicator counts.
func (n *Node) Record() map[string]any {
	b, err := json.Marshal(n)
	if err != nil {
		return map[string]any{"id": n.ID}
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return map[string]any{"id": n.ID}
	}
	return m
}

// PopulatedKeys counts the top-level fields of the persisted shape that
// carry information: non-empty strings, arrays and objects, true booleans,
// non-zero numbers and set timestamps.
func (n *Node) PopulatedKeys() int {
	count := 0
	for _, v := range n.Record() {
		switch t := v.(type) {
		case nil:
		case string:
			if t != "" && !strings.HasPrefix(t, "0001-01-01") {
				count++
			}
		case bool:
			if t {
				count++
			}
		case float64:
			if t != 0 {
				count++
			}
		case []any:
			if len(t) > 0 {
				count++
			}
		case map[string]any:
			if len(t) > 0 {
				count++
			}
		default:
			count++
		}
	}
	return count
}

// =============================================================================
// Sections
// =============================================================================

var sectionBySubKind = map[SubKind]string{
	SubKindPage:       "pages",
	SubKindSpace:      "spaces",
	SubKindWorkspace:  "workspaces",
	SubKindApp:        "apps",
	SubKindUserConfig: "userConfigs",
	SubKindView:       "views",
	SubKindFieldSet:   "fieldSets",
	SubKindSort:       "sorts",
	SubKindFilter:     "filters",
}

// SectionKey returns the container section that dep belongs to, or "" for
// property dependencies, which merge flatly onto the container.
//
// Fields map to "fields"; any other sub-kind is pluralized with a trailing
// "s" so that new sub-kinds still land in their own section.
func SectionKey(dep *Node) string {
	if dep.Kind == KindProperty {
		return ""
	}
	if key, ok := sectionBySubKind[dep.SubKind]; ok {
		return key
	}
	if dep.Kind == KindField {
		return "fields"
	}
	if dep.SubKind != "" {
		return string(dep.SubKind) + "s"
	}
	switch dep.Kind {
	case KindGrouping:
		return "groupings"
	case KindContainer:
		return "containers"
	default:
		return "items"
	}
}

// =============================================================================
// Validation
// =============================================================================

var (
	validateOnce sync.Once
	nodeValidate *validator.Validate
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		nodeValidate = validator.New(validator.WithRequiredStructEnabled())
	})
	return nodeValidate
}

// ValidationError lists every rule a node violates.
type ValidationError struct {
	ID       string
	Problems []string
}

func (e *ValidationError) Error() string {
	id := e.ID
	if id == "" {
		id = "<no id>"
	}
	return fmt.Sprintf("invalid node %s: %s", id, strings.Join(e.Problems, "; "))
}

// Unwrap lets callers match ErrInvalidNode.
func (e *ValidationError) Unwrap() error { return ErrInvalidNode }

// Validate checks n against the structural rules of the data model.
//
// Description:
//
//	Struct tags cover id, kind and version. On top of those:
//	  - a node never depends on itself
//	  - deps contain no duplicates
//	  - grouping and container nodes carry a sub-kind of their level
//	  - every data map holds only JSON-compatible values
//
// Outputs:
//
//	error - *ValidationError listing every problem, or nil.
func (n *Node) Validate() error {
	var problems []string

	if err := getValidator().Struct(n); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				problems = append(problems, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
		} else {
			problems = append(problems, err.Error())
		}
	}

	if strings.ContainsAny(n.ID, " \t\r\n") {
		problems = append(problems, "id contains whitespace")
	}

	seen := make(map[string]bool, len(n.Deps))
	for _, dep := range n.Deps {
		if dep == n.ID && n.ID != "" {
			problems = append(problems, "node depends on itself")
		}
		if seen[dep] {
			problems = append(problems, fmt.Sprintf("duplicate dependency %q", dep))
		}
		seen[dep] = true
	}

	switch n.Kind {
	case KindGrouping:
		if !groupingSubKinds[n.SubKind] {
			problems = append(problems, fmt.Sprintf("grouping sub-kind %q is not one of field_set, sort, filter", n.SubKind))
		}
	case KindContainer:
		if _, ok := containerLevels[n.SubKind]; !ok {
			problems = append(problems, fmt.Sprintf("container sub-kind %q is not one of page, space, workspace, app, user_config", n.SubKind))
		}
	}

	for _, f := range []struct {
		name string
		data Data
	}{{"selfData", n.SelfData}, {"overrideData", n.OverrideData}, {"effectiveData", n.Data}} {
		if _, err := f.data.Normalize(); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", f.name, err))
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return &ValidationError{ID: n.ID, Problems: problems}
}
