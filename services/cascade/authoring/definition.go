// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package authoring turns hand-written node definitions into stored nodes.
//
// Definitions live in YAML or JSON files with a top-level "nodes" list.
// Only author-owned fields appear in a definition; derived fields
// (selfData, effectiveData) belong to the engine and are preserved when an
// existing node is redefined.
//
//	nodes:
//	  - id: property_required
//	    kind: property
//	    overrideData: {required: true}
//	  - id: field_name
//	    kind: field
//	    deps: [property_required]
//	    overrideData: {label: Name}
package authoring

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/cascade/services/cascade/node"
)

var (
	// ErrInvalidDefinitions wraps every definition validation failure.
	ErrInvalidDefinitions = errors.New("invalid node definitions")

	// ErrUnsupportedFormat is returned for files that are neither YAML nor
	// JSON.
	ErrUnsupportedFormat = errors.New("unsupported definition format")
)

// Definition is the author-owned part of a node.
type Definition struct {
	ID           string        `yaml:"id" json:"id"`
	Kind         node.Kind     `yaml:"kind" json:"kind"`
	SubKind      node.SubKind  `yaml:"subKind,omitempty" json:"subKind,omitempty"`
	Deps         []string      `yaml:"deps,omitempty" json:"deps,omitempty"`
	OverrideData node.Data     `yaml:"overrideData,omitempty" json:"overrideData,omitempty"`
	Tags         []string      `yaml:"tags,omitempty" json:"tags,omitempty"`
	Category     string        `yaml:"category,omitempty" json:"category,omitempty"`
	Caption      string        `yaml:"caption,omitempty" json:"caption,omitempty"`
	Deleted      bool          `yaml:"deleted,omitempty" json:"deleted,omitempty"`

	// Source is the file the definition was loaded from.
	Source string `yaml:"-" json:"-"`
}

// Node returns a new node carrying the definition's fields.
func (d Definition) Node() *node.Node {
	return &node.Node{
		ID:           strings.TrimSpace(d.ID),
		Kind:         d.Kind,
		SubKind:      d.SubKind,
		Deps:         append([]string{}, d.Deps...),
		OverrideData: d.OverrideData.Clone(),
		Tags:         append([]string{}, d.Tags...),
		Category:     d.Category,
		Caption:      d.Caption,
		Deleted:      d.Deleted,
	}
}

type document struct {
	Nodes []Definition `yaml:"nodes" json:"nodes"`
}

// LoadFile reads definitions from one .yaml, .yml or .json file.
func LoadFile(path string) ([]Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var doc document
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		dec.DisallowUnknownFields()
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}

	for i := range doc.Nodes {
		doc.Nodes[i].Source = path
	}
	return doc.Nodes, nil
}

// IsDefinitionFile reports whether path has a definition extension.
func IsDefinitionFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// LoadDir reads every definition file directly inside dir, in name order.
// Errors from individual files are aggregated; definitions from readable
// files are still returned.
func LoadDir(dir string) ([]Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || !IsDefinitionFile(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var (
		defs []Definition
		errs *multierror.Error
	)
	for _, name := range names {
		got, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		defs = append(defs, got...)
	}
	return defs, errs.ErrorOrNil()
}

// Load reads path as a file or, if it is a directory, with LoadDir.
func Load(path string) ([]Definition, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return LoadDir(path)
	}
	return LoadFile(path)
}

// Validate checks every definition and reports all problems at once.
//
// Each definition must pass node validation, and ids must be unique
// across the set. The returned error wraps ErrInvalidDefinitions and
// unwraps to a *multierror.Error listing each failure.
func Validate(defs []Definition) error {
	var errs *multierror.Error
	seen := make(map[string]string, len(defs))

	for i, d := range defs {
		n := d.Node()
		where := fmt.Sprintf("definition %d", i)
		if d.Source != "" {
			where = fmt.Sprintf("%s (%s)", where, d.Source)
		}
		if err := n.Normalize(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", where, err))
			continue
		}
		if err := n.Validate(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", where, err))
		}
		if n.ID == "" {
			continue
		}
		if prev, dup := seen[n.ID]; dup {
			errs = multierror.Append(errs, fmt.Errorf("%s: id %q already defined by %s", where, n.ID, prev))
			continue
		}
		seen[n.ID] = where
	}

	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDefinitions, err)
	}
	return nil
}
