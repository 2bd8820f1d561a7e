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
	"fmt"
	"math"
	"sort"

	"github.com/mitchellh/copystructure"
)

// Data is a JSON-compatible object payload.
//
// Permitted values are nil, bool, string, float64, float32, int, int32,
// int64, json.Number, []any and nested Data or map[string]any. Use
// Normalize to convert decoded input into canonical form and to reject
// anything else.
type Data map[string]any

// InvalidValueError reports a value that cannot be carried in Data.
type InvalidValueError struct {
	// Path is a dotted path to the offending value, e.g. "style.colors[2]".
	Path string

	// Value is the rejected value.
	Value any
}

func (e *InvalidValueError) Error() string {
	return fmt.Sprintf("invalid data value at %s: unsupported type %T", e.Path, e.Value)
}

// Normalize returns a canonical copy of d.
//
// Description:
//
//	Nested map[string]any values become Data, nested []any are copied,
//	integers and float32 are widened to float64 so that values decoded from
//	YAML, JSON and Go literals compare equal. NaN and infinities are
//	rejected since they have no JSON representation.
//
// Inputs:
//
//	d - The payload. A nil Data normalizes to an empty Data.
//
// Outputs:
//
//	Data - Canonical deep copy; d is not modified.
//	error - *InvalidValueError for the first unsupported value, in key order.
func (d Data) Normalize() (Data, error) {
	out, err := normalizeObject(d, "")
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MustNormalize is Normalize for literals known to be valid. It panics on
// invalid input and is intended for tests and fixtures.
func (d Data) MustNormalize() Data {
	out, err := d.Normalize()
	if err != nil {
		panic(err)
	}
	return out
}

// Clone returns a deep copy of d. A nil Data clones to nil.
func (d Data) Clone() Data {
	if d == nil {
		return nil
	}
	cp, err := copystructure.Copy(map[string]any(d))
	if err != nil {
		// copystructure only fails on unsupported kinds such as channels,
		// which Normalize never admits. Fall back to a shallow copy.
		out := make(Data, len(d))
		for k, v := range d {
			out[k] = v
		}
		return out
	}
	return Data(cp.(map[string]any))
}

// Keys returns the top-level keys in sorted order.
func (d Data) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// AsData reports whether v is an object value and returns it as Data.
func AsData(v any) (Data, bool) {
	switch m := v.(type) {
	case Data:
		return m, true
	case map[string]any:
		return Data(m), true
	default:
		return nil, false
	}
}

func normalizeObject(m map[string]any, path string) (Data, error) {
	out := make(Data, len(m))
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		child := k
		if path != "" {
			child = path + "." + k
		}
		v, err := normalizeValue(m[k], child)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

func normalizeValue(v any, path string) (any, error) {
	switch t := v.(type) {
	case nil, bool, string:
		return t, nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil, &InvalidValueError{Path: path, Value: v}
		}
		return t, nil
	case float32:
		return normalizeValue(float64(t), path)
	case int:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil, &InvalidValueError{Path: path, Value: v}
		}
		return f, nil
	case Data:
		return normalizeObject(t, path)
	case map[string]any:
		return normalizeObject(t, path)
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			nv, err := normalizeValue(elem, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, nil
	default:
		return nil, &InvalidValueError{Path: path, Value: v}
	}
}
