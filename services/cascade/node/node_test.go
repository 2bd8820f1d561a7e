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
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestData_Normalize(t *testing.T) {
	t.Run("widens numbers and nests Data", func(t *testing.T) {
		in := Data{
			"count": 3,
			"ratio": float32(0.5),
			"style": map[string]any{"width": int64(10), "tags": []string{"a"}},
		}
		out, err := in.Normalize()
		require.NoError(t, err)

		assert.Equal(t, 3.0, out["count"])
		assert.Equal(t, 0.5, out["ratio"])
		style, ok := out["style"].(Data)
		require.True(t, ok, "nested objects become Data")
		assert.Equal(t, 10.0, style["width"])
		assert.Equal(t, []any{"a"}, style["tags"])
	})

	t.Run("nil normalizes to empty", func(t *testing.T) {
		out, err := Data(nil).Normalize()
		require.NoError(t, err)
		assert.NotNil(t, out)
		assert.Empty(t, out)
	})

	t.Run("rejects unsupported values with a path", func(t *testing.T) {
		_, err := Data{"a": Data{"b": []any{1, make(chan int)}}}.Normalize()
		var ive *InvalidValueError
		require.ErrorAs(t, err, &ive)
		assert.Equal(t, "a.b[1]", ive.Path)
	})

	t.Run("rejects NaN", func(t *testing.T) {
		_, err := Data{"x": math.NaN()}.Normalize()
		var ive *InvalidValueError
		require.ErrorAs(t, err, &ive)
		assert.Equal(t, "x", ive.Path)
	})

	t.Run("does not modify input", func(t *testing.T) {
		in := Data{"n": 1}
		_, err := in.Normalize()
		require.NoError(t, err)
		assert.Equal(t, 1, in["n"])
	})
}

func TestData_Clone(t *testing.T) {
	orig := Data{"style": Data{"color": "red"}, "list": []any{"x"}}.MustNormalize()
	cp := orig.Clone()

	cp["style"].(Data)["color"] = "blue"
	cp["list"].([]any)[0] = "y"

	assert.Equal(t, "red", orig["style"].(Data)["color"])
	assert.Equal(t, "x", orig["list"].([]any)[0])
	assert.Nil(t, Data(nil).Clone())
}

func TestNode_MarshalJSON_NeverNull(t *testing.T) {
	n := Node{ID: "field_name", Kind: KindField}

	b, err := json.Marshal(n)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, []any{}, m["deps"])
	assert.Equal(t, []any{}, m["tags"])
	assert.Equal(t, map[string]any{}, m["selfData"])
	assert.Equal(t, map[string]any{}, m["effectiveData"])
	assert.NotContains(t, string(b), "null")
}

func TestNode_UnmarshalJSON(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		n := &Node{
			ID:           "field_name",
			Kind:         KindField,
			Deps:         []string{"property_required"},
			OverrideData: Data{"label": "Name"},
			Tags:         []string{"core"},
			Version:      2,
			UpdatedAt:    time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		}
		require.NoError(t, n.Normalize())

		b, err := json.Marshal(n)
		require.NoError(t, err)
		var back Node
		require.NoError(t, json.Unmarshal(b, &back))
		assert.Equal(t, n, &back)
	})

	t.Run("non-object payload loads as empty", func(t *testing.T) {
		var n Node
		require.NoError(t, json.Unmarshal([]byte(`{"id":"a","kind":"field","deps":null,"selfData":"oops"}`), &n))
		assert.Equal(t, Data{}, n.SelfData)
		assert.Equal(t, []string{}, n.Deps)
	})
}

func TestNode_Validate(t *testing.T) {
	tests := []struct {
		name    string
		node    Node
		wantErr string
	}{
		{name: "valid field", node: Node{ID: "f", Kind: KindField, Deps: []string{"p"}}},
		{name: "valid page", node: Node{ID: "pg", Kind: KindContainer, SubKind: SubKindPage}},
		{name: "missing id", node: Node{Kind: KindField}, wantErr: "required"},
		{name: "bad kind", node: Node{ID: "x", Kind: "widget"}, wantErr: "oneof"},
		{name: "self dependency", node: Node{ID: "x", Kind: KindField, Deps: []string{"x"}}, wantErr: "depends on itself"},
		{name: "duplicate dependency", node: Node{ID: "x", Kind: KindField, Deps: []string{"a", "a"}}, wantErr: "duplicate"},
		{name: "grouping without sub-kind", node: Node{ID: "g", Kind: KindGrouping}, wantErr: "grouping sub-kind"},
		{name: "container with unknown level", node: Node{ID: "c", Kind: KindContainer, SubKind: "galaxy"}, wantErr: "container sub-kind"},
		{name: "whitespace id", node: Node{ID: "a b", Kind: KindField}, wantErr: "whitespace"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.node.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidNode))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNode_Level(t *testing.T) {
	assert.Equal(t, 0, (&Node{Kind: KindGrouping, SubKind: SubKindSort}).Level())
	assert.Equal(t, 1, (&Node{Kind: KindContainer, SubKind: SubKindPage}).Level())
	assert.Equal(t, 4, (&Node{Kind: KindContainer, SubKind: SubKindApp}).Level())
	assert.Equal(t, 5, (&Node{Kind: KindContainer, SubKind: SubKindUserConfig}).Level())
	assert.Equal(t, -1, (&Node{Kind: KindField}).Level())
}

func TestSectionKey(t *testing.T) {
	tests := []struct {
		dep  Node
		want string
	}{
		{Node{Kind: KindProperty}, ""},
		{Node{Kind: KindContainer, SubKind: SubKindPage}, "pages"},
		{Node{Kind: KindGrouping, SubKind: SubKindFieldSet}, "fieldSets"},
		{Node{Kind: KindGrouping, SubKind: SubKindSort}, "sorts"},
		{Node{Kind: KindLeafMisc, SubKind: SubKindView}, "views"},
		{Node{Kind: KindField}, "fields"},
		{Node{Kind: KindLeafMisc, SubKind: "chart"}, "charts"},
		{Node{Kind: KindLeafMisc}, "items"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, SectionKey(&tt.dep))
		})
	}
}

func TestNode_PopulatedKeys(t *testing.T) {
	sparse := &Node{ID: "a", Kind: KindField}
	rich := &Node{
		ID:           "a",
		Kind:         KindField,
		Deps:         []string{"p"},
		OverrideData: Data{"label": "A"},
		Caption:      "A",
		Version:      1,
	}
	assert.Equal(t, 2, sparse.PopulatedKeys())
	assert.Equal(t, 6, rich.PopulatedKeys())
}

func TestNode_CloneAndTouch(t *testing.T) {
	n := &Node{ID: "a", Kind: KindField, Deps: []string{"p"}, OverrideData: Data{"x": 1.0}}
	cp := n.Clone()
	cp.Deps[0] = "q"
	cp.OverrideData["x"] = 2.0
	assert.Equal(t, "p", n.Deps[0])
	assert.Equal(t, 1.0, n.OverrideData["x"])

	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.FixedZone("x", 3600))
	cp.Touch(now)
	assert.Equal(t, 1, cp.Version)
	assert.Equal(t, time.UTC, cp.UpdatedAt.Location())
}
