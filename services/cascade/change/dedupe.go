// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package change

import "github.com/AleutianAI/cascade/services/cascade/node"

// Dedupe collapses candidate updates that share an id.
//
// Description:
//
//	For each id the candidate with the most populated top-level fields of
//	the persisted shape wins (see node.Node.PopulatedKeys). On a tie the
//	later occurrence wins, so a later pass of the same run supersedes an
//	earlier one. Output order is the order in which ids first appear.
//	Nil candidates are dropped without being counted.
//
// Outputs:
//
//	[]*node.Node - One node per id.
//	int - Number of candidates removed as duplicates.
func Dedupe(candidates []*node.Node) ([]*node.Node, int) {
	type slot struct {
		node  *node.Node
		score int
	}
	index := make(map[string]int, len(candidates))
	slots := make([]slot, 0, len(candidates))
	removed := 0

	for _, c := range candidates {
		if c == nil {
			continue
		}
		score := c.PopulatedKeys()
		i, seen := index[c.ID]
		if !seen {
			index[c.ID] = len(slots)
			slots = append(slots, slot{node: c, score: score})
			continue
		}
		removed++
		if score >= slots[i].score {
			slots[i] = slot{node: c, score: score}
		}
	}

	out := make([]*node.Node, len(slots))
	for i, s := range slots {
		out[i] = s.node
	}
	return out, removed
}
