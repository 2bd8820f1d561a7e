// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package node defines ConfigNode, the single entity of the cascade engine,
// and its typed data payload.
//
// A node carries three data maps:
//
//   - SelfData: inherited purely from dependencies, recomputed by the engine
//   - OverrideData: authored on the node, highest merge priority
//   - Data (effectiveData): Merge(SelfData, OverrideData), the only value
//     consumers outside the engine read
//
// Deps and Tags are never nil once a node has been normalized, and always
// serialize as JSON arrays.
package node
