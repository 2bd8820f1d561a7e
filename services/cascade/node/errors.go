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

import "errors"

var (
	// ErrInvalidNode indicates a node that violates the data model.
	ErrInvalidNode = errors.New("invalid node")

	// ErrNotFound indicates that a node id is unknown to the store.
	ErrNotFound = errors.New("node not found")
)
