// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graphdef

import "errors"

var (
	// ErrInvalidDefinition is returned when a definition fails schema or
	// semantic validation.
	ErrInvalidDefinition = errors.New("invalid graph definition")

	// ErrUnknownExecutor is returned when a node names an executor the
	// registry does not have.
	ErrUnknownExecutor = errors.New("unknown executor")

	// ErrDuplicateExecutor is returned when registering a name twice.
	ErrDuplicateExecutor = errors.New("executor already registered")

	// ErrUnknownDefinition is returned when a library lookup misses.
	ErrUnknownDefinition = errors.New("unknown graph definition")
)
