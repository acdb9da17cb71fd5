// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrBuildCrashed indicates the build task ended abnormally: it
	// panicked, its collaborators returned an error, or the cache key could
	// not be resolved.
	ErrBuildCrashed = errors.New("knowledge base build crashed")

	// ErrPersistFailed indicates the background write of a built knowledge
	// base failed. The in-memory knowledge base is unaffected.
	ErrPersistFailed = errors.New("knowledge base persistence failed")

	// ErrClosed is returned by operations after Close.
	ErrClosed = errors.New("orchestrator is closed")

	// ErrInvalidConfig indicates a missing collaborator.
	ErrInvalidConfig = errors.New("invalid orchestrator config")
)

// BuildError describes an abnormal end of a build task.
type BuildError struct {
	// TaskID identifies the build task. Empty when no task was spawned.
	TaskID string

	// Reason is a one-line description: the panic value or error text.
	Reason string

	// Stack is the goroutine stack at panic time, when the task panicked.
	Stack string

	// Err is the underlying error, when there was one.
	Err error
}

// Error implements the error interface.
func (e *BuildError) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("%v: %s", ErrBuildCrashed, e.Reason)
	}
	return fmt.Sprintf("%v: task %s: %s", ErrBuildCrashed, e.TaskID, e.Reason)
}

// Unwrap supports errors.Is for ErrBuildCrashed and the cause.
func (e *BuildError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrBuildCrashed, e.Err}
	}
	return []error{ErrBuildCrashed}
}

// ErrNotReady is returned by lookups while no knowledge base is available.
var ErrNotReady = errors.New("knowledge base not ready")
