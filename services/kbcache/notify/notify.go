// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package notify delivers user-facing notices and telemetry events emitted
// by the build orchestrator.
//
// A Notice is a human-readable message for whoever is driving the session
// (an editor, the CLI, the HTTP status page). An Event is a structured
// record for telemetry pipelines. Delivery is best effort: a Notifier never
// returns an error to the orchestrator.
package notify

import (
	"context"
	"time"
)

// Severity ranks a notice.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event names emitted by the orchestrator.
const (
	EventBuildCrashed  = "kb_build_crashed"
	EventPersistFailed = "kb_persist_failed"
	EventBuildDone     = "kb_build_succeeded"
	EventCacheHit      = "kb_cache_hit"
	EventHookFailed    = "kb_ready_hook_failed"
)

// Notice is a human-readable status message.
type Notice struct {
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
	Time     time.Time `json:"time"`
}

// Event is a structured telemetry record.
type Event struct {
	Name       string            `json:"name"`
	Reason     string            `json:"reason,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Time       time.Time         `json:"time"`
}

// Notifier receives notices and events.
//
// Implementations must be safe for concurrent use and must not block for
// long: they are called from the orchestrator's monitor goroutine.
type Notifier interface {
	Notify(ctx context.Context, n Notice)
	Emit(ctx context.Context, e Event)
}

// Nop discards everything.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Notice) {}

// Emit implements Notifier.
func (Nop) Emit(context.Context, Event) {}

// Multi fans out to several notifiers in order.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, n Notice) {
	for _, x := range m {
		x.Notify(ctx, n)
	}
}

// Emit implements Notifier.
func (m Multi) Emit(ctx context.Context, e Event) {
	for _, x := range m {
		x.Emit(ctx, e)
	}
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
