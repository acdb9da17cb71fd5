// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package notify

import (
	"context"
	"sync"
)

// Recorder keeps the most recent notices and events in memory. The HTTP
// status endpoint reads them back, and tests assert on them.
type Recorder struct {
	mu      sync.Mutex
	limit   int
	notices []Notice
	events  []Event
}

// NewRecorder creates a Recorder keeping at most limit entries of each
// kind. Zero or negative means unbounded.
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit}
}

// Notify implements Notifier.
func (r *Recorder) Notify(_ context.Context, n Notice) {
	n.Time = stamp(n.Time)
	r.mu.Lock()
	r.notices = trim(append(r.notices, n), r.limit)
	r.mu.Unlock()
}

// Emit implements Notifier.
func (r *Recorder) Emit(_ context.Context, e Event) {
	e.Time = stamp(e.Time)
	r.mu.Lock()
	r.events = trim(append(r.events, e), r.limit)
	r.mu.Unlock()
}

// Notices returns a copy of the recorded notices, oldest first.
func (r *Recorder) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices...)
}

// Events returns a copy of the recorded events, oldest first.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// NoticesWith returns the recorded notices of one severity.
func (r *Recorder) NoticesWith(s Severity) []Notice {
	var out []Notice
	for _, n := range r.Notices() {
		if n.Severity == s {
			out = append(out, n)
		}
	}
	return out
}

// EventsNamed returns the recorded events with the given name.
func (r *Recorder) EventsNamed(name string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

func trim[T any](s []T, limit int) []T {
	if limit > 0 && len(s) > limit {
		return append(s[:0:0], s[len(s)-limit:]...)
	}
	return s
}
