// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package kbcache

import (
	"time"

	"github.com/AleutianAI/kbcache/services/kbcache/journal"
	"github.com/AleutianAI/kbcache/services/kbcache/notify"
	"github.com/AleutianAI/kbcache/services/kbcache/orchestrator"
)

// StatusResponse is returned by GET /v1/kb/status.
type StatusResponse struct {
	orchestrator.Status

	// Notices are the most recent user-facing notices, oldest first.
	Notices []notify.Notice `json:"notices"`

	// Events are the most recent telemetry events, oldest first.
	Events []notify.Event `json:"events"`
}

// EnsureResponse is returned by POST /v1/kb/ensure and /v1/kb/rebuild.
type EnsureResponse struct {
	// State is the orchestrator state when the response was written.
	State string `json:"state"`

	// Done is true when the request waited for the outcome.
	Done bool `json:"done"`

	Source string `json:"source,omitempty"`
	Key    string `json:"key,omitempty"`
	TaskID string `json:"task_id,omitempty"`
	Error  string `json:"error,omitempty"`
}

// FactResponse is returned by GET /v1/kb/facts/:table/:key.
type FactResponse struct {
	Table string `json:"table"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

// HistoryResponse is returned by GET /v1/kb/history.
type HistoryResponse struct {
	Entries []journal.Entry `json:"entries"`
}

// InspectResponse describes a manifest on disk.
type InspectResponse struct {
	Key           string         `json:"key"`
	Path          string         `json:"path"`
	FormatVersion string         `json:"format_version"`
	BuiltAt       time.Time      `json:"built_at"`
	Modules       int            `json:"modules"`
	Files         int            `json:"files"`
	Warnings      []string       `json:"warnings,omitempty"`
	Tables        map[string]int `json:"tables"`
}

// HealthResponse is returned by GET /v1/kb/health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	State   string `json:"state"`
}

// ErrorResponse is the standard error body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
