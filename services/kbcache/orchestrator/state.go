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

// State is the orchestrator lifecycle state.
//
//	Idle -> Loading -> CacheHit
//	                -> Building -> Succeeded | Failed
//
// Rebuild moves any state except Loading and Building to Building.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateCacheHit
	StateBuilding
	StateSucceeded
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateCacheHit:
		return "cache_hit"
	case StateBuilding:
		return "building"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no work is in flight.
func (s State) Terminal() bool {
	return s == StateCacheHit || s == StateSucceeded || s == StateFailed
}

// Ready reports whether a knowledge base is available.
func (s State) Ready() bool {
	return s == StateCacheHit || s == StateSucceeded
}

// InFlight reports whether a load or build is running.
func (s State) InFlight() bool {
	return s == StateLoading || s == StateBuilding
}
