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
	"context"
	"sync"

	"github.com/AleutianAI/kbcache/services/kbcache/cachekey"
	"github.com/AleutianAI/kbcache/services/kbcache/facts"
)

// Source tells where a ready knowledge base came from.
type Source string

const (
	SourceCache Source = "cache"
	SourceBuild Source = "build"
)

// Result is the outcome of an ensure or rebuild request.
type Result struct {
	// State is StateCacheHit, StateSucceeded or StateFailed.
	State State

	// KB is the knowledge base, owned by the orchestrator's owner. Nil
	// unless State.Ready().
	KB *facts.KnowledgeBase

	// Source is where KB came from.
	Source Source

	// Key is the cache key the request resolved. Zero if resolution failed.
	Key cachekey.Key

	// TaskID identifies the build task, when one ran.
	TaskID string

	// Err is a *BuildError when State is StateFailed, or ErrClosed.
	Err error
}

// Pending is a result that becomes available later. It is resolved
// exactly once.
//
// Thread Safety: Safe for concurrent use.
type Pending struct {
	done   chan struct{}
	once   sync.Once
	result Result
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

func resolvedPending(r Result) *Pending {
	p := newPending()
	p.resolve(r)
	return p
}

// resolve stores r and wakes waiters. Later calls are ignored.
func (p *Pending) resolve(r Result) bool {
	resolved := false
	p.once.Do(func() {
		p.result = r
		close(p.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the result is available.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Result returns the result if available.
func (p *Pending) Result() (Result, bool) {
	select {
	case <-p.done:
		return p.result, true
	default:
		return Result{}, false
	}
}

// Wait blocks until the result is available or ctx ends. Cancelling ctx
// does not cancel the underlying work.
func (p *Pending) Wait(ctx context.Context) (Result, error) {
	select {
	case <-p.done:
		return p.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// milestone is a one-shot completion with an error, used for background
// persistence.
type milestone struct {
	done chan struct{}
	err  error
}

func newMilestone() *milestone {
	return &milestone{done: make(chan struct{})}
}

func (m *milestone) finish(err error) {
	m.err = err
	close(m.done)
}

func (m *milestone) wait(ctx context.Context) error {
	select {
	case <-m.done:
		return m.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
