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
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/kbcache/services/kbcache/analyzer"
	"github.com/AleutianAI/kbcache/services/kbcache/cachekey"
	"github.com/AleutianAI/kbcache/services/kbcache/codec"
	"github.com/AleutianAI/kbcache/services/kbcache/facts"
	"github.com/AleutianAI/kbcache/services/kbcache/journal"
	"github.com/AleutianAI/kbcache/services/kbcache/notify"
	"github.com/AleutianAI/kbcache/services/kbcache/store"
)

var testEnv = cachekey.StaticEnv{Toolchain: "go1.23.4", Runtime: "go1.23.4"}

// countingStore wraps a real store and counts calls.
type countingStore struct {
	*store.Store
	reads    atomic.Int32
	writes   atomic.Int32
	writeErr error

	// gate, when set, holds every Write until it is closed.
	gate      chan struct{}
	active    atomic.Int32
	maxActive atomic.Int32
}

func (c *countingStore) Read(ctx context.Context, path string) (*codec.ManifestRecord, time.Time, error) {
	c.reads.Add(1)
	return c.Store.Read(ctx, path)
}

func (c *countingStore) Write(ctx context.Context, path string, rec *codec.ManifestRecord, ts time.Time) error {
	c.writes.Add(1)
	n := c.active.Add(1)
	defer c.active.Add(-1)
	for {
		m := c.maxActive.Load()
		if n <= m || c.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	if c.gate != nil {
		<-c.gate
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	return c.Store.Write(ctx, path, rec, ts)
}

type fakeSource struct {
	calls atomic.Int32
	err   error
}

func (f *fakeSource) Artifacts(context.Context) ([]analyzer.Artifact, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return []analyzer.Artifact{
		{Module: "fmt", Files: []string{"/goroot/src/fmt/print.go"}},
		{Module: "io", Files: []string{"/goroot/src/io/io.go"}},
	}, nil
}

// fakeAnalyzer writes one fact per table per artifact.
type fakeAnalyzer struct {
	panicWith any
	err       error
	block     chan struct{}
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, arts []analyzer.Artifact, kb *facts.KnowledgeBase, owner *facts.Owner) (*analyzer.Analysis, error) {
	if f.block != nil {
		<-f.block
	}
	if f.panicWith != nil {
		panic(f.panicWith)
	}
	if f.err != nil {
		return nil, f.err
	}
	a := &analyzer.Analysis{
		DependencyGraph: map[string][]string{},
		FileHashes:      map[string]string{},
	}
	for _, art := range arts {
		for _, t := range facts.AllTables {
			if err := kb.InsertFact(owner, t, art.Module+"."+t.String(), []byte(art.Module)); err != nil {
				return nil, err
			}
		}
		a.DependencyGraph[art.Module] = []string{"errors"}
		for _, file := range art.Files {
			a.FileHashes[file] = "00"
		}
	}
	return a, nil
}

type memJournal struct {
	mu      sync.Mutex
	entries []journal.Entry
}

func (m *memJournal) Record(_ context.Context, e journal.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memJournal) states() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.State
	}
	return out
}

type harness struct {
	orch     *Orchestrator
	store    *countingStore
	source   *fakeSource
	analyzer *fakeAnalyzer
	recorder *notify.Recorder
	journal  *memJournal
	ready    atomic.Int32
}

func newHarness(t *testing.T, resolver KeyResolver) *harness {
	t.Helper()
	s, err := store.New(store.DefaultConfig(t.TempDir()))
	require.NoError(t, err)

	h := &harness{
		store:    &countingStore{Store: s},
		source:   &fakeSource{},
		analyzer: &fakeAnalyzer{},
		recorder: notify.NewRecorder(0),
		journal:  &memJournal{},
	}
	if resolver == nil {
		resolver = cachekey.NewResolver(testEnv, cachekey.ProfileDebug)
	}
	h.orch, err = New(Config{
		Resolver: resolver,
		Store:    h.store,
		Source:   h.source,
		Analyzer: h.analyzer,
		Notifier: h.recorder,
		Journal:  h.journal,
		OnReady:  func(context.Context, Result) { h.ready.Add(1) },
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.orch.Close(ctx)
	})
	return h
}

func (h *harness) key(t *testing.T) cachekey.Key {
	t.Helper()
	k, err := cachekey.NewResolver(testEnv, cachekey.ProfileDebug).Resolve(context.Background())
	require.NoError(t, err)
	return k
}

func wait(t *testing.T, p *Pending) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := p.Wait(ctx)
	require.NoError(t, err)
	return res
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

// A missing cache spawns exactly one build and one write that creates the
// file, and the result has all five tables populated.
func TestEnsureReady_MissingCacheBuildsAndPersists(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	res := wait(t, h.orch.EnsureReady(ctx))
	require.NoError(t, res.Err)
	assert.Equal(t, StateSucceeded, res.State)
	assert.Equal(t, SourceBuild, res.Source)
	assert.NotEmpty(t, res.TaskID)

	require.NoError(t, h.orch.WaitPersisted(ctx))
	assert.Equal(t, int32(1), h.source.calls.Load())
	assert.Equal(t, int32(1), h.store.writes.Load())

	path := h.store.Path(h.key(t))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.ModTime().Nanosecond(), "mtime is the build time truncated to seconds")

	counts, err := res.KB.Counts(h.orch.Owner())
	require.NoError(t, err)
	require.Len(t, counts, len(facts.AllTables))
	for _, table := range facts.AllTables {
		assert.Positive(t, counts[table], table.String())
	}

	v, ok, err := h.orch.Lookup(facts.TableTypes, "fmt.types")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "fmt", string(v))

	assert.Equal(t, int32(1), h.ready.Load())
	assert.Len(t, h.recorder.EventsNamed(notify.EventBuildDone), 1)
	assert.Empty(t, h.recorder.NoticesWith(notify.SeverityError))
	assert.Equal(t, []string{"building", "succeeded"}, h.journal.states())

	notices := h.recorder.NoticesWith(notify.SeverityInfo)
	require.NotEmpty(t, notices)
	assert.Equal(t, "Building knowledge base...", notices[0].Message)

	st := h.orch.Status()
	assert.Equal(t, "succeeded", st.State)
	assert.True(t, st.Persisted)
	assert.Equal(t, path, st.Path)
}

// Two ensure calls against a valid cache read it once and never build.
func TestEnsureReady_CacheHitIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	seed := facts.NewOwner("seed")
	kb := facts.New(seed)
	for _, table := range facts.AllTables {
		require.NoError(t, kb.InsertFact(seed, table, "k", []byte("v")))
	}
	path := h.store.Path(h.key(t))
	require.NoError(t, h.store.Store.Write(ctx, path, &codec.ManifestRecord{Tables: kb.SnapshotAsLists()}, time.Unix(1000, 0)))

	first := wait(t, h.orch.EnsureReady(ctx))
	require.NoError(t, first.Err)
	assert.Equal(t, StateCacheHit, first.State)
	assert.Equal(t, SourceCache, first.Source)

	second := wait(t, h.orch.EnsureReady(ctx))
	assert.Same(t, first.KB, second.KB)

	assert.Equal(t, int32(1), h.store.reads.Load())
	assert.Zero(t, h.source.calls.Load())
	assert.Zero(t, h.store.writes.Load())
	assert.Len(t, h.recorder.EventsNamed(notify.EventCacheHit), 1)
	assert.NoError(t, h.orch.WaitPersisted(ctx))

	v, ok, err := h.orch.Lookup(facts.TableContracts, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", string(v))
}

func TestEnsureReady_StaleAndCorruptCacheRebuild(t *testing.T) {
	tests := []struct {
		name  string
		write func(t *testing.T, h *harness, path string)
	}{
		{
			name: "stale format",
			write: func(t *testing.T, h *harness, path string) {
				rec := &codec.ManifestRecord{FormatVersion: "kb.v1", Tables: facts.New(facts.NewOwner("x")).SnapshotAsLists()}
				require.NoError(t, h.store.Store.Write(context.Background(), path, rec, time.Time{}))
			},
		},
		{
			name: "corrupt bytes",
			write: func(t *testing.T, h *harness, path string) {
				require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
				require.NoError(t, os.WriteFile(path, []byte("junk"), 0o644))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			tt.write(t, h, h.store.Path(h.key(t)))

			res := wait(t, h.orch.EnsureReady(context.Background()))
			require.NoError(t, res.Err)
			assert.Equal(t, StateSucceeded, res.State)
			assert.Equal(t, int32(1), h.source.calls.Load())
			require.NoError(t, h.orch.WaitPersisted(context.Background()))

			got, _, err := h.store.Store.Read(context.Background(), h.store.Path(h.key(t)))
			require.NoError(t, err)
			assert.Equal(t, codec.FormatVersion, got.FormatVersion)
		})
	}
}

// A panicking build leaves the orchestrator Failed with exactly one error
// notice and one crash event, and no knowledge base.
func TestEnsureReady_BuildPanicFailsSoft(t *testing.T) {
	h := newHarness(t, nil)
	h.analyzer.panicWith = "index out of range"

	res := wait(t, h.orch.EnsureReady(context.Background()))
	assert.Equal(t, StateFailed, res.State)
	assert.Nil(t, res.KB)

	var be *BuildError
	require.True(t, errors.As(res.Err, &be))
	assert.ErrorIs(t, res.Err, ErrBuildCrashed)
	assert.Contains(t, be.Reason, "index out of range")
	assert.NotEmpty(t, be.Stack)
	assert.Equal(t, res.TaskID, be.TaskID)

	assert.Len(t, h.recorder.NoticesWith(notify.SeverityError), 1)
	events := h.recorder.EventsNamed(notify.EventBuildCrashed)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Reason, "index out of range")
	assert.Equal(t, be.TaskID, events[0].Attributes["task_id"])

	_, _, err := h.orch.Lookup(facts.TableTypes, "fmt.types")
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Zero(t, h.store.writes.Load())
	assert.Zero(t, h.ready.Load())
	assert.Equal(t, []string{"building", "failed"}, h.journal.states())

	// Failed is terminal: another ensure does not retry.
	again := wait(t, h.orch.EnsureReady(context.Background()))
	assert.Equal(t, StateFailed, again.State)
	assert.Equal(t, int32(1), h.source.calls.Load())
}

func TestEnsureReady_CollaboratorErrorsFailSoft(t *testing.T) {
	boom := errors.New("boom")

	t.Run("analyzer", func(t *testing.T) {
		h := newHarness(t, nil)
		h.analyzer.err = boom
		res := wait(t, h.orch.EnsureReady(context.Background()))
		assert.Equal(t, StateFailed, res.State)
		assert.ErrorIs(t, res.Err, boom)
		assert.Len(t, h.recorder.EventsNamed(notify.EventBuildCrashed), 1)
	})

	t.Run("artifact source", func(t *testing.T) {
		h := newHarness(t, nil)
		h.source.err = boom
		res := wait(t, h.orch.EnsureReady(context.Background()))
		assert.Equal(t, StateFailed, res.State)
		assert.ErrorIs(t, res.Err, boom)
	})

	t.Run("key resolution", func(t *testing.T) {
		h := newHarness(t, cachekey.NewResolver(cachekey.StaticEnv{}, cachekey.ProfileDebug))
		res := wait(t, h.orch.EnsureReady(context.Background()))
		assert.Equal(t, StateFailed, res.State)
		assert.ErrorIs(t, res.Err, ErrBuildCrashed)
		assert.ErrorIs(t, res.Err, cachekey.ErrInvalidKey)
		assert.Len(t, h.recorder.NoticesWith(notify.SeverityError), 1)
		assert.Len(t, h.recorder.EventsNamed(notify.EventBuildCrashed), 1)
		assert.Zero(t, h.store.reads.Load())
		assert.Zero(t, h.source.calls.Load())
	})
}

func TestPersistFailure_KeepsKnowledgeBase(t *testing.T) {
	h := newHarness(t, nil)
	h.store.writeErr = errors.New("disk full")
	ctx := context.Background()

	res := wait(t, h.orch.EnsureReady(ctx))
	require.NoError(t, res.Err)
	assert.Equal(t, StateSucceeded, res.State)

	err := h.orch.WaitPersisted(ctx)
	assert.ErrorIs(t, err, ErrPersistFailed)
	assert.Contains(t, err.Error(), "disk full")

	assert.Equal(t, StateSucceeded, h.orch.State())
	_, ok, err := h.orch.Lookup(facts.TableInfo, "io.info")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Len(t, h.recorder.NoticesWith(notify.SeverityWarning), 1)
	assert.Len(t, h.recorder.EventsNamed(notify.EventPersistFailed), 1)
	assert.False(t, h.orch.Status().Persisted)
}

func TestEnsureReady_ConcurrentCallersShareOneBuild(t *testing.T) {
	h := newHarness(t, nil)
	h.analyzer.block = make(chan struct{})

	first := h.orch.EnsureReady(context.Background())
	pendings := make([]*Pending, 8)
	var wg sync.WaitGroup
	for i := range pendings {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pendings[i] = h.orch.EnsureReady(context.Background())
		}()
	}
	wg.Wait()

	_, done := first.Result()
	assert.False(t, done, "ensure must not block on the build")
	close(h.analyzer.block)

	res := wait(t, first)
	for _, p := range pendings {
		assert.Same(t, first, p)
	}
	assert.Equal(t, StateSucceeded, res.State)
	assert.Equal(t, int32(1), h.source.calls.Load())
}

func TestRebuild(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first := wait(t, h.orch.EnsureReady(ctx))
	require.NoError(t, first.Err)
	require.NoError(t, h.orch.WaitPersisted(ctx))

	h.analyzer.block = make(chan struct{})
	p := h.orch.Rebuild(ctx)
	assert.Equal(t, StateBuilding, h.orch.State())
	assert.Same(t, p, h.orch.Rebuild(ctx), "rebuild joins an in-flight build")
	assert.Same(t, p, h.orch.EnsureReady(ctx))

	// The previous knowledge base stays readable during the rebuild.
	_, ok, err := h.orch.Lookup(facts.TableTypes, "fmt.types")
	require.NoError(t, err)
	assert.True(t, ok)

	close(h.analyzer.block)
	second := wait(t, p)
	require.NoError(t, second.Err)
	assert.NotSame(t, first.KB, second.KB)
	assert.NotEqual(t, first.TaskID, second.TaskID)
	assert.Zero(t, h.store.reads.Load()-1, "rebuild skips the cache read")
	assert.Equal(t, int32(2), h.source.calls.Load())

	require.NoError(t, h.orch.WaitPersisted(ctx))
	assert.Equal(t, int32(2), h.store.writes.Load())
}

func TestClose(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	wait(t, h.orch.EnsureReady(ctx))
	require.NoError(t, h.orch.Close(ctx))
	assert.Equal(t, int32(1), h.store.writes.Load(), "close waits for persistence")

	res := wait(t, h.orch.EnsureReady(ctx))
	assert.ErrorIs(t, res.Err, ErrClosed)
	res = wait(t, h.orch.Rebuild(ctx))
	assert.ErrorIs(t, res.Err, ErrClosed)
}

func TestPending_Wait(t *testing.T) {
	p := newPending()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	assert.True(t, p.resolve(Result{State: StateCacheHit}))
	assert.False(t, p.resolve(Result{State: StateFailed}), "resolved exactly once")

	res, ok := p.Result()
	require.True(t, ok)
	assert.Equal(t, StateCacheHit, res.State)
}

func TestSupervise(t *testing.T) {
	exit := <-supervise(func() (int, error) { return 7, nil })
	assert.False(t, exit.Abnormal())
	assert.Equal(t, 7, exit.Output)

	exit = <-supervise(func() (int, error) { panic("kaboom") })
	assert.True(t, exit.Abnormal())
	assert.Equal(t, "panic: kaboom", exit.Reason())
	assert.Contains(t, exit.Stack, "supervise")

	exit = <-supervise(func() (int, error) { return 0, errors.New("nope") })
	assert.True(t, exit.Abnormal())
	assert.Equal(t, "nope", exit.Reason())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "cache_hit", StateCacheHit.String())
	assert.Equal(t, "unknown", State(42).String())
	assert.True(t, StateSucceeded.Ready())
	assert.False(t, StateFailed.Ready())
	assert.True(t, StateLoading.InFlight())
}

// A rebuild that finishes while the previous write is still in progress
// queues its write behind it instead of racing on the same path.
func TestRebuild_WaitsForSlowWrite(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	gate := make(chan struct{})
	h.store.gate = gate
	released := false
	defer func() {
		if !released {
			close(gate)
		}
	}()

	first := wait(t, h.orch.EnsureReady(ctx))
	require.NoError(t, first.Err)
	require.Eventually(t, func() bool { return h.store.writes.Load() == 1 }, 5*time.Second, 5*time.Millisecond)

	second := wait(t, h.orch.Rebuild(ctx))
	require.NoError(t, second.Err)
	assert.Equal(t, StateSucceeded, second.State)
	assert.NotEqual(t, first.TaskID, second.TaskID)

	assert.Never(t, func() bool { return h.store.writes.Load() > 1 }, 100*time.Millisecond, 10*time.Millisecond,
		"second write starts only after the first finished")

	close(gate)
	released = true
	require.NoError(t, h.orch.WaitPersisted(ctx))
	assert.Equal(t, int32(2), h.store.writes.Load())
	assert.Equal(t, int32(1), h.store.maxActive.Load())

	rec, _, err := h.store.Store.Read(ctx, h.store.Path(h.key(t)))
	require.NoError(t, err)
	assert.NotEmpty(t, rec.Tables)
	assert.True(t, h.orch.Status().Persisted)
}

// A panicking ready hook is contained: the knowledge base stays ready and
// the write still lands.
func TestEnsureReady_ReadyHookPanics(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.orch.cfg.OnReady = func(context.Context, Result) { panic("hook exploded") }

	res := wait(t, h.orch.EnsureReady(ctx))
	require.NoError(t, res.Err)
	assert.Equal(t, StateSucceeded, res.State)

	require.NoError(t, h.orch.WaitPersisted(ctx))
	assert.Equal(t, int32(1), h.store.writes.Load())
	assert.Equal(t, "succeeded", h.orch.Status().State)

	failed := h.recorder.EventsNamed(notify.EventHookFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "panic: hook exploded", failed[0].Reason)
	assert.Len(t, h.recorder.EventsNamed(notify.EventBuildDone), 1)

	v, ok, err := h.orch.Lookup(facts.TableTypes, "fmt.types")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "fmt", string(v))

	// A later cache hit goes through the same boundary.
	h2 := newHarness(t, nil)
	h2.orch.cfg.OnReady = h.orch.cfg.OnReady
	seed := facts.NewOwner("seed")
	kb := facts.New(seed)
	for _, table := range facts.AllTables {
		require.NoError(t, kb.InsertFact(seed, table, "k", []byte("v")))
	}
	path := h2.store.Path(h2.key(t))
	require.NoError(t, h2.store.Store.Write(ctx, path, &codec.ManifestRecord{Tables: kb.SnapshotAsLists()}, time.Unix(1000, 0)))

	hit := wait(t, h2.orch.EnsureReady(ctx))
	require.NoError(t, hit.Err)
	assert.Equal(t, StateCacheHit, hit.State)
	assert.Len(t, h2.recorder.EventsNamed(notify.EventHookFailed), 1)
}
