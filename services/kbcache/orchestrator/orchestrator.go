// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator decides whether the knowledge base comes from the
// on-disk cache or from a fresh build, runs builds under a supervisor, and
// persists their results in the background.
//
// # Lifecycle
//
// EnsureReady never blocks. The first call moves the orchestrator from
// Idle to Loading and reads the cache in the background. A readable cache
// ends in CacheHit. A missing, stale or corrupt cache starts a build, which
// ends in Succeeded or Failed. Later calls return the same Pending until
// Rebuild starts a new build.
//
// # Fault Isolation
//
// A build runs in its own goroutine behind a recover boundary. A panic or
// error moves the orchestrator to Failed, emits one error notice and one
// kb_build_crashed event, and never reaches the host process.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/kbcache/services/kbcache/analyzer"
	"github.com/AleutianAI/kbcache/services/kbcache/cachekey"
	"github.com/AleutianAI/kbcache/services/kbcache/codec"
	"github.com/AleutianAI/kbcache/services/kbcache/facts"
	"github.com/AleutianAI/kbcache/services/kbcache/journal"
	"github.com/AleutianAI/kbcache/services/kbcache/notify"
	"github.com/AleutianAI/kbcache/services/kbcache/store"
	"github.com/AleutianAI/kbcache/services/kbcache/telemetry"
)

// KeyResolver computes the cache key for the current environment.
type KeyResolver interface {
	Resolve(ctx context.Context) (cachekey.Key, error)
}

// Store reads and writes persisted knowledge bases.
type Store interface {
	Path(key cachekey.Key) string
	Read(ctx context.Context, path string) (*codec.ManifestRecord, time.Time, error)
	Write(ctx context.Context, path string, rec *codec.ManifestRecord, ts time.Time) error
}

// Journal records build attempts.
type Journal interface {
	Record(ctx context.Context, e journal.Entry) error
}

// ReadyFunc is called once per ready knowledge base, after ownership has
// moved to the orchestrator. It runs on the monitor goroutine; a panic is
// recovered, logged and emitted as kb_ready_hook_failed.
type ReadyFunc func(ctx context.Context, r Result)

// Config holds the orchestrator's collaborators.
type Config struct {
	Resolver KeyResolver
	Store    Store
	Source   analyzer.ArtifactSource
	Analyzer analyzer.Analyzer

	// Notifier receives notices and events. Defaults to notify.Nop.
	Notifier notify.Notifier

	// Journal is optional.
	Journal Journal

	// OnReady is optional.
	OnReady ReadyFunc

	Logger *slog.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

func (c *Config) validate() error {
	switch {
	case c.Resolver == nil:
		return fmt.Errorf("%w: resolver is required", ErrInvalidConfig)
	case c.Store == nil:
		return fmt.Errorf("%w: store is required", ErrInvalidConfig)
	case c.Source == nil:
		return fmt.Errorf("%w: artifact source is required", ErrInvalidConfig)
	case c.Analyzer == nil:
		return fmt.Errorf("%w: analyzer is required", ErrInvalidConfig)
	}
	return nil
}

// Status is a point-in-time view of the orchestrator.
type Status struct {
	State     string         `json:"state"`
	Key       string         `json:"key,omitempty"`
	Path      string         `json:"path,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Source    Source         `json:"source,omitempty"`
	Facts     map[string]int `json:"facts,omitempty"`
	LastError string         `json:"last_error,omitempty"`
	ReadyAt   time.Time      `json:"ready_at,omitempty"`
	Persisted bool           `json:"persisted"`
}

// Orchestrator manages one project's knowledge base.
//
// Thread Safety: Safe for concurrent use.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger
	owner  *facts.Owner

	mu      sync.Mutex
	state   State
	pending *Pending
	kb      *facts.KnowledgeBase
	source  Source
	key     cachekey.Key
	path    string
	taskID  string
	readyAt time.Time
	lastErr error
	persist *milestone
	closed  bool

	// lastWrite is the most recently started manifest write. Each write
	// waits for the previous one so writes to a path never overlap.
	lastWrite *milestone

	bg sync.WaitGroup
}

// New creates an orchestrator in the Idle state.
//
// Outputs:
//
//	*Orchestrator - Ready for EnsureReady. Caller must Close it.
//	error - ErrInvalidConfig if a required collaborator is missing.
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", "orchestrator")),
		owner:  facts.NewOwner("orchestrator"),
		state:  StateIdle,
	}, nil
}

// Owner is the identity that holds ready knowledge bases.
func (o *Orchestrator) Owner() *facts.Owner {
	return o.owner
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// EnsureReady makes sure a knowledge base is available or on its way.
//
// Description:
//
//	Never blocks. From Idle it starts a background cache read that falls
//	back to a build. In every other state it returns the current Pending,
//	so a ready knowledge base is never re-read or rebuilt. The background
//	work is detached from ctx cancellation.
//
// Outputs:
//
//	*Pending - Resolved once with the outcome. Already resolved with
//	ErrClosed after Close.
func (o *Orchestrator) EnsureReady(ctx context.Context) *Pending {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return resolvedPending(Result{State: o.state, Err: ErrClosed})
	}
	if o.state != StateIdle {
		return o.pending
	}

	p := newPending()
	o.pending = p
	o.setStateLocked(StateLoading)
	o.bg.Add(1)
	go o.run(context.WithoutCancel(ctx), p, false)
	return p
}

// Rebuild discards any cached result and builds from scratch.
//
// Description:
//
//	Joins the in-flight Pending while Loading or Building. Otherwise moves
//	to Building and returns a new Pending. A knowledge base that is
//	already ready stays readable through Lookup until the new one
//	replaces it or the build fails.
func (o *Orchestrator) Rebuild(ctx context.Context) *Pending {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return resolvedPending(Result{State: o.state, Err: ErrClosed})
	}
	if o.state.InFlight() {
		return o.pending
	}

	p := newPending()
	o.pending = p
	o.taskID = ""
	o.setStateLocked(StateBuilding)
	o.bg.Add(1)
	go o.run(context.WithoutCancel(ctx), p, true)
	return p
}

// Lookup reads one fact from the ready knowledge base.
func (o *Orchestrator) Lookup(t facts.Table, key string) ([]byte, bool, error) {
	o.mu.Lock()
	kb := o.kb
	o.mu.Unlock()

	if kb == nil {
		return nil, false, ErrNotReady
	}
	return kb.Lookup(o.owner, t, key)
}

// Status returns a snapshot of the orchestrator's state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	st := Status{
		State:   o.state.String(),
		Path:    o.path,
		TaskID:  o.taskID,
		Source:  o.source,
		ReadyAt: o.readyAt,
	}
	if o.path != "" {
		st.Key = o.key.String()
	}
	if o.lastErr != nil {
		st.LastError = o.lastErr.Error()
	}
	if o.kb != nil {
		if counts, err := o.kb.Counts(o.owner); err == nil {
			st.Facts = make(map[string]int, len(counts))
			for t, n := range counts {
				st.Facts[t.String()] = n
			}
		}
	}
	if o.persist != nil {
		select {
		case <-o.persist.done:
			st.Persisted = o.persist.err == nil
		default:
		}
	}
	return st
}

// WaitPersisted blocks until the latest build's background write is done.
//
// Outputs:
//
//	error - Nil if the write succeeded or nothing needed writing. Wraps
//	ErrPersistFailed if the write failed. ctx.Err() if ctx ends first.
func (o *Orchestrator) WaitPersisted(ctx context.Context) error {
	o.mu.Lock()
	m := o.persist
	o.mu.Unlock()

	if m == nil {
		return nil
	}
	return m.wait(ctx)
}

// Close stops accepting requests and waits for background work, including
// persistence, to finish or for ctx to end.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.bg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for background work: %w", ctx.Err())
	}
}

// setStateLocked records a transition. Caller holds o.mu.
func (o *Orchestrator) setStateLocked(s State) {
	o.state = s
	transitionsTotal.WithLabelValues(s.String()).Inc()
}

// run resolves the cache key, tries the cache unless force is set, and
// falls back to a build.
func (o *Orchestrator) run(ctx context.Context, p *Pending, force bool) {
	defer o.bg.Done()

	ctx, span := tracer.Start(ctx, "orchestrator.ensure")
	defer span.End()
	span.SetAttributes(attribute.Bool("kbcache.force", force))
	logger := telemetry.LoggerWithTrace(ctx, o.logger)

	key, err := o.cfg.Resolver.Resolve(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		o.fail(ctx, p, cachekey.Key{}, "", &BuildError{
			Reason: fmt.Sprintf("resolve cache key: %v", err),
			Err:    err,
		})
		return
	}
	path := o.cfg.Store.Path(key)
	span.SetAttributes(attribute.String("kbcache.key", key.String()))

	o.mu.Lock()
	o.key = key
	o.path = path
	o.mu.Unlock()

	if !force {
		if o.loadCache(ctx, logger, p, key, path) {
			telemetry.SetSpanOK(span)
			return
		}
	}

	taskID := uuid.NewString()
	o.mu.Lock()
	o.taskID = taskID
	if o.state != StateBuilding {
		o.setStateLocked(StateBuilding)
	}
	o.mu.Unlock()

	o.build(ctx, logger, p, key, path, taskID)
}

// loadCache reports whether the cache satisfied the request.
func (o *Orchestrator) loadCache(ctx context.Context, logger *slog.Logger, p *Pending, key cachekey.Key, path string) bool {
	rec, modTime, err := o.cfg.Store.Read(ctx, path)
	if err == nil {
		var kb *facts.KnowledgeBase
		kb, err = facts.FromSnapshot(o.owner, rec.Tables)
		if err == nil {
			cacheReadsTotal.WithLabelValues("hit").Inc()
			o.cacheHit(ctx, logger, p, key, path, kb, modTime, rec)
			return true
		}
		err = fmt.Errorf("%w: load snapshot: %w", codec.ErrCorruptData, err)
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		cacheReadsTotal.WithLabelValues("miss").Inc()
		logger.Info("no cached knowledge base, building", slog.String("path", path))
	case errors.Is(err, codec.ErrStaleFormat):
		cacheReadsTotal.WithLabelValues("stale").Inc()
		logger.Warn("cached knowledge base has an old format, rebuilding",
			slog.String("path", path),
			slog.String("error", err.Error()))
	default:
		cacheReadsTotal.WithLabelValues("corrupt").Inc()
		logger.Error("cached knowledge base is unreadable, rebuilding",
			slog.String("path", path),
			slog.String("error", err.Error()))
	}
	return false
}

func (o *Orchestrator) cacheHit(ctx context.Context, logger *slog.Logger, p *Pending, key cachekey.Key, path string, kb *facts.KnowledgeBase, modTime time.Time, rec *codec.ManifestRecord) {
	done := newMilestone()
	done.finish(nil)

	o.mu.Lock()
	o.kb = kb
	o.source = SourceCache
	o.readyAt = o.cfg.Now()
	o.lastErr = nil
	o.persist = done
	o.setStateLocked(StateCacheHit)
	o.mu.Unlock()

	res := Result{State: StateCacheHit, KB: kb, Source: SourceCache, Key: key}
	p.resolve(res)

	logger.Info("knowledge base loaded from cache",
		slog.String("path", path),
		slog.Time("built_at", modTime),
		slog.Int("facts", rec.FactCount()))

	o.runReadyHook(ctx, logger, res)
	o.cfg.Notifier.Emit(ctx, notify.Event{
		Name: notify.EventCacheHit,
		Attributes: map[string]string{
			"key":   key.String(),
			"facts": fmt.Sprint(rec.FactCount()),
		},
	})
}

// buildOutput is what a build task hands back after transferring the
// knowledge base to the orchestrator's owner.
type buildOutput struct {
	kb         *facts.KnowledgeBase
	snapshot   facts.Snapshot
	counts     map[facts.Table]int
	analysis   *analyzer.Analysis
	finishedAt time.Time
}

// build runs one supervised build task and acts on its exit message.
func (o *Orchestrator) build(ctx context.Context, logger *slog.Logger, p *Pending, key cachekey.Key, path, taskID string) {
	ctx, span := tracer.Start(ctx, "orchestrator.build")
	defer span.End()
	span.SetAttributes(attribute.String("kbcache.task_id", taskID))

	started := o.cfg.Now()
	o.record(ctx, journal.Entry{
		TaskID:    taskID,
		Key:       key.String(),
		State:     StateBuilding.String(),
		StartedAt: started,
	})
	logger.Info("building knowledge base", slog.String("task_id", taskID))
	o.cfg.Notifier.Notify(ctx, notify.Notice{
		Severity: notify.SeverityInfo,
		Message:  "Building knowledge base...",
	})

	exit := <-supervise(func() (*buildOutput, error) {
		return o.runBuild(ctx, taskID)
	})

	elapsed := o.cfg.Now().Sub(started)
	if exit.Abnormal() {
		buildDuration.WithLabelValues("failed").Observe(elapsed.Seconds())
		recordBuildMetrics(ctx, "failed", nil)
		be := &BuildError{TaskID: taskID, Reason: exit.Reason(), Stack: exit.Stack, Err: exit.Err}
		telemetry.RecordError(span, be)
		o.fail(ctx, p, key, path, be)
		o.record(ctx, journal.Entry{
			TaskID:     taskID,
			Key:        key.String(),
			State:      StateFailed.String(),
			Reason:     be.Reason,
			StartedAt:  started,
			FinishedAt: o.cfg.Now(),
		})
		return
	}

	buildDuration.WithLabelValues("succeeded").Observe(elapsed.Seconds())
	recordBuildMetrics(ctx, "succeeded", exit.Output.counts)
	telemetry.SetSpanOK(span)
	o.succeed(ctx, logger, p, key, path, taskID, started, exit.Output)
}

// runBuild is the body of the build task. It owns the knowledge base until
// the final Transfer.
func (o *Orchestrator) runBuild(ctx context.Context, taskID string) (*buildOutput, error) {
	builder := facts.NewOwner("builder-" + taskID)
	kb := facts.New(builder)

	artifacts, err := o.cfg.Source.Artifacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	analysis, err := o.cfg.Analyzer.Analyze(ctx, artifacts, kb, builder)
	if err != nil {
		return nil, fmt.Errorf("analyze: %w", err)
	}
	if analysis == nil {
		analysis = &analyzer.Analysis{}
	}

	if err := kb.Release(builder); err != nil {
		return nil, fmt.Errorf("release writes: %w", err)
	}
	snapshot := kb.SnapshotAsLists()
	counts, err := kb.Counts(builder)
	if err != nil {
		return nil, fmt.Errorf("count facts: %w", err)
	}
	finishedAt := o.cfg.Now()

	if err := facts.Transfer(kb, builder, o.owner); err != nil {
		return nil, fmt.Errorf("transfer ownership: %w", err)
	}
	return &buildOutput{
		kb:         kb,
		snapshot:   snapshot,
		counts:     counts,
		analysis:   analysis,
		finishedAt: finishedAt,
	}, nil
}

func (o *Orchestrator) succeed(ctx context.Context, logger *slog.Logger, p *Pending, key cachekey.Key, path, taskID string, started time.Time, out *buildOutput) {
	persisted := newMilestone()

	o.mu.Lock()
	o.kb = out.kb
	o.source = SourceBuild
	o.readyAt = o.cfg.Now()
	o.lastErr = nil
	o.persist = persisted
	prevWrite := o.lastWrite
	o.lastWrite = persisted
	o.setStateLocked(StateSucceeded)
	o.mu.Unlock()

	res := Result{State: StateSucceeded, KB: out.kb, Source: SourceBuild, Key: key, TaskID: taskID}
	p.resolve(res)

	counts := make(map[string]int, len(out.counts))
	total := 0
	for t, n := range out.counts {
		counts[t.String()] = n
		total += n
	}
	logger.Info("knowledge base built",
		slog.String("task_id", taskID),
		slog.Int("facts", total),
		slog.Int("warnings", len(out.analysis.Warnings)))

	entry := journal.Entry{
		TaskID:     taskID,
		Key:        key.String(),
		State:      StateSucceeded.String(),
		StartedAt:  started,
		FinishedAt: o.readyAtSnapshot(),
		Facts:      counts,
	}
	o.record(ctx, entry)

	rec := &codec.ManifestRecord{
		DependencyGraph: out.analysis.DependencyGraph,
		FileHashes:      out.analysis.FileHashes,
		Warnings:        out.analysis.Warnings,
		Tables:          out.snapshot,
		LastWrite:       out.finishedAt.Truncate(time.Second),
	}

	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		if prevWrite != nil {
			<-prevWrite.done
		}
		exit := <-supervise(func() (struct{}, error) {
			return struct{}{}, o.cfg.Store.Write(ctx, path, rec, rec.LastWrite)
		})
		if !exit.Abnormal() {
			persistTotal.WithLabelValues("success").Inc()
			logger.Info("knowledge base persisted", slog.String("path", path))
			persisted.finish(nil)
			return
		}
		o.persistFailed(ctx, logger, path, entry, exit.Reason())
		persisted.finish(fmt.Errorf("%w: %s", ErrPersistFailed, exit.Reason()))
	}()

	o.cfg.Notifier.Notify(ctx, notify.Notice{
		Severity: notify.SeverityInfo,
		Message:  fmt.Sprintf("Knowledge base built with %d facts.", total),
	})
	o.cfg.Notifier.Emit(ctx, notify.Event{
		Name:       notify.EventBuildDone,
		Attributes: map[string]string{"task_id": taskID, "key": key.String()},
	})
	o.runReadyHook(ctx, logger, res)
}

// runReadyHook calls OnReady behind a recover boundary. A failing hook is
// logged and emitted but leaves the knowledge base ready.
func (o *Orchestrator) runReadyHook(ctx context.Context, logger *slog.Logger, res Result) {
	if o.cfg.OnReady == nil {
		return
	}
	exit := <-supervise(func() (struct{}, error) {
		o.cfg.OnReady(ctx, res)
		return struct{}{}, nil
	})
	if !exit.Abnormal() {
		return
	}
	logger.Error("ready hook failed",
		slog.String("task_id", res.TaskID),
		slog.String("reason", exit.Reason()),
		slog.String("stack", exit.Stack))
	o.cfg.Notifier.Emit(ctx, notify.Event{
		Name:       notify.EventHookFailed,
		Reason:     exit.Reason(),
		Attributes: map[string]string{"task_id": res.TaskID, "key": res.Key.String()},
	})
}

func (o *Orchestrator) persistFailed(ctx context.Context, logger *slog.Logger, path string, entry journal.Entry, reason string) {
	persistTotal.WithLabelValues("failure").Inc()
	logger.Error("knowledge base persistence failed",
		slog.String("path", path),
		slog.String("reason", reason))

	o.cfg.Notifier.Notify(ctx, notify.Notice{
		Severity: notify.SeverityWarning,
		Message:  "Knowledge base could not be saved; it will be rebuilt next session.",
	})
	o.cfg.Notifier.Emit(ctx, notify.Event{
		Name:       notify.EventPersistFailed,
		Reason:     reason,
		Attributes: map[string]string{"task_id": entry.TaskID, "path": path},
	})

	entry.Reason = "persist: " + reason
	o.record(ctx, entry)
}

// fail moves to Failed and reports the error exactly once.
func (o *Orchestrator) fail(ctx context.Context, p *Pending, key cachekey.Key, path string, be *BuildError) {
	o.mu.Lock()
	o.kb = nil
	o.source = ""
	o.lastErr = be
	o.persist = nil
	o.setStateLocked(StateFailed)
	o.mu.Unlock()

	p.resolve(Result{State: StateFailed, Key: key, TaskID: be.TaskID, Err: be})

	attrs := []any{
		slog.String("task_id", be.TaskID),
		slog.String("reason", be.Reason),
	}
	if be.Stack != "" {
		attrs = append(attrs, slog.String("stack", be.Stack))
	}
	telemetry.LoggerWithTrace(ctx, o.logger).Error("knowledge base build failed", attrs...)

	o.cfg.Notifier.Notify(ctx, notify.Notice{
		Severity: notify.SeverityError,
		Message:  "Knowledge base build failed; analysis features are disabled for this session.",
	})
	evAttrs := map[string]string{"task_id": be.TaskID}
	if path != "" {
		evAttrs["key"] = key.String()
	}
	o.cfg.Notifier.Emit(ctx, notify.Event{
		Name:       notify.EventBuildCrashed,
		Reason:     be.Reason,
		Attributes: evAttrs,
	})
}

func (o *Orchestrator) readyAtSnapshot() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.readyAt
}

func (o *Orchestrator) record(ctx context.Context, e journal.Entry) {
	if o.cfg.Journal == nil {
		return
	}
	if err := o.cfg.Journal.Record(ctx, e); err != nil {
		o.logger.Warn("failed to journal build",
			slog.String("task_id", e.TaskID),
			slog.String("error", err.Error()))
	}
}
