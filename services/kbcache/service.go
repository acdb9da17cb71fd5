// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package kbcache wires the knowledge base cache for one project session
// and serves it over HTTP.
//
// A Service owns the store, the build orchestrator, the notifiers and the
// optional build journal. Commands and HTTP handlers talk only to the
// Service.
package kbcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AleutianAI/kbcache/services/kbcache/analyzer"
	"github.com/AleutianAI/kbcache/services/kbcache/cachekey"
	"github.com/AleutianAI/kbcache/services/kbcache/codec"
	"github.com/AleutianAI/kbcache/services/kbcache/config"
	"github.com/AleutianAI/kbcache/services/kbcache/facts"
	"github.com/AleutianAI/kbcache/services/kbcache/journal"
	"github.com/AleutianAI/kbcache/services/kbcache/notify"
	"github.com/AleutianAI/kbcache/services/kbcache/orchestrator"
	"github.com/AleutianAI/kbcache/services/kbcache/store"
)

// ServiceVersion is reported by the health endpoint.
const ServiceVersion = "0.1.0"

// recentNotices bounds the notices kept for the status endpoint.
const recentNotices = 50

// Option customizes NewService.
type Option func(*options)

type options struct {
	env      cachekey.EnvProvider
	source   analyzer.ArtifactSource
	analyzer analyzer.Analyzer
	logger   *slog.Logger
	onReady  orchestrator.ReadyFunc
	notifier notify.Notifier
}

// WithEnv replaces toolchain detection.
func WithEnv(env cachekey.EnvProvider) Option {
	return func(o *options) { o.env = env }
}

// WithSource replaces the GOROOT artifact source.
func WithSource(src analyzer.ArtifactSource) Option {
	return func(o *options) { o.source = src }
}

// WithAnalyzer replaces the Go source analyzer.
func WithAnalyzer(a analyzer.Analyzer) Option {
	return func(o *options) { o.analyzer = a }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithReadyHook is called each time a knowledge base becomes ready.
func WithReadyHook(fn orchestrator.ReadyFunc) Option {
	return func(o *options) { o.onReady = fn }
}

// WithNotifier adds a notifier next to the log and in-memory ones.
func WithNotifier(n notify.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// Service is one project session.
//
// Thread Safety: Safe for concurrent use.
type Service struct {
	cfg      config.Config
	logger   *slog.Logger
	store    *store.Store
	resolver *cachekey.Resolver
	orch     *orchestrator.Orchestrator
	journal  *journal.Journal
	recorder *notify.Recorder
	hub      *notify.Hub

	closeOnce sync.Once
	closers   []func() error
}

// NewService builds a session from cfg.
//
// Description:
//
//	Nothing is read or built until Ensure or Rebuild is called. The NATS
//	notifier is optional: a connection failure is logged and the session
//	continues with log notifications only.
//
// Outputs:
//
//	*Service - The session. Caller must Close it.
//	error - Invalid config or a journal that cannot be opened.
func NewService(cfg config.Config, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With(slog.String("project", cfg.ProjectRoot))

	s := &Service{
		cfg:      cfg,
		logger:   logger,
		recorder: notify.NewRecorder(recentNotices),
		hub:      notify.NewHub(),
	}

	storeCfg := store.DefaultConfig(cfg.ProjectRoot)
	storeCfg.CacheDir = cfg.Store.CacheDir
	storeCfg.DecodedCacheEntries = cfg.Store.DecodedCacheEntries
	storeCfg.Logger = logger
	if cfg.Store.Compression == "none" {
		storeCfg.Codec = codec.Options{Compression: codec.CompressionNone}
	}
	st, err := store.New(storeCfg)
	if err != nil {
		return nil, err
	}
	s.store = st

	env := o.env
	if env == nil {
		env = cachekey.GoToolchain{GoBin: cfg.Toolchain.GoBin, GOROOT: cfg.Toolchain.GOROOT}
	}
	if cfg.Toolchain.ReleaseOverride != "" || cfg.Toolchain.RuntimeOverride != "" {
		env = cachekey.Overlay{
			Base: env,
			Override: cachekey.StaticEnv{
				Toolchain: cfg.Toolchain.ReleaseOverride,
				Runtime:   cfg.Toolchain.RuntimeOverride,
			},
		}
	}
	s.resolver = cachekey.NewResolver(env, cfg.Profile)

	notifiers := notify.Multi{notify.NewLogNotifier(logger), s.recorder, s.hub}
	if o.notifier != nil {
		notifiers = append(notifiers, o.notifier)
	}
	if cfg.Notify.NATSURL != "" {
		nn, err := notify.NewNATSNotifier(notify.NATSConfig{
			URL:           cfg.Notify.NATSURL,
			SubjectPrefix: cfg.Notify.SubjectPrefix,
			Name:          "kbcache",
			Logger:        logger,
		})
		if err != nil {
			logger.Warn("NATS notifications disabled",
				slog.String("url", cfg.Notify.NATSURL),
				slog.String("error", err.Error()))
		} else {
			notifiers = append(notifiers, nn)
			s.closers = append(s.closers, nn.Close)
		}
	}

	var jr orchestrator.Journal
	if cfg.Journal.Enabled {
		jcfg := journal.DefaultConfig(cfg.JournalPath())
		jcfg.InMemory = cfg.Journal.InMemory
		jcfg.Retain = cfg.Journal.Retain
		jcfg.Logger = logger.With(slog.String("component", "journal"))
		j, err := journal.Open(jcfg)
		if err != nil {
			s.closeAll()
			return nil, fmt.Errorf("open build journal: %w", err)
		}
		s.journal = j
		s.closers = append(s.closers, j.Close)
		jr = j
	}

	src := o.source
	if src == nil {
		src = &gorootSource{cfg: cfg}
	}
	an := o.analyzer
	if an == nil {
		an = &analyzer.GoSourceAnalyzer{
			Parallelism: cfg.Build.Parallelism,
			MaxFileSize: cfg.Build.MaxFileSize,
			Logger:      logger,
		}
	}

	s.orch, err = orchestrator.New(orchestrator.Config{
		Resolver: s.resolver,
		Store:    st,
		Source:   src,
		Analyzer: an,
		Notifier: notifiers,
		Journal:  jr,
		OnReady:  o.onReady,
		Logger:   logger,
	})
	if err != nil {
		s.closeAll()
		return nil, err
	}
	return s, nil
}

// Config returns the session configuration.
func (s *Service) Config() config.Config {
	return s.cfg
}

// Ensure starts loading or building the knowledge base if needed.
func (s *Service) Ensure(ctx context.Context) *orchestrator.Pending {
	return s.orch.EnsureReady(ctx)
}

// Rebuild forces a fresh build.
func (s *Service) Rebuild(ctx context.Context) *orchestrator.Pending {
	return s.orch.Rebuild(ctx)
}

// WaitPersisted waits for the latest build to reach disk.
func (s *Service) WaitPersisted(ctx context.Context) error {
	return s.orch.WaitPersisted(ctx)
}

// Status reports the orchestrator state and recent notices.
func (s *Service) Status() StatusResponse {
	return StatusResponse{
		Status:  s.orch.Status(),
		Notices: s.recorder.Notices(),
		Events:  s.recorder.Events(),
	}
}

// Lookup reads one fact by table name.
func (s *Service) Lookup(table, key string) (*FactResponse, error) {
	t, err := facts.ParseTable(table)
	if err != nil {
		return nil, err
	}
	v, ok, err := s.orch.Lookup(t, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrFactNotFound, table, key)
	}
	return &FactResponse{Table: t.String(), Key: key, Value: string(v)}, nil
}

// Subscribe streams live notices and events until cancel is called.
func (s *Service) Subscribe(buffer int) (<-chan notify.Message, func()) {
	return s.hub.Subscribe(buffer)
}

// History lists recent build attempts, newest first.
func (s *Service) History(ctx context.Context, limit int) ([]journal.Entry, error) {
	if s.journal == nil {
		return nil, ErrJournalDisabled
	}
	return s.journal.List(ctx, limit)
}

// Path resolves the manifest path for the current environment.
func (s *Service) Path(ctx context.Context) (cachekey.Key, string, error) {
	key, err := s.resolver.Resolve(ctx)
	if err != nil {
		return cachekey.Key{}, "", err
	}
	return key, s.store.Path(key), nil
}

// Inspect decodes the manifest for the current environment without
// loading it into the session.
func (s *Service) Inspect(ctx context.Context) (*InspectResponse, error) {
	key, path, err := s.Path(ctx)
	if err != nil {
		return nil, err
	}
	rec, modTime, err := s.store.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	resp := &InspectResponse{
		Key:           key.String(),
		Path:          path,
		FormatVersion: rec.FormatVersion,
		BuiltAt:       modTime,
		Modules:       len(rec.DependencyGraph),
		Files:         len(rec.FileHashes),
		Warnings:      rec.Warnings,
		Tables:        make(map[string]int, len(rec.Tables)),
	}
	for t, list := range rec.Tables {
		resp.Tables[t.String()] = len(list)
	}
	return resp, nil
}

// Clear removes every manifest under the cache directory and reports the
// removed paths.
func (s *Service) Clear() ([]string, error) {
	entries, err := s.store.List()
	if err != nil {
		return nil, err
	}
	removed := make([]string, 0, len(entries))
	var errs []error
	for _, e := range entries {
		if err := s.store.Remove(e.Path); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, e.Path)
	}
	return removed, errors.Join(errs...)
}

// Close waits for background persistence and releases resources.
func (s *Service) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		err = errors.Join(s.orch.Close(ctx), s.closeAll())
	})
	return err
}

func (s *Service) closeAll() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}

// gorootSource resolves GOROOT on first use, inside the build task, so
// sessions that never build do not need a toolchain. Only a successful
// resolution is kept; a failed one is retried by the next build.
type gorootSource struct {
	cfg config.Config

	// resolve defaults to analyzer.ResolveGOROOT.
	resolve func(ctx context.Context, goBin string) (string, error)

	mu  sync.Mutex
	src *analyzer.GorootSource
}

func (g *gorootSource) Artifacts(ctx context.Context) ([]analyzer.Artifact, error) {
	src, err := g.source(ctx)
	if err != nil {
		return nil, err
	}
	return src.Artifacts(ctx)
}

func (g *gorootSource) source(ctx context.Context) (*analyzer.GorootSource, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.src != nil {
		return g.src, nil
	}
	goroot := g.cfg.Toolchain.GOROOT
	if goroot == "" {
		resolve := g.resolve
		if resolve == nil {
			resolve = analyzer.ResolveGOROOT
		}
		var err error
		goroot, err = resolve(ctx, g.cfg.Toolchain.GoBin)
		if err != nil {
			return nil, err
		}
	}
	src, err := analyzer.NewGorootSource(goroot, g.cfg.Build.Includes, g.cfg.Build.Excludes)
	if err != nil {
		return nil, err
	}
	g.src = src
	return src, nil
}
