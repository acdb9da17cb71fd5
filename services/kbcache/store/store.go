// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists knowledge base manifests to disk atomically.
//
// A manifest is never modified in place. Write encodes to a uniquely named
// sibling ".new" file, flushes it, and renames it over the target, so a reader sees either
// the complete old file or the complete new one.
package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/kbcache/services/kbcache/cachekey"
	"github.com/AleutianAI/kbcache/services/kbcache/codec"
	"github.com/AleutianAI/kbcache/services/kbcache/telemetry"
)

const (
	// FileName is the manifest file name inside a key directory.
	FileName = "kb.manifest"

	// TempSuffix ends the name of every in-progress temp file.
	TempSuffix = ".new"

	// DefaultCacheDir is the hidden per-project cache directory.
	DefaultCacheDir = ".kbcache"

	dirPerm  = 0o750
	filePerm = 0o644
)

// Config configures a Store.
type Config struct {
	// ProjectRoot is the project whose cache directory holds manifests.
	ProjectRoot string

	// CacheDir is the cache directory relative to ProjectRoot.
	// Default: ".kbcache".
	CacheDir string

	// Codec controls manifest encoding.
	Codec codec.Options

	// DecodedCacheEntries bounds the in-process cache of decoded records.
	// Zero disables it. Default: 4.
	DecodedCacheEntries int

	// Logger for store operations. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns production defaults for a project.
func DefaultConfig(projectRoot string) Config {
	return Config{
		ProjectRoot:         projectRoot,
		CacheDir:            DefaultCacheDir,
		Codec:               codec.DefaultOptions(),
		DecodedCacheEntries: 4,
		Logger:              slog.Default(),
	}
}

// Validate checks if the configuration is usable.
func (c *Config) Validate() error {
	if c.ProjectRoot == "" {
		return fmt.Errorf("%w: project_root must not be empty", ErrInvalidConfig)
	}
	if c.CacheDir == "" || filepath.IsAbs(c.CacheDir) {
		return fmt.Errorf("%w: cache_dir must be a relative path, got %q", ErrInvalidConfig, c.CacheDir)
	}
	if c.DecodedCacheEntries < 0 {
		return fmt.Errorf("%w: decoded_cache_entries must be >= 0, got %d", ErrInvalidConfig, c.DecodedCacheEntries)
	}
	return nil
}

// decodedEntry is a cached decode, valid while the file's modification
// time and size are unchanged.
type decodedEntry struct {
	rec     *codec.ManifestRecord
	modTime time.Time
	size    int64
}

type readResult struct {
	rec     *codec.ManifestRecord
	modTime time.Time
}

// Store reads and writes manifests under a project's cache directory.
//
// Thread Safety: Safe for concurrent use. Concurrent reads of the same path
// share one disk read. Concurrent writes to the same path are serialized by
// the caller (one orchestrator per project root).
type Store struct {
	cfg     Config
	logger  *slog.Logger
	decoded *lru.Cache[string, decodedEntry]
	reads   singleflight.Group

	// beforeRename runs after the temp file is flushed and closed. Tests use
	// it to simulate a crash before the rename.
	beforeRename func(tmpPath string) error
}

// New creates a store.
//
// Inputs:
//
//	cfg - Store configuration. Validated.
//
// Outputs:
//
//	*Store - The store.
//	error - ErrInvalidConfig on a bad configuration.
func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Store{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", "store")),
	}
	if cfg.DecodedCacheEntries > 0 {
		cache, err := lru.New[string, decodedEntry](cfg.DecodedCacheEntries)
		if err != nil {
			return nil, fmt.Errorf("create decoded cache: %w", err)
		}
		s.decoded = cache
	}
	return s, nil
}

// Root returns the absolute-or-relative cache directory of the project.
func (s *Store) Root() string {
	return filepath.Join(s.cfg.ProjectRoot, s.cfg.CacheDir)
}

// Path returns the manifest path for a key.
func (s *Store) Path(key cachekey.Key) string {
	return filepath.Join(s.Root(), key.String(), FileName)
}

// Write atomically replaces the manifest at path.
//
// Description:
//
//	Encodes rec, writes it to a unique "<path>.*.new" temp file, fsyncs and
//	closes it,
//	then renames it over path and sets the modification time to ts. On any
//	failure before the rename the temp file is removed and the previous
//	manifest, if any, is left untouched.
//
// Inputs:
//
//	ctx - Context for tracing. Writing is not cancellable once started.
//	path - Target manifest path, normally from Path.
//	rec - The record to persist.
//	ts - Logical build timestamp recorded as the file's modification time.
//	     Zero means now.
//
// Outputs:
//
//	error - Non-nil if the new manifest was not durably installed.
func (s *Store) Write(ctx context.Context, path string, rec *codec.ManifestRecord, ts time.Time) (err error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "store.Store.Write",
		trace.WithAttributes(attribute.String("path", path)),
	)
	defer span.End()

	logger := telemetry.LoggerWithTrace(ctx, s.logger).With(slog.String("path", path))

	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
			telemetry.RecordError(span, err)
		}
		operationsTotal.WithLabelValues("write", status).Inc()
		operationDuration.WithLabelValues("write").Observe(time.Since(start).Seconds())
	}()

	if ts.IsZero() {
		ts = time.Now()
	}

	data, err := codec.Encode(rec, s.cfg.Codec)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	// Each write gets its own temp file so concurrent writers to one path
	// never share bytes; the last rename wins with a complete file.
	tmpFile, err := os.CreateTemp(filepath.Dir(path), tempPattern(path))
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	cleanupTmp := true
	defer func() {
		if cleanupTmp {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if err := tmpFile.Chmod(filePerm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if s.beforeRename != nil {
		if err := s.beforeRename(tmpPath); err != nil {
			return err
		}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	cleanupTmp = false

	if s.decoded != nil {
		s.decoded.Remove(path)
	}

	// The manifest is installed; a wrong mtime only costs a decoded-cache
	// miss later.
	if err := os.Chtimes(path, ts, ts); err != nil {
		logger.Warn("set manifest timestamp failed", slog.String("error", err.Error()))
	}
	if err := syncDir(filepath.Dir(path)); err != nil {
		logger.Warn("directory sync failed (manifest still valid)", slog.String("error", err.Error()))
	}

	fileBytes.WithLabelValues("write").Observe(float64(len(data)))
	span.SetAttributes(attribute.Int("bytes", len(data)), attribute.Int("facts", rec.FactCount()))
	logger.Debug("manifest written",
		slog.Int("bytes", len(data)),
		slog.Int("facts", rec.FactCount()),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

// Read loads and decodes the manifest at path.
//
// Description:
//
//	Returns the decoded record and the file's modification time, which is
//	the logical timestamp of the build that produced it. Concurrent reads
//	of the same path share one disk read, and repeated reads of an
//	unchanged file are served from the decoded cache. The returned record
//	is shared and must not be modified.
//
// Outputs:
//
//	*codec.ManifestRecord - The record.
//	time.Time - The file modification time.
//	error - ErrNotFound when no file exists, *ReadError otherwise.
func (s *Store) Read(ctx context.Context, path string) (*codec.ManifestRecord, time.Time, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "store.Store.Read",
		trace.WithAttributes(attribute.String("path", path)),
	)
	defer span.End()

	v, err, shared := s.reads.Do(path, func() (any, error) {
		return s.read(ctx, path)
	})
	span.SetAttributes(attribute.Bool("shared", shared))
	operationDuration.WithLabelValues("read").Observe(time.Since(start).Seconds())

	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			operationsTotal.WithLabelValues("read", "miss").Inc()
		default:
			operationsTotal.WithLabelValues("read", "error").Inc()
			telemetry.RecordError(span, err)
		}
		return nil, time.Time{}, err
	}
	operationsTotal.WithLabelValues("read", "ok").Inc()
	res := v.(readResult)
	return res.rec, res.modTime, nil
}

func (s *Store) read(ctx context.Context, path string) (readResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return readResult{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return readResult{}, &ReadError{Path: path, Err: err}
	}

	if s.decoded != nil {
		if e, ok := s.decoded.Get(path); ok && e.modTime.Equal(info.ModTime()) && e.size == info.Size() {
			decodedCacheTotal.WithLabelValues("hit").Inc()
			return readResult{rec: e.rec, modTime: e.modTime}, nil
		}
		decodedCacheTotal.WithLabelValues("miss").Inc()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return readResult{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return readResult{}, &ReadError{Path: path, Err: err}
	}
	fileBytes.WithLabelValues("read").Observe(float64(len(data)))

	rec, err := codec.Decode(data)
	if err != nil {
		return readResult{}, &ReadError{Path: path, Err: err}
	}

	if s.decoded != nil {
		s.decoded.Add(path, decodedEntry{rec: rec, modTime: info.ModTime(), size: info.Size()})
	}
	telemetry.LoggerWithTrace(ctx, s.logger).Debug("manifest decoded",
		slog.String("path", path),
		slog.Int("bytes", len(data)),
		slog.Int("facts", rec.FactCount()),
	)
	return readResult{rec: rec, modTime: info.ModTime()}, nil
}

// Remove deletes the manifest at path and any leftover temp file. A
// missing file is not an error.
func (s *Store) Remove(path string) error {
	if s.decoded != nil {
		s.decoded.Remove(path)
	}
	targets := []string{path}
	if leftovers, err := filepath.Glob(filepath.Join(filepath.Dir(path), tempPattern(path))); err == nil {
		targets = append(targets, leftovers...)
	}
	var errs []error
	for _, p := range targets {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	// Drop the key directory when it is now empty.
	_ = os.Remove(filepath.Dir(path))

	status := "ok"
	if len(errs) > 0 {
		status = "error"
	}
	operationsTotal.WithLabelValues("remove", status).Inc()
	return errors.Join(errs...)
}

// tempPattern is the os.CreateTemp and filepath.Glob pattern for temp files
// of path.
func tempPattern(path string) string {
	return filepath.Base(path) + ".*" + TempSuffix
}

// Entry describes one manifest found in the cache directory.
type Entry struct {
	Key     string
	Path    string
	Size    int64
	ModTime time.Time
}

// List returns the manifests present in the cache directory, one per key
// directory. A missing cache directory yields an empty list.
func (s *Store) List() ([]Entry, error) {
	dirs, err := os.ReadDir(s.Root())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list cache dir: %w", err)
	}

	var entries []Entry
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		path := filepath.Join(s.Root(), d.Name(), FileName)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		entries = append(entries, Entry{
			Key:     d.Name(),
			Path:    path,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return entries, nil
}

// syncDir flushes directory metadata so the rename survives a crash on
// filesystems that need it.
func syncDir(dirPath string) error {
	dir, err := os.Open(dirPath)
	if err != nil {
		return fmt.Errorf("open dir for sync: %w", err)
	}
	defer dir.Close()

	if err := dir.Sync(); err != nil {
		return fmt.Errorf("sync dir: %w", err)
	}
	return nil
}
