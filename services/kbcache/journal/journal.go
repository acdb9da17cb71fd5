// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package journal records the history of knowledge base builds in an
// embedded BadgerDB.
//
// Each build attempt is one entry, keyed by its start time so iteration in
// reverse key order yields newest first. An entry is written when the
// build starts and overwritten when it finishes.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const keyPrefix = "build/"

// ErrClosed is returned after Close.
var ErrClosed = errors.New("journal is closed")

// Entry is one build attempt.
type Entry struct {
	TaskID     string         `json:"task_id"`
	Key        string         `json:"key"`
	State      string         `json:"state"`
	Reason     string         `json:"reason,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at,omitempty"`
	Facts      map[string]int `json:"facts,omitempty"`
}

// Finished reports whether the attempt reached a terminal state.
func (e Entry) Finished() bool {
	return !e.FinishedAt.IsZero()
}

func entryKey(e Entry) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", keyPrefix, e.StartedAt.UnixNano(), e.TaskID))
}

// Journal stores build entries.
//
// Thread Safety: Safe for concurrent use.
type Journal struct {
	db     *badger.DB
	retain int
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	stopGC chan struct{}
	gcDone chan struct{}
}

// Open opens or creates a journal.
//
// Outputs:
//
//	*Journal - The journal. Caller must Close it.
//	error - Non-nil if the database cannot be opened.
func Open(cfg Config) (*Journal, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	j := &Journal{
		db:     db,
		retain: cfg.Retain,
		logger: logger.With(slog.String("component", "journal")),
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		j.stopGC = make(chan struct{})
		j.gcDone = make(chan struct{})
		go j.runGC(cfg.GCInterval)
	}
	return j, nil
}

// Record inserts or replaces the entry for e.TaskID and prunes entries
// beyond the retention limit.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	if e.TaskID == "" || e.StartedAt.IsZero() {
		return errors.New("entry requires task_id and started_at")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}

	if err := j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entryKey(e), data)
	}); err != nil {
		return fmt.Errorf("record entry: %w", err)
	}

	if j.retain > 0 {
		if err := j.prune(); err != nil {
			j.logger.Warn("journal prune failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// List returns up to limit entries, newest first. Zero or negative limit
// returns everything.
func (j *Journal) List(ctx context.Context, limit int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}

	j.mu.Lock()
	closed := j.closed
	j.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	var out []Entry
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(keyPrefix + "\xff")); it.Valid(); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var e Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return fmt.Errorf("decode entry %s: %w", it.Item().Key(), err)
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// prune deletes the oldest entries beyond retain. Caller holds j.mu.
func (j *Journal) prune() error {
	var stale [][]byte
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		n := 0
		for it.Seek([]byte(keyPrefix + "\xff")); it.Valid(); it.Next() {
			n++
			if n > j.retain {
				stale = append(stale, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil || len(stale) == 0 {
		return err
	}

	wb := j.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range stale {
		if err := wb.Delete(k); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func (j *Journal) runGC(interval time.Duration) {
	defer close(j.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stopGC:
			return
		case <-ticker.C:
			if err := j.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				j.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

// Close stops GC and closes the database. Safe to call more than once.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	j.mu.Unlock()

	if j.stopGC != nil {
		close(j.stopGC)
		<-j.gcDone
	}
	return j.db.Close()
}
