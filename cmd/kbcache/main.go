// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command kbcache manages the persisted standard-library knowledge base of
// a project.
//
// Usage:
//
//	kbcache ensure --wait      # load from cache or build, then wait
//	kbcache ensure --force     # rebuild even if a cache exists
//	kbcache path               # print the manifest path for this toolchain
//	kbcache inspect            # summarize the manifest on disk
//	kbcache clear              # delete every cached manifest
//	kbcache history            # list recent builds
//	kbcache serve              # HTTP status and lookup API
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/kbcache/pkg/logging"
	"github.com/AleutianAI/kbcache/services/kbcache"
	"github.com/AleutianAI/kbcache/services/kbcache/config"
	"github.com/AleutianAI/kbcache/services/kbcache/telemetry"
)

// shutdownTimeout bounds waiting for background persistence on exit.
const shutdownTimeout = 2 * time.Minute

var (
	projectRoot string
	configPath  string
	logLevel    string
	jsonOutput  bool
)

var rootCmd = &cobra.Command{
	Use:   "kbcache",
	Short: "Persistent cache for the toolchain knowledge base",
	Long: `kbcache loads the analyzed standard-library knowledge base of a project
from its on-disk cache, or builds it in the background when the cache is
missing, stale or unreadable.

The cache lives under <project>/.kbcache/<key>/kb.manifest, where the key
is derived from the toolchain release, the analyzer runtime and the build
profile.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&projectRoot, "project", "p", ".", "Project root")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default <project>/.kbcache.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print results as JSON")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// session is what every command needs: config, logger, telemetry and the
// kbcache service.
type session struct {
	cfg      config.Config
	logger   *logging.Logger
	svc      *kbcache.Service
	shutdown func(context.Context) error
}

// openSession loads config and starts a service. The caller must close it.
func openSession(ctx context.Context, opts ...kbcache.Option) (*session, error) {
	cfg, err := config.Load(projectRoot, configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	slog.SetDefault(logger.Slog())

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		_ = logger.Close()
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	opts = append([]kbcache.Option{kbcache.WithLogger(logger.Slog())}, opts...)
	svc, err := kbcache.NewService(cfg, opts...)
	if err != nil {
		_ = shutdown(ctx)
		_ = logger.Close()
		return nil, err
	}
	return &session{cfg: cfg, logger: logger, svc: svc, shutdown: shutdown}, nil
}

// close waits for background persistence, then flushes telemetry and logs.
func (s *session) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(
		s.svc.Close(ctx),
		s.shutdown(ctx),
		s.logger.Close(),
	)
}
