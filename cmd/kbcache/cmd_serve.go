// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/kbcache/services/kbcache"
)

var (
	serveAddr   string
	serveNoWarm bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve knowledge base status and lookups over HTTP",
	Long: `Start the HTTP API. The knowledge base is loaded or built in the
background at startup unless --no-warm is given.

Examples:
  kbcache serve
  kbcache serve --addr 0.0.0.0:8787
  curl -X POST 'http://127.0.0.1:8787/v1/kb/ensure?wait=true'
  curl http://127.0.0.1:8787/v1/kb/facts/types/strings.Cut`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from config)")
	serveCmd.Flags().BoolVar(&serveNoWarm, "no-warm", false, "Do not load the knowledge base at startup")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) (err error) {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, s.close()) }()

	if s.cfg.Server.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	addr := serveAddr
	if addr == "" {
		addr = s.cfg.Server.Address
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           kbcache.NewRouter(s.svc, s.cfg.Server.Debug),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if !serveNoWarm {
		s.svc.Ensure(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("kbcache server listening", slog.String("address", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down kbcache server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
