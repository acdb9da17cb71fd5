// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"", slog.LevelInfo},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{" error ", slog.LevelError},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseLevel("loud")
	assert.ErrorIs(t, err, ErrInvalidLevel)
}

func TestNew_ConsoleText(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Level: "warn", Service: "kbcache", Console: &buf})
	require.NoError(t, err)
	defer l.Close()

	l.Slog().Info("hidden")
	l.Slog().Warn("shown", "k", "v")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "msg=shown")
	assert.Contains(t, out, "service=kbcache")
	assert.Contains(t, out, "k=v")
	assert.Empty(t, l.FilePath())
}

func TestNew_ConsoleJSON(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Format: "json", Console: &buf})
	require.NoError(t, err)

	l.Slog().Info("hello")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "hello", rec["msg"])
	assert.NotContains(t, rec, "service")
}

func TestNew_FileAndConsole(t *testing.T) {
	var buf bytes.Buffer
	dir := filepath.Join(t.TempDir(), "logs")
	l, err := New(Config{Dir: dir, Service: "kbcache-test", Console: &buf})
	require.NoError(t, err)

	l.Slog().Info("to both", "n", 1)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close(), "close is idempotent")

	assert.Contains(t, buf.String(), "to both")
	assert.True(t, strings.HasPrefix(filepath.Base(l.FilePath()), "kbcache-test_"))

	data, err := os.ReadFile(l.FilePath())
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &rec))
	assert.Equal(t, "to both", rec["msg"])
	assert.Equal(t, "kbcache-test", rec["service"])
}

func TestNew_QuietWithoutFileDiscards(t *testing.T) {
	l, err := New(Config{Quiet: true})
	require.NoError(t, err)
	l.Slog().Error("nowhere")
	assert.NoError(t, l.Close())
}

func TestNew_Errors(t *testing.T) {
	_, err := New(Config{Level: "verbose"})
	assert.ErrorIs(t, err, ErrInvalidLevel)

	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	_, err = New(Config{Dir: filepath.Join(blocker, "sub")})
	assert.Error(t, err)
}

func TestFanout_WithGroup(t *testing.T) {
	var a, b bytes.Buffer
	h := &fanout{handlers: []slog.Handler{
		slog.NewTextHandler(&a, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&b, &slog.HandlerOptions{Level: slog.LevelError}),
	}}
	logger := slog.New(h.WithGroup("build"))

	logger.Debug("step", "n", 1)
	assert.Contains(t, a.String(), "build.n=1")
	assert.Empty(t, b.String(), "second handler filters debug")
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".kbcache"), expandPath("~/.kbcache"))
	assert.Equal(t, "/var/log", expandPath("/var/log"))
}

func TestConsoleJSON(t *testing.T) {
	var buf bytes.Buffer
	assert.True(t, consoleJSON("json", &buf))
	assert.False(t, consoleJSON("text", &buf))
	assert.False(t, consoleJSON("", &buf))
	assert.True(t, consoleJSON("auto", &buf), "non-file writers are not terminals")

	f, err := os.CreateTemp(t.TempDir(), "log")
	require.NoError(t, err)
	defer f.Close()
	assert.True(t, consoleJSON("auto", f), "a regular file is not a terminal")
}
