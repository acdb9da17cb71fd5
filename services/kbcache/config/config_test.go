// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig("/work/project")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, filepath.Join("/work/project", ".kbcache"), cfg.CacheRoot())
	assert.Equal(t, filepath.Join("/work/project", ".kbcache", "journal"), cfg.JournalPath())
	assert.Positive(t, cfg.Build.Parallelism)
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	root := t.TempDir()
	cfg, err := Load(root, "")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(root), cfg)
}

func TestLoad_OverlaysFile(t *testing.T) {
	root := t.TempDir()
	yml := `
profile: release
toolchain:
  go_bin: /opt/go/bin/go
build:
  parallelism: 2
  excludes: ["**/internal/**"]
store:
  compression: none
journal:
  path: /var/lib/kbcache/journal
notify:
  nats_url: nats://127.0.0.1:4222
server:
  address: 0.0.0.0:9000
`
	require.NoError(t, os.WriteFile(filepath.Join(root, FileName), []byte(yml), 0o644))

	cfg, err := Load(root, "")
	require.NoError(t, err)
	assert.Equal(t, "release", cfg.Profile)
	assert.Equal(t, "/opt/go/bin/go", cfg.Toolchain.GoBin)
	assert.Equal(t, 2, cfg.Build.Parallelism)
	assert.Equal(t, []string{"**/internal/**"}, cfg.Build.Excludes)
	assert.Equal(t, "none", cfg.Store.Compression)
	assert.Equal(t, "/var/lib/kbcache/journal", cfg.JournalPath())
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.Notify.NATSURL)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Address)

	// Untouched sections keep defaults.
	assert.Equal(t, ".kbcache", cfg.Store.CacheDir)
	assert.Equal(t, "kbcache", cfg.Telemetry.ServiceName)
	assert.True(t, cfg.Journal.Enabled)
}

func TestLoad_Errors(t *testing.T) {
	root := t.TempDir()

	tests := []struct {
		name string
		yml  string
	}{
		{name: "unknown key", yml: "profle: release\n"},
		{name: "bad profile", yml: "profile: fast\n"},
		{name: "absolute cache dir", yml: "store:\n  cache_dir: /tmp/cache\n"},
		{name: "bad compression", yml: "store:\n  compression: lz4\n"},
		{name: "bad trace exporter", yml: "telemetry:\n  trace_exporter: jaeger\n"},
		{name: "bad log level", yml: "logging:\n  level: loud\n"},
		{name: "not yaml", yml: "profile: [unclosed\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(root, tt.name+".yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yml), 0o644))
			_, err := Load(root, path)
			assert.Error(t, err)
		})
	}

	_, err := Load(root, filepath.Join(root, "missing.yaml"))
	assert.Error(t, err, "an explicit path must exist")
}

func TestWriteDefault(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, FileName)

	created, err := WriteDefault(root, path)
	require.NoError(t, err)
	assert.True(t, created)

	cfg, err := Load(root, "")
	require.NoError(t, err)
	assert.Equal(t, root, cfg.ProjectRoot)

	created, err = WriteDefault(root, path)
	require.NoError(t, err)
	assert.False(t, created, "existing file is kept")
}
