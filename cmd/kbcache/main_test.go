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
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const greetSource = `package greet

// Greeter says hello.
type Greeter interface {
	Greet(name string) string
}

// Hello returns a greeting.
func Hello(name string) string { return "hello " + name }

// Formatter formats a name.
type Formatter func(string) string
`

// newProject creates a project whose config points at a fake GOROOT and
// pins the toolchain versions, so no go command is needed.
func newProject(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	goroot := filepath.Join(root, "goroot")
	require.NoError(t, os.MkdirAll(filepath.Join(goroot, "src", "greet"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(goroot, "src", "greet", "greet.go"), []byte(greetSource), 0o644))

	cfg := `
profile: test
toolchain:
  goroot: ` + goroot + `
  release_override: go1.24.1
  runtime_override: go1.24.1
journal:
  in_memory: true
logging:
  quiet: true
telemetry:
  trace_exporter: none
  metric_exporter: none
`
	require.NoError(t, os.WriteFile(filepath.Join(root, ".kbcache.yaml"), []byte(cfg), 0o644))
	return root
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	projectRoot, configPath, logLevel, jsonOutput = ".", "", "", false
	ensureWait, ensureForce, historyLimit = false, false, 20

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestPathCommand(t *testing.T) {
	root := newProject(t)

	out, err := run(t, "path", "-p", root, "--json")
	require.NoError(t, err)

	var got map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.True(t, strings.HasPrefix(got["key"], "go1.24.1_go1.24.1_test-"))
	assert.Equal(t, filepath.Join(root, ".kbcache", got["key"], "kb.manifest"), got["path"])
}

func TestEnsureInspectClear(t *testing.T) {
	root := newProject(t)

	_, err := run(t, "inspect", "-p", root)
	assert.Error(t, err, "no manifest yet")

	out, err := run(t, "ensure", "-p", root, "--wait")
	require.NoError(t, err)
	assert.Contains(t, out, "state:  succeeded")
	assert.Contains(t, out, "source: build")

	out, err = run(t, "inspect", "-p", root, "--json")
	require.NoError(t, err)
	var info struct {
		Files  int            `json:"files"`
		Tables map[string]int `json:"tables"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, 1, info.Files)
	assert.Positive(t, info.Tables["types"])
	assert.Positive(t, info.Tables["contracts"])
	assert.Positive(t, info.Tables["callbacks"])

	out, err = run(t, "ensure", "-p", root, "--wait")
	require.NoError(t, err)
	assert.Contains(t, out, "state:  cache_hit")

	out, err = run(t, "clear", "-p", root)
	require.NoError(t, err)
	assert.Contains(t, out, "removed ")

	_, err = run(t, "inspect", "-p", root)
	assert.Error(t, err)
}

func TestInitCommand(t *testing.T) {
	root := t.TempDir()

	out, err := run(t, "init", "-p", root)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote")
	assert.FileExists(t, filepath.Join(root, ".kbcache.yaml"))

	out, err = run(t, "init", "-p", root)
	require.NoError(t, err)
	assert.Contains(t, out, "already exists")
}
