// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package analyzer

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/kbcache/services/kbcache/facts"
)

const greetSource = `// Package greet says hello.
package greet

import (
	"fmt"
	"io"
)

// Greeter greets.
type Greeter interface {
	Greet(name string) string
	io.Closer
}

// Handler is called per greeting.
type Handler func(name string) error

// Options configures greeting.
type Options struct {
	Loud bool
}

type hidden struct{}

// Hello returns a greeting.
func Hello(name string) string {
	return fmt.Sprintf("hello %s", name)
}

func internalHelper() {}

// Greet implements Greeter.
func (o *Options) Greet(name string) string { return Hello(name) }
`

const mapSource = `package greet

// Map applies f.
func Map[T, U any](in []T, f func(T) U) []U {
	return nil
}
`

// writeGoroot lays out a fake toolchain and returns its root.
func writeGoroot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"src/greet/greet.go":            greetSource,
		"src/greet/map.go":              mapSource,
		"src/greet/greet_test.go":       "package greet\n\nfunc TestX() {}\n",
		"src/greet/testdata/fixture.go": "package fixture\n",
		"src/cmd/tool/main.go":          "package main\n\nfunc main() {}\n",
		"src/broken/broken.go":          "package broken\n\nfunc Oops( {\n",
		"src/plain/README":              "not go",
		"src/bad dir/odd.go":            "package odd\n",
		"src/loose.go":                  "package loose\n",
	}
	for rel, body := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	return root
}

func TestGorootSource_Artifacts(t *testing.T) {
	root := writeGoroot(t)
	src, err := NewGorootSource(root, nil, nil)
	require.NoError(t, err)

	artifacts, err := src.Artifacts(context.Background())
	require.NoError(t, err)

	modules := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		modules = append(modules, a.Module)
	}
	assert.Equal(t, []string{"broken", "greet"}, modules)

	greet := artifacts[1]
	require.Len(t, greet.Files, 2)
	assert.True(t, strings.HasSuffix(greet.Files[0], "greet.go"))
	assert.True(t, strings.HasSuffix(greet.Files[1], "map.go"))
}

func TestGorootSource_Errors(t *testing.T) {
	_, err := NewGorootSource("", nil, nil)
	assert.Error(t, err)

	_, err = NewGorootSource("/x", []string{"[bad"}, nil)
	assert.Error(t, err)

	src, err := NewGorootSource(t.TempDir(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(src.SrcDir, 0o755))
	_, err = src.Artifacts(context.Background())
	assert.ErrorIs(t, err, ErrNoArtifacts)
}

func TestGoSourceAnalyzer_Analyze(t *testing.T) {
	ctx := context.Background()
	root := writeGoroot(t)
	src, err := NewGorootSource(root, nil, nil)
	require.NoError(t, err)
	artifacts, err := src.Artifacts(ctx)
	require.NoError(t, err)

	owner := facts.NewOwner("builder")
	kb := facts.New(owner)
	a := &GoSourceAnalyzer{Parallelism: 2}

	res, err := a.Analyze(ctx, artifacts, kb, owner)
	require.NoError(t, err)

	lookup := func(tbl facts.Table, key string) (string, bool) {
		v, ok, err := kb.Lookup(owner, tbl, key)
		require.NoError(t, err)
		return string(v), ok
	}

	t.Run("types", func(t *testing.T) {
		sig, ok := lookup(facts.TableTypes, "greet.Hello")
		require.True(t, ok)
		assert.Equal(t, "func(name string) string", sig)

		sig, ok = lookup(facts.TableTypes, "greet.Map")
		require.True(t, ok)
		assert.Equal(t, "func[T, U any](in []T, f func(T) U) []U", sig)

		_, ok = lookup(facts.TableTypes, "greet.Options.Greet")
		assert.True(t, ok)

		_, ok = lookup(facts.TableTypes, "greet.internalHelper")
		assert.False(t, ok, "unexported functions are not recorded")
	})

	t.Run("contracts", func(t *testing.T) {
		methods, ok := lookup(facts.TableContracts, "greet.Greeter")
		require.True(t, ok)
		assert.Contains(t, methods, "Greet(name string) string")
		assert.Contains(t, methods, "io.Closer")
	})

	t.Run("callbacks", func(t *testing.T) {
		fn, ok := lookup(facts.TableCallbacks, "greet.Handler")
		require.True(t, ok)
		assert.Equal(t, "func(name string) error", fn)
	})

	t.Run("exportedTypes", func(t *testing.T) {
		for key, want := range map[string]string{
			"greet.Greeter": "interface",
			"greet.Handler": "func",
			"greet.Options": "struct",
		} {
			kind, ok := lookup(facts.TableExportedTypes, key)
			require.True(t, ok, key)
			assert.Equal(t, want, kind, key)
		}
		_, ok := lookup(facts.TableExportedTypes, "greet.hidden")
		assert.False(t, ok)
	})

	t.Run("info", func(t *testing.T) {
		raw, ok := lookup(facts.TableInfo, "greet")
		require.True(t, ok)
		var s packageSummary
		require.NoError(t, json.Unmarshal([]byte(raw), &s))
		assert.Equal(t, "greet", s.Package)
		assert.Equal(t, 2, s.Files)
		assert.Equal(t, []string{"fmt", "io"}, s.Imports)
	})

	t.Run("analysis", func(t *testing.T) {
		assert.Equal(t, []string{"fmt", "io"}, res.DependencyGraph["greet"])
		assert.Len(t, res.FileHashes, 3)
		for _, h := range res.FileHashes {
			assert.Len(t, h, 64)
		}
		require.Len(t, res.Warnings, 1)
		assert.Contains(t, res.Warnings[0], "broken.go")
	})

	counts, err := kb.Counts(owner)
	require.NoError(t, err)
	for _, tbl := range facts.AllTables {
		assert.Positive(t, counts[tbl], "table %s", tbl)
	}
}

func TestGoSourceAnalyzer_RejectsForeignOwner(t *testing.T) {
	root := writeGoroot(t)
	src, err := NewGorootSource(root, nil, nil)
	require.NoError(t, err)
	artifacts, err := src.Artifacts(context.Background())
	require.NoError(t, err)

	kb := facts.New(facts.NewOwner("someone-else"))
	_, err = (&GoSourceAnalyzer{}).Analyze(context.Background(), artifacts, kb, facts.NewOwner("builder"))
	assert.ErrorIs(t, err, facts.ErrNotOwner)
}

func TestGoSourceAnalyzer_OversizedFile(t *testing.T) {
	root := writeGoroot(t)
	src, err := NewGorootSource(root, []string{"greet/*.go"}, nil)
	require.NoError(t, err)
	artifacts, err := src.Artifacts(context.Background())
	require.NoError(t, err)

	owner := facts.NewOwner("builder")
	res, err := (&GoSourceAnalyzer{MaxFileSize: 200}).Analyze(context.Background(), artifacts, facts.New(owner), owner)
	require.NoError(t, err)

	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "exceeds limit")
	assert.Len(t, res.FileHashes, 1, "only map.go fits")
}

func TestReceiverType(t *testing.T) {
	assert.Equal(t, "", receiverType(nil, nil))
	assert.True(t, exported("Server"))
	assert.False(t, exported("server"))
	assert.False(t, exported(""))
	assert.Equal(t, "a b c", compact("a\n\tb   c"))
}
