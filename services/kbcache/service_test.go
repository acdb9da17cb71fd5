// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package kbcache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/kbcache/services/kbcache/config"
)

// A toolchain that is missing on the first build and installed before the
// next one is picked up; only the successful resolution is cached.
func TestGorootSource_RetriesFailedResolution(t *testing.T) {
	goroot := t.TempDir()
	pkg := filepath.Join(goroot, "src", "strings")
	require.NoError(t, os.MkdirAll(pkg, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(pkg, "strings.go"), []byte("package strings\n"), 0o644))

	calls := 0
	installed := false
	g := &gorootSource{
		cfg: config.DefaultConfig(t.TempDir()),
		resolve: func(context.Context, string) (string, error) {
			calls++
			if !installed {
				return "", errors.New("go: executable file not found in $PATH")
			}
			return goroot, nil
		},
	}
	g.cfg.Toolchain.GOROOT = ""
	ctx := context.Background()

	_, err := g.Artifacts(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	installed = true
	arts, err := g.Artifacts(ctx)
	require.NoError(t, err)
	require.Len(t, arts, 1)
	assert.Equal(t, "strings", arts[0].Module)

	_, err = g.Artifacts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "resolved once more after the failure, then cached")
}
