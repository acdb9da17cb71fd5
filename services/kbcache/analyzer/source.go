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
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os/exec"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/mod/module"
)

// DefaultIncludes selects Go source files.
var DefaultIncludes = []string{"**/*.go"}

// DefaultExcludes skips tests, fixtures, vendored code and the toolchain's
// own commands.
var DefaultExcludes = []string{
	"**/*_test.go",
	"**/testdata/**",
	"vendor/**",
	"**/vendor/**",
	"cmd/**",
}

// GorootSource lists the packages of a Go installation.
type GorootSource struct {
	// SrcDir is $GOROOT/src.
	SrcDir string

	// Includes are doublestar patterns, relative to SrcDir, a file must
	// match. Default: DefaultIncludes.
	Includes []string

	// Excludes are doublestar patterns that drop a file.
	// Default: DefaultExcludes.
	Excludes []string
}

// NewGorootSource creates a source for the toolchain rooted at goroot.
func NewGorootSource(goroot string, includes, excludes []string) (*GorootSource, error) {
	if goroot == "" {
		return nil, fmt.Errorf("goroot must not be empty")
	}
	for _, p := range append(append([]string(nil), includes...), excludes...) {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid glob pattern %q", p)
		}
	}
	if len(includes) == 0 {
		includes = DefaultIncludes
	}
	if excludes == nil {
		excludes = DefaultExcludes
	}
	return &GorootSource{
		SrcDir:   filepath.Join(goroot, "src"),
		Includes: includes,
		Excludes: excludes,
	}, nil
}

// Artifacts walks SrcDir and groups matching files by directory.
//
// Description:
//
//	Always lists the full set, independent of what any caller is
//	currently interested in. The result is sorted by module, and each
//	artifact's files are sorted, so repeated walks are identical.
//
// Outputs:
//
//	[]Artifact - One per directory with at least one matching file.
//	error - ErrNoArtifacts when nothing matched, or a walk error.
func (s *GorootSource) Artifacts(ctx context.Context) ([]Artifact, error) {
	byDir := make(map[string][]string)

	err := filepath.WalkDir(s.SrcDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(s.SrcDir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if rel != "." && s.excludedDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !matchAny(s.Includes, rel) || matchAny(s.Excludes, rel) {
			return nil
		}
		dir := path.Dir(rel)
		// Files outside a valid import path cannot be named by a fact key.
		if module.CheckImportPath(dir) != nil {
			return nil
		}
		byDir[dir] = append(byDir[dir], p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", s.SrcDir, err)
	}
	if len(byDir) == 0 {
		return nil, fmt.Errorf("%w under %s", ErrNoArtifacts, s.SrcDir)
	}

	artifacts := make([]Artifact, 0, len(byDir))
	for dir, files := range byDir {
		sort.Strings(files)
		artifacts = append(artifacts, Artifact{
			Module: dir,
			Dir:    filepath.Join(s.SrcDir, filepath.FromSlash(dir)),
			Files:  files,
		})
	}
	sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].Module < artifacts[j].Module })
	return artifacts, nil
}

// excludedDir reports whether every file below rel would be excluded, so
// the walk can skip the directory.
func (s *GorootSource) excludedDir(rel string) bool {
	sample := rel + "/x"
	for _, p := range s.Excludes {
		if strings.HasSuffix(p, "/**") {
			if ok, _ := doublestar.Match(p, sample); ok {
				return true
			}
		}
	}
	return false
}

func matchAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// ResolveGOROOT asks the go command for its GOROOT.
func ResolveGOROOT(ctx context.Context, goBin string) (string, error) {
	if goBin == "" {
		goBin = "go"
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, goBin, "env", "GOROOT")
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%s env GOROOT: %w: %s", goBin, err, strings.TrimSpace(stderr.String()))
	}
	root := strings.TrimSpace(string(out))
	if root == "" {
		return "", fmt.Errorf("%s env GOROOT: empty output", goBin)
	}
	return root, nil
}
