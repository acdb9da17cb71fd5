// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package analyzer defines how a knowledge base gets populated and ships
// the default implementation for Go toolchains.
//
// The orchestrator only depends on ArtifactSource and Analyzer. The
// defaults are GorootSource, which lists every package of a Go
// installation, and GoSourceAnalyzer, which parses them with tree-sitter.
package analyzer

import (
	"context"
	"errors"

	"github.com/AleutianAI/kbcache/services/kbcache/facts"
)

// ErrNoArtifacts is returned by a source that found nothing to analyze.
var ErrNoArtifacts = errors.New("no artifacts found")

// Artifact is one unit of analysis: a module and its source files.
type Artifact struct {
	// Module is the module name, e.g. "net/http".
	Module string

	// Dir is the directory holding Files.
	Dir string

	// Files are absolute paths, sorted.
	Files []string
}

// ArtifactSource lists the complete artifact set of the toolchain.
type ArtifactSource interface {
	Artifacts(ctx context.Context) ([]Artifact, error)
}

// Analysis is everything an analyzer produces besides table facts.
type Analysis struct {
	// DependencyGraph maps a module to the modules it imports.
	DependencyGraph map[string][]string

	// FileHashes maps source file path to content hash.
	FileHashes map[string]string

	// Warnings are non-fatal diagnostics.
	Warnings []string
}

// Analyzer populates a knowledge base from artifacts.
//
// Analyze is called from the build task with kb owned by owner. It must
// write only through kb.InsertFact with that owner and must not retain kb
// after returning.
type Analyzer interface {
	Analyze(ctx context.Context, artifacts []Artifact, kb *facts.KnowledgeBase, owner *facts.Owner) (*Analysis, error)
}
