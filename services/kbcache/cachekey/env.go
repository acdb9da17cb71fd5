// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cachekey

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// EnvProvider reports the versions a knowledge base depends on.
type EnvProvider interface {
	// ToolchainRelease is the release of the toolchain whose libraries
	// are analyzed.
	ToolchainRelease(ctx context.Context) (string, error)

	// RuntimeVersion is the version of the runtime hosting the analyzer.
	RuntimeVersion(ctx context.Context) (string, error)
}

// GoToolchain reads versions from a Go installation.
type GoToolchain struct {
	// GoBin is the go command of the analyzed toolchain. Default: "go".
	GoBin string

	// GOROOT overrides the toolchain root passed to the go command.
	GOROOT string
}

// ToolchainRelease runs `go env GOVERSION`.
func (g GoToolchain) ToolchainRelease(ctx context.Context) (string, error) {
	bin := g.GoBin
	if bin == "" {
		bin = "go"
	}
	cmd := exec.CommandContext(ctx, bin, "env", "GOVERSION")
	if g.GOROOT != "" {
		cmd.Env = append(cmd.Environ(), "GOROOT="+g.GOROOT)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%s env GOVERSION: %w: %s", bin, err, strings.TrimSpace(stderr.String()))
	}
	v := strings.TrimSpace(string(out))
	if v == "" {
		return "", fmt.Errorf("%s env GOVERSION: empty output", bin)
	}
	return v, nil
}

// RuntimeVersion returns the Go runtime version of this binary.
func (g GoToolchain) RuntimeVersion(context.Context) (string, error) {
	return runtime.Version(), nil
}

// StaticEnv returns fixed versions. Used for configuration overrides and
// tests.
type StaticEnv struct {
	Toolchain string
	Runtime   string
}

// ToolchainRelease implements EnvProvider.
func (s StaticEnv) ToolchainRelease(context.Context) (string, error) {
	return s.Toolchain, nil
}

// RuntimeVersion implements EnvProvider.
func (s StaticEnv) RuntimeVersion(context.Context) (string, error) {
	return s.Runtime, nil
}

// Overlay takes each version from Override when set and from Base
// otherwise.
type Overlay struct {
	Base     EnvProvider
	Override StaticEnv
}

// ToolchainRelease implements EnvProvider.
func (o Overlay) ToolchainRelease(ctx context.Context) (string, error) {
	if o.Override.Toolchain != "" {
		return o.Override.Toolchain, nil
	}
	return o.Base.ToolchainRelease(ctx)
}

// RuntimeVersion implements EnvProvider.
func (o Overlay) RuntimeVersion(ctx context.Context) (string, error) {
	if o.Override.Runtime != "" {
		return o.Override.Runtime, nil
	}
	return o.Base.RuntimeVersion(ctx)
}
