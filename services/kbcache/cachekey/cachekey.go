// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cachekey derives the cache key that selects a knowledge base file.
//
// A knowledge base depends on the toolchain whose libraries were analyzed,
// the runtime the analyzer runs on, and the build profile. Any change in
// these yields a different key and therefore a different file, so a stale
// cache is never read by mistake.
package cachekey

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/go-playground/validator/v10"
)

// ErrInvalidKey is returned when a resolved key fails validation.
var ErrInvalidKey = errors.New("invalid cache key")

// Profile names accepted in a Key.
const (
	ProfileDebug   = "debug"
	ProfileRelease = "release"
	ProfileTest    = "test"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Key identifies exactly one cache file.
type Key struct {
	ToolchainRelease string `validate:"required"`
	RuntimeVersion   string `validate:"required"`
	Profile          string `validate:"required,oneof=debug release test"`
}

// Validate checks that every component is present and the profile is known.
func (k Key) Validate() error {
	if err := validate.Struct(k); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return nil
}

// String renders the key as a filesystem-safe directory name.
//
// The readable part replaces anything outside [A-Za-z0-9.-] with '-'. An
// xxhash suffix over the raw components keeps keys that sanitize to the
// same text apart.
func (k Key) String() string {
	sum := xxhash.Sum64String(k.ToolchainRelease + "\x00" + k.RuntimeVersion + "\x00" + k.Profile)
	return fmt.Sprintf("%s_%s_%s-%08x",
		sanitize(k.ToolchainRelease),
		sanitize(k.RuntimeVersion),
		sanitize(k.Profile),
		uint32(sum),
	)
}

func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	if b.Len() == 0 {
		return "-"
	}
	return b.String()
}

// Resolver computes the current key. It holds no derived state, so every
// Resolve observes the current environment.
type Resolver struct {
	env     EnvProvider
	profile string
}

// NewResolver creates a resolver for the given environment and profile.
func NewResolver(env EnvProvider, profile string) *Resolver {
	return &Resolver{env: env, profile: profile}
}

// Resolve queries the environment and returns a validated key.
func (r *Resolver) Resolve(ctx context.Context) (Key, error) {
	toolchain, err := r.env.ToolchainRelease(ctx)
	if err != nil {
		return Key{}, fmt.Errorf("toolchain release: %w", err)
	}
	runtimeVersion, err := r.env.RuntimeVersion(ctx)
	if err != nil {
		return Key{}, fmt.Errorf("runtime version: %w", err)
	}
	key := Key{
		ToolchainRelease: strings.TrimSpace(toolchain),
		RuntimeVersion:   strings.TrimSpace(runtimeVersion),
		Profile:          r.profile,
	}
	if err := key.Validate(); err != nil {
		return Key{}, err
	}
	return key, nil
}
