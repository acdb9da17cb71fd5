// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads kbcache settings from YAML.
//
// A file only needs the keys it changes: Load decodes it over
// DefaultConfig, so omitted sections keep their defaults.
//
//	profile: release
//	toolchain:
//	  go_bin: /usr/local/go/bin/go
//	build:
//	  parallelism: 8
//	notify:
//	  nats_url: nats://127.0.0.1:4222
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/kbcache/pkg/logging"
	"github.com/AleutianAI/kbcache/services/kbcache/analyzer"
	"github.com/AleutianAI/kbcache/services/kbcache/cachekey"
	"github.com/AleutianAI/kbcache/services/kbcache/store"
	"github.com/AleutianAI/kbcache/services/kbcache/telemetry"
)

// FileName is the per-project config file, looked up in the project root.
const FileName = ".kbcache.yaml"

// ErrInvalidConfig wraps validation failures.
var ErrInvalidConfig = errors.New("invalid configuration")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config is the complete kbcache configuration.
type Config struct {
	// ProjectRoot is the project the cache belongs to. Relative paths are
	// resolved against the working directory by Load.
	ProjectRoot string `yaml:"project_root" validate:"required"`

	// Profile is the build profile part of the cache key.
	Profile string `yaml:"profile" validate:"oneof=debug release test"`

	Toolchain ToolchainConfig  `yaml:"toolchain"`
	Build     BuildConfig      `yaml:"build"`
	Store     StoreConfig      `yaml:"store"`
	Journal   JournalConfig    `yaml:"journal"`
	Notify    NotifyConfig     `yaml:"notify"`
	Logging   logging.Config   `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Server    ServerConfig     `yaml:"server"`
}

// ToolchainConfig locates the analyzed toolchain.
type ToolchainConfig struct {
	// GoBin is the go command. Default: "go" on PATH.
	GoBin string `yaml:"go_bin"`

	// GOROOT overrides `go env GOROOT`.
	GOROOT string `yaml:"goroot"`

	// ReleaseOverride replaces the detected toolchain release in the key.
	ReleaseOverride string `yaml:"release_override"`

	// RuntimeOverride replaces the analyzer runtime version in the key.
	RuntimeOverride string `yaml:"runtime_override"`
}

// BuildConfig tunes the analyzer.
type BuildConfig struct {
	Parallelism int      `yaml:"parallelism" validate:"gte=0"`
	MaxFileSize int64    `yaml:"max_file_size" validate:"gte=0"`
	Includes    []string `yaml:"includes"`
	Excludes    []string `yaml:"excludes"`
}

// StoreConfig tunes the manifest store.
type StoreConfig struct {
	// CacheDir is relative to the project root.
	CacheDir string `yaml:"cache_dir" validate:"required,excludes=.."`

	// Compression is "zstd" or "none".
	Compression string `yaml:"compression" validate:"oneof=zstd none"`

	DecodedCacheEntries int `yaml:"decoded_cache_entries" validate:"gte=0"`
}

// JournalConfig controls the build journal.
type JournalConfig struct {
	Enabled bool `yaml:"enabled"`

	// Path is relative to the cache dir unless absolute.
	Path string `yaml:"path"`

	InMemory bool `yaml:"in_memory"`
	Retain   int  `yaml:"retain" validate:"gte=0"`
}

// NotifyConfig controls where notices and events go besides the log.
type NotifyConfig struct {
	// NATSURL enables the NATS notifier when set.
	NATSURL string `yaml:"nats_url" validate:"omitempty,url"`

	SubjectPrefix string `yaml:"subject_prefix"`
}

// ServerConfig configures `kbcache serve`.
type ServerConfig struct {
	Address string `yaml:"address" validate:"required,hostname_port"`

	// Debug enables gin debug mode and request logging.
	Debug bool `yaml:"debug"`
}

// DefaultConfig returns the settings used when no file is present.
func DefaultConfig(projectRoot string) Config {
	return Config{
		ProjectRoot: projectRoot,
		Profile:     cachekey.ProfileDebug,
		Toolchain:   ToolchainConfig{GoBin: "go"},
		Build: BuildConfig{
			Parallelism: runtime.GOMAXPROCS(0),
			MaxFileSize: analyzer.DefaultMaxFileSize,
			Includes:    append([]string(nil), analyzer.DefaultIncludes...),
			Excludes:    append([]string(nil), analyzer.DefaultExcludes...),
		},
		Store: StoreConfig{
			CacheDir:            store.DefaultCacheDir,
			Compression:         "zstd",
			DecodedCacheEntries: 4,
		},
		Journal: JournalConfig{
			Enabled: true,
			Path:    "journal",
			Retain:  200,
		},
		Notify:    NotifyConfig{SubjectPrefix: "kbcache"},
		Logging:   logging.Config{Level: "info", Format: "text", Service: "kbcache"},
		Telemetry: telemetry.DefaultConfig(),
		Server:    ServerConfig{Address: "127.0.0.1:8787"},
	}
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if filepath.IsAbs(c.Store.CacheDir) {
		return fmt.Errorf("%w: store.cache_dir must be relative, got %q", ErrInvalidConfig, c.Store.CacheDir)
	}
	return nil
}

// CacheRoot is the absolute cache directory.
func (c *Config) CacheRoot() string {
	return filepath.Join(c.ProjectRoot, c.Store.CacheDir)
}

// JournalPath is the absolute journal directory.
func (c *Config) JournalPath() string {
	if filepath.IsAbs(c.Journal.Path) {
		return c.Journal.Path
	}
	return filepath.Join(c.CacheRoot(), c.Journal.Path)
}

// Load reads the config for projectRoot.
//
// Description:
//
//	Starts from DefaultConfig(projectRoot), then applies path if non-empty,
//	else <projectRoot>/.kbcache.yaml if it exists. A missing default file is
//	not an error; a missing explicit path is. The result is validated.
//
// Outputs:
//
//	Config - The merged configuration.
//	error - Read, parse or validation error.
func Load(projectRoot, path string) (Config, error) {
	abs, err := filepath.Abs(projectRoot)
	if err != nil {
		return Config{}, fmt.Errorf("resolve project root: %w", err)
	}
	cfg := DefaultConfig(abs)

	explicit := path != ""
	if !explicit {
		path = filepath.Join(abs, FileName)
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decode(bytes.NewReader(data), &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	if !filepath.IsAbs(cfg.ProjectRoot) {
		cfg.ProjectRoot = filepath.Join(abs, cfg.ProjectRoot)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decode applies YAML over cfg and rejects unknown keys.
func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// WriteDefault writes the default config for projectRoot to path, creating
// parent directories. An existing file is left untouched.
func WriteDefault(projectRoot, path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return false, fmt.Errorf("create config dir: %w", err)
	}
	cfg := DefaultConfig(projectRoot)
	cfg.ProjectRoot = "."
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return false, err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return false, fmt.Errorf("write config: %w", err)
	}
	return true, nil
}
