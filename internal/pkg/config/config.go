// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package config implements module bootstrap (spec §4.8, C8): the three
// filesystem roots every other component needs, built once at process
// start and threaded explicitly rather than kept as package-level globals.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/relaypacks/juliapacks/pkg/sylog"
)

// Project is the name of the upstream project this deployment archives.
// Hard-coded per spec §6 ("hard-coded to a specific upstream").
const Project = "julia"

// UpstreamRemote is the canonical git remote for the source mirror.
const UpstreamRemote = "https://github.com/JuliaLang/julia.git"

// Config holds the three bootstrap paths plus process-wide knobs. It is
// built once by New and passed explicitly into every component — see the
// design note in spec §9 rejecting package-level globals.
type Config struct {
	// DownloadsDir holds the source mirror and the source-dependency cache.
	DownloadsDir string
	// DataDir holds one subdirectory per Database.
	DataDir string
	// SandboxDir holds per-invocation OCI bundles and container-runtime state.
	SandboxDir string
}

// preference is the persisted user override for DataDir (spec §9).
type preference struct {
	DataDir string `toml:"data_dir"`
}

// New bootstraps a Config rooted at base (typically $XDG_CACHE_HOME or
// os.UserCacheDir()). If a preference file exists under base, its DataDir
// override wins.
func New(base string) (*Config, error) {
	if base == "" {
		cacheDir, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("while determining cache directory: %w", err)
		}
		base = filepath.Join(cacheDir, "juliapacks")
	}

	c := &Config{
		DownloadsDir: filepath.Join(base, "downloads"),
		DataDir:      filepath.Join(base, "data"),
		SandboxDir:   filepath.Join(base, "sandbox"),
	}

	if pref, err := loadPreference(base); err != nil {
		return nil, err
	} else if pref != nil && pref.DataDir != "" {
		sylog.Debugf("using configured data root %s", pref.DataDir)
		c.DataDir = pref.DataDir
	}

	for _, d := range []string{c.DownloadsDir, c.DataDir, c.SandboxDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("while creating %s: %w", d, err)
		}
	}

	return c, nil
}

func preferencePath(base string) string {
	return filepath.Join(base, "preferences.toml")
}

func loadPreference(base string) (*preference, error) {
	data, err := os.ReadFile(preferencePath(base))
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("while reading preferences: %w", err)
	}

	var pref preference
	if err := toml.Unmarshal(data, &pref); err != nil {
		return nil, fmt.Errorf("while parsing preferences: %w", err)
	}
	return &pref, nil
}

// SetDataDir persists a data-root override for future process invocations.
func SetDataDir(base, dataDir string) error {
	data, err := toml.Marshal(preference{DataDir: dataDir})
	if err != nil {
		return fmt.Errorf("while encoding preferences: %w", err)
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return fmt.Errorf("while creating %s: %w", base, err)
	}
	if err := os.WriteFile(preferencePath(base), data, 0o644); err != nil {
		return fmt.Errorf("while writing preferences: %w", err)
	}
	return nil
}

// DatabasePath returns the on-disk directory for a database name.
func (c *Config) DatabasePath(dbName string) string {
	return filepath.Join(c.DataDir, dbName)
}

// SrcCacheDir is the shared source-dependency cache populated by builds
// (spec §4.5 step 2).
func (c *Config) SrcCacheDir() string {
	return filepath.Join(c.DownloadsDir, "srccache")
}

// RootfsCacheDir holds base images fetched for sandbox invocations (spec
// §4.3's "prebuilt minimal base image", §5's "artifact_lock").
func (c *Config) RootfsCacheDir() string {
	return filepath.Join(c.DownloadsDir, "rootfs")
}

// MirrorDir is the bare mirror clone path (spec §4.4).
func (c *Config) MirrorDir() string {
	return filepath.Join(c.DownloadsDir, "mirror.git")
}
