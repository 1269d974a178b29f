// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package metadata is the sidecar that fills the gap between a real
// filesystem tree and what the external delta-pack codec preserves: the
// codec stores regular file contents byte for byte but drops executable
// bits, other mode bits, and symlinks (spec §4.1).
package metadata

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/pelletier/go-toml/v2"

	"github.com/relaypacks/juliapacks/pkg/sylog"
	"github.com/relaypacks/juliapacks/pkg/types"
)

// SidecarName is the file written to the root of every stored artifact.
const SidecarName = "metadata.toml"

// Prepare walks dir recursively and records every entry's mode, plus every
// symlink's target, into dir/metadata.toml. It does not descend through
// symlinks. Preparing a directory that already carries a sidecar is an
// error, mirroring the teacher's insertHelpScript precondition checks
// against already-present bootstrap files.
func Prepare(dir string) error {
	sidecar := filepath.Join(dir, SidecarName)
	if _, err := os.Lstat(sidecar); err == nil {
		return fmt.Errorf("while preparing %s: %s already exists", dir, SidecarName)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("while checking for existing sidecar: %w", err)
	}

	m := types.NewMetadata()

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return fmt.Errorf("while computing relative path for %s: %w", path, err)
		}
		key := "./" + filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("while stat-ing %s: %w", path, err)
		}

		if d.Type()&fs.ModeSymlink != 0 {
			target, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("while reading symlink %s: %w", path, err)
			}
			m.Links[key] = target
			return nil
		}

		m.Modes[key] = fmt.Sprintf("0o%o", unixTypeBits(info.Mode())|info.Mode().Perm()|modeExtraBits(info.Mode()))
		return nil
	})
	if err != nil {
		return fmt.Errorf("while walking %s: %w", dir, err)
	}

	data, err := toml.Marshal(m)
	if err != nil {
		return fmt.Errorf("while encoding %s: %w", SidecarName, err)
	}
	if err := os.WriteFile(sidecar, data, 0o644); err != nil {
		return fmt.Errorf("while writing %s: %w", SidecarName, err)
	}

	sylog.Debugf("prepared %d modes and %d links under %s", len(m.Modes), len(m.Links), dir)
	return nil
}

// unixTypeBits returns the S_IFREG/S_IFDIR file-type bits the wire format
// in spec §6 expects ("0o100755" for a regular file, not "0o755") — Go's
// fs.FileMode encodes file type in different high bits than the raw Unix
// mode the spec's example is written in.
func unixTypeBits(m fs.FileMode) fs.FileMode {
	if m.IsDir() {
		return 1 << 14 // S_IFDIR
	}
	return 1 << 15 // S_IFREG
}

// modeExtraBits preserves setuid/setgid/sticky bits, which Perm() strips.
func modeExtraBits(m fs.FileMode) fs.FileMode {
	var extra fs.FileMode
	if m&fs.ModeSetuid != 0 {
		extra |= 1 << 11
	}
	if m&fs.ModeSetgid != 0 {
		extra |= 1 << 10
	}
	if m&fs.ModeSticky != 0 {
		extra |= 1 << 9
	}
	return extra
}

// Unprepare parses dir/metadata.toml, recreates any symlinks that the codec
// couldn't store, applies recorded modes, and removes the sidecar. For a
// symlink that already exists (the codec's extract can in principle leave
// a real file at that path if a previous prepare/store cycle raced) it
// asserts the existing entry is already the expected symlink, matching
// spec §4.1's no-op clause.
func Unprepare(dir string) error {
	sidecar := filepath.Join(dir, SidecarName)
	data, err := os.ReadFile(sidecar)
	if err != nil {
		return fmt.Errorf("while reading %s: %w", SidecarName, err)
	}

	var m types.Metadata
	if err := toml.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("while decoding %s: %w", SidecarName, err)
	}

	for rel, target := range m.Links {
		if err := restoreLink(dir, rel, target); err != nil {
			return err
		}
	}

	for rel, modeStr := range m.Modes {
		if err := restoreMode(dir, rel, modeStr); err != nil {
			return err
		}
	}

	if err := os.Remove(sidecar); err != nil {
		return fmt.Errorf("while removing %s: %w", SidecarName, err)
	}

	sylog.Debugf("unprepared %d modes and %d links under %s", len(m.Modes), len(m.Links), dir)
	return nil
}

func restoreLink(dir, rel, target string) error {
	// resolve only the parent: the link itself must be inspected, not
	// followed.
	clean := filepath.Clean("/" + rel)
	parent, err := secureJoin(dir, filepath.Dir(clean))
	if err != nil {
		return err
	}
	full := filepath.Join(parent, filepath.Base(clean))

	info, err := os.Lstat(full)
	if err == nil {
		if info.Mode()&os.ModeSymlink == 0 {
			return fmt.Errorf("while restoring symlink %s: path exists and is not a symlink", rel)
		}
		existingTarget, err := os.Readlink(full)
		if err != nil {
			return fmt.Errorf("while reading existing symlink %s: %w", rel, err)
		}
		if existingTarget != target {
			return fmt.Errorf("while restoring symlink %s: existing target %q != expected %q", rel, existingTarget, target)
		}
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("while stat-ing %s: %w", rel, err)
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("while creating parent of %s: %w", rel, err)
	}
	if err := os.Symlink(target, full); err != nil {
		return fmt.Errorf("while creating symlink %s -> %s: %w", rel, target, err)
	}
	return nil
}

func restoreMode(dir, rel, modeStr string) error {
	full, err := secureJoin(dir, rel)
	if err != nil {
		return err
	}

	raw, err := strconv.ParseUint(strings.TrimPrefix(modeStr, "0o"), 8, 32)
	if err != nil {
		return fmt.Errorf("while parsing mode %q for %s: %w", modeStr, rel, err)
	}

	if err := os.Chmod(full, unixModeToFileMode(raw)); err != nil {
		return fmt.Errorf("while chmod-ing %s to %s: %w", rel, modeStr, err)
	}
	return nil
}

// unixModeToFileMode translates a raw Unix mode value (permission bits
// plus setuid/setgid/sticky at their Unix bit positions, per the wire
// format in spec §6) into Go's fs.FileMode bit layout, which places those
// same bits elsewhere. The file-type bits in raw are ignored: Chmod can't
// change a file's type, only its permission bits.
func unixModeToFileMode(raw uint64) fs.FileMode {
	const (
		unixSetuid = 1 << 11
		unixSetgid = 1 << 10
		unixSticky = 1 << 9
	)

	m := fs.FileMode(raw) & fs.ModePerm
	if raw&unixSetuid != 0 {
		m |= fs.ModeSetuid
	}
	if raw&unixSetgid != 0 {
		m |= fs.ModeSetgid
	}
	if raw&unixSticky != 0 {
		m |= fs.ModeSticky
	}
	return m
}

// secureJoin resolves rel against dir without letting a malicious "../"
// relative path recorded in the sidecar escape dir.
func secureJoin(dir, rel string) (string, error) {
	full, err := securejoin.SecureJoin(dir, rel)
	if err != nil {
		return "", fmt.Errorf("while resolving %s under %s: %w", rel, dir, err)
	}
	return full, nil
}
