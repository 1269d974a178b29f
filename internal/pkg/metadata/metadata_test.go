// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package metadata

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pelletier/go-toml/v2"

	"github.com/relaypacks/juliapacks/pkg/types"
)

// TestRoundtrip is scenario S1 from spec §8: a tree with a regular file, a
// symlink, and a linked-to file must come back byte-identical, with the
// same modes and symlink graph, after Prepare followed by Unprepare.
func TestRoundtrip(t *testing.T) {
	dir := t.TempDir()

	if err := os.MkdirAll(filepath.Join(dir, "bin"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "lib"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bin", "hello"), []byte("ABC"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "lib", "libfoo.so.1"), []byte("bin"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("libfoo.so.1", filepath.Join(dir, "lib", "libfoo.so")); err != nil {
		t.Fatal(err)
	}

	if err := Prepare(dir); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, SidecarName)); err != nil {
		t.Fatalf("expected sidecar to exist: %v", err)
	}

	// Simulate what the codec does: it preserves file content but not
	// symlinks or the exec bit.
	if err := os.Remove(filepath.Join(dir, "lib", "libfoo.so")); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(filepath.Join(dir, "bin", "hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := Unprepare(dir); err != nil {
		t.Fatalf("Unprepare: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, SidecarName)); !os.IsNotExist(err) {
		t.Fatalf("expected sidecar to be removed, got err=%v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "bin", "hello"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Errorf("bin/hello mode = %o, want 0755", info.Mode().Perm())
	}

	content, err := os.ReadFile(filepath.Join(dir, "bin", "hello"))
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "ABC" {
		t.Errorf("bin/hello content = %q, want %q", content, "ABC")
	}

	linkInfo, err := os.Lstat(filepath.Join(dir, "lib", "libfoo.so"))
	if err != nil {
		t.Fatalf("expected symlink to be restored: %v", err)
	}
	if linkInfo.Mode()&os.ModeSymlink == 0 {
		t.Fatalf("lib/libfoo.so is not a symlink")
	}
	target, err := os.Readlink(filepath.Join(dir, "lib", "libfoo.so"))
	if err != nil {
		t.Fatal(err)
	}
	if target != "libfoo.so.1" {
		t.Errorf("symlink target = %q, want %q", target, "libfoo.so.1")
	}
}

// TestPrepareRecordsExpectedModesAndLinks checks the sidecar's actual TOML
// contents rather than just its side effects on the tree, per the format
// in spec §6.
func TestPrepareRecordsExpectedModesAndLinks(t *testing.T) {
	dir := t.TempDir()

	if err := os.MkdirAll(filepath.Join(dir, "lib"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "lib", "libjulia.so.1.10"), nil, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("libjulia.so.1.10", filepath.Join(dir, "lib", "libjulia.so")); err != nil {
		t.Fatal(err)
	}

	if err := Prepare(dir); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, SidecarName))
	if err != nil {
		t.Fatal(err)
	}
	var got types.Metadata
	if err := toml.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshaling sidecar: %v", err)
	}

	want := types.Metadata{
		Modes: map[string]string{
			"./lib":                  "0o40755",
			"./lib/libjulia.so.1.10": "0o100755",
		},
		Links: map[string]string{
			"./lib/libjulia.so": "libjulia.so.1.10",
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("sidecar contents mismatch (-want +got):\n%s", diff)
	}
}

// TestPrepareRejectsExistingSidecar covers the precondition in spec §4.1.
func TestPrepareRejectsExistingSidecar(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, SidecarName), []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := Prepare(dir); err == nil {
		t.Fatal("expected Prepare to fail when metadata.toml already exists")
	}
}

// TestUnprepareNoopOnExistingSymlink covers the "already present" branch of
// unprepare in spec §4.1: if the expected symlink is already there, it's a
// no-op, not an error.
func TestUnprepareNoopOnExistingSymlink(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "real"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("real", filepath.Join(dir, "link")); err != nil {
		t.Fatal(err)
	}
	if err := Prepare(dir); err != nil {
		t.Fatal(err)
	}
	// link survives on disk this time (no codec in the loop), so Unprepare
	// must detect it's already correct rather than erroring.
	if err := Unprepare(dir); err != nil {
		t.Fatalf("Unprepare: %v", err)
	}
}
