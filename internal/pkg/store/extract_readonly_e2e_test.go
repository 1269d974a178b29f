// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package store_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/relaypacks/juliapacks/internal/pkg/e2e"
	"github.com/relaypacks/juliapacks/internal/pkg/rootfs"
	"github.com/relaypacks/juliapacks/internal/pkg/sandbox"
	"github.com/relaypacks/juliapacks/internal/pkg/store"
	"github.com/relaypacks/juliapacks/pkg/types"
)

// Gated the same way sandbox's runtime_e2e_test.go is: this exercises a
// real container launch against externally provisioned fixtures, since
// there is no bundled rootfs or codec binary to default to.
const (
	rootfsEnvVar = "JULIAPACKS_E2E_ROOTFS"
	codecEnvVar  = "JULIAPACKS_E2E_CODEC"
)

// TestExtractReadonlyLeavesDatabaseUntouched is testable property 7: after
// storing a revision and snapshotting every file's mtime and contents
// under the database directory, ExtractReadonly must leave all of them
// unchanged.
func TestExtractReadonlyLeavesDatabaseUntouched(t *testing.T) {
	e2e.RequireUserNamespace(t)

	rootfsDir := os.Getenv(rootfsEnvVar)
	if rootfsDir == "" {
		t.Skipf("%s not set; skipping real container launch", rootfsEnvVar)
	}
	codecPath := os.Getenv(codecEnvVar)
	if codecPath == "" {
		t.Skip(codecEnvVar + " not set; no codec binary path inside the rootfs to exercise")
	}
	runtimePath, err := exec.LookPath("runc")
	if err != nil {
		t.Skip("no OCI runtime binary (runc) on PATH")
	}

	dbPath := t.TempDir()
	rt := sandbox.NewRuntime(runtimePath, t.TempDir(), t.TempDir())
	rp := rootfs.NewProvider(t.TempDir())
	st := store.New(codecPath, rt, rp, rootfsDir)

	rev := types.Revision("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

	artifactDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(artifactDir, "bin"), []byte("binary contents"), 0o755); err != nil {
		t.Fatalf("while seeding artifact: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := st.Store(ctx, dbPath, rev, artifactDir); err != nil {
		t.Fatalf("Store: %v", err)
	}

	before, err := snapshotTree(dbPath)
	if err != nil {
		t.Fatalf("while snapshotting %s: %v", dbPath, err)
	}

	outDir := t.TempDir()
	if err := st.ExtractReadonly(ctx, dbPath, rev, outDir); err != nil {
		t.Fatalf("ExtractReadonly: %v", err)
	}

	after, err := snapshotTree(dbPath)
	if err != nil {
		t.Fatalf("while re-snapshotting %s: %v", dbPath, err)
	}

	if len(before) != len(after) {
		t.Fatalf("file count under %s changed: %d -> %d", dbPath, len(before), len(after))
	}
	for path, want := range before {
		got, ok := after[path]
		if !ok {
			t.Errorf("%s disappeared from the database directory", path)
			continue
		}
		if !got.modTime.Equal(want.modTime) {
			t.Errorf("%s mtime changed: %v -> %v", path, want.modTime, got.modTime)
		}
		if got.content != want.content {
			t.Errorf("%s contents changed", path)
		}
	}

	if _, err := os.Stat(filepath.Join(outDir, "bin")); err != nil {
		t.Errorf("expected extracted file under %s: %v", outDir, err)
	}
}

type fileSnapshot struct {
	modTime time.Time
	content string
}

func snapshotTree(root string) (map[string]fileSnapshot, error) {
	snap := make(map[string]fileSnapshot)
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		snap[rel] = fileSnapshot{modTime: info.ModTime(), content: string(data)}
		return nil
	})
	return snap, err
}
