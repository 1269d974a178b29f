// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package sourcemirror

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/relaypacks/juliapacks/pkg/types"
)

// seedBareRepo creates a bare repository at barePath, built up by pushing
// commits from a scratch working clone, so Mirror can open it exactly as
// it would a real upstream mirror.
func seedBareRepo(t *testing.T, barePath string, versionLines []string) types.Revision {
	t.Helper()

	if _, err := git.PlainInit(barePath, true); err != nil {
		t.Fatalf("init bare repo: %v", err)
	}

	workPath := t.TempDir()
	repo, err := git.PlainInit(workPath, false)
	if err != nil {
		t.Fatalf("init work repo: %v", err)
	}
	if _, err := repo.CreateRemote(&config.RemoteConfig{Name: "origin", URLs: []string{barePath}}); err != nil {
		t.Fatalf("create remote: %v", err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("worktree: %v", err)
	}

	var last types.Revision
	sig := &object.Signature{Name: "Test", Email: "test@example.com", When: time.Unix(0, 0)}
	for i, line := range versionLines {
		if err := os.WriteFile(filepath.Join(workPath, "VERSION"), []byte(line+"\n"), 0o644); err != nil {
			t.Fatalf("write VERSION: %v", err)
		}
		if _, err := wt.Add("VERSION"); err != nil {
			t.Fatalf("add: %v", err)
		}
		hash, err := wt.Commit("bump VERSION", &git.CommitOptions{Author: sig, Committer: sig})
		if err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
		last = types.Revision(hash.String())
	}

	if err := repo.Push(&git.PushOptions{RemoteName: "origin"}); err != nil {
		t.Fatalf("push to bare: %v", err)
	}
	return last
}

func TestVerifyAndLookupKnownRevision(t *testing.T) {
	barePath := filepath.Join(t.TempDir(), "mirror.git")
	tip := seedBareRepo(t, barePath, []string{"1.6.0", "1.7.0"})

	m := New(barePath, "")
	if !m.Verify(tip) {
		t.Fatalf("Verify(%s) = false, want true", tip)
	}

	got, err := m.Lookup(context.Background(), tip.String())
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got != tip {
		t.Fatalf("Lookup(%s) = %s, want %s", tip, got, tip)
	}
}

func TestVerifyRejectsUnknownRevision(t *testing.T) {
	barePath := filepath.Join(t.TempDir(), "mirror.git")
	seedBareRepo(t, barePath, []string{"1.6.0"})

	m := New(barePath, "")
	if m.Verify("0000000000000000000000000000000000000000") {
		t.Fatalf("Verify of a nonexistent hash returned true")
	}
}

func TestCommitVersionReadsBlob(t *testing.T) {
	barePath := filepath.Join(t.TempDir(), "mirror.git")
	tip := seedBareRepo(t, barePath, []string{"1.6.0", "1.9.2"})

	m := New(barePath, "")
	v, err := m.CommitVersion(tip)
	if err != nil {
		t.Fatalf("CommitVersion: %v", err)
	}
	if v.Major != 1 || v.Minor != 9 {
		t.Fatalf("CommitVersion = %s, want 1.9", v)
	}
}
