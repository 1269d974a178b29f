// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package sourcemirror maintains a bare mirror of the target project's
// upstream source repository and resolves revisions, commit metadata, and
// working trees out of it (spec §4.4). No file in the teacher touches git
// plumbing, so this package is enriched from the rest of the retrieved
// pack: github.com/go-git/go-git/v5, present in joshrwolf-wolfictl's
// go.mod, is adopted wholesale for clone/fetch/rev-walk/blame/worktree.
package sourcemirror

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/blang/semver/v4"
	"github.com/cenkalti/backoff/v4"
	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/pkg/errors"

	"github.com/relaypacks/juliapacks/pkg/juerrors"
	"github.com/relaypacks/juliapacks/pkg/sylog"
	"github.com/relaypacks/juliapacks/pkg/types"
)

// VersionFile is the file at the repo root whose line 1 identifies branch
// points (spec §6 "Source-project coupling").
const VersionFile = "VERSION"

// trackedRefSpecs name the branches that are fetched and kept up to date
// (spec §4.4).
var trackedRefSpecs = []config.RefSpec{
	config.RefSpec("+refs/heads/master:refs/heads/master"),
	config.RefSpec("+refs/heads/release-*:refs/heads/release-*"),
}

// Mirror wraps a single bare clone of the upstream repository.
type Mirror struct {
	path       string
	remoteURL  string
	updateOnce sync.Mutex // single-flight guard for Update (spec §5)
}

// New returns a Mirror rooted at path, cloning remoteURL into it lazily.
func New(path, remoteURL string) *Mirror {
	return &Mirror{path: path, remoteURL: remoteURL}
}

func (m *Mirror) fetchHeadPath() string {
	return filepath.Join(m.path, "FETCH_HEAD")
}

// RepoPath returns the mirror's on-disk path, cloning it on first use.
func (m *Mirror) RepoPath(ctx context.Context) (string, error) {
	if _, err := os.Stat(filepath.Join(m.path, "HEAD")); err == nil {
		return m.path, nil
	}

	sylog.Infof("cloning %s into %s", m.remoteURL, m.path)
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return "", errors.Wrapf(err, "creating parent of %s", m.path)
	}

	_, err := git.PlainCloneContext(ctx, m.path, true, &git.CloneOptions{
		URL:        m.remoteURL,
		RemoteName: "origin",
	})
	if err != nil {
		return "", errors.Wrapf(err, "cloning %s", m.remoteURL)
	}

	repo, err := git.PlainOpen(m.path)
	if err != nil {
		return "", errors.Wrap(err, "opening freshly cloned mirror")
	}
	if err := fetch(ctx, repo); err != nil {
		return "", err
	}

	return m.path, nil
}

func (m *Mirror) open() (*git.Repository, error) {
	repo, err := git.PlainOpen(m.path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening mirror at %s", m.path)
	}
	return repo, nil
}

func fetch(ctx context.Context, repo *git.Repository) error {
	err := backoff.Retry(func() error {
		err := repo.FetchContext(ctx, &git.FetchOptions{
			RemoteName: "origin",
			RefSpecs:   trackedRefSpecs,
			Force:      true,
		})
		if err != nil && err != git.NoErrAlreadyUpToDate {
			return err
		}
		return nil
	}, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3))
	if err != nil {
		return errors.Wrap(err, "fetching from origin")
	}
	return nil
}

// Update refreshes the mirror if FETCH_HEAD is older than maxAge or force
// is set (spec §4.4). It removes gc.log first, since git's auto-gc leaves
// that file after a failed collection and refuses to retry until it's
// gone, and it is double-checked and single-flight per spec §5.
func (m *Mirror) Update(ctx context.Context, maxAge time.Duration, force bool) error {
	if !force {
		if info, err := os.Stat(m.fetchHeadPath()); err == nil {
			if time.Since(info.ModTime()) < maxAge {
				return nil
			}
		}
	}

	m.updateOnce.Lock()
	defer m.updateOnce.Unlock()

	// re-check now that we hold the lock: another goroutine may have
	// already refreshed while we were waiting.
	if !force {
		if info, err := os.Stat(m.fetchHeadPath()); err == nil {
			if time.Since(info.ModTime()) < maxAge {
				return nil
			}
		}
	}

	if _, err := m.RepoPath(ctx); err != nil {
		return err
	}

	gcLog := filepath.Join(m.path, "gc.log")
	if err := os.Remove(gcLog); err != nil && !os.IsNotExist(err) {
		sylog.Warningf("could not remove stale %s: %v", gcLog, err)
	}

	repo, err := m.open()
	if err != nil {
		return err
	}
	sylog.Debugf("updating mirror at %s", m.path)
	return fetch(ctx, repo)
}

// Verify reports whether rev exists as an object in the mirror.
func (m *Mirror) Verify(rev types.Revision) bool {
	repo, err := m.open()
	if err != nil {
		return false
	}
	_, err = repo.CommitObject(plumbing.NewHash(string(rev)))
	return err == nil
}

func isTrackedBranchTip(spec string) bool {
	return spec == "master" || (len(spec) > 8 && spec[:8] == "release-")
}

// Lookup resolves a branch name, tag, short hash, or symbolic ref to a
// full 40-char hash (spec §4.4). Tracked branch tips are force-updated
// first; any other resolution failure triggers one forced retry.
func (m *Mirror) Lookup(ctx context.Context, rev string) (types.Revision, error) {
	if isTrackedBranchTip(rev) {
		if err := m.Update(ctx, 300*time.Second, true); err != nil {
			sylog.Warningf("forced update before resolving %s failed: %v", rev, err)
		}
	}

	hash, err := m.resolve(rev)
	if err == nil {
		return types.Revision(hash.String()), nil
	}

	if uerr := m.Update(ctx, 0, true); uerr != nil {
		sylog.Warningf("forced update while retrying lookup of %s failed: %v", rev, uerr)
	}
	hash, err = m.resolve(rev)
	if err != nil {
		return "", &juerrors.RevisionUnknownError{Spec: rev, Err: err}
	}
	return types.Revision(hash.String()), nil
}

func (m *Mirror) resolve(rev string) (*plumbing.Hash, error) {
	repo, err := m.open()
	if err != nil {
		return nil, err
	}
	return repo.ResolveRevision(plumbing.Revision(rev))
}

// Checkout materializes rev at dir without mutating the mirror's visible
// branch set: a fresh local clone of the mirror is made at dir and its
// worktree is checked out at rev, so the mirror's own refs are never
// touched (spec §4.4).
func (m *Mirror) Checkout(ctx context.Context, rev types.Revision, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating %s", dir)
	}

	clone, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL: m.path,
	})
	if err != nil {
		return errors.Wrapf(err, "cloning mirror into %s", dir)
	}

	wt, err := clone.Worktree()
	if err != nil {
		return errors.Wrap(err, "getting worktree")
	}
	if err := wt.Checkout(&git.CheckoutOptions{
		Hash:  plumbing.NewHash(string(rev)),
		Force: true,
	}); err != nil {
		return errors.Wrapf(err, "checking out %s", rev.Short())
	}
	return nil
}

// commitObject fetches a *object.Commit for rev.
func (m *Mirror) commitObject(rev types.Revision) (*object.Commit, error) {
	repo, err := m.open()
	if err != nil {
		return nil, err
	}
	return repo.CommitObject(plumbing.NewHash(string(rev)))
}

func readVersionFile(c *object.Commit) (string, error) {
	f, err := c.File(VersionFile)
	if err != nil {
		return "", errors.Wrapf(err, "reading %s blob at %s", VersionFile, c.Hash)
	}
	content, err := f.Contents()
	if err != nil {
		return "", errors.Wrap(err, "reading blob contents")
	}
	return content, nil
}

// CommitVersion reads the VERSION blob at rev and returns its (major,
// minor) pair (spec §4.4).
func (m *Mirror) CommitVersion(rev types.Revision) (types.TargetVersion, error) {
	c, err := m.commitObject(rev)
	if err != nil {
		return types.TargetVersion{}, err
	}
	content, err := readVersionFile(c)
	if err != nil {
		return types.TargetVersion{}, err
	}
	v, err := semver.ParseTolerant(trimVersion(content))
	if err != nil {
		return types.TargetVersion{}, errors.Wrapf(err, "parsing VERSION %q", content)
	}
	return types.TargetVersion{Major: int(v.Major), Minor: int(v.Minor)}, nil
}

func trimVersion(s string) string {
	for i, r := range s {
		if r == '\n' || r == '\r' || r == ' ' {
			return s[:i]
		}
	}
	return s
}

// lastTouchOf returns the commit that last modified line 1 of VERSION as
// seen from c, via blame.
func lastTouchOf(repo *git.Repository, c *object.Commit) (*object.Commit, error) {
	result, err := git.Blame(c, VersionFile)
	if err != nil {
		return nil, errors.Wrapf(err, "blaming %s at %s", VersionFile, c.Hash)
	}
	if len(result.Lines) == 0 {
		return nil, errors.Errorf("%s is empty at %s", VersionFile, c.Hash)
	}
	hash := result.Lines[0].Hash
	return repo.CommitObject(hash)
}

// firstParent walks c's first-parent chain one step back. Merge commits
// off the mainline are not treated as distinct steps.
func firstParent(c *object.Commit) (*object.Commit, error) {
	if c.NumParents() == 0 {
		return nil, errors.Errorf("commit %s has no parents", c.Hash)
	}
	return c.Parent(0)
}

// CommitName returns "<version>.<count>", where count is the number of
// first-parent commits between the commit that last set VERSION's line 1
// (exclusive) and rev (inclusive) (spec §4.4).
func (m *Mirror) CommitName(rev types.Revision) (string, error) {
	repo, err := m.open()
	if err != nil {
		return "", err
	}
	c, err := repo.CommitObject(plumbing.NewHash(string(rev)))
	if err != nil {
		return "", errors.Wrapf(err, "looking up commit %s", rev.Short())
	}
	v, err := m.CommitVersion(rev)
	if err != nil {
		return "", err
	}
	branchPoint, err := lastTouchOf(repo, c)
	if err != nil {
		return "", err
	}

	count := 0
	cur := c
	for cur.Hash != branchPoint.Hash {
		count++
		cur, err = firstParent(cur)
		if err != nil {
			return "", errors.Wrapf(err, "walking back from %s toward branch point %s", rev.Short(), branchPoint.Hash)
		}
	}

	return fmt.Sprintf("%s.%d", v.String(), count), nil
}

// BranchCommits walks master's first-parent history backward, recording
// the branch-point commit for each minor version it crosses, until 1.6
// has been recorded (spec §4.4).
func (m *Mirror) BranchCommits(ctx context.Context) (map[types.TargetVersion]types.Revision, error) {
	repo, err := m.open()
	if err != nil {
		return nil, err
	}
	head, err := repo.ResolveRevision(plumbing.Revision("master"))
	if err != nil {
		return nil, errors.Wrap(err, "resolving master")
	}
	cur, err := repo.CommitObject(*head)
	if err != nil {
		return nil, errors.Wrap(err, "loading master tip")
	}

	floor := types.TargetVersion{Major: 1, Minor: 6}
	out := make(map[types.TargetVersion]types.Revision)
	for {
		branchPoint, err := lastTouchOf(repo, cur)
		if err != nil {
			return nil, err
		}
		v, err := m.CommitVersion(types.Revision(branchPoint.Hash.String()))
		if err != nil {
			return nil, err
		}
		if _, seen := out[v]; !seen {
			out[v] = types.Revision(branchPoint.Hash.String())
		}
		if v == floor || v.Less(floor) {
			break
		}
		cur, err = firstParent(branchPoint)
		if err != nil {
			break
		}
	}
	return out, nil
}

// BranchName returns the name of the branch that carries v: "master" for
// the newest minor on record, "release-X.Y" otherwise (spec §4.4).
func (m *Mirror) BranchName(ctx context.Context, v types.TargetVersion) (string, error) {
	branches, err := m.BranchCommits(ctx)
	if err != nil {
		return "", err
	}
	newest := v
	for candidate := range branches {
		if newest.Less(candidate) {
			newest = candidate
		}
	}
	if newest == v {
		return "master", nil
	}
	return v.ReleaseBranchName(), nil
}

// Commits returns every commit reachable on v's branch, down to and
// including v's branch point, oldest first, filtered to commits that
// still carry a VERSION blob (spec §4.4).
func (m *Mirror) Commits(ctx context.Context, v types.TargetVersion) ([]types.Revision, error) {
	branchName, err := m.BranchName(ctx, v)
	if err != nil {
		return nil, err
	}
	repo, err := m.open()
	if err != nil {
		return nil, err
	}
	tip, err := repo.ResolveRevision(plumbing.Revision(branchName))
	if err != nil {
		return nil, errors.Wrapf(err, "resolving %s", branchName)
	}
	branches, err := m.BranchCommits(ctx)
	if err != nil {
		return nil, err
	}
	floor, ok := branches[v]
	if !ok {
		return nil, errors.Errorf("no recorded branch point for %s", v)
	}
	floorHash := plumbing.NewHash(string(floor))

	iter, err := repo.Log(&git.LogOptions{From: *tip})
	if err != nil {
		return nil, errors.Wrap(err, "walking commit log")
	}
	defer iter.Close()

	var revs []types.Revision
	err = iter.ForEach(func(c *object.Commit) error {
		if _, ferr := c.File(VersionFile); ferr == nil {
			revs = append(revs, types.Revision(c.Hash.String()))
		}
		if c.Hash == floorHash {
			return storerErrStop
		}
		return nil
	})
	if err != nil && err != storerErrStop {
		return nil, errors.Wrap(err, "iterating commits")
	}

	for i, j := 0, len(revs)-1; i < j; i, j = i+1, j-1 {
		revs[i], revs[j] = revs[j], revs[i]
	}
	return revs, nil
}

// storerErrStop is a sentinel used to break out of a CommitIter.ForEach
// once the branch floor has been reached.
var storerErrStop = errors.New("reached branch floor")
