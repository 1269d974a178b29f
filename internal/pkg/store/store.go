// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package store wraps the external delta-pack codec binary: list, store,
// extract, pack, rm_loose (spec §4.2). The wrapping follows the same shape
// as the teacher's fuse driver packages (squashfuse, overlayfsfuse): build
// an exec.Cmd for an external binary, capture stderr, wrap errors with the
// binary name, treat a non-zero exit as fatal to the caller's operation.
package store

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/relaypacks/juliapacks/internal/pkg/metadata"
	"github.com/relaypacks/juliapacks/internal/pkg/rootfs"
	"github.com/relaypacks/juliapacks/internal/pkg/sandbox"
	"github.com/relaypacks/juliapacks/pkg/juerrors"
	"github.com/relaypacks/juliapacks/pkg/sylog"
	"github.com/relaypacks/juliapacks/pkg/types"
)

// Store wraps one external codec binary and serializes mutating calls per
// database, per spec §5 ("Per-database codec calls ... are serialized
// through one mutex"). Concurrent readers (List) are safe without it.
type Store struct {
	codecPath string

	// Runtime, RootfsSource, and Rootfs back ExtractReadonly's sandboxed
	// read path (spec §4.2); they are unused by every other operation,
	// which shells out to the codec directly like the rest of this type.
	Runtime      *sandbox.Runtime
	RootfsSource string
	Rootfs       *rootfs.Provider

	mu      sync.Mutex // guards dbLocks
	dbLocks map[string]*sync.Mutex
}

// New returns a Store that invokes the codec binary at codecPath, using rt
// to run ExtractReadonly's sandboxed codec invocations against the base
// image resolved from rootfsSource through rp.
func New(codecPath string, rt *sandbox.Runtime, rp *rootfs.Provider, rootfsSource string) *Store {
	return &Store{
		codecPath:    codecPath,
		Runtime:      rt,
		RootfsSource: rootfsSource,
		Rootfs:       rp,
		dbLocks:      make(map[string]*sync.Mutex),
	}
}

func (s *Store) lockFor(dbPath string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.dbLocks[dbPath]
	if !ok {
		l = &sync.Mutex{}
		s.dbLocks[dbPath] = l
	}
	return l
}

func (s *Store) run(ctx context.Context, cwd string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, s.codecPath, args...)
	cmd.Dir = cwd
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	sylog.Debugf("running %s in %s", cmd.String(), cwd)
	if err := cmd.Run(); err != nil {
		return nil, &juerrors.CodecError{Op: args[0], Err: fmt.Errorf("%w: %s", err, stderr.String())}
	}
	return stdout.Bytes(), nil
}

var listLineRe = regexp.MustCompile(`^([^:]+):([0-9a-f]{40})$`)

// List parses the codec's listing output (spec §4.2): lines of the form
// "loose/<rev>:<rev>" indicate a loose object; lines "<pack>:<rev>"
// indicate pack membership. Unknown lines are logged and skipped — they
// are not fatal, per spec's failure semantics.
func (s *Store) List(ctx context.Context, dbPath string) (types.Listing, error) {
	out, err := s.run(ctx, dbPath, "list")
	if err != nil {
		return types.Listing{}, err
	}

	listing := types.Listing{Packed: make(map[types.PackName][]types.Revision)}

	for _, line := range splitLines(out) {
		if line == "" {
			continue
		}
		m := listLineRe.FindStringSubmatch(line)
		if m == nil {
			sylog.Warningf("ignoring unrecognized codec list line: %q", line)
			continue
		}
		group, rev := m[1], types.Revision(m[2])
		if looseGroup, ok := isLooseGroup(group); ok && looseGroup == string(rev) {
			listing.Loose = append(listing.Loose, rev)
			continue
		}
		name := types.PackName(group)
		listing.Packed[name] = append(listing.Packed[name], rev)
	}

	return listing, nil
}

const loosePrefix = "loose/"

func isLooseGroup(group string) (string, bool) {
	if len(group) > len(loosePrefix) && group[:len(loosePrefix)] == loosePrefix {
		return group[len(loosePrefix):], true
	}
	return "", false
}

func splitLines(b []byte) []string {
	var lines []string
	start := 0
	for i, c := range b {
		if c == '\n' {
			lines = append(lines, string(b[start:i]))
			start = i + 1
		}
	}
	if start < len(b) {
		lines = append(lines, string(b[start:]))
	}
	return lines
}

// Store deposits dir (an artifact directory) into the database under rev.
// It calls metadata.Prepare first, then the codec's "store <rev>" with dir
// as CWD, then removes dir on success. On failure, cleanup is the caller's
// responsibility, per spec §4.2.
func (s *Store) Store(ctx context.Context, dbPath string, rev types.Revision, dir string) error {
	lock := s.lockFor(dbPath)
	lock.Lock()
	defer lock.Unlock()

	if err := metadata.Prepare(dir); err != nil {
		return fmt.Errorf("while preparing sidecar for %s: %w", rev, err)
	}

	if _, err := s.run(ctx, dir, "store", string(rev)); err != nil {
		return err
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("while removing %s after store: %w", dir, err)
	}

	sylog.Infof("stored %s into %s", rev.Short(), dbPath)
	return nil
}

// Extract materializes rev into dir, clearing any pre-existing content,
// then replays the sidecar metadata and removes it from the extracted
// tree.
func (s *Store) Extract(ctx context.Context, dbPath string, rev types.Revision, dir string) error {
	lock := s.lockFor(dbPath)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("while creating %s: %w", dir, err)
	}

	if _, err := s.run(ctx, dir, "extract", "--reset", string(rev)); err != nil {
		return err
	}

	if err := metadata.Unprepare(dir); err != nil {
		return fmt.Errorf("while restoring sidecar for %s: %w", rev, err)
	}

	return nil
}

// ExtractReadonly behaves like Extract but MUST NOT mutate the database
// directory (spec §4.2, testable property 7): it runs the codec inside a
// sandbox with dbPath bind-mounted read-only beneath an overlay, so any
// temporary indices the codec writes land in scratch upper/work
// directories instead of the real data directory. It takes no per-database
// lock — it never touches dbPath, so it is safe to call concurrently with
// a writer holding that mutex (spec §5 data-directory ownership), which is
// the whole point: an external verifier or a second process can read a
// commit while a build worker is mid-store on the same database.
func (s *Store) ExtractReadonly(ctx context.Context, dbPath string, rev types.Revision, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("while creating %s: %w", dir, err)
	}

	scratch, err := os.MkdirTemp("", "extract-readonly-")
	if err != nil {
		return fmt.Errorf("while creating scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	upper := filepath.Join(scratch, "upper")
	work := filepath.Join(scratch, "work")
	if err := os.MkdirAll(upper, 0o755); err != nil {
		return fmt.Errorf("while creating overlay upper dir: %w", err)
	}
	if err := os.MkdirAll(work, 0o755); err != nil {
		return fmt.Errorf("while creating overlay work dir: %w", err)
	}

	rootfsPath, err := s.Rootfs.Resolve(ctx, s.RootfsSource)
	if err != nil {
		return fmt.Errorf("while resolving sandbox base image: %w", err)
	}

	inv := sandbox.Invocation{
		Command: sandbox.Command{
			Argv: []string{s.codecPath, "extract", "--reset", "--store", "/db", string(rev)},
			Cwd:  "/out",
		},
		Rootfs: rootfsPath,
		Mounts: map[string]sandbox.MountSpec{
			"/db":     {Overlay: &sandbox.OverlayMount{Lower: dbPath, Upper: upper, Work: work}},
			"/out:rw": {Bind: &sandbox.BindMount{Source: dir, Writable: true}},
		},
		UID:  1000,
		GID:  1000,
		Name: "extract-ro-" + SafeName(string(rev)),
	}

	if out, err := s.Runtime.Run(ctx, inv); err != nil {
		return &juerrors.CodecError{Op: "extract_readonly", Err: fmt.Errorf("%w: %s", err, out)}
	}

	if err := metadata.Unprepare(dir); err != nil {
		return fmt.Errorf("while restoring sidecar for %s: %w", rev, err)
	}

	return nil
}

// Pack finalizes all current loose objects in dbPath into a new pack named
// name. Caller is responsible for choosing a name already run through
// SafeName.
func (s *Store) Pack(ctx context.Context, dbPath string, name types.PackName) error {
	lock := s.lockFor(dbPath)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.run(ctx, dbPath, "pack", string(name)); err != nil {
		return err
	}
	sylog.Infof("finalized pack %s in %s", name, dbPath)
	return nil
}

// RmLoose removes the loose area wholesale (spec §4.2, §4.6 drift
// recovery): the codec has no fine-grained per-object loose delete.
func (s *Store) RmLoose(ctx context.Context, dbPath string) error {
	lock := s.lockFor(dbPath)
	lock.Lock()
	defer lock.Unlock()

	for _, rel := range []string{"loose", "packs/loose"} {
		if err := os.RemoveAll(dbPath + "/" + rel); err != nil {
			return fmt.Errorf("while removing %s: %w", rel, err)
		}
	}
	sylog.Debugf("cleared loose area in %s", dbPath)
	return nil
}

var unsafeCharRe = regexp.MustCompile(`[^A-Za-z0-9_/-]`)

// SafeName sanitizes a free-form pack or database name fragment to the
// charset the on-disk pack naming contract allows (spec §3, testable
// property 4: idempotent, a pure projection onto [A-Za-z0-9_/-]).
func SafeName(s string) string {
	return unsafeCharRe.ReplaceAllString(s, "_")
}
