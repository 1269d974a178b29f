// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/relaypacks/juliapacks/internal/pkg/config"
	"github.com/relaypacks/juliapacks/internal/pkg/planner"
	"github.com/relaypacks/juliapacks/pkg/juerrors"
	"github.com/relaypacks/juliapacks/pkg/sylog"
	"github.com/relaypacks/juliapacks/pkg/types"
)

func newVerifyCmd(flags *globalFlags) *cobra.Command {
	var fix, deep bool

	cmd := &cobra.Command{
		Use:   "verify [versions...]",
		Short: "Validate each pack's contents against the expected plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(*flags)
			if err != nil {
				return err
			}

			versions, err := ResolveVersionSpecs(cmd.Context(), e.mirror, args)
			if err != nil {
				return err
			}

			allValid := true
			for _, v := range versions {
				for _, asserts := range []bool{false, true} {
					valid, err := verifyDatabase(cmd.Context(), e, v, asserts, fix, deep)
					if err != nil {
						return err
					}
					if !valid {
						allValid = false
					}
				}
			}

			if !allValid {
				return &exitCodeError{code: 1}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&fix, "fix", false, "delete non-conforming packs")
	cmd.Flags().BoolVar(&deep, "deep", false, "extract every stored revision read-only to verify codec integrity")
	return cmd
}

func verifyDatabase(ctx context.Context, e *env, v types.TargetVersion, asserts, fix, deep bool) (bool, error) {
	dbName := v.DatabaseName(config.Project, asserts)
	dbPath := e.cfg.DatabasePath(dbName)

	listing, err := e.store.List(ctx, dbPath)
	if err != nil {
		sylog.Debugf("skipping %s: %v", dbName, err)
		return true, nil
	}
	if len(listing.Packed) == 0 && len(listing.Loose) == 0 {
		return true, nil
	}

	plan, err := planner.ExpectedPlan(ctx, e.mirror, v, e.planner.ChunkSize)
	if err != nil {
		return false, fmt.Errorf("while computing expected plan for %s: %w", v, err)
	}
	expected := make(map[types.Revision]bool, len(plan.AllCommits()))
	for _, r := range plan.AllCommits() {
		expected[r] = true
	}

	valid := true
	for name, revs := range listing.Packed {
		for _, r := range revs {
			if !expected[r] {
				ierr := &juerrors.IntegrityError{PackName: string(name), Reason: fmt.Sprintf("revision %s not in expected plan for %s", r.Short(), v)}
				sylog.Errorf("%v", ierr)
				valid = false
				if fix {
					if err := deletePack(ctx, e, dbPath, name); err != nil {
						return false, err
					}
				}
				break
			}
		}
	}

	if deep && !verifyExtractable(ctx, e, dbPath, listing) {
		valid = false
	}

	return valid, nil
}

// verifyExtractable extracts every revision in listing through
// ExtractReadonly, a check a second, concurrently running process (this
// command) can safely perform against a database a build worker elsewhere
// may be actively writing to, since it never bind-mounts dbPath writable
// (spec §4.2, §7).
func verifyExtractable(ctx context.Context, e *env, dbPath string, listing types.Listing) bool {
	all := append([]types.Revision{}, listing.Loose...)
	for _, revs := range listing.Packed {
		all = append(all, revs...)
	}

	ok := true
	for _, r := range all {
		dir, err := os.MkdirTemp("", "verify-extract-")
		if err != nil {
			sylog.Errorf("while creating scratch dir for %s: %v", r.Short(), err)
			ok = false
			continue
		}
		if err := e.store.ExtractReadonly(ctx, dbPath, r, dir); err != nil {
			sylog.Errorf("revision %s in %s fails integrity check: %v", r.Short(), dbPath, err)
			ok = false
		}
		if err := os.RemoveAll(dir); err != nil {
			sylog.Warningf("failed to remove scratch dir %s: %v", dir, err)
		}
	}
	return ok
}

// deletePack removes a pack's two files directly. The codec exposes no
// "delete pack" sub-command (packs are "destroyed only by admin action",
// spec §3), so --fix operates on the filesystem layout described in §6.
func deletePack(ctx context.Context, e *env, dbPath string, name types.PackName) error {
	_ = ctx
	sylog.Warningf("removing non-conforming pack %s from %s", name, dbPath)
	for _, suffix := range []string{".pack", ".pack.idx"} {
		path := filepath.Join(dbPath, "packs", string(name)+suffix)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("while removing %s: %w", path, err)
		}
	}
	return nil
}
