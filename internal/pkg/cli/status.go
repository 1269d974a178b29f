// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relaypacks/juliapacks/internal/pkg/config"
	"github.com/relaypacks/juliapacks/pkg/sylog"
)

func newStatusCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [version]",
		Short: "Summarize available/unbuilt commits",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(*flags)
			if err != nil {
				return err
			}

			versions, err := ResolveVersionSpecs(cmd.Context(), e.mirror, args)
			if err != nil {
				return err
			}

			for _, v := range versions {
				commits, err := e.mirror.Commits(cmd.Context(), v)
				if err != nil {
					sylog.Warningf("could not enumerate commits for %s: %v", v, err)
					continue
				}

				stored := 0
				for _, asserts := range []bool{false, true} {
					dbName := v.DatabaseName(config.Project, asserts)
					listing, err := e.store.List(cmd.Context(), e.cfg.DatabasePath(dbName))
					if err != nil {
						continue
					}
					stored += len(listing.Loose)
					for _, revs := range listing.Packed {
						stored += len(revs)
					}
				}

				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d/%d commits built\n", v, stored, len(commits))
			}
			return nil
		},
	}
	return cmd
}
