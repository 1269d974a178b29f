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
	"time"

	"github.com/spf13/cobra"

	"github.com/relaypacks/juliapacks/internal/pkg/builder"
	"github.com/relaypacks/juliapacks/pkg/sylog"
)

func newBuildCmd(flags *globalFlags) *cobra.Command {
	var asserts bool
	var jobs, threads int
	var workDir string

	cmd := &cobra.Command{
		Use:   "build [versions...]",
		Short: "Build packs for the listed minor versions (defaults to newest)",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(*flags)
			if err != nil {
				return err
			}

			versions, err := ResolveVersionSpecs(cmd.Context(), e.mirror, args)
			if err != nil {
				return err
			}

			if workDir != "" {
				e.builder.WorkDir = workDir
			}
			e.planner.Workers = jobs
			e.planner.BuildOpts = builder.Options{
				Asserts: asserts,
				Jobs:    threads,
				Threads: threads,
				Timeout: 3600 * time.Second,
			}

			var failed []string
			for _, v := range versions {
				sylog.Infof("building %s", v)
				if err := e.planner.BuildVersion(cmd.Context(), v, asserts); err != nil {
					sylog.Errorf("version %s failed: %v", v, err)
					failed = append(failed, v.String())
				}
			}

			if len(failed) > 0 {
				return fmt.Errorf("build failed for version(s): %v", failed)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asserts, "asserts", false, "build the assertions-enabled variant")
	cmd.Flags().IntVar(&jobs, "jobs", 1, "number of commits to build concurrently")
	cmd.Flags().IntVar(&threads, "threads", 0, "compiler threads per build (default: all cores)")
	cmd.Flags().StringVar(&workDir, "work-dir", "", "scratch directory for source/install trees (default: sandbox state root)")

	return cmd
}
