// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package cli

import (
	"github.com/spf13/cobra"
)

// New builds the root juliapacks command and its full sub-command tree
// (spec §6's CLI surface).
func New() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "juliapacks",
		Short:         "Build and distribute delta-packed Julia interpreters",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&flags.dataRoot, "data-root", "", "override the module bootstrap base directory (default: OS cache dir)")
	root.PersistentFlags().StringVar(&flags.runtimePath, "oci-runtime", "runc", "path to the OCI runtime binary")
	root.PersistentFlags().StringVar(&flags.codecPath, "codec", "casync", "path to the delta-pack codec binary")
	root.PersistentFlags().StringVar(&flags.rootfsSource, "rootfs", "", "sandbox base image: a local directory, or an http(s) URL to a .tar.gz to fetch and cache")

	root.AddCommand(
		newBuildCmd(flags),
		newRunCmd(flags),
		newExtractCmd(flags),
		newVerifyCmd(flags),
		newStatusCmd(flags),
	)

	return root
}
