// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relaypacks/juliapacks/pkg/juerrors"
)

func newExtractCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "extract <rev> <dir>",
		Short: "Extract a stored revision to a user directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(*flags)
			if err != nil {
				return err
			}

			rev, err := e.mirror.Lookup(cmd.Context(), args[0])
			if err != nil {
				var unknown *juerrors.RevisionUnknownError
				if errors.As(err, &unknown) {
					return &exitCodeError{code: ExitNotStored}
				}
				return err
			}

			dbPath, ok, err := locateStoredRevision(cmd.Context(), e, rev)
			if err != nil {
				return err
			}
			if !ok {
				return &exitCodeError{code: ExitNotStored}
			}

			if err := e.store.Extract(cmd.Context(), dbPath, rev, args[1]); err != nil {
				return fmt.Errorf("while extracting %s: %w", rev.Short(), err)
			}
			return nil
		},
	}
	return cmd
}
