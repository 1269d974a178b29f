// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package main

import (
	"fmt"
	"os"

	"github.com/relaypacks/juliapacks/internal/pkg/cli"
)

func main() {
	root := cli.New()
	err := root.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "juliapacks:", err)
	}
	os.Exit(cli.ExitCode(err))
}
