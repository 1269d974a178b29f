// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2019-2022, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package e2e holds test helpers shared across sandboxed end-to-end
// tests. Adapted from the teacher's home-directory bind-mount rig
// (Privileged/SetupHomeDirectories), which assumed a SIF/container-image
// test registry this project has no use for; what survives here is the
// one thing internal/pkg/sandbox's and internal/pkg/store's own tests
// actually need: a way to skip gracefully on a host that can't set up a
// user namespace. It lives under internal/pkg rather than e2e/internal so
// that package-scoped e2e tests throughout internal/pkg can import it.
package e2e

import (
	"os"
	"testing"

	"github.com/moby/sys/userns"
)

// RequireUserNamespace skips t unless the current process can plausibly
// create an unprivileged user namespace, mirroring the host prerequisite
// in spec §6 ("Linux with user-namespace support"). It does not itself
// create one — internal/pkg/sandbox.Runtime does that per invocation —
// it only filters out hosts where that would be doomed to fail.
func RequireUserNamespace(t *testing.T) {
	t.Helper()

	if os.Getuid() == 0 {
		// Already privileged; the OCI runtime can create the namespace
		// itself regardless of /proc/sys/user.max_user_namespaces.
		return
	}

	data, err := os.ReadFile("/proc/sys/user/max_user_namespaces")
	if err != nil {
		t.Skipf("cannot determine user namespace support: %v", err)
	}
	if string(data) == "0\n" {
		t.Skip("user namespaces are disabled on this host (user.max_user_namespaces=0)")
	}

	if userns.RunningInUserNS() {
		t.Skip("already running inside a user namespace; nested unprivileged sandboxes are not supported by all OCI runtimes")
	}
}
