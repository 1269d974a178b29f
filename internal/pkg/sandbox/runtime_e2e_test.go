// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package sandbox_test

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/relaypacks/juliapacks/internal/pkg/e2e"
	"github.com/relaypacks/juliapacks/internal/pkg/sandbox"
)

// rootfsEnvVar points at a minimal real rootfs (must contain /bin/true)
// to exercise against; there is no bundled one to default to, so this
// test is skipped unless a caller sets it up, the same way the teacher's
// own e2e suite gates container-launch tests on externally provisioned
// fixtures (E2E_DOCKER_MIRROR and friends in home.go).
const rootfsEnvVar = "JULIAPACKS_E2E_ROOTFS"

// TestRuntimeRunEchoesExitStatus exercises a real container launch end to
// end, so it only runs on a host that has a user namespace, an OCI
// runtime binary, and a real rootfs available (spec §6 "Host
// prerequisites").
func TestRuntimeRunEchoesExitStatus(t *testing.T) {
	e2e.RequireUserNamespace(t)

	rootfs := os.Getenv(rootfsEnvVar)
	if rootfs == "" {
		t.Skipf("%s not set; skipping real container launch", rootfsEnvVar)
	}

	runtimePath, err := exec.LookPath("runc")
	if err != nil {
		t.Skip("no OCI runtime binary (runc) on PATH")
	}

	stateDir := t.TempDir()
	bundleRoot := t.TempDir()
	rt := sandbox.NewRuntime(runtimePath, stateDir, bundleRoot)

	inv := sandbox.Invocation{
		Command: sandbox.Command{Argv: []string{"/bin/true"}},
		Rootfs:  rootfs,
		UID:     1000,
		GID:     1000,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := rt.Run(ctx, inv); err != nil {
		t.Fatalf("Run: %v", err)
	}
}
