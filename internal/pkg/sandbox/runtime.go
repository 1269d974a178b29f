// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/moby/sys/userns"

	"github.com/relaypacks/juliapacks/internal/pkg/procutil"
	"github.com/relaypacks/juliapacks/pkg/juerrors"
	"github.com/relaypacks/juliapacks/pkg/sylog"
)

// killGrace is how long a timed-out sandbox process tree is given to exit
// after SIGTERM before Runtime escalates to SIGKILL (spec §4.5, §4.7).
const killGrace = 10 * time.Second

// Runtime launches commands inside an unprivileged user-namespace
// container, using an external OCI runtime binary (e.g. runc or crun).
// Grounded on the exec-wrapper shape of squashfuse/overlayfsfuse: build an
// exec.Cmd, capture stderr, report failures with the binary name attached.
type Runtime struct {
	RuntimePath string // path to the OCI runtime binary
	StateDir    string // --root for the runtime, per invocation cleanup contract
	BundleRoot  string // parent dir for per-invocation workdirs
}

// NewRuntime returns a Runtime rooted at stateDir/bundleRoot.
func NewRuntime(runtimePath, stateDir, bundleRoot string) *Runtime {
	return &Runtime{RuntimePath: runtimePath, StateDir: stateDir, BundleRoot: bundleRoot}
}

// Run executes inv's command to completion, returning the combined
// stdout+stderr on success and a *juerrors.SandboxError on runtime failure.
// The workdir (upper/, work/, bundle/) is removed on every exit path, per
// the cleanup contract in spec §4.3.
func (r *Runtime) Run(ctx context.Context, inv Invocation) ([]byte, error) {
	if !userns.RunningInUserNS() {
		sylog.Debugf("not currently in a user namespace; relying on the OCI runtime to create one")
	}

	name := inv.Name
	if name == "" {
		name = uuid.NewString()
	}
	name = slug.Make(name)

	workdir := filepath.Join(r.BundleRoot, name+"-"+uuid.NewString())
	bundleDir := filepath.Join(workdir, "bundle")
	if err := os.MkdirAll(bundleDir, 0o755); err != nil {
		return nil, fmt.Errorf("while creating bundle dir: %w", err)
	}
	defer r.cleanup(workdir)

	kernelNew, err := procutil.KernelAtLeast(5, 11)
	if err != nil {
		sylog.Debugf("could not determine kernel version, assuming pre-5.11: %v", err)
	}

	if err := buildConfig(inv, bundleDir, workdir, kernelNew); err != nil {
		return nil, fmt.Errorf("while building OCI bundle: %w", err)
	}

	argv := r.Argv(name, workdir)
	sylog.Debugf("launching sandbox: %v", argv)

	cmd := exec.Command(argv[0], argv[1:]...)
	var out []byte
	outCh := make(chan struct {
		out []byte
		err error
	}, 1)
	go func() {
		o, runErr := cmd.CombinedOutput()
		outCh <- struct {
			out []byte
			err error
		}{o, runErr}
	}()

	select {
	case res := <-outCh:
		out, err = res.out, res.err
	case <-ctx.Done():
		// the container engine doesn't reliably forward SIGTERM to the
		// sandboxed process tree, so signal it directly and escalate.
		if cmd.Process != nil {
			_ = procutil.RecursiveKill(cmd.Process.Pid, syscall.SIGTERM)
		}
		select {
		case res := <-outCh:
			out, err = res.out, res.err
		case <-time.After(killGrace):
			if cmd.Process != nil {
				_ = procutil.RecursiveKill(cmd.Process.Pid, syscall.SIGKILL)
			}
			res := <-outCh
			out, err = res.out, res.err
		}
		if err == nil {
			err = ctx.Err()
		}
	}

	if err != nil {
		return out, &juerrors.SandboxError{Op: "run", Err: fmt.Errorf("%w: %s", err, string(out))}
	}
	return out, nil
}

// Argv returns the argv the caller would invoke to run the container
// engine for a bundle already prepared at workdir/bundle, per spec §4.3's
// "Output" contract: "--root <sandbox-state-dir> run --bundle
// <workdir>/bundle <name>".
func (r *Runtime) Argv(name, workdir string) []string {
	return []string{
		r.RuntimePath,
		"--root", r.StateDir,
		"run",
		"--bundle", filepath.Join(workdir, "bundle"),
		name,
	}
}

// cleanup removes workdir unconditionally. On kernels where overlay
// cleanup can leave behind directories the invoking user can't remove
// (spec §5 "Shared resources"), a recursive chmod 0777 is applied first.
func (r *Runtime) cleanup(workdir string) {
	if new511, err := procutil.KernelAtLeast(5, 11); err != nil || !new511 {
		_ = procutil.ChmodRecursive(workdir, 0o777)
	}
	if err := os.RemoveAll(workdir); err != nil {
		sylog.Warningf("failed to remove sandbox workdir %s: %v", workdir, err)
	}
}
