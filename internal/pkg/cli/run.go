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
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/creack/pty"
	"github.com/spf13/cobra"

	"github.com/relaypacks/juliapacks/pkg/juerrors"
	"github.com/relaypacks/juliapacks/pkg/sylog"
	"github.com/relaypacks/juliapacks/pkg/types"
)

// ExitNotStored is returned to the shell when a revision spec does not
// resolve to anything ever recorded in any database (spec §6, §7).
const ExitNotStored = 125

// exitCodeError carries a specific process exit code up through cobra's
// RunE without cobra printing a misleading "Error:" line for it; main.go
// unwraps it to set os.Exit's argument directly.
type exitCodeError struct{ code int }

func (e *exitCodeError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// ExitCode extracts the process exit code intended for err, defaulting to
// 1 for any error that isn't an *exitCodeError.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ec *exitCodeError
	if errors.As(err, &ec) {
		return ec.code
	}
	return 1
}

func newRunCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:                "run <rev> [args...]",
		Short:              "Extract and execute the interpreter for a revision",
		Args:               cobra.MinimumNArgs(1),
		DisableFlagParsing: true,
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
				sylog.Errorf("revision %s is not stored in any known database", rev.Short())
				return &exitCodeError{code: ExitNotStored}
			}

			dir, err := os.MkdirTemp("", "juliapacks-run-*")
			if err != nil {
				return fmt.Errorf("while creating scratch directory: %w", err)
			}
			defer os.RemoveAll(dir)

			if err := e.store.Extract(cmd.Context(), dbPath, rev, dir); err != nil {
				return fmt.Errorf("while extracting %s: %w", rev.Short(), err)
			}

			return runChild(filepath.Join(dir, "bin", "julia"), args[1:])
		},
	}
	return cmd
}

// locateStoredRevision checks every database under the data root and
// returns the one containing rev, if any.
func locateStoredRevision(ctx context.Context, e *env, rev types.Revision) (string, bool, error) {
	entries, err := os.ReadDir(e.cfg.DataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("while scanning data root: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dbPath := filepath.Join(e.cfg.DataDir, entry.Name())
		listing, err := e.store.List(ctx, dbPath)
		if err != nil {
			sylog.Warningf("skipping %s: %v", dbPath, err)
			continue
		}
		if listing.IsLoose(rev) {
			return dbPath, true, nil
		}
		if _, ok := listing.PackOf(rev); ok {
			return dbPath, true, nil
		}
	}
	return "", false, nil
}

// runChild executes the interpreter, forwarding SIGINT to it and
// re-raising its terminating signal on this process so the parent shell
// sees a faithful exit status (spec §5: "re-raise the signal to its own
// PID on non-zero termination"). When both ends of the invoking terminal
// are real TTYs it runs the interpreter under a pseudo-terminal instead of
// inheriting stdio directly, so interactive Julia sessions (line editing,
// job control, window resize) behave the way they would run natively.
func runChild(binary string, args []string) error {
	cmd := exec.Command(binary, args...)

	if isTerminal(os.Stdin) && isTerminal(os.Stdout) {
		return runChildPTY(cmd, binary)
	}

	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("while starting %s: %w", binary, err)
	}

	stopForwarding := forwardSIGINT(cmd)
	defer stopForwarding()

	return waitAndTranslateExit(cmd, binary)
}

// runChildPTY attaches cmd's stdio to a pseudo-terminal master/slave pair,
// copies bytes between it and the invoking terminal, and keeps the slave
// sized to match the host terminal as it's resized.
func runChildPTY(cmd *exec.Cmd, binary string) error {
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("while starting %s under a pty: %w", binary, err)
	}
	defer ptmx.Close()

	stopForwarding := forwardSIGINT(cmd)
	defer stopForwarding()

	_ = pty.InheritSize(os.Stdin, ptmx)
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			_ = pty.InheritSize(os.Stdin, ptmx)
		}
	}()

	go func() { _, _ = io.Copy(ptmx, os.Stdin) }()
	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(os.Stdout, ptmx)
		close(done)
	}()

	err = cmd.Wait()
	<-done
	if err == nil {
		return nil
	}
	return translateExitError(err, binary)
}

// forwardSIGINT relays the host's SIGINT to cmd's process for as long as
// the returned stop function hasn't been called.
func forwardSIGINT(cmd *exec.Cmd) (stop func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		for range sigCh {
			_ = cmd.Process.Signal(os.Interrupt)
		}
	}()
	return func() { signal.Stop(sigCh) }
}

func waitAndTranslateExit(cmd *exec.Cmd, binary string) error {
	err := cmd.Wait()
	if err == nil {
		return nil
	}
	return translateExitError(err, binary)
}

// translateExitError turns the child's wait error into an *exitCodeError,
// re-raising a terminating signal on this process first so the parent
// shell observes a faithful exit status rather than a plain return code.
func translateExitError(err error, binary string) error {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return fmt.Errorf("while running %s: %w", binary, err)
	}

	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return &exitCodeError{code: exitErr.ExitCode()}
	}
	if status.Signaled() {
		sig := status.Signal()
		signal.Reset(sig)
		_ = syscall.Kill(os.Getpid(), sig)
		return &exitCodeError{code: 128 + int(sig)}
	}
	return &exitCodeError{code: status.ExitStatus()}
}

// isTerminal reports whether f is connected to a character device, the
// same cheap check apptainer's own interactive commands use to decide
// whether to allocate a pty.
func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
