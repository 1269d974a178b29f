// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package procutil holds the process- and mount-table inspection helpers
// the build-and-pack pipeline needs that the OCI runtime doesn't provide
// reliably on its own (spec §4.7): recursive process-tree kill, mount-entry
// inspection, and kernel-version probing. Grounded on the call sites of the
// teacher's pkg/util/fs/proc package (proc.GetMountInfoEntry,
// proc.FindParentMountEntry, entry.Options, entry.Point) visible throughout
// internal/pkg/build/build.go — the proc package itself was not part of the
// retrieved slice, so it is rewritten fresh against those call sites.
package procutil

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"

	"github.com/relaypacks/juliapacks/pkg/sylog"
)

// MountEntry mirrors the shape the teacher's build.go consumes:
// entry.Point and entry.Options.
type MountEntry struct {
	Point   string
	Device  string
	Options []string
}

// MountFlags returns the mount options of the filesystem backing path, by
// reading /etc/mtab and matching the entry whose device id matches
// stat(path) — spec §4.7's literal setmntent/getmntent-equivalent
// contract. If no /etc/mtab entry matches (common in minimal containers),
// it falls back to the richer /proc/self/mountinfo parser.
func MountFlags(path string) ([]string, error) {
	entry, err := findMtabEntry(path)
	if err == nil {
		return entry.Options, nil
	}
	sylog.Debugf("while reading /etc/mtab for %s: %v; falling back to mountinfo", path, err)

	entries, err := mountinfo.GetMounts(nil)
	if err != nil {
		return nil, fmt.Errorf("while reading /proc/self/mountinfo: %w", err)
	}
	best := findClosestMountPoint(entries, path)
	if best == nil {
		return nil, fmt.Errorf("no mount entry found for %s", path)
	}
	return strings.Split(best.VFSOptions, ","), nil
}

func findClosestMountPoint(entries []*mountinfo.Info, path string) *mountinfo.Info {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	var best *mountinfo.Info
	for _, e := range entries {
		if strings.HasPrefix(abs, e.Mountpoint) {
			if best == nil || len(e.Mountpoint) > len(best.Mountpoint) {
				best = e
			}
		}
	}
	return best
}

// findMtabEntry parses /etc/mtab, returning the entry whose directory has
// the same device id as stat(path).
func findMtabEntry(path string) (MountEntry, error) {
	var st syscall.Stat_t
	if err := syscall.Stat(path, &st); err != nil {
		return MountEntry{}, fmt.Errorf("while stat-ing %s: %w", path, err)
	}

	f, err := os.Open("/etc/mtab")
	if err != nil {
		return MountEntry{}, fmt.Errorf("while opening /etc/mtab: %w", err)
	}
	defer f.Close()

	var best MountEntry
	found := false
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}
		dir := fields[1]
		var dst syscall.Stat_t
		if err := syscall.Stat(dir, &dst); err != nil {
			continue
		}
		if dst.Dev != st.Dev {
			continue
		}
		// prefer the longest matching mount point, mirroring
		// FindParentMountEntry's "most specific match" behavior.
		if !found || len(dir) > len(best.Point) {
			best = MountEntry{Point: dir, Device: fields[0], Options: strings.Split(fields[3], ",")}
			found = true
		}
	}
	if err := scanner.Err(); err != nil {
		return MountEntry{}, fmt.Errorf("while scanning /etc/mtab: %w", err)
	}
	if !found {
		return MountEntry{}, fmt.Errorf("no /etc/mtab entry for device of %s", path)
	}
	return best, nil
}

// RecursiveKill delivers sig to proc's entire descendant tree, children
// first, depth-first, by walking /proc/<pid>/task/*/children (spec §4.7).
// This is necessary because the container engine does not always forward
// signals to descendants. ENOENT/ESRCH races (a child that already exited)
// are tolerated.
func RecursiveKill(pid int, sig syscall.Signal) error {
	for _, child := range children(pid) {
		if err := RecursiveKill(child, sig); err != nil {
			return err
		}
	}
	if err := syscall.Kill(pid, sig); err != nil && err != syscall.ESRCH && err != syscall.ENOENT {
		return fmt.Errorf("while signaling pid %d: %w", pid, err)
	}
	return nil
}

func children(pid int) []int {
	taskDir := fmt.Sprintf("/proc/%d/task", pid)
	tasks, err := os.ReadDir(taskDir)
	if err != nil {
		return nil
	}

	var out []int
	for _, task := range tasks {
		data, err := os.ReadFile(filepath.Join(taskDir, task.Name(), "children"))
		if err != nil {
			continue
		}
		for _, f := range strings.Fields(string(data)) {
			if n, err := strconv.Atoi(f); err == nil {
				out = append(out, n)
			}
		}
	}
	return out
}

var kernelVersionRe = regexp.MustCompile(`^(\d+)\.(\d+)\.(\d+)-.*$|^(\d+)\.(\d+)\.(\d+)$`)

// KernelVersion returns the (major, minor, patch) triple from `uname -r`,
// tolerating vendor suffixes (spec §4.7).
func KernelVersion() (major, minor, patch int, err error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return 0, 0, 0, fmt.Errorf("while calling uname: %w", err)
	}
	release := charsToString(uts.Release[:])

	m := kernelVersionRe.FindStringSubmatch(release)
	if m == nil {
		return 0, 0, 0, fmt.Errorf("could not parse kernel release %q", release)
	}
	// either the first three groups matched (with suffix) or the last three did
	parts := m[1:4]
	if parts[0] == "" {
		parts = m[4:7]
	}
	major, _ = strconv.Atoi(parts[0])
	minor, _ = strconv.Atoi(parts[1])
	patch, _ = strconv.Atoi(parts[2])
	return major, minor, patch, nil
}

// KernelAtLeast reports whether the running kernel is >= major.minor.
func KernelAtLeast(wantMajor, wantMinor int) (bool, error) {
	major, minor, _, err := KernelVersion()
	if err != nil {
		return false, err
	}
	if major != wantMajor {
		return major > wantMajor, nil
	}
	return minor >= wantMinor, nil
}

func charsToString(c []byte) string {
	i := 0
	for i < len(c) && c[i] != 0 {
		i++
	}
	return string(c[:i])
}

// ChmodRecursive applies mode to path and every entry beneath it. Used to
// work around overlay-cleanup permission bugs on older kernels (spec §5).
func ChmodRecursive(path string, mode os.FileMode) error {
	return filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return nil //nolint:nilerr // best-effort cleanup aid, not a hard requirement
		}
		return os.Chmod(p, mode)
	})
}
