// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package sandbox builds an OCI bundle (rootfs, mounts, namespaces, caps)
// and launches a container engine to run a command inside an unprivileged
// user-namespace container (spec §4.3). The actual bundle-assembly file
// from the teacher was not part of the retrieved slice, so this is written
// fresh against the teacher's own opencontainers/runtime-spec and
// opencontainers/runtime-tools dependencies, in the shape of the teacher's
// driver packages: build a concrete side effect, wrap failures with the
// binary name, clean up the workdir unconditionally.
package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ccoveille/go-safecast"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/opencontainers/runtime-tools/generate"
	selinux "github.com/opencontainers/selinux/go-selinux"

	"github.com/relaypacks/juliapacks/internal/pkg/procutil"
	"github.com/relaypacks/juliapacks/pkg/sylog"
)

// Command describes the process to run inside the sandbox (spec §4.3
// "Inputs to a sandbox invocation").
type Command struct {
	Argv []string
	Env  []string
	Cwd  string
}

// Invocation is the full set of inputs to a sandbox run.
type Invocation struct {
	Command Command
	Rootfs  string
	Mounts  map[string]MountSpec
	UID     int
	GID     int
	Name    string
}

// capabilities kept by every sandbox process, per spec §4.3.
var boundingCaps = []string{"CAP_AUDIT_WRITE", "CAP_KILL", "CAP_NET_BIND_SERVICE"}
var ambientCaps = []string{"CAP_NET_BIND_SERVICE"}

// systemMounts are the standard Linux mounts every bundle gets regardless
// of caller-supplied mounts (spec §4.3).
func systemMounts() []specs.Mount {
	return []specs.Mount{
		{Destination: "/proc", Type: "proc", Source: "proc"},
		{Destination: "/dev", Type: "tmpfs", Source: "tmpfs", Options: []string{"nosuid", "strictatime", "mode=755", "size=65536k"}},
		{Destination: "/dev/pts", Type: "devpts", Source: "devpts", Options: []string{"nosuid", "noexec", "newinstance", "ptmxmode=0666", "mode=0620"}},
		{Destination: "/dev/shm", Type: "tmpfs", Source: "shm", Options: []string{"nosuid", "noexec", "nodev", "mode=1777", "size=65536k"}},
		{Destination: "/dev/mqueue", Type: "mqueue", Source: "mqueue", Options: []string{"nosuid", "noexec", "nodev"}},
		{Destination: "/sys", Type: "none", Source: "/sys", Options: []string{"rbind", "nosuid", "noexec", "nodev", "ro"}},
		{Destination: "/sys/fs/cgroup", Type: "cgroup", Source: "cgroup", Options: []string{"nosuid", "noexec", "nodev", "relatime", "ro"}},
	}
}

// buildConfig synthesizes the OCI config.json for inv, writing it into
// bundleDir/config.json. kernelAtLeast511 gates the "userxattr" overlay
// option, per spec §4.3.
func buildConfig(inv Invocation, bundleDir, workdir string, kernelAtLeast511 bool) error {
	g, err := generate.New("linux")
	if err != nil {
		return fmt.Errorf("while creating OCI spec generator: %w", err)
	}

	g.SetRootPath(inv.Rootfs)
	g.SetRootReadonly(true)
	g.SetProcessArgs(inv.Command.Argv)
	for _, e := range inv.Command.Env {
		g.AddProcessEnv(envKey(e), envVal(e))
	}
	cwd := inv.Command.Cwd
	if cwd == "" {
		cwd = "/"
	}
	g.SetProcessCwd(cwd)
	g.SetProcessNoNewPrivileges(true)
	g.AddProcessRlimits("RLIMIT_NOFILE", 8192, 8192)

	for _, cap := range boundingCaps {
		_ = g.AddProcessCapabilityBounding(cap)
		_ = g.AddProcessCapabilityEffective(cap)
		_ = g.AddProcessCapabilityPermitted(cap)
	}
	for _, cap := range ambientCaps {
		_ = g.AddProcessCapabilityAmbient(cap)
	}

	for _, ns := range []specs.LinuxNamespaceType{
		specs.PIDNamespace, specs.IPCNamespace, specs.UTSNamespace,
		specs.MountNamespace, specs.UserNamespace,
	} {
		_ = g.AddOrReplaceLinuxNamespace(string(ns), "")
	}
	hostUID, err := safecast.ToUint32(os.Getuid())
	if err != nil {
		return fmt.Errorf("while converting host uid: %w", err)
	}
	hostGID, err := safecast.ToUint32(os.Getgid())
	if err != nil {
		return fmt.Errorf("while converting host gid: %w", err)
	}
	containerUID, err := safecast.ToUint32(inv.UID)
	if err != nil {
		return fmt.Errorf("while converting container uid %d: %w", inv.UID, err)
	}
	containerGID, err := safecast.ToUint32(inv.GID)
	if err != nil {
		return fmt.Errorf("while converting container gid %d: %w", inv.GID, err)
	}
	g.AddLinuxUIDMapping(hostUID, containerUID, 1)
	g.AddLinuxGIDMapping(hostGID, containerGID, 1)

	if selinux.GetEnabled() {
		processLabel, mountLabel := selinux.ContainerLabels()
		if processLabel != "" {
			g.SetProcessSelinuxLabel(processLabel)
			g.SetLinuxMountLabel(mountLabel)
			defer selinux.ReleaseLabel(processLabel)
		}
	}

	for _, m := range systemMounts() {
		g.AddMount(m)
	}

	augmented := augmentMounts(inv.Mounts, workdir)

	for key, spec := range augmented {
		dest, _, _ := ParseDestination(key)
		var hostFlags []string
		if spec.Bind != nil {
			hostFlags, err = procutil.MountFlags(spec.Bind.Source)
			if err != nil {
				sylog.Debugf("could not read host mount flags for %s: %v", spec.Bind.Source, err)
			}
		}
		m, err := toOCIMount(dest, spec, hostFlags, kernelAtLeast511)
		if err != nil {
			return err
		}
		g.AddMount(m)
	}

	cfg := g.Config
	cfg.Process.User = specs.User{UID: containerUID, GID: containerGID}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("while encoding config.json: %w", err)
	}
	if err := os.WriteFile(filepath.Join(bundleDir, "config.json"), data, 0o644); err != nil {
		return fmt.Errorf("while writing config.json: %w", err)
	}
	return nil
}

func toOCIMount(dest string, m MountSpec, hostFlags []string, kernelAtLeast511 bool) (specs.Mount, error) {
	switch {
	case m.Bind != nil:
		opts := []string{"bind"}
		if m.Bind.Writable {
			opts = append(opts, "rw")
		} else {
			opts = append(opts, "ro")
		}
		opts = append(opts, preservedHostFlags(hostFlags)...)
		return specs.Mount{
			Destination: dest,
			Type:        "none",
			Source:      m.Bind.Source,
			Options:     opts,
		}, nil
	case m.Overlay != nil:
		return specs.Mount{
			Destination: dest,
			Type:        "overlay",
			Source:      "overlay",
			Options:     []string{overlayOptions(*m.Overlay, kernelAtLeast511)},
		}, nil
	default:
		return specs.Mount{}, fmt.Errorf("mount spec for %s has neither Bind nor Overlay set", dest)
	}
}

// preservedHostFlags keeps nodev/nosuid/noexec from the host mount that a
// bind source lives on, per spec §4.3.
func preservedHostFlags(hostFlags []string) []string {
	var kept []string
	for _, f := range hostFlags {
		switch f {
		case "nodev", "nosuid", "noexec":
			kept = append(kept, f)
		}
	}
	return kept
}

func envKey(kv string) string {
	for i, c := range kv {
		if c == '=' {
			return kv[:i]
		}
	}
	return kv
}

func envVal(kv string) string {
	for i, c := range kv {
		if c == '=' {
			return kv[i+1:]
		}
	}
	return ""
}
