// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package sandbox

import (
	"fmt"
	"strings"
)

// MountSpec is one entry of an invocation's mount map (spec §4.3).
// Exactly one of Bind or Overlay is set.
type MountSpec struct {
	Bind    *BindMount
	Overlay *OverlayMount
}

// BindMount binds source onto a container destination, read-only or
// read-write depending on Writable; callers pair it with the matching
// ":ro"/":rw" suffix on the destination key.
type BindMount struct {
	Source   string
	Writable bool
}

// OverlayMount layers upper/work over lower at a container destination.
type OverlayMount struct {
	Lower string
	Upper string
	Work  string
}

// ParseDestination splits a mount map key of the form "/dest:ro" or
// "/dest:rw" into the bare destination and whether it's a bind mount. A
// destination with neither suffix is an overlay mount (spec §4.3).
func ParseDestination(key string) (dest string, isBind bool, writable bool) {
	switch {
	case strings.HasSuffix(key, ":ro"):
		return strings.TrimSuffix(key, ":ro"), true, false
	case strings.HasSuffix(key, ":rw"):
		return strings.TrimSuffix(key, ":rw"), true, true
	default:
		return key, false, false
	}
}

// overlayOptions returns the overlay filesystem options string for an
// OverlayMount, per spec §4.3: "xino=off,metacopy=off,index=off,
// redirect_dir=nofollow", plus "userxattr" on kernel >= 5.11.
func overlayOptions(m OverlayMount, userxattr bool) string {
	opts := []string{
		"lowerdir=" + m.Lower,
		"upperdir=" + m.Upper,
		"workdir=" + m.Work,
		"xino=off",
		"metacopy=off",
		"index=off",
		"redirect_dir=nofollow",
	}
	if userxattr {
		opts = append(opts, "userxattr")
	}
	return strings.Join(opts, ",")
}

// autoOverlayDests are writable overlays the runtime auto-augments onto
// every invocation regardless of caller-supplied mounts (spec §4.3).
var autoOverlayDests = []string{"/tmp", "/var", "/home", "/root", "/usr/local"}

// augmentMounts adds the automatic writable overlays for any destination
// the caller didn't already specify.
func augmentMounts(mounts map[string]MountSpec, workdir string) map[string]MountSpec {
	out := make(map[string]MountSpec, len(mounts)+len(autoOverlayDests))
	for k, v := range mounts {
		out[k] = v
	}
	for _, dest := range autoOverlayDests {
		if _, ok := out[dest]; ok {
			continue
		}
		name := strings.Trim(strings.ReplaceAll(dest, "/", "_"), "_")
		if name == "" {
			name = "root"
		}
		out[dest] = MountSpec{Overlay: &OverlayMount{
			Lower: dest,
			Upper: fmt.Sprintf("%s/upper/%s", workdir, name),
			Work:  fmt.Sprintf("%s/work/%s", workdir, name),
		}}
	}
	return out
}
