// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package sandbox

import (
	"strings"
	"testing"
)

func TestParseDestination(t *testing.T) {
	cases := []struct {
		key          string
		wantDest     string
		wantIsBind   bool
		wantWritable bool
	}{
		{"/source:rw", "/source", true, true},
		{"/install:ro", "/install", true, false},
		{"/merged", "/merged", false, false},
	}
	for _, c := range cases {
		dest, isBind, writable := ParseDestination(c.key)
		if dest != c.wantDest || isBind != c.wantIsBind || writable != c.wantWritable {
			t.Errorf("ParseDestination(%q) = (%q, %v, %v), want (%q, %v, %v)",
				c.key, dest, isBind, writable, c.wantDest, c.wantIsBind, c.wantWritable)
		}
	}
}

func TestOverlayOptionsIncludesUserxattrOnlyWhenRequested(t *testing.T) {
	m := OverlayMount{Lower: "/a", Upper: "/b", Work: "/c"}

	without := overlayOptions(m, false)
	if strings.Contains(without, "userxattr") {
		t.Errorf("overlayOptions(userxattr=false) = %q, should not contain userxattr", without)
	}

	with := overlayOptions(m, true)
	if !strings.Contains(with, "userxattr") {
		t.Errorf("overlayOptions(userxattr=true) = %q, should contain userxattr", with)
	}
	for _, want := range []string{"lowerdir=/a", "upperdir=/b", "workdir=/c", "xino=off", "redirect_dir=nofollow"} {
		if !strings.Contains(with, want) {
			t.Errorf("overlayOptions result %q missing %q", with, want)
		}
	}
}

func TestAugmentMountsAddsMissingAutoOverlaysOnly(t *testing.T) {
	mounts := map[string]MountSpec{
		"/tmp": {Bind: &BindMount{Source: "/host/tmp", Writable: true}},
	}

	out := augmentMounts(mounts, "/work")

	if out["/tmp"].Bind == nil || out["/tmp"].Bind.Source != "/host/tmp" {
		t.Fatalf("caller-supplied /tmp mount was overwritten: %+v", out["/tmp"])
	}

	for _, dest := range []string{"/var", "/home", "/root", "/usr/local"} {
		spec, ok := out[dest]
		if !ok {
			t.Errorf("expected auto overlay for %s", dest)
			continue
		}
		if spec.Overlay == nil {
			t.Errorf("expected %s to be an overlay mount, got %+v", dest, spec)
		}
	}

	if len(out) != 5 {
		t.Fatalf("augmentMounts produced %d entries, want 5 (1 caller + 4 auto)", len(out))
	}
}
