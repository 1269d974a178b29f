// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package sandbox

import "testing"

func TestEnvKeyVal(t *testing.T) {
	cases := []struct {
		kv      string
		wantKey string
		wantVal string
	}{
		{"nproc=4", "nproc", "4"},
		{"JULIA_NUM_THREADS=1", "JULIA_NUM_THREADS", "1"},
		{"NOVALUE", "NOVALUE", ""},
	}
	for _, c := range cases {
		if got := envKey(c.kv); got != c.wantKey {
			t.Errorf("envKey(%q) = %q, want %q", c.kv, got, c.wantKey)
		}
		if got := envVal(c.kv); got != c.wantVal {
			t.Errorf("envVal(%q) = %q, want %q", c.kv, got, c.wantVal)
		}
	}
}

func TestPreservedHostFlagsKeepsOnlyKnownFlags(t *testing.T) {
	got := preservedHostFlags([]string{"rw", "nodev", "relatime", "nosuid", "noexec", "noatime"})
	want := map[string]bool{"nodev": true, "nosuid": true, "noexec": true}

	if len(got) != len(want) {
		t.Fatalf("preservedHostFlags = %v, want 3 entries matching %v", got, want)
	}
	for _, f := range got {
		if !want[f] {
			t.Errorf("unexpected flag %q preserved", f)
		}
	}
}
