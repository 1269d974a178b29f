// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package builder

import "testing"

func TestCPUTargetTableMatchesUpstream(t *testing.T) {
	want := map[string]string{
		"x86_64":      "generic;sandybridge,-xsaveopt,clone_all;haswell,-rdrnd,base(1)",
		"i686":        "pentium4;sandybridge,-xsaveopt,clone_all",
		"armv7l":      "armv7-a;armv7-a,neon;armv7-a,neon,vfp4",
		"aarch64":     "generic;cortex-a57;thunderx2t99;carmel",
		"powerpc64le": "pwr8",
	}
	for arch, target := range want {
		got, ok := cpuTargets[arch]
		if !ok {
			t.Errorf("cpuTargets missing entry for %s", arch)
			continue
		}
		if got != target {
			t.Errorf("cpuTargets[%s] = %q, want %q", arch, got, target)
		}
	}
}

func TestGoarchToUnameCoversAllCPUTargets(t *testing.T) {
	for _, arch := range goarchToUname {
		if _, ok := cpuTargets[arch]; !ok {
			t.Errorf("goarchToUname maps to %s, which has no cpuTargets entry", arch)
		}
	}
}

func TestJobsDefaultsWhenUnset(t *testing.T) {
	o := Options{}
	if o.jobs() <= 0 {
		t.Fatalf("jobs() = %d, want positive default", o.jobs())
	}
	o.Jobs = 4
	if o.jobs() != 4 {
		t.Fatalf("jobs() = %d, want 4", o.jobs())
	}
}
