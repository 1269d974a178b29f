// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package store

import (
	"testing"

	"github.com/relaypacks/juliapacks/pkg/types"
)

func TestSafeNameIdempotentAndProjects(t *testing.T) {
	cases := []string{
		"julia-1.10",
		"julia 1.10!",
		"already/safe_name-1",
		"weird**chars///ok",
	}
	for _, in := range cases {
		once := SafeName(in)
		twice := SafeName(once)
		if once != twice {
			t.Errorf("SafeName(%q) not idempotent: %q != %q", in, once, twice)
		}
		if unsafeCharRe.MatchString(once) {
			t.Errorf("SafeName(%q) = %q still has unsafe chars", in, once)
		}
	}
}

func parseListingFromLines(t *testing.T, lines []string) types.Listing {
	t.Helper()
	listing := types.Listing{Packed: make(map[types.PackName][]types.Revision)}
	for _, line := range lines {
		m := listLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		group, rev := m[1], types.Revision(m[2])
		if looseGroup, ok := isLooseGroup(group); ok && looseGroup == string(rev) {
			listing.Loose = append(listing.Loose, rev)
			continue
		}
		listing.Packed[types.PackName(group)] = append(listing.Packed[types.PackName(group)], rev)
	}
	return listing
}

func TestListParsing(t *testing.T) {
	rev1 := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	rev2 := "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	lines := []string{
		"loose/" + rev1 + ":" + rev1,
		"julia-1.10.0.5:" + rev2,
		"not a recognized line at all",
	}
	listing := parseListingFromLines(t, lines)

	if len(listing.Loose) != 1 || string(listing.Loose[0]) != rev1 {
		t.Errorf("loose = %v, want [%s]", listing.Loose, rev1)
	}
	if name, ok := listing.PackOf(types.Revision(rev2)); !ok || name != types.PackName("julia-1.10.0.5") {
		t.Errorf("PackOf(rev2) = %q, %v", name, ok)
	}
}
