// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package cli implements the thin command shell described in spec §6's
// "CLI surface (informative; not core)": argument parsing and dispatch
// live here, all actual work is delegated to the internal/pkg components.
package cli

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/relaypacks/juliapacks/internal/pkg/sourcemirror"
	"github.com/relaypacks/juliapacks/pkg/types"
)

// ResolveVersionSpecs expands the `build`/`verify` positional version
// arguments against the mirror's known branch points. Accepted forms
// (spec §6): "X.Y" (exactly that version), "X.Y+" (that version and every
// newer one), "X.Y-A.B" (an inclusive range). No arguments means "the
// newest known version only".
func ResolveVersionSpecs(ctx context.Context, mirror *sourcemirror.Mirror, specs []string) ([]types.TargetVersion, error) {
	branches, err := mirror.BranchCommits(ctx)
	if err != nil {
		return nil, fmt.Errorf("while enumerating known versions: %w", err)
	}

	known := make([]types.TargetVersion, 0, len(branches))
	for v := range branches {
		known = append(known, v)
	}
	sort.Slice(known, func(i, j int) bool { return known[i].Less(known[j]) })
	if len(known) == 0 {
		return nil, fmt.Errorf("no known versions found on the source mirror")
	}

	if len(specs) == 0 {
		return known[len(known)-1:], nil
	}

	var out []types.TargetVersion
	for _, spec := range specs {
		matched, err := expandSpec(spec, known)
		if err != nil {
			return nil, err
		}
		out = append(out, matched...)
	}
	return dedupeVersions(out), nil
}

func expandSpec(spec string, known []types.TargetVersion) ([]types.TargetVersion, error) {
	switch {
	case strings.HasSuffix(spec, "+"):
		base, err := parseVersion(strings.TrimSuffix(spec, "+"))
		if err != nil {
			return nil, err
		}
		var out []types.TargetVersion
		for _, v := range known {
			if v == base || base.Less(v) {
				out = append(out, v)
			}
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("version spec %q matched nothing known", spec)
		}
		return out, nil

	case strings.Contains(spec, "-"):
		parts := strings.SplitN(spec, "-", 2)
		lo, err := parseVersion(parts[0])
		if err != nil {
			return nil, err
		}
		hi, err := parseVersion(parts[1])
		if err != nil {
			return nil, err
		}
		if hi.Less(lo) {
			lo, hi = hi, lo
		}
		var out []types.TargetVersion
		for _, v := range known {
			if (v == lo || lo.Less(v)) && (v == hi || v.Less(hi)) {
				out = append(out, v)
			}
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("version spec %q matched nothing known", spec)
		}
		return out, nil

	default:
		v, err := parseVersion(spec)
		if err != nil {
			return nil, err
		}
		return []types.TargetVersion{v}, nil
	}
}

func parseVersion(s string) (types.TargetVersion, error) {
	parts := strings.SplitN(s, ".", 2)
	if len(parts) != 2 {
		return types.TargetVersion{}, fmt.Errorf("invalid version spec %q: want X.Y", s)
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return types.TargetVersion{}, fmt.Errorf("invalid version spec %q: %w", s, err)
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return types.TargetVersion{}, fmt.Errorf("invalid version spec %q: %w", s, err)
	}
	return types.TargetVersion{Major: major, Minor: minor}, nil
}

func dedupeVersions(in []types.TargetVersion) []types.TargetVersion {
	seen := make(map[types.TargetVersion]bool, len(in))
	out := make([]types.TargetVersion, 0, len(in))
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
