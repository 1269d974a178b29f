// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package planner

import (
	"testing"

	"gotest.tools/v3/assert"

	"github.com/relaypacks/juliapacks/pkg/types"
)

func revs(n int) []types.Revision {
	out := make([]types.Revision, n)
	for i := range out {
		// Distinct 40-char hex-ish placeholders; only identity matters here.
		out[i] = types.Revision(rpad(i))
	}
	return out
}

func rpad(i int) string {
	const hex = "0123456789abcdef"
	b := make([]byte, 40)
	for j := range b {
		b[j] = '0'
	}
	s := []byte{}
	n := i
	if n == 0 {
		s = []byte{'0'}
	}
	for n > 0 {
		s = append([]byte{hex[n%16]}, s...)
		n /= 16
	}
	copy(b[40-len(s):], s)
	return string(b)
}

// chunkOf is a test helper standing in for CommitPacks without needing a
// live sourcemirror.Mirror to name each chunk.
func chunkOf(name string, commits []types.Revision) types.Chunk {
	return types.Chunk{Name: types.PackName(name), Commits: commits}
}

// TestChunkSlicingBoundariesAtChunkSize slices with chunkOf the same way
// CommitPacks does, since CommitPacks itself needs a live mirror to name
// each chunk.
func TestChunkSlicingBoundariesAtChunkSize(t *testing.T) {
	commits := revs(25)
	var plan types.Plan
	for i := 0; i < len(commits); i += 10 {
		end := i + 10
		if end > len(commits) {
			end = len(commits)
		}
		plan = append(plan, chunkOf(commits[i].Short(), commits[i:end]))
	}

	assert.Equal(t, len(plan), 3)
	assert.Equal(t, len(plan[0].Commits), 10)
	assert.Equal(t, len(plan[1].Commits), 10)
	assert.Equal(t, len(plan[2].Commits), 5)

	total := 0
	for _, c := range plan {
		total += len(c.Commits)
	}
	assert.Equal(t, total, len(commits))
}

func TestResumePointSkipsAlreadyLooseCommits(t *testing.T) {
	commits := revs(5)
	loose := []types.Revision{commits[0], commits[1], commits[2]}

	got := resumePoint(commits, loose)
	want := commits[3:]
	assert.DeepEqual(t, got, want)
}

func TestResumePointWithNoLooseCommitsReturnsFullChunk(t *testing.T) {
	commits := revs(4)
	got := resumePoint(commits, nil)
	assert.DeepEqual(t, got, commits)
}

func TestResumePointIgnoresOutOfOrderLooseEntries(t *testing.T) {
	commits := revs(6)
	// loose area lists commits[3] and commits[1]; resume should start after
	// the one that appears LATEST in chunk order, i.e. after commits[3].
	loose := []types.Revision{commits[3], commits[1]}

	got := resumePoint(commits, loose)
	want := commits[4:]
	assert.DeepEqual(t, got, want)
}

func TestDriftDetectionFlagsLooseRevisionOutsideChunk(t *testing.T) {
	commits := revs(3)
	foreign := types.Revision(rpad(999))

	listing := types.Listing{Loose: []types.Revision{commits[0], foreign}}
	inChunk := func(r types.Revision) bool {
		for _, c := range commits {
			if c == r {
				return true
			}
		}
		return false
	}

	drifted := false
	for _, r := range listing.Loose {
		if !inChunk(r) {
			drifted = true
		}
	}
	if !drifted {
		t.Fatal("expected drift to be detected when a loose revision falls outside the chunk")
	}
}

func TestDriftDetectionClearWhenLooseSubsetOfChunk(t *testing.T) {
	commits := revs(4)
	listing := types.Listing{Loose: []types.Revision{commits[0], commits[1]}}
	inChunk := func(r types.Revision) bool {
		for _, c := range commits {
			if c == r {
				return true
			}
		}
		return false
	}

	for _, r := range listing.Loose {
		if !inChunk(r) {
			t.Fatalf("unexpected drift for revision %s which is within the chunk", r)
		}
	}
}

func TestPlannerDefaults(t *testing.T) {
	p := &Planner{}
	if p.chunkSize() != DefaultChunkSize {
		t.Fatalf("chunkSize() = %d, want %d", p.chunkSize(), DefaultChunkSize)
	}
	if p.workers() != 1 {
		t.Fatalf("workers() = %d, want 1", p.workers())
	}

	p.ChunkSize = 50
	p.Workers = 8
	if p.chunkSize() != 50 {
		t.Fatalf("chunkSize() = %d, want 50", p.chunkSize())
	}
	if p.workers() != 8 {
		t.Fatalf("workers() = %d, want 8", p.workers())
	}
}
