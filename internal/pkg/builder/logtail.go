// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package builder

import (
	"strings"
	"sync"
)

// LogTail is an io.Writer that keeps only the last n lines written to it,
// for attaching a bounded log excerpt to a BuildFailure (spec §4.5, §7).
type LogTail struct {
	n       int
	mu      sync.Mutex
	lines   []string
	partial string
}

// NewLogTail returns a LogTail retaining at most n lines.
func NewLogTail(n int) *LogTail {
	return &LogTail{n: n}
}

func (t *LogTail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.partial += string(p)
	for {
		i := strings.IndexByte(t.partial, '\n')
		if i < 0 {
			break
		}
		t.append(t.partial[:i])
		t.partial = t.partial[i+1:]
	}
	return len(p), nil
}

func (t *LogTail) append(line string) {
	t.lines = append(t.lines, line)
	if len(t.lines) > t.n {
		t.lines = t.lines[len(t.lines)-t.n:]
	}
}

// Flush retains whatever partial, newline-less line remains buffered.
// Call it once after the writer producing input has closed.
func (t *LogTail) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.partial != "" {
		t.append(t.partial)
		t.partial = ""
	}
}

// String joins the retained lines back into a single block of text.
func (t *LogTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
