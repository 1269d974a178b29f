// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package builder

import (
	"fmt"
	"strings"
	"testing"
)

func TestLogTailKeepsOnlyLastNLines(t *testing.T) {
	tail := NewLogTail(3)
	for i := 1; i <= 10; i++ {
		fmt.Fprintf(tail, "line %d\n", i)
	}
	got := tail.String()
	want := "line 8\nline 9\nline 10"
	if got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestLogTailFlushRetainsPartialLine(t *testing.T) {
	tail := NewLogTail(5)
	fmt.Fprint(tail, "line 1\nline 2\nno newline yet")
	if got := tail.String(); got != "line 1\nline 2" {
		t.Fatalf("before Flush: String() = %q", got)
	}
	tail.Flush()
	if got := tail.String(); got != "line 1\nline 2\nno newline yet" {
		t.Fatalf("after Flush: String() = %q", got)
	}
}

func TestLogTailHandlesChunkedWrites(t *testing.T) {
	tail := NewLogTail(100)
	chunks := []string{"foo", "bar\nbaz", "\nqux\n"}
	for _, c := range chunks {
		if _, err := tail.Write([]byte(c)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	tail.Flush()
	want := strings.Join([]string{"foobar", "baz", "qux"}, "\n")
	if got := tail.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}
