// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package sylog is the leveled logger used throughout juliapacks. All
// operational messages go through here rather than fmt.Println or the
// stdlib log package directly, so verbosity is controlled in one place.
package sylog

import (
	"log"
	"os"
	"sync"
)

// Level controls which messages are emitted.
type Level int

const (
	FatalLevel Level = iota
	ErrorLevel
	WarnLevel
	InfoLevel
	VerboseLevel
	DebugLevel
)

var (
	mu  sync.Mutex
	lvl = InfoLevel
	out = log.New(os.Stderr, "", log.Ltime)
)

// SetLevel changes the process-wide log level.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	lvl = l
}

func prefix(l Level) string {
	switch l {
	case FatalLevel:
		return "FATAL"
	case ErrorLevel:
		return "ERROR"
	case WarnLevel:
		return "WARNING"
	case InfoLevel:
		return "INFO"
	case VerboseLevel:
		return "VERBOSE"
	case DebugLevel:
		return "DEBUG"
	default:
		return "LOG"
	}
}

func emit(l Level, format string, args ...interface{}) {
	mu.Lock()
	cur := lvl
	mu.Unlock()
	if l > cur {
		return
	}
	out.Printf("%-8s"+format, append([]interface{}{prefix(l) + ":"}, args...)...)
}

// Debugf logs a debug-level message.
func Debugf(format string, args ...interface{}) { emit(DebugLevel, format, args...) }

// Verbosef logs a verbose-level message.
func Verbosef(format string, args ...interface{}) { emit(VerboseLevel, format, args...) }

// Infof logs an info-level message.
func Infof(format string, args ...interface{}) { emit(InfoLevel, format, args...) }

// Warningf logs a warning.
func Warningf(format string, args ...interface{}) { emit(WarnLevel, format, args...) }

// Errorf logs an error without terminating the process.
func Errorf(format string, args ...interface{}) { emit(ErrorLevel, format, args...) }

// Fatalf logs an error and terminates the process.
func Fatalf(format string, args ...interface{}) {
	emit(FatalLevel, format, args...)
	os.Exit(1)
}

// Writer returns an io.Writer-compatible sink for subprocess stderr/stdout
// that should be folded into the log at debug level, labeled with a tag
// (e.g. the commit or pack being built).
func Writer(tag string) *taggedWriter {
	return &taggedWriter{tag: tag}
}

type taggedWriter struct{ tag string }

func (w *taggedWriter) Write(p []byte) (int, error) {
	Debugf("[%s] %s", w.tag, string(p))
	return len(p), nil
}
