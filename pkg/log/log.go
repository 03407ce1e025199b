// Copyright 2019 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log is a small per-source leveled logger: named sources, level
// suppression, and a swappable Backend so the embedding controller can
// redirect messages into its own log sink.
package log

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// Level is the log message severity level below which messages are
// suppressed.
type Level int32

const (
	// LevelDebug corresponds to debug messages.
	LevelDebug Level = iota
	// LevelInfo corresponds to informational messages.
	LevelInfo
	// LevelWarn corresponds to warning messages.
	LevelWarn
	// LevelError corresponds to error messages.
	LevelError
)

// Logger is the interface every engine package logs through.
type Logger interface {
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})

	DebugEnabled() bool
	Debug(format string, args ...interface{})
	Block(emit func(string, ...interface{}), prefix, format string, args ...interface{})
	DebugBlock(prefix, format string, args ...interface{})
}

// Backend is an entity that can emit formatted log messages. The
// embedding controller can install its own Backend with SetBackend to
// route engine log output into its logging pipeline.
type Backend interface {
	Enabled(Level) bool
	Info(message string)
	Warn(message string)
	Error(message string)
	Debug(message string)
}

type stderrBackend struct {
	level Level
	debug bool
}

func (s *stderrBackend) Enabled(l Level) bool { return l >= s.level || (l == LevelDebug && s.debug) }
func (s *stderrBackend) Info(m string)        { fmt.Fprintln(os.Stderr, "INFO: "+m) }
func (s *stderrBackend) Warn(m string)        { fmt.Fprintln(os.Stderr, "WARN: "+m) }
func (s *stderrBackend) Error(m string)       { fmt.Fprintln(os.Stderr, "ERROR: "+m) }
func (s *stderrBackend) Debug(m string)       { fmt.Fprintln(os.Stderr, "DEBUG: "+m) }

var (
	mu      sync.Mutex
	backend Backend = &stderrBackend{level: LevelInfo}
	loggers         = map[string]*logger{}
)

// SetBackend installs a new Backend for every existing and future Logger.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	backend = b
}

// SetDebug turns on debug-level output for the default stderr backend.
// A no-op if a custom Backend has been installed.
func SetDebug(on bool) {
	mu.Lock()
	defer mu.Unlock()
	if s, ok := backend.(*stderrBackend); ok {
		s.debug = on
	}
}

type logger struct {
	source string
}

// NewLogger returns the Logger for source, creating it on first use.
func NewLogger(source string) Logger {
	source = strings.Trim(source, "[] ")
	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[source]; ok {
		return l
	}
	l := &logger{source: source}
	loggers[source] = l
	return l
}

func (l *logger) format(format string, args ...interface{}) string {
	return fmt.Sprintf("[%s] ", l.source) + fmt.Sprintf(format, args...)
}

func (l *logger) Info(format string, args ...interface{}) {
	if backend.Enabled(LevelInfo) {
		backend.Info(l.format(format, args...))
	}
}

func (l *logger) Warn(format string, args ...interface{}) {
	if backend.Enabled(LevelWarn) {
		backend.Warn(l.format(format, args...))
	}
}

func (l *logger) Error(format string, args ...interface{}) {
	if backend.Enabled(LevelError) {
		backend.Error(l.format(format, args...))
	}
}

func (l *logger) DebugEnabled() bool {
	return backend.Enabled(LevelDebug)
}

func (l *logger) Debug(format string, args ...interface{}) {
	if backend.Enabled(LevelDebug) {
		backend.Debug(l.format(format, args...))
	}
}

// Block emits a multi-line message through emit, one call per line, each
// prefixed with prefix. Used to dump a row table or bitmap without
// smashing it into a single unreadable line.
func (l *logger) Block(emit func(string, ...interface{}), prefix, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	for _, line := range strings.Split(msg, "\n") {
		emit("%s%s", prefix, line)
	}
}

func (l *logger) DebugBlock(prefix, format string, args ...interface{}) {
	if !l.DebugEnabled() {
		return
	}
	l.Block(l.Debug, prefix, format, args...)
}
