// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package loggingtest provides logging utilities for unit tests.
package loggingtest

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nya3jp/localrunner/internal/logging"
)

// Logger is a logging.Logger that accumulates logs to an in-memory buffer.
//
// Logs are not forwarded to t.Log: worker goroutines may still be logging
// when a test function returns.
type Logger struct {
	level logging.Level

	mu   sync.Mutex
	logs []string
}

// NewLogger creates a new Logger recording logs at level or above.
func NewLogger(t *testing.T, level logging.Level) *Logger {
	return &Logger{level: level}
}

// Context returns a background context with a new Logger attached.
func Context(t *testing.T) (context.Context, *Logger) {
	logger := NewLogger(t, logging.LevelDebug)
	return logging.AttachLogger(context.Background(), logger), logger
}

// Log gets called for a log event.
func (l *Logger) Log(level logging.Level, ts time.Time, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level >= l.level {
		l.logs = append(l.logs, level.String()+": "+msg)
	}
}

// Logs returns a list of logs received so far, each prefixed with its level
// name, e.g. "ERROR: worker 0-1 killed".
func (l *Logger) Logs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.logs...)
}

// String returns received logs as a newline-separated string.
func (l *Logger) String() string {
	return strings.Join(l.Logs(), "\n")
}

// Contains reports whether any received log contains substr.
func (l *Logger) Contains(substr string) bool {
	for _, s := range l.Logs() {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
