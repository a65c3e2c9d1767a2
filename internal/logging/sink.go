// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package logging

import (
	"io"
	"strings"
	"sync"
	"time"
)

// Sink represents a destination of log lines, e.g. the runner's stderr.
type Sink interface {
	// Log gets called for every line of a log entry.
	Log(line string)
}

// SinkLogger is a Logger that sends logs to a Sink line by line.
//
// Logs often carry output of a worker, such as a stack trace. Every line of a
// multi-line log is sent separately with the same level tag and timestamp, so
// that runner logs stay line-oriented like the tagged worker output next to
// them.
type SinkLogger struct {
	level     Level
	timestamp bool
	sink      Sink
}

// NewSinkLogger creates a new SinkLogger sending logs at level or above to
// sink. If timestamp is true, every line starts with the time of the log.
// Warnings and errors are tagged with their level name.
func NewSinkLogger(level Level, timestamp bool, sink Sink) *SinkLogger {
	return &SinkLogger{level: level, timestamp: timestamp, sink: sink}
}

// Log sends a log to the associated sink.
func (l *SinkLogger) Log(level Level, ts time.Time, msg string) {
	if level < l.level {
		return
	}
	var head string
	if l.timestamp {
		head = ts.UTC().Format("2006-01-02T15:04:05.000000Z ")
	}
	if level >= LevelWarning {
		head += level.String() + ": "
	}
	for _, line := range strings.Split(strings.TrimSuffix(msg, "\n"), "\n") {
		l.sink.Log(head + line)
	}
}

// WriterSink is a Sink writing lines to an io.Writer. Lines are written in
// one call each, so they are never interleaved with each other.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink creates a new WriterSink writing to w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Log writes line to the underlying writer.
func (s *WriterSink) Log(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	io.WriteString(s.w, line+"\n")
}
