// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package stream

import (
	"bytes"
	"io"
	"strings"
)

// controlMarkers are emitted by the debug bridge of workers and never shown
// to users.
var controlMarkers = []string{
	"Debugger listening on",
	"Debugger attached",
	"Waiting for the debugger",
}

// IsControlMarker reports whether line carries a debug bridge control marker.
func IsControlMarker(line string) bool {
	for _, m := range controlMarkers {
		if strings.Contains(line, m) {
			return true
		}
	}
	return false
}

// Transform tags every line written to it with a worker id.
//
// Bytes written to a Transform are split into lines. Each complete line is
// made readable from the Transform as "[cid] line\n", except lines carrying a
// control marker, which are dropped. A trailing partial line is held back
// until its newline arrives or Close is called.
//
// Write blocks until the tagged output has been read, like io.Pipe. Write and
// Close must not be called concurrently.
type Transform struct {
	prefix []byte
	pr     *io.PipeReader
	pw     *io.PipeWriter
	buf    []byte
}

var _ io.ReadWriteCloser = &Transform{}

// NewTransform returns a Transform tagging lines with cid.
func NewTransform(cid string) *Transform {
	pr, pw := io.Pipe()
	return &Transform{
		prefix: []byte("[" + cid + "] "),
		pr:     pr,
		pw:     pw,
	}
}

// Write buffers p and emits every line completed by it.
func (t *Transform) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)

	var out bytes.Buffer
	for {
		i := bytes.IndexByte(t.buf, '\n')
		if i < 0 {
			break
		}
		t.appendLine(&out, t.buf[:i])
		t.buf = t.buf[i+1:]
	}
	// Drop the consumed prefix so the buffer does not grow without bound.
	t.buf = append([]byte(nil), t.buf...)

	if out.Len() > 0 {
		if _, err := t.pw.Write(out.Bytes()); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (t *Transform) appendLine(out *bytes.Buffer, line []byte) {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	if IsControlMarker(string(line)) {
		return
	}
	out.Write(t.prefix)
	out.Write(line)
	out.WriteByte('\n')
}

// Read reads tagged output.
func (t *Transform) Read(p []byte) (int, error) {
	return t.pr.Read(p)
}

// Close flushes the buffered partial line, if any, as a final line and
// signals EOF to readers.
func (t *Transform) Close() error {
	if len(t.buf) > 0 {
		var out bytes.Buffer
		t.appendLine(&out, t.buf)
		t.buf = nil
		if out.Len() > 0 {
			if _, err := t.pw.Write(out.Bytes()); err != nil {
				t.pw.CloseWithError(err)
				return err
			}
		}
	}
	return t.pw.Close()
}
