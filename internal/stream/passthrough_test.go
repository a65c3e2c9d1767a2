// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package stream_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/google/go-cmp/cmp"

	"github.com/nya3jp/localrunner/internal/stream"
)

var pipeEvents = []string{
	stream.EventClose,
	stream.EventDrain,
	stream.EventError,
	stream.EventFinish,
	stream.EventUnpipe,
}

func listenerCounts(s *stream.PassThrough, events ...string) map[string]int {
	counts := make(map[string]int)
	for _, ev := range events {
		counts[ev] = s.ListenerCount(ev)
	}
	return counts
}

func TestPassThroughPipe(t *testing.T) {
	var buf bytes.Buffer
	s := stream.NewPassThrough(&buf)

	for _, src := range []string{"[0-0] a\n", "[0-1] b\n", "[0-2] c\n"} {
		if err := s.Pipe(strings.NewReader(src)); err != nil {
			t.Fatalf("Pipe(%q) failed: %v", src, err)
		}
	}

	if got, want := buf.String(), "[0-0] a\n[0-1] b\n[0-2] c\n"; got != want {
		t.Errorf("Output mismatch: got %q, want %q", got, want)
	}
}

func TestPassThroughRepipeKeepsListenerCounts(t *testing.T) {
	s := stream.NewPassThrough(&bytes.Buffer{})

	if err := s.Pipe(strings.NewReader("first\n")); err != nil {
		t.Fatal("Pipe failed: ", err)
	}
	want := listenerCounts(s, pipeEvents...)

	for i := 0; i < 10; i++ {
		if err := s.Pipe(strings.NewReader("again\n")); err != nil {
			t.Fatal("Pipe failed: ", err)
		}
	}
	if diff := cmp.Diff(listenerCounts(s, pipeEvents...), want); diff != "" {
		t.Errorf("Listener counts changed after re-piping (-got +want):\n%s", diff)
	}
	for _, ev := range pipeEvents {
		if n := s.ListenerCount(ev); n != 1 {
			t.Errorf("ListenerCount(%q) = %d; want 1", ev, n)
		}
	}
}

func TestPassThroughPipeKeepsOtherListeners(t *testing.T) {
	s := stream.NewPassThrough(&bytes.Buffer{})

	var calls int
	s.On("log", func(error) { calls++ })
	s.On("log", func(error) { calls++ })

	for i := 0; i < 3; i++ {
		if err := s.Pipe(strings.NewReader("x\n")); err != nil {
			t.Fatal("Pipe failed: ", err)
		}
	}

	if n := s.ListenerCount("log"); n != 2 {
		t.Errorf("ListenerCount(log) = %d; want 2", n)
	}
	s.Emit("log", nil)
	if calls != 2 {
		t.Errorf("log listeners called %d times; want 2", calls)
	}
}

func TestPassThroughPipeRemovesMostRecentListener(t *testing.T) {
	s := stream.NewPassThrough(&bytes.Buffer{})

	var called []string
	s.On(stream.EventUnpipe, func(error) { called = append(called, "old") })
	s.On(stream.EventUnpipe, func(error) { called = append(called, "recent") })

	if err := s.Pipe(strings.NewReader("x\n")); err != nil {
		t.Fatal("Pipe failed: ", err)
	}

	// The pipe replaced "recent" with its own listener; "old" stays.
	if diff := cmp.Diff(called, []string{"old"}); diff != "" {
		t.Errorf("Called unpipe listeners mismatch (-got +want):\n%s", diff)
	}
	if n := s.ListenerCount(stream.EventUnpipe); n != 2 {
		t.Errorf("ListenerCount(unpipe) = %d; want 2", n)
	}
}

func TestPassThroughOff(t *testing.T) {
	s := stream.NewPassThrough(&bytes.Buffer{})
	id := s.On("custom", func(error) {})
	s.On("custom", func(error) {})

	s.Off("custom", id)
	s.Off("custom", id)
	if n := s.ListenerCount("custom"); n != 1 {
		t.Errorf("ListenerCount(custom) = %d; want 1", n)
	}
}

func TestPassThroughPipeReadError(t *testing.T) {
	s := stream.NewPassThrough(&bytes.Buffer{})

	var got error
	wantErr := errors.New("broken source")
	s.On(stream.EventError, func(err error) { got = err })

	if err := s.Pipe(iotest.ErrReader(wantErr)); err != wantErr {
		t.Errorf("Pipe returned %v; want %v", err, wantErr)
	}
	// The pipe's own error listener replaced the one registered above.
	if got != nil {
		t.Errorf("Replaced error listener was called with %v", got)
	}
}
