// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package stream

import (
	"io"
	"sync"
	"sync/atomic"
)

// Events emitted by PassThrough around pipes.
const (
	EventClose  = "close"
	EventDrain  = "drain"
	EventError  = "error"
	EventFinish = "finish"
	EventUnpipe = "unpipe"
)

// pipeEvents are the events a pipe listens to on its destination.
var pipeEvents = []string{EventClose, EventDrain, EventError, EventFinish, EventUnpipe}

// Listener is called when an event is emitted. err is non-nil only for
// EventError.
type Listener func(err error)

// ListenerID identifies a registered listener.
type ListenerID uint64

type listener struct {
	id ListenerID
	fn Listener
}

// PassThrough forwards everything written to it to an underlying writer.
//
// A PassThrough is the destination of many transient pipes over its
// lifetime, typically one per worker process. Every pipe attaches listeners
// for the pipe events; before attaching, a new pipe removes the most
// recently added listener for each pipe event so listeners of finished pipes
// do not pile up. Listeners of other events are never touched.
type PassThrough struct {
	wmu sync.Mutex
	w   io.Writer

	mu        sync.Mutex
	nextID    ListenerID
	listeners map[string][]listener
}

var _ io.Writer = &PassThrough{}

// NewPassThrough returns a PassThrough writing to w.
func NewPassThrough(w io.Writer) *PassThrough {
	return &PassThrough{w: w, listeners: make(map[string][]listener)}
}

// Write forwards p to the underlying writer. Concurrent writes are not
// interleaved.
func (s *PassThrough) Write(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.w.Write(p)
}

// On registers fn to be called on event.
func (s *PassThrough) On(event string, fn Listener) ListenerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.listeners[event] = append(s.listeners[event], listener{id: s.nextID, fn: fn})
	return s.nextID
}

// Off unregisters a listener. Unknown ids are ignored.
func (s *PassThrough) Off(event string, id ListenerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls := s.listeners[event]
	for i, l := range ls {
		if l.id == id {
			s.listeners[event] = append(ls[:i:i], ls[i+1:]...)
			return
		}
	}
}

// ListenerCount returns the number of listeners registered for event.
func (s *PassThrough) ListenerCount(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners[event])
}

// Emit calls listeners registered for event in registration order.
func (s *PassThrough) Emit(event string, err error) {
	s.mu.Lock()
	ls := append([]listener(nil), s.listeners[event]...)
	s.mu.Unlock()

	for _, l := range ls {
		l.fn(err)
	}
}

// Pipe copies src to s until EOF and emits EventUnpipe afterwards.
//
// A read error is emitted as EventError and returned. Emitting EventClose
// while the copy is in progress stops it after the current chunk.
func (s *PassThrough) Pipe(src io.Reader) error {
	var stopped atomic.Bool
	stop := func(error) { stopped.Store(true) }
	noop := func(error) {}

	s.mu.Lock()
	for _, ev := range pipeEvents {
		if ls := s.listeners[ev]; len(ls) > 0 {
			s.listeners[ev] = ls[:len(ls)-1]
		}
	}
	s.mu.Unlock()

	s.On(EventClose, stop)
	s.On(EventDrain, noop)
	s.On(EventError, noop)
	s.On(EventFinish, noop)
	s.On(EventUnpipe, noop)

	buf := make([]byte, 32*1024)
	for !stopped.Load() {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := s.Write(buf[:n]); werr != nil {
				s.Emit(EventError, werr)
				return werr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			s.Emit(EventError, err)
			return err
		}
	}
	s.Emit(EventUnpipe, nil)
	return nil
}
