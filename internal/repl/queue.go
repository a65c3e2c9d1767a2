// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package repl

import (
	"context"
	"sync"

	"github.com/nya3jp/localrunner/internal/logging"
	"github.com/nya3jp/localrunner/protocol"
)

// Session is a request for a debug session from a worker.
type Session struct {
	// CID is the id of the worker.
	CID string
	// Sender delivers messages to the worker.
	Sender Sender
	// OnStart is called with the Repl of the session before it reads input.
	OnStart func(r *Repl)
	// OnEnd is called after the session ended and the worker was told to
	// stop debugging.
	OnEnd func()
}

// Queue runs debug sessions one at a time in FIFO order.
type Queue struct {
	cfg Config

	mu       sync.Mutex
	sessions []*Session
	running  bool
}

// NewQueue returns a Queue whose sessions share cfg.
func NewQueue(cfg Config) *Queue {
	return &Queue{cfg: cfg.withDefaults()}
}

// Add appends s to the queue. It does not start it; call Next.
func (q *Queue) Add(s *Session) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sessions = append(q.sessions, s)
}

// Len returns the number of sessions waiting to start.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.sessions)
}

// Running reports whether a session is in progress.
func (q *Queue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Next starts draining the queue in the background. It does nothing if a
// session is already running or the queue is empty.
func (q *Queue) Next(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running || len(q.sessions) == 0 {
		return
	}
	q.running = true
	go q.drain(ctx)
}

// drain runs queued sessions until the queue is empty.
func (q *Queue) drain(ctx context.Context) {
	for {
		q.mu.Lock()
		if len(q.sessions) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		s := q.sessions[0]
		q.sessions = q.sessions[1:]
		q.mu.Unlock()

		q.run(ctx, s)
	}
}

// run runs a single session. ctx may belong to another worker, so the log
// prefix is reset to the session's own cid.
func (q *Queue) run(ctx context.Context, s *Session) {
	ctx = logging.SetLogPrefix(ctx, "["+s.CID+"] ")
	r := New(s.CID, s.Sender, q.cfg)
	if s.OnStart != nil {
		s.OnStart(r)
	}
	logging.Infof(ctx, "Debug session of %s started", s.CID)
	if err := r.Run(ctx); err != nil {
		logging.Infof(ctx, "Debug session of %s aborted: %v", s.CID, err)
	}
	r.Close()

	stop := &protocol.Message{Origin: protocol.OriginDebugger, Name: protocol.NameStop}
	if err := s.Sender.Send(stop); err != nil {
		logging.Infof(ctx, "Failed to stop debugging %s: %v", s.CID, err)
	}
	if s.OnEnd != nil {
		s.OnEnd()
	}
}
