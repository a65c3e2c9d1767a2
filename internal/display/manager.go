// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package display manages the virtual display shared by worker processes
// that drive GUI browsers on headless hosts.
package display

import (
	"context"
	"sync"

	"github.com/nya3jp/localrunner/errors"
	"github.com/nya3jp/localrunner/internal/logging"
)

// Display is an off-screen display server.
type Display interface {
	// Start starts the display server and returns the value of the DISPLAY
	// environment variable to connect to it.
	Start(ctx context.Context) (string, error)
	// Stop stops the display server.
	Stop() error
}

// State is the initialization state of a Manager.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Manager initializes a Display at most once.
//
// Concurrent callers of Init share a single initialization. Both success and
// failure are final: a failed display is never started again.
type Manager struct {
	disp Display

	mu    sync.Mutex
	state State
	done  chan struct{} // closed when state leaves StateInitializing
	value string
	err   error
}

// NewManager returns a Manager for disp.
func NewManager(disp Display) *Manager {
	return &Manager{disp: disp}
}

// Init starts the display unless it has been started or attempted before,
// and returns the DISPLAY value. If another call is initializing the display,
// Init waits for it to finish.
func (m *Manager) Init(ctx context.Context) (string, error) {
	m.mu.Lock()
	switch m.state {
	case StateReady, StateFailed:
		defer m.mu.Unlock()
		return m.value, m.err
	case StateInitializing:
		done := m.done
		m.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.value, m.err
	}

	m.state = StateInitializing
	m.done = make(chan struct{})
	m.mu.Unlock()

	logging.Info(ctx, "Starting virtual display")
	value, err := m.disp.Start(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.state = StateFailed
		m.err = errors.Wrap(err, "virtual display failed to start")
		logging.Warningf(ctx, "Virtual display is unavailable: %v", err)
	} else {
		m.state = StateReady
		m.value = value
		logging.Infof(ctx, "Virtual display ready at %s", value)
	}
	close(m.done)
	return m.value, m.err
}

// State returns the current initialization state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Value returns the DISPLAY value if the display is ready, or an empty
// string otherwise.
func (m *Manager) Value() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateReady {
		return ""
	}
	return m.value
}

// Close stops the display if it is running. The Manager is not reusable
// afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateReady {
		return nil
	}
	m.state = StateFailed
	m.err = errors.New("virtual display closed")
	m.value = ""
	return m.disp.Stop()
}
