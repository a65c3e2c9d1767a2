// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package worker

import (
	"github.com/nya3jp/localrunner/protocol"
)

// State is the lifecycle state of a Worker.
type State int

const (
	// StateIdle means the worker accepts a command. A worker is idle before
	// its process is spawned, and after its process finished a command.
	StateIdle State = iota
	// StateStarting means the process was spawned but has not reported
	// ready yet.
	StateStarting
	// StateBusy means a command is outstanding.
	StateBusy
	// StateExited means the process exited.
	StateExited
	// StateKilled means the process was forcibly terminated.
	StateKilled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateBusy:
		return "busy"
	case StateExited:
		return "exited"
	case StateKilled:
		return "killed"
	default:
		return "unknown"
	}
}

// EventKind is the kind of an Event.
type EventKind int

const (
	// EventMessage carries a message received from the worker process.
	EventMessage EventKind = iota
	// EventExit reports that the worker process exited.
	EventExit
	// EventError reports a failure of the worker, such as a spawn failure.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventExit:
		return "exit"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// ExitInfo describes a terminated worker process.
type ExitInfo struct {
	ExitCode int
	Retries  int
	Specs    []string
}

// Event is emitted by a Worker to the runner.
type Event struct {
	Kind EventKind
	// CID is the id of the worker that emitted the event.
	CID string
	// Message is set for EventMessage. Its CID field equals CID.
	Message *protocol.Message
	// Exit is set for EventExit.
	Exit *ExitInfo
	// Err is set for EventError.
	Err error
}
