// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package genericexec

import (
	"context"
	"io"
)

// Cmd is a common interface abstracting an external command to execute.
type Cmd interface {
	// Interact starts an external command asynchronously.
	//
	// extraArgs is appended to the base arguments passed to the constructor
	// of Cmd. env is the complete environment of the new process, in the
	// form of "key=value". Returned Process can be used to interact with
	// the new subprocess.
	//
	// When ctx is canceled, the subprocess is killed by a signal.
	Interact(ctx context.Context, extraArgs, env []string) (Process, error)
}

// Process is a common interface abstracting a running external process.
type Process interface {
	// Pid returns the process ID.
	Pid() int

	// Stdout returns stdout of the process.
	Stdout() io.ReadCloser

	// Stderr returns stderr of the process.
	Stderr() io.ReadCloser

	// IPC returns the bidirectional message channel to the process.
	IPC() io.ReadWriteCloser

	// Kill sends SIGKILL to the process and all its descendants.
	Kill() error

	// Wait waits for the process to exit.
	//
	// Wait also releases resources associated to the process, so it must
	// be always called when you are done with it.
	//
	// Upon Wait finishes, io.ReadCloser returned by Stdout and Stderr
	// might be closed. This means that it is wrong to call Wait before
	// finishing to read necessary data from stdout/stderr.
	//
	// When ctx is canceled, the subprocess is killed by a signal.
	Wait(ctx context.Context) error
}
