// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package fakeexec

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nya3jp/localrunner/errors"
	"github.com/nya3jp/localrunner/internal/genericexec"
	"github.com/nya3jp/localrunner/protocol"
)

// Cmd is a genericexec.Cmd starting in-memory fake processes. Unit tests
// play the worker side through the returned Process values.
type Cmd struct {
	// StartErr, if set, is returned by Interact.
	StartErr error

	started chan *Process
	nextPid atomic.Int32

	mu    sync.Mutex
	procs []*Process
}

var _ genericexec.Cmd = &Cmd{}

// NewCmd returns a new Cmd.
func NewCmd() *Cmd {
	return &Cmd{started: make(chan *Process, 100)}
}

// Interact starts a fake process.
func (c *Cmd) Interact(ctx context.Context, extraArgs, env []string) (genericexec.Process, error) {
	if c.StartErr != nil {
		return nil, c.StartErr
	}
	p := newProcess(int(c.nextPid.Add(1))+1000, extraArgs, env)
	c.mu.Lock()
	c.procs = append(c.procs, p)
	c.mu.Unlock()
	c.started <- p
	return p, nil
}

// Processes returns all processes started so far.
func (c *Cmd) Processes() []*Process {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Process(nil), c.procs...)
}

// WaitStarted waits for the next process to start.
func (c *Cmd) WaitStarted(ctx context.Context) (*Process, error) {
	select {
	case p := <-c.started:
		return p, nil
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "no process started")
	}
}

// ExitError is returned by Process.Wait for a non-zero exit code.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("exit status %d", e.Code) }

// ExitCode returns the exit code.
func (e *ExitError) ExitCode() int { return e.Code }

// Process is a fake worker process.
type Process struct {
	// Args and Env are the arguments and environment passed to Interact.
	Args []string
	Env  []string

	pid      int
	stdoutR  *io.PipeReader
	stdoutW  *io.PipeWriter
	stderrR  *io.PipeReader
	stderrW  *io.PipeWriter
	ipc      net.Conn
	conn     *protocol.Conn
	received chan *protocol.Message
	killed   atomic.Bool
	exitOnce sync.Once
	exited   chan struct{}
	exitCode int
}

var _ genericexec.Process = &Process{}

func newProcess(pid int, args, env []string) *Process {
	parent, child := net.Pipe()
	p := &Process{
		Args:     args,
		Env:      env,
		pid:      pid,
		ipc:      parent,
		conn:     protocol.NewConn(child),
		received: make(chan *protocol.Message, 100),
		exited:   make(chan struct{}),
	}
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	go func() {
		defer close(p.received)
		for {
			msg, err := p.conn.Recv()
			if err != nil {
				return
			}
			p.received <- msg
		}
	}()
	return p
}

// Pid returns the fake process ID.
func (p *Process) Pid() int { return p.pid }

// Stdout returns stdout of the process.
func (p *Process) Stdout() io.ReadCloser { return p.stdoutR }

// Stderr returns stderr of the process.
func (p *Process) Stderr() io.ReadCloser { return p.stderrR }

// IPC returns the runner side of the IPC channel.
func (p *Process) IPC() io.ReadWriteCloser { return p.ipc }

// Kill records the kill and makes the process exit with -1.
func (p *Process) Kill() error {
	p.killed.Store(true)
	p.Exit(-1)
	return nil
}

// Killed reports whether Kill was called.
func (p *Process) Killed() bool { return p.killed.Load() }

// Wait waits for Exit or Kill.
func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.exited:
	case <-ctx.Done():
		p.Kill()
	}
	if p.exitCode != 0 {
		return &ExitError{Code: p.exitCode}
	}
	return nil
}

// Exit closes the streams of the process and makes Wait return code.
// Calls after the first are ignored.
func (p *Process) Exit(code int) {
	p.exitOnce.Do(func() {
		p.exitCode = code
		p.stdoutW.Close()
		p.stderrW.Close()
		p.conn.Close()
		close(p.exited)
	})
}

// Send sends a message from the process to the runner.
func (p *Process) Send(origin protocol.Origin, name string, content interface{}) error {
	msg, err := protocol.NewMessage(origin, name, content)
	if err != nil {
		return err
	}
	return p.conn.Send(msg)
}

// SendMessage sends msg from the process to the runner.
func (p *Process) SendMessage(msg *protocol.Message) error {
	return p.conn.Send(msg)
}

// WriteStdout writes s to stdout of the process.
func (p *Process) WriteStdout(s string) error {
	_, err := io.WriteString(p.stdoutW, s)
	return err
}

// WriteStderr writes s to stderr of the process.
func (p *Process) WriteStderr(s string) error {
	_, err := io.WriteString(p.stderrW, s)
	return err
}

// Receive waits up to timeout for the next message the runner sent to the
// process.
func (p *Process) Receive(timeout time.Duration) (*protocol.Message, error) {
	select {
	case msg, ok := <-p.received:
		if !ok {
			return nil, errors.New("IPC channel closed")
		}
		return msg, nil
	case <-time.After(timeout):
		return nil, errors.Errorf("no message within %v", timeout)
	}
}

// Pending returns messages already received without waiting.
func (p *Process) Pending() []*protocol.Message {
	var msgs []*protocol.Message
	for {
		select {
		case msg, ok := <-p.received:
			if !ok {
				return msgs
			}
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}
