// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package genericexec

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"

	"github.com/nya3jp/localrunner/errors"
	"github.com/nya3jp/localrunner/protocol"
)

// ExecCmd represents a local command to execute.
type ExecCmd struct {
	name     string
	baseArgs []string
}

var _ Cmd = &ExecCmd{}

// CommandExec constructs a new ExecCmd representing a local command to execute.
func CommandExec(name string, baseArgs ...string) *ExecCmd {
	return &ExecCmd{
		name:     name,
		baseArgs: baseArgs,
	}
}

// Interact runs a local command asynchronously. See Cmd.Interact for details.
//
// The process receives one end of a unix socket pair as file descriptor
// protocol.ChildIPCFD, announced by protocol.IPCFDEnv.
func (c *ExecCmd) Interact(ctx context.Context, extraArgs, env []string) (p Process, retErr error) {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		if retErr != nil {
			cancel()
		}
	}()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create IPC socket pair")
	}
	parentFile := os.NewFile(uintptr(fds[0]), "ipc-parent")
	childFile := os.NewFile(uintptr(fds[1]), "ipc-child")
	defer childFile.Close()

	ipc, err := net.FileConn(parentFile)
	parentFile.Close()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open IPC socket")
	}
	defer func() {
		if retErr != nil {
			ipc.Close()
		}
	}()

	args := append(append([]string(nil), c.baseArgs...), extraArgs...)
	cmd := exec.CommandContext(ctx, c.name, args...)
	cmd.Env = append(append([]string(nil), env...), fmt.Sprintf("%s=%d", protocol.IPCFDEnv, protocol.ChildIPCFD))
	cmd.ExtraFiles = []*os.File{childFile}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "failed to start %s", c.name)
	}

	return &ExecProcess{
		cmd:    cmd,
		cancel: cancel,
		stdout: stdout,
		stderr: stderr,
		ipc:    ipc,
	}, nil
}

// ExecProcess represents a locally running process.
type ExecProcess struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdout io.ReadCloser
	stderr io.ReadCloser
	ipc    net.Conn
}

var _ Process = &ExecProcess{}

// Pid returns the process ID.
func (p *ExecProcess) Pid() int { return p.cmd.Process.Pid }

// Stdout returns stdout of the process.
func (p *ExecProcess) Stdout() io.ReadCloser { return p.stdout }

// Stderr returns stderr of the process.
func (p *ExecProcess) Stderr() io.ReadCloser { return p.stderr }

// IPC returns the parent end of the IPC socket.
func (p *ExecProcess) IPC() io.ReadWriteCloser { return p.ipc }

// Kill sends SIGKILL to the process tree rooted at the process.
func (p *ExecProcess) Kill() error {
	return KillTree(p.cmd.Process.Pid)
}

// Wait waits for the process to exit. See Process.Wait for details.
func (p *ExecProcess) Wait(ctx context.Context) error {
	exited := make(chan struct{})
	defer close(exited)

	// Cancel the context passed to exec.CommandContext to kill the
	// process.
	go func() {
		select {
		case <-ctx.Done():
		case <-exited:
		}
		p.cancel()
	}()

	err := p.cmd.Wait()
	p.ipc.Close()
	return err
}

// ProcessState returns the os.ProcessState object for the process.
func (p *ExecProcess) ProcessState() *os.ProcessState {
	return p.cmd.ProcessState
}

// KillTree sends SIGKILL to the process pid and all its descendants.
// Descendants are collected before any signal is sent so that reparented
// grandchildren are not missed.
func KillTree(pid int) error {
	procs, err := process.Processes()
	if err != nil {
		return errors.Wrap(err, "failed to list processes")
	}
	children := make(map[int32][]int32)
	for _, proc := range procs {
		ppid, err := proc.Ppid()
		if err != nil {
			continue
		}
		children[ppid] = append(children[ppid], proc.Pid)
	}
	pids := append(descendants(children, int32(pid)), int32(pid))

	var firstErr error
	for _, p := range pids {
		if err := unix.Kill(int(p), unix.SIGKILL); err != nil && err != unix.ESRCH && firstErr == nil {
			firstErr = errors.Wrapf(err, "failed to kill process %d", p)
		}
	}
	return firstErr
}

func descendants(children map[int32][]int32, pid int32) []int32 {
	var pids []int32
	for _, c := range children[pid] {
		pids = append(pids, descendants(children, c)...)
		pids = append(pids, c)
	}
	return pids
}

// ExitCoder is implemented by errors returned by Process.Wait for processes
// that terminated with a status, such as *exec.ExitError.
type ExitCoder interface {
	ExitCode() int
}

// ExitCode extracts the exit code from an error returned by Process.Wait.
// It returns 0 for nil and -1 if the process did not exit normally.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ec ExitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	return -1
}
