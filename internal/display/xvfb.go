// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package display

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nya3jp/localrunner/errors"
	"github.com/nya3jp/localrunner/internal/logging"
	"github.com/nya3jp/localrunner/internal/shutil"
)

const (
	defaultXvfbPath    = "Xvfb"
	defaultSocketDir   = "/tmp/.X11-unix"
	defaultFirstNumber = 99
	defaultStartTime   = 10 * time.Second
)

// Xvfb is a Display backed by an Xvfb server.
//
// The server is ready once its socket X<N> appears in SocketDir.
type Xvfb struct {
	// Path is the Xvfb executable. Defaults to "Xvfb" in PATH.
	Path string
	// Args are extra arguments passed after the display number.
	Args []string
	// SocketDir is the directory where X servers create their sockets.
	SocketDir string
	// FirstNumber is the first display number tried.
	FirstNumber int
	// StartTimeout bounds the wait for the socket.
	StartTimeout time.Duration

	mu  sync.Mutex
	cmd *exec.Cmd
}

var _ Display = &Xvfb{}

func (x *Xvfb) path() string {
	if x.Path != "" {
		return x.Path
	}
	return defaultXvfbPath
}

func (x *Xvfb) socketDir() string {
	if x.SocketDir != "" {
		return x.SocketDir
	}
	return defaultSocketDir
}

func (x *Xvfb) args() []string {
	if x.Args != nil {
		return x.Args
	}
	return []string{"-screen", "0", "1920x1080x24", "-nolisten", "tcp", "-ac"}
}

// freeNumber returns the first display number without a socket.
func (x *Xvfb) freeNumber() int {
	n := x.FirstNumber
	if n == 0 {
		n = defaultFirstNumber
	}
	for ; ; n++ {
		if _, err := os.Stat(filepath.Join(x.socketDir(), fmt.Sprintf("X%d", n))); os.IsNotExist(err) {
			return n
		}
	}
}

// Start starts Xvfb and waits until it accepts connections.
func (x *Xvfb) Start(ctx context.Context) (string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.cmd != nil {
		return "", errors.New("Xvfb already started")
	}

	dir := x.socketDir()
	if err := os.MkdirAll(dir, 01777); err != nil {
		return "", errors.Wrapf(err, "failed to create %s", dir)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return "", errors.Wrap(err, "failed to create file watcher")
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return "", errors.Wrapf(err, "failed to watch %s", dir)
	}

	num := x.freeNumber()
	display := fmt.Sprintf(":%d", num)
	socket := filepath.Join(dir, fmt.Sprintf("X%d", num))

	args := append([]string{display}, x.args()...)
	cmd := exec.Command(x.path(), args...)
	logging.Debug(ctx, "Running ", shutil.CommandLine(nil, cmd.Path, args...))
	if err := cmd.Start(); err != nil {
		return "", errors.Wrapf(err, "failed to start %s", x.path())
	}
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	fail := func(err error) (string, error) {
		cmd.Process.Kill()
		<-exited
		return "", err
	}

	timeout := x.StartTimeout
	if timeout == 0 {
		timeout = defaultStartTime
	}
	tm := time.NewTimer(timeout)
	defer tm.Stop()

	// The socket may have appeared before the watch took effect.
	ready := func() bool {
		_, err := os.Stat(socket)
		return err == nil
	}
	for !ready() {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return fail(errors.New("file watcher closed"))
			}
			if ev.Name != socket || !ev.Has(fsnotify.Create) {
				continue
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return fail(errors.New("file watcher closed"))
			}
			return fail(errors.Wrap(err, "file watcher failed"))
		case err := <-exited:
			return "", errors.Errorf("%s exited before opening %s: %v", x.path(), display, err)
		case <-tm.C:
			return fail(errors.Errorf("%s did not open %s within %v", x.path(), display, timeout))
		case <-ctx.Done():
			return fail(ctx.Err())
		}
	}

	x.cmd = cmd
	go func() {
		// Reap the server once it exits.
		<-exited
	}()
	return display, nil
}

// Stop kills the Xvfb server.
func (x *Xvfb) Stop() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.cmd == nil {
		return nil
	}
	err := x.cmd.Process.Kill()
	x.cmd = nil
	if err != nil && err != os.ErrProcessDone {
		return errors.Wrap(err, "failed to stop Xvfb")
	}
	return nil
}
