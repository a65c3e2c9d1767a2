// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package protocol

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/nya3jp/localrunner/errors"
)

// IPCFDEnv is the environment variable telling a worker process which file
// descriptor carries the IPC channel.
const IPCFDEnv = "LOCALRUNNER_IPC_FD"

// ChildIPCFD is the file descriptor number of the IPC channel in workers.
const ChildIPCFD = 3

// ErrMalformedMessage is returned by Conn.Recv for a line that is not a valid
// message. The connection stays usable.
var ErrMalformedMessage = errors.New("malformed message")

// maxMessageSize bounds a single encoded message.
const maxMessageSize = 16 << 20

// Conn sends and receives newline-delimited JSON messages.
//
// Send may be called concurrently from multiple goroutines. Recv must be
// called from a single goroutine.
type Conn struct {
	rwc io.ReadWriteCloser
	sc  *bufio.Scanner

	mu  sync.Mutex // protects enc
	enc *json.Encoder
}

// NewConn returns a Conn communicating over rwc.
func NewConn(rwc io.ReadWriteCloser) *Conn {
	sc := bufio.NewScanner(rwc)
	sc.Buffer(make([]byte, 64*1024), maxMessageSize)
	return &Conn{rwc: rwc, sc: sc, enc: json.NewEncoder(rwc)}
}

// ConnFromEnv returns the IPC channel passed to the current process by the
// runner. It is meant to be called by worker processes.
func ConnFromEnv() (*Conn, error) {
	s := os.Getenv(IPCFDEnv)
	if s == "" {
		return nil, errors.Errorf("%s is not set; not running as a worker", IPCFDEnv)
	}
	fd, err := strconv.Atoi(s)
	if err != nil {
		return nil, errors.Wrapf(err, "malformed %s", IPCFDEnv)
	}
	// Keep the channel away from processes the worker spawns itself.
	unix.CloseOnExec(fd)
	return NewConn(os.NewFile(uintptr(fd), "ipc")), nil
}

// Send writes msg to the channel.
func (c *Conn) Send(msg *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enc.Encode(msg); err != nil {
		return errors.Wrapf(err, "failed to send %q", msg.Name)
	}
	return nil
}

// Recv reads the next message from the channel. It returns io.EOF once the
// peer has closed the channel. Blank lines are skipped.
func (c *Conn) Recv() (*Message, error) {
	for c.sc.Scan() {
		line := c.sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, errors.Wrapf(ErrMalformedMessage, "%q: %v", string(line), err)
		}
		return &msg, nil
	}
	if err := c.sc.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Close closes the underlying channel.
func (c *Conn) Close() error {
	return c.rwc.Close()
}
