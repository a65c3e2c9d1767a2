// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package command contains code shared by executables.
package command

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/pprof"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"

	"github.com/nya3jp/localrunner/errors"
)

var selfName = filepath.Base(os.Args[0])

// InstallSignalHandler installs a handler of SIGINT and SIGTERM. out is the
// output stream to write messages to (typically stderr).
//
// If callback is nil, the first signal terminates child processes and exits.
// Otherwise the first signal only calls callback, which is expected to wind
// down the program, and a second signal terminates child processes and exits.
func InstallSignalHandler(out io.Writer, callback func(sig os.Signal)) {
	ch := make(chan os.Signal, 2)
	go func() {
		sig := <-ch
		if callback != nil {
			fmt.Fprintf(out, "\n%s: Caught %v signal; shutting down (repeat to exit now)\n", selfName, sig)
			callback(sig)
			sig = <-ch
		}
		fmt.Fprintf(out, "\n%s: Caught %v signal; exiting\n", selfName, sig)
		if sig == unix.SIGTERM {
			dumpGoroutines(out)
		}
		if err := TerminateChildren(); err != nil {
			fmt.Fprintf(out, "Failed to terminate subprocesses: %v\n", err)
		}
		os.Exit(1)
	}()
	signal.Notify(ch, unix.SIGINT, unix.SIGTERM)
}

func dumpGoroutines(out io.Writer) {
	// SIGTERM is often sent by the parent process on timeout. In this
	// case, print stack traces to help debugging.
	fmt.Fprintf(out, "\n%s: Dumping all goroutines...\n\n", selfName)
	if p := pprof.Lookup("goroutine"); p != nil {
		p.WriteTo(out, 2)
	}
	fmt.Fprintf(out, "\n%s: Finished dumping goroutines\n", selfName)
}

// TerminateChildren sends SIGTERM to all direct child processes, which
// include worker processes. Worker processes forward it to their own
// children in turn.
func TerminateChildren() error {
	procs, err := process.Processes()
	if err != nil {
		return errors.Wrap(err, "failed to list processes")
	}
	selfPid := int32(os.Getpid())
	for _, proc := range procs {
		ppid, err := proc.Ppid()
		if err != nil {
			continue
		}
		if ppid == selfPid {
			proc.Terminate()
		}
	}
	return nil
}
