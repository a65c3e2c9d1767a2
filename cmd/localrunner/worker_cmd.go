// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"

	"github.com/nya3jp/localrunner/internal/command"
	"github.com/nya3jp/localrunner/internal/logging"
	"github.com/nya3jp/localrunner/internal/workerproc"
	"github.com/nya3jp/localrunner/protocol"
)

// workerCmd implements subcommands.Command for the worker side. It is
// started by the run subcommand and not meant to be run by hand.
type workerCmd struct{}

var _ = subcommands.Command(&workerCmd{})

func (*workerCmd) Name() string     { return "worker" }
func (*workerCmd) Synopsis() string { return "serve as a worker process (internal)" }
func (*workerCmd) Usage() string {
	return `Usage: worker

Description:
    Serves commands of a localrunner parent process. Each spec file is run as
    an executable with the config file as its argument.
`
}

func (*workerCmd) SetFlags(f *flag.FlagSet) {}

func (*workerCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	conn, err := protocol.ConnFromEnv()
	if err != nil {
		logging.Info(ctx, err)
		return subcommands.ExitUsageError
	}
	defer conn.Close()

	// Specs are stopped on the first signal. The runner still gets
	// finishedCommand and can end the session.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	command.InstallSignalHandler(os.Stderr, func(os.Signal) { cancel() })

	if err := workerproc.Serve(ctx, conn, workerproc.Config{}); err != nil {
		logging.Infof(ctx, "Worker failed: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
