// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/google/subcommands"

	"github.com/nya3jp/localrunner/errors"
	"github.com/nya3jp/localrunner/internal/command"
	"github.com/nya3jp/localrunner/internal/logging"
	"github.com/nya3jp/localrunner/internal/repl"
	"github.com/nya3jp/localrunner/internal/xcontext"
	"github.com/nya3jp/localrunner/protocol"
	"github.com/nya3jp/localrunner/runner"
	"github.com/nya3jp/localrunner/worker"
)

// runCmd implements subcommands.Command to support running specs.
type runCmd struct {
	configPath string            // runner config file
	wdioConfig string            // config file passed to workers
	browser    string            // browserName capability
	retries    int               // retries passed to workers
	outputDir  string            // overrides Config.OutputDir
	xvfbArgs   []string          // overrides Config.XvfbArgs
	env        map[string]string // added to Config.Env
	debug      bool              // read debug session input from stdin
	timeout    time.Duration     // overall timeout; 0 if no timeout
}

var _ = subcommands.Command(&runCmd{})

func newRunCmd() *runCmd {
	return &runCmd{env: make(map[string]string)}
}

func (*runCmd) Name() string     { return "run" }
func (*runCmd) Synopsis() string { return "run specs in worker processes" }
func (*runCmd) Usage() string {
	return `Usage: run [flag]... <spec>...

Description:
    Runs each spec in its own worker process and ends all sessions once every
    spec has finished. Exits with 0 if all specs passed.

Flag:
`
}

func (r *runCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.configPath, "config", "", "YAML file configuring the runner")
	f.StringVar(&r.wdioConfig, "wdioconfig", "", "config file passed to workers")
	f.StringVar(&r.browser, "browser", "", "browserName capability")
	f.IntVar(&r.retries, "retries", 0, "number of retries of failed specs")
	f.StringVar(&r.outputDir, "outputdir", "", "directory of worker log files")
	f.Var(command.NewListFlag(" ", func(v []string) { r.xvfbArgs = v }, nil), "xvfbargs", "space-separated extra arguments of Xvfb")
	env := command.RepeatedFlag(func(v string) error {
		k, val, ok := strings.Cut(v, "=")
		if !ok {
			return errors.Errorf("%q is not KEY=VALUE", v)
		}
		r.env[k] = val
		return nil
	})
	f.Var(&env, "env", "KEY=VALUE environment variable of workers (can be repeated)")
	f.BoolVar(&r.debug, "debug", false, "read debug session input from stdin")
	f.Var(command.NewDurationFlag(time.Second, &r.timeout, 0), "timeout", "run timeout in seconds")
}

// loadConfig returns the runner config with flags applied.
func (r *runCmd) loadConfig() (*runner.Config, error) {
	cfg := runner.DefaultConfig()
	if r.configPath != "" {
		var err error
		if cfg, err = runner.LoadConfig(r.configPath); err != nil {
			return nil, err
		}
	}
	if r.outputDir != "" {
		cfg.OutputDir = r.outputDir
	}
	if r.xvfbArgs != nil {
		cfg.XvfbArgs = r.xvfbArgs
	}
	if len(r.env) > 0 && cfg.Env == nil {
		cfg.Env = make(map[string]string)
	}
	for k, v := range r.env {
		cfg.Env[k] = v
	}
	return cfg, cfg.Validate()
}

func (r *runCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if r.timeout > 0 {
		var cancel xcontext.CancelFunc
		ctx, cancel = xcontext.WithTimeout(ctx, clock.NewClock(), r.timeout, errors.Errorf("%v: global timeout reached (%v)", context.DeadlineExceeded, r.timeout))
		defer cancel(context.Canceled)
	}

	if len(f.Args()) == 0 {
		logging.Info(ctx, "Missing specs.\n\n"+r.Usage())
		return subcommands.ExitUsageError
	}
	cfg, err := r.loadConfig()
	if err != nil {
		logging.Info(ctx, "Bad config: ", err)
		return subcommands.ExitUsageError
	}
	if cfg.OutputDir != "" {
		if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
			logging.Info(ctx, err)
			return subcommands.ExitFailure
		}
	}

	var opts []runner.Option
	if r.debug {
		opts = append(opts, runner.WithDebugInput(repl.LineInput(os.Stdin)))
	}
	lr := runner.New(cfg, opts...)

	var caps map[string]interface{}
	if r.browser != "" {
		caps = map[string]interface{}{"browserName": r.browser}
	}
	var reqs []*runner.RunRequest
	for i, spec := range f.Args() {
		if abs, err := filepath.Abs(spec); err == nil {
			spec = abs
		}
		reqs = append(reqs, &runner.RunRequest{
			CID:          fmt.Sprintf("0-%d", i),
			Command:      protocol.NameRun,
			ConfigFile:   r.wdioConfig,
			Capabilities: caps,
			Specs:        []string{spec},
			Retries:      r.retries,
		})
	}

	// The first signal stops waiting for specs; workers still get endSession.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	command.InstallSignalHandler(os.Stderr, func(os.Signal) { cancel() })

	if !runAll(ctx, lr, reqs, time.Duration(cfg.ShutdownTimeout)) {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// runAll runs reqs, waits for them to finish and shuts lr down. It returns
// true if all specs passed.
//
// The shutdown sequence runs even if ctx is canceled, so that workers are
// told to end their sessions before they are terminated.
func runAll(ctx context.Context, lr *runner.LocalRunner, reqs []*runner.RunRequest, exitTimeout time.Duration) bool {
	var cids []string
	for _, req := range reqs {
		cids = append(cids, req.CID)
		lr.Run(ctx, req)
	}

	passed := waitFinished(ctx, lr, cids)

	var alive []string
	for _, cid := range cids {
		if w := lr.Worker(cid); w != nil && w.HasProcess() {
			alive = append(alive, cid)
		}
	}
	sctx := context.WithoutCancel(ctx)
	if !lr.Shutdown(sctx) {
		passed = false
	}
	waitExited(sctx, lr, alive, exitTimeout)
	return passed
}

// waitFinished consumes events until every worker in cids has finished its
// command or failed. It returns true if all commands succeeded.
func waitFinished(ctx context.Context, lr *runner.LocalRunner, cids []string) bool {
	pending := make(map[string]struct{})
	for _, cid := range cids {
		pending[cid] = struct{}{}
	}
	passed := true
	for len(pending) > 0 {
		select {
		case ev := <-lr.Events():
			switch ev.Kind {
			case worker.EventMessage:
				if ev.Message.Name != protocol.NameFinishedCommand {
					continue
				}
				var fc protocol.FinishedCommand
				if err := ev.Message.DecodeContent(&fc); err != nil || fc.ExitCode != 0 {
					logging.Infof(ctx, "Worker %s failed with exit code %d", ev.CID, fc.ExitCode)
					passed = false
				}
				delete(pending, ev.CID)
			case worker.EventExit:
				if _, ok := pending[ev.CID]; ok {
					logging.Infof(ctx, "Worker %s exited with code %d before finishing", ev.CID, ev.Exit.ExitCode)
					passed = false
					delete(pending, ev.CID)
				}
			case worker.EventError:
				logging.Infof(ctx, "Worker %s: %v", ev.CID, ev.Err)
				if w := lr.Worker(ev.CID); w == nil || !w.HasProcess() {
					passed = false
					delete(pending, ev.CID)
				}
			}
		case <-ctx.Done():
			logging.Info(ctx, "Stopped waiting for workers: ", ctx.Err())
			return false
		}
	}
	return passed
}

// waitExited consumes events until every worker in cids has exited or
// timeout elapses.
func waitExited(ctx context.Context, lr *runner.LocalRunner, cids []string, timeout time.Duration) {
	pending := make(map[string]struct{})
	for _, cid := range cids {
		pending[cid] = struct{}{}
	}
	tm := time.NewTimer(timeout)
	defer tm.Stop()
	for len(pending) > 0 {
		select {
		case ev := <-lr.Events():
			if ev.Kind == worker.EventExit {
				delete(pending, ev.CID)
			}
		case <-tm.C:
			logging.Infof(ctx, "%d workers did not exit", len(pending))
			return
		case <-ctx.Done():
			return
		}
	}
}
