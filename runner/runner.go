// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package runner implements the local runner, which runs test specs in a
// pool of worker processes on the local host.
package runner

import (
	"context"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"

	"github.com/nya3jp/localrunner/internal/display"
	"github.com/nya3jp/localrunner/internal/genericexec"
	"github.com/nya3jp/localrunner/internal/logging"
	"github.com/nya3jp/localrunner/internal/repl"
	"github.com/nya3jp/localrunner/internal/stream"
	"github.com/nya3jp/localrunner/worker"
)

// defaultEventBuffer is the capacity of the event channel.
const defaultEventBuffer = 1024

// RunRequest asks the runner to run specs in the worker CID.
type RunRequest struct {
	CID          string
	Command      string
	ConfigFile   string
	Args         map[string]interface{}
	Capabilities map[string]interface{}
	Specs        []string
	ExecArgv     []string
	Retries      int
}

// Option customizes a LocalRunner.
type Option func(r *LocalRunner)

// WithClock sets the clock measuring shutdown and debug timeouts.
func WithClock(clk clock.Clock) Option {
	return func(r *LocalRunner) { r.clk = clk }
}

// WithWorkerCmd sets the command starting worker processes. It overrides
// Config.WorkerCommand.
func WithWorkerCmd(cmd genericexec.Cmd) Option {
	return func(r *LocalRunner) { r.cmd = cmd }
}

// WithOutput sets the writer receiving tagged worker output.
func WithOutput(w io.Writer) Option {
	return func(r *LocalRunner) { r.out = w }
}

// WithDisplay sets the virtual display. It overrides the default Xvfb.
func WithDisplay(d display.Display) Option {
	return func(r *LocalRunner) { r.disp = d }
}

// WithDebugInput sets the user input of debug sessions.
func WithDebugInput(input <-chan string) Option {
	return func(r *LocalRunner) { r.debugInput = input }
}

// WithEventBuffer sets the capacity of the event channel.
func WithEventBuffer(n int) Option {
	return func(r *LocalRunner) { r.eventBuffer = n }
}

// withDisplayCheck replaces display.Needed in unit tests.
func withDisplayCheck(f func(caps map[string]interface{}) bool) Option {
	return func(r *LocalRunner) { r.needsDisplay = f }
}

// LocalRunner runs workers as local processes.
type LocalRunner struct {
	cfg          *Config
	clk          clock.Clock
	cmd          genericexec.Cmd
	out          io.Writer
	disp         display.Display
	debugInput   <-chan string
	eventBuffer  int
	needsDisplay func(caps map[string]interface{}) bool

	output  *stream.PassThrough
	display *display.Manager
	queue   *repl.Queue
	events  chan worker.Event

	mu      sync.Mutex
	workers map[string]*worker.Worker
}

// New returns a LocalRunner. A nil cfg means DefaultConfig.
func New(cfg *Config, opts ...Option) *LocalRunner {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	r := &LocalRunner{
		cfg:          cfg,
		clk:          clock.NewClock(),
		out:          os.Stdout,
		eventBuffer:  defaultEventBuffer,
		needsDisplay: display.Needed,
		workers:      make(map[string]*worker.Worker),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cmd == nil {
		r.cmd = defaultWorkerCmd(cfg)
	}
	if r.disp == nil {
		r.disp = &display.Xvfb{Args: cfg.XvfbArgs}
	}

	r.output = stream.NewPassThrough(r.out)
	r.display = display.NewManager(r.disp)
	r.queue = repl.NewQueue(repl.Config{
		Clock:          r.clk,
		Input:          r.debugInput,
		Output:         r.output,
		CommandTimeout: time.Duration(cfg.DebugCommandTimeout),
		IdleTimeout:    time.Duration(cfg.DebugIdleTimeout),
	})
	r.events = make(chan worker.Event, r.eventBuffer)
	return r
}

// defaultWorkerCmd runs Config.WorkerCommand, or the current executable's
// worker subcommand.
func defaultWorkerCmd(cfg *Config) genericexec.Cmd {
	if len(cfg.WorkerCommand) > 0 {
		return genericexec.CommandExec(cfg.WorkerCommand[0], cfg.WorkerCommand[1:]...)
	}
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	return genericexec.CommandExec(exe, "worker")
}

// Events returns the channel of worker events. It must be drained while
// workers run.
func (r *LocalRunner) Events() <-chan worker.Event {
	return r.events
}

// Output returns the stream receiving tagged worker output.
func (r *LocalRunner) Output() *stream.PassThrough {
	return r.output
}

// Display returns the virtual display manager.
func (r *LocalRunner) Display() *display.Manager {
	return r.display
}

// Run runs req in the worker req.CID, creating the worker if needed, and
// returns the worker. Failures are reported as events of the worker.
//
// The first request that needs a virtual display starts it, unless the
// virtual display is disabled or deferred to worker spawn.
func (r *LocalRunner) Run(ctx context.Context, req *RunRequest) *worker.Worker {
	if r.cfg.AutoXvfb && !r.cfg.XvfbLazy && r.needsDisplay(req.Capabilities) {
		if _, err := r.display.Init(ctx); err != nil {
			logging.Debugf(ctx, "Continuing without virtual display: %v", err)
		}
	}

	r.mu.Lock()
	w, ok := r.workers[req.CID]
	if !ok {
		var disp *display.Manager
		if r.cfg.AutoXvfb {
			disp = r.display
		}
		w = worker.New(req.CID, worker.Options{
			Cmd:              r.cmd,
			ExecArgv:         req.ExecArgv,
			ConfigFile:       req.ConfigFile,
			Args:             req.Args,
			Capabilities:     req.Capabilities,
			Specs:            req.Specs,
			Retries:          req.Retries,
			OutputDir:        r.cfg.OutputDir,
			Env:              r.cfg.Env,
			TerminalMessages: r.cfg.TerminalMessages,
			Output:           r.output,
			Events:           r.events,
			DebugQueue:       r.queue,
			Display:          disp,
			LazyDisplay:      r.cfg.XvfbLazy,
			NeedsDisplay:     r.needsDisplay,
		})
		r.workers[req.CID] = w
	}
	r.mu.Unlock()

	w.PostMessage(ctx, req.Command, req.Args)
	return w
}

// WorkerCount returns the number of workers in the pool.
func (r *LocalRunner) WorkerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// Worker returns the worker cid, or nil if it is not in the pool.
func (r *LocalRunner) Worker(cid string) *worker.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.workers[cid]
}

// sortedWorkers returns the pool ordered by id.
func (r *LocalRunner) sortedWorkers() []*worker.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	ws := make([]*worker.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		ws = append(ws, w)
	}
	sort.Slice(ws, func(i, j int) bool { return ws[i].CID() < ws[j].CID() })
	return ws
}
