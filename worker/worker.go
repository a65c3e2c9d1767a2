// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package worker supervises a single worker process of the local runner.
//
// A Worker owns at most one OS process at a time. It spawns the process on
// the first command, relays its output to the shared log stream tagged with
// the worker id, and reports everything the process says, and its exit, as
// Events on a channel supplied by the runner.
package worker

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/nya3jp/localrunner/errors"
	"github.com/nya3jp/localrunner/internal/display"
	"github.com/nya3jp/localrunner/internal/genericexec"
	"github.com/nya3jp/localrunner/internal/logging"
	"github.com/nya3jp/localrunner/internal/repl"
	"github.com/nya3jp/localrunner/internal/shutil"
	"github.com/nya3jp/localrunner/internal/stream"
	"github.com/nya3jp/localrunner/protocol"
)

// DefaultTerminalMessages are the message names that complete a command
// unless Options.TerminalMessages says otherwise.
//
// sessionStarted is left out on purpose: the command that started the session
// is still running when it arrives, so the worker stays busy until
// finishedCommand. Callers wanting the worker freed on sessionStarted add it
// to Options.TerminalMessages.
var DefaultTerminalMessages = []string{protocol.NameFinishedCommand}

// Options configures a Worker.
type Options struct {
	// Cmd starts the worker process.
	Cmd genericexec.Cmd
	// ExecArgv are extra arguments passed to Cmd.
	ExecArgv []string

	// ConfigFile, Args, Capabilities, Specs and Retries are sent with every
	// command.
	ConfigFile   string
	Args         map[string]interface{}
	Capabilities map[string]interface{}
	Specs        []string
	Retries      int

	// OutputDir is the directory of worker log files.
	OutputDir string
	// Env overrides environment variables of the process.
	Env map[string]string

	// TerminalMessages are message names that complete a command.
	// Defaults to DefaultTerminalMessages.
	TerminalMessages []string

	// Output receives tagged stdout and stderr of the process. Output is
	// discarded if nil.
	Output *stream.PassThrough
	// Events receives events of the worker. It must be drained by the
	// caller; a nil channel drops events.
	Events chan<- Event

	// DebugQueue serializes debug sessions. Debug requests are refused if
	// nil.
	DebugQueue *repl.Queue

	// Display is the shared virtual display. If LazyDisplay is set and
	// Capabilities need a display, StartProcess initializes it.
	Display     *display.Manager
	LazyDisplay bool
	// NeedsDisplay decides whether Capabilities need a display.
	// Defaults to display.Needed.
	NeedsDisplay func(caps map[string]interface{}) bool
}

// Worker supervises one worker process.
type Worker struct {
	cid  string
	opts Options

	// dispatchMu serializes PostMessage.
	dispatchMu sync.Mutex
	// startMu serializes StartProcess.
	startMu sync.Mutex

	mu            sync.Mutex
	state         State
	proc          genericexec.Process
	conn          *protocol.Conn
	sessionID     string
	serverInfo    protocol.ServerInfo
	isMultiremote bool
	instances     map[string]protocol.Instance
	sessionCaps   map[string]interface{}
	repl          *repl.Repl
}

// New returns a Worker with id cid. No process is started until the first
// command is posted.
func New(cid string, opts Options) *Worker {
	if opts.TerminalMessages == nil {
		opts.TerminalMessages = DefaultTerminalMessages
	}
	if opts.Output == nil {
		opts.Output = stream.NewPassThrough(io.Discard)
	}
	if opts.NeedsDisplay == nil {
		opts.NeedsDisplay = display.Needed
	}
	return &Worker{cid: cid, opts: opts, state: StateIdle}
}

// CID returns the worker id.
func (w *Worker) CID() string { return w.cid }

// Specs returns the spec files the worker runs.
func (w *Worker) Specs() []string { return w.opts.Specs }

// Retries returns the number of retries left for the specs.
func (w *Worker) Retries() int { return w.opts.Retries }

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// IsBusy reports whether a command is outstanding.
func (w *Worker) IsBusy() bool {
	return w.State() == StateBusy
}

// HasProcess reports whether the worker holds a running process.
func (w *Worker) HasProcess() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.proc != nil
}

// SessionID returns the id of the remote session reported by the process.
// It is kept after the process exits.
func (w *Worker) SessionID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sessionID
}

// ServerInfo returns the remote driver the process connected to.
func (w *Worker) ServerInfo() protocol.ServerInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.serverInfo
}

// IsMultiremote reports whether the process runs a multiremote session.
func (w *Worker) IsMultiremote() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.isMultiremote
}

// Instances returns the browser instances of a multiremote session.
func (w *Worker) Instances() map[string]protocol.Instance {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.instances == nil {
		return nil
	}
	res := make(map[string]protocol.Instance, len(w.instances))
	for k, v := range w.instances {
		res[k] = v
	}
	return res
}

// SessionCapabilities returns the capabilities of the remote session.
func (w *Worker) SessionCapabilities() map[string]interface{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sessionCaps
}

// StartProcess spawns the worker process. It does nothing if a process is
// already running.
//
// A spawn failure is reported as an EventError and returned; the worker stays
// usable and a later command tries to spawn again.
func (w *Worker) StartProcess(ctx context.Context) error {
	w.startMu.Lock()
	defer w.startMu.Unlock()

	if w.HasProcess() {
		return nil
	}
	// The process outlives the request that started it.
	pctx := logging.SetLogPrefix(context.WithoutCancel(ctx), "["+w.cid+"] ")

	if w.opts.Display != nil && w.opts.LazyDisplay && w.opts.NeedsDisplay(w.opts.Capabilities) {
		if _, err := w.opts.Display.Init(ctx); err != nil {
			logging.Warningf(pctx, "Starting without virtual display: %v", err)
		}
	}

	env := w.Env()
	logging.Debug(pctx, "Spawning worker: ", shutil.CommandLine(w.logEnv(env), "worker", w.opts.ExecArgv...))
	proc, err := w.opts.Cmd.Interact(pctx, w.opts.ExecArgv, env)
	if err != nil {
		err = errors.Wrapf(err, "failed to spawn worker %s", w.cid)
		w.handleError(pctx, err)
		return err
	}
	conn := protocol.NewConn(proc.IPC())

	w.mu.Lock()
	w.proc = proc
	w.conn = conn
	w.state = StateStarting
	w.mu.Unlock()

	logging.Infof(pctx, "Started worker process %d", proc.Pid())
	go w.monitor(pctx, proc, conn)
	return nil
}

// logEnv returns the entries of env set for the worker specifically.
func (w *Worker) logEnv(env []string) []string {
	var res []string
	for _, kv := range env {
		k, _, _ := strings.Cut(kv, "=")
		if _, ok := w.opts.Env[k]; ok || k == LogPathEnv || k == WorkerIDEnv || k == DisplayEnv {
			res = append(res, kv)
		}
	}
	return res
}

// PostMessage sends command with args to the process, spawning it first if
// needed, and marks the worker busy.
//
// A busy worker refuses the command: PostMessage logs and returns false
// without touching the process. It also returns false if the process could
// not be spawned or the command could not be written.
func (w *Worker) PostMessage(ctx context.Context, command string, args interface{}) bool {
	w.dispatchMu.Lock()
	defer w.dispatchMu.Unlock()

	if w.IsBusy() {
		logging.Infof(ctx, "Command %s can't be issued because worker with cid %s is still busy", command, w.cid)
		return false
	}

	content, err := w.commandContent(args)
	if err != nil {
		w.handleError(ctx, err)
		return false
	}
	msg, err := protocol.NewMessage(protocol.OriginWorker, command, content)
	if err != nil {
		w.handleError(ctx, err)
		return false
	}

	if err := w.StartProcess(ctx); err != nil {
		return false
	}

	w.mu.Lock()
	conn := w.conn
	if conn == nil {
		w.mu.Unlock()
		w.handleError(ctx, errors.Errorf("worker %s exited before %s was sent", w.cid, command))
		return false
	}
	w.state = StateBusy
	w.mu.Unlock()

	if err := conn.Send(msg); err != nil {
		w.mu.Lock()
		if w.state == StateBusy {
			w.state = StateIdle
		}
		w.mu.Unlock()
		w.handleError(ctx, errors.Wrapf(err, "failed to send %s to worker %s", command, w.cid))
		return false
	}
	return true
}

func (w *Worker) commandContent(args interface{}) (*protocol.CommandContent, error) {
	content := &protocol.CommandContent{
		CID:          w.cid,
		ConfigFile:   w.opts.ConfigFile,
		Capabilities: w.opts.Capabilities,
		Specs:        w.opts.Specs,
		Retries:      w.opts.Retries,
	}
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal command arguments")
		}
		content.Args = b
	}
	return content, nil
}

// send writes msg to the process regardless of the busy state. It is used
// by the debug bridge.
func (w *Worker) send(msg *protocol.Message) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return errors.Errorf("worker %s has no process", w.cid)
	}
	return conn.Send(msg)
}

// ForceTerminate kills the process tree with SIGKILL without any IPC
// traffic, and marks the worker killed.
//
// This is the only way for code outside Worker to act on the process
// directly. The runner uses it for workers that did not finish before the
// shutdown deadline.
func (w *Worker) ForceTerminate(ctx context.Context) {
	w.mu.Lock()
	proc := w.proc
	w.proc = nil
	w.conn = nil
	w.state = StateKilled
	r := w.repl
	w.mu.Unlock()

	if r != nil {
		r.Close()
	}
	if proc == nil {
		return
	}
	if err := proc.Kill(); err != nil {
		logging.Errorf(ctx, "Failed to kill worker %s (pid %d): %v", w.cid, proc.Pid(), err)
	}
}

// monitor relays output and messages of proc until it exits.
func (w *Worker) monitor(ctx context.Context, proc genericexec.Process, conn *protocol.Conn) {
	var g errgroup.Group
	g.Go(func() error { return w.pump(proc.Stdout()) })
	g.Go(func() error { return w.pump(proc.Stderr()) })
	g.Go(func() error { return w.readMessages(ctx, conn) })
	if err := g.Wait(); err != nil {
		logging.Debugf(ctx, "Worker stream ended with error: %v", err)
	}

	err := proc.Wait(ctx)
	w.handleExit(ctx, proc, genericexec.ExitCode(err))
}

// pump copies r to the shared output through a Transform.
func (w *Worker) pump(r io.Reader) error {
	tr := stream.NewTransform(w.cid)
	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(tr, r)
		tr.Close()
		return err
	})
	g.Go(func() error {
		err := w.opts.Output.Pipe(tr)
		// Keep reading so that the copy above never blocks.
		io.Copy(io.Discard, tr)
		return err
	})
	return g.Wait()
}

func (w *Worker) readMessages(ctx context.Context, conn *protocol.Conn) error {
	for {
		msg, err := conn.Recv()
		if err == io.EOF {
			return nil
		}
		if errors.Is(err, protocol.ErrMalformedMessage) {
			w.handleError(ctx, err)
			continue
		}
		if err != nil {
			return err
		}
		w.handleMessage(ctx, msg)
	}
}

// handleMessage interprets msg and emits it annotated with the worker id.
func (w *Worker) handleMessage(ctx context.Context, msg *protocol.Message) {
	if msg.IsDebugger() {
		w.handleDebugMessage(ctx, msg)
	} else {
		switch msg.Name {
		case protocol.NameReady:
			w.mu.Lock()
			if w.state == StateStarting {
				w.state = StateIdle
			}
			w.mu.Unlock()
		case protocol.NameSessionStarted:
			msg = w.cacheSession(ctx, msg)
		case protocol.NameError:
			var info protocol.ErrorInfo
			if err := msg.DecodeContent(&info); err == nil {
				logging.Infof(ctx, "Worker reported error: %s", info.Message)
			}
		}
		if slices.Contains(w.opts.TerminalMessages, msg.Name) {
			w.mu.Lock()
			if w.state == StateBusy {
				w.state = StateIdle
			}
			w.mu.Unlock()
		}
	}
	w.emit(Event{Kind: EventMessage, CID: w.cid, Message: msg.WithCID(w.cid)})
}

// cacheSession records the session of a sessionStarted message and returns
// the message without the session id and instances.
func (w *Worker) cacheSession(ctx context.Context, msg *protocol.Message) *protocol.Message {
	var fields map[string]json.RawMessage
	if err := msg.DecodeContent(&fields); err != nil {
		w.handleError(ctx, err)
		return msg
	}
	var info protocol.SessionStarted
	if err := msg.DecodeContent(&info); err != nil {
		w.handleError(ctx, err)
		return msg
	}

	w.mu.Lock()
	if info.SessionID != "" {
		w.sessionID = info.SessionID
	}
	if info.Instances != nil {
		w.instances = info.Instances
	}
	w.isMultiremote = info.IsMultiremote
	if !info.ServerInfo.IsZero() {
		w.serverInfo = info.ServerInfo
	}
	if info.Capabilities != nil {
		w.sessionCaps = info.Capabilities
	}
	w.mu.Unlock()

	delete(fields, protocol.SessionIDKey)
	delete(fields, protocol.InstancesKey)
	b, err := json.Marshal(fields)
	if err != nil {
		w.handleError(ctx, errors.Wrap(err, "failed to re-encode sessionStarted"))
		return msg
	}
	stripped := *msg
	stripped.Content = b
	return &stripped
}

// handleDebugMessage serves the debug bridge.
func (w *Worker) handleDebugMessage(ctx context.Context, msg *protocol.Message) {
	switch msg.Name {
	case protocol.NameStart:
		if w.opts.DebugQueue == nil {
			logging.Infof(ctx, "Debug session requested by %s, but debugging is disabled", w.cid)
			w.send(&protocol.Message{Origin: protocol.OriginDebugger, Name: protocol.NameStop})
			return
		}
		w.opts.DebugQueue.Add(&repl.Session{
			CID:    w.cid,
			Sender: senderFunc(w.send),
			OnStart: func(r *repl.Repl) {
				w.mu.Lock()
				w.repl = r
				w.mu.Unlock()
			},
			OnEnd: func() {
				w.mu.Lock()
				w.repl = nil
				w.mu.Unlock()
				stop := &protocol.Message{Origin: protocol.OriginDebugger, Name: protocol.NameStop}
				w.emit(Event{Kind: EventMessage, CID: w.cid, Message: stop.WithCID(w.cid)})
			},
		})
		w.opts.DebugQueue.Next(ctx)

	case protocol.NameEvalResult, protocol.NameResult:
		var res protocol.EvalResult
		var err error
		if len(msg.Params) > 0 {
			err = msg.DecodeParams(&res)
		} else {
			err = msg.DecodeContent(&res)
		}
		if err != nil {
			w.handleError(ctx, err)
			return
		}
		w.mu.Lock()
		r := w.repl
		w.mu.Unlock()
		if r != nil {
			r.OnResult(&res)
		}

	case protocol.NameStop:
		w.mu.Lock()
		r := w.repl
		w.mu.Unlock()
		if r != nil {
			r.Close()
		}
	}
}

// handleExit drops the process handle and emits EventExit.
func (w *Worker) handleExit(ctx context.Context, proc genericexec.Process, code int) {
	w.mu.Lock()
	if w.proc == proc {
		w.proc = nil
		w.conn = nil
	}
	if w.state != StateKilled {
		w.state = StateExited
	}
	r := w.repl
	w.mu.Unlock()

	if r != nil {
		r.Close()
	}
	logging.Infof(ctx, "Worker process exited with code %d", code)
	w.emit(Event{
		Kind: EventExit,
		CID:  w.cid,
		Exit: &ExitInfo{ExitCode: code, Retries: w.opts.Retries, Specs: w.opts.Specs},
	})
}

// handleError emits err as EventError. The process is left running.
func (w *Worker) handleError(ctx context.Context, err error) {
	logging.Infof(ctx, "Worker %s: %v", w.cid, err)
	w.emit(Event{Kind: EventError, CID: w.cid, Err: err})
}

func (w *Worker) emit(ev Event) {
	if w.opts.Events == nil {
		return
	}
	w.opts.Events <- ev
}

type senderFunc func(msg *protocol.Message) error

func (f senderFunc) Send(msg *protocol.Message) error { return f(msg) }
