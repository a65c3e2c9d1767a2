// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package worker_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/google/go-cmp/cmp"

	"github.com/nya3jp/localrunner/errors"
	"github.com/nya3jp/localrunner/internal/fakeexec"
	"github.com/nya3jp/localrunner/internal/logging/loggingtest"
	"github.com/nya3jp/localrunner/internal/repl"
	"github.com/nya3jp/localrunner/internal/stream"
	"github.com/nya3jp/localrunner/protocol"
	"github.com/nya3jp/localrunner/worker"
)

const timeout = 10 * time.Second

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fixture struct {
	ctx    context.Context
	logger *loggingtest.Logger
	cmd    *fakeexec.Cmd
	events chan worker.Event
	out    *syncBuffer
}

func newFixture(t *testing.T) *fixture {
	ctx, logger := loggingtest.Context(t)
	return &fixture{
		ctx:    ctx,
		logger: logger,
		cmd:    fakeexec.NewCmd(),
		events: make(chan worker.Event, 100),
		out:    &syncBuffer{},
	}
}

func (f *fixture) newWorker(cid string, opts worker.Options) *worker.Worker {
	opts.Cmd = f.cmd
	opts.Events = f.events
	opts.Output = stream.NewPassThrough(f.out)
	if opts.Specs == nil {
		opts.Specs = []string{"/path/to/my.test.e2e.ts"}
	}
	return worker.New(cid, opts)
}

// nextEvent returns the next event of kind, skipping others.
func (f *fixture) nextEvent(t *testing.T, kind worker.EventKind) worker.Event {
	t.Helper()
	tm := time.NewTimer(timeout)
	defer tm.Stop()
	for {
		select {
		case ev := <-f.events:
			if ev.Kind == kind {
				return ev
			}
		case <-tm.C:
			t.Fatalf("Timed out waiting for %v event", kind)
		}
	}
}

// process returns the only process started so far.
func (f *fixture) process(t *testing.T) *fakeexec.Process {
	t.Helper()
	procs := f.cmd.Processes()
	if len(procs) != 1 {
		t.Fatalf("%d processes started; want 1", len(procs))
	}
	return procs[0]
}

func receive(t *testing.T, p *fakeexec.Process) *protocol.Message {
	t.Helper()
	msg, err := p.Receive(timeout)
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

func send(t *testing.T, p *fakeexec.Process, name string, content interface{}) {
	t.Helper()
	if err := p.Send(protocol.OriginWorker, name, content); err != nil {
		t.Fatalf("Sending %s failed: %v", name, err)
	}
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", desc)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPostMessageSendsCommand(t *testing.T) {
	f := newFixture(t)
	w := f.newWorker("0-5", worker.Options{
		ConfigFile:   "/conf/wdio.conf.js",
		Capabilities: map[string]interface{}{"browserName": "safari"},
		Retries:      2,
	})

	if !w.PostMessage(f.ctx, protocol.NameRun, map[string]interface{}{"bail": 1}) {
		t.Fatal("PostMessage returned false")
	}
	if !w.IsBusy() {
		t.Error("IsBusy() = false after PostMessage")
	}

	msg := receive(t, f.process(t))
	if msg.Name != protocol.NameRun {
		t.Errorf("Command name = %q; want %q", msg.Name, protocol.NameRun)
	}
	var got protocol.CommandContent
	if err := msg.DecodeContent(&got); err != nil {
		t.Fatal(err)
	}
	want := protocol.CommandContent{
		CID:          "0-5",
		ConfigFile:   "/conf/wdio.conf.js",
		Args:         json.RawMessage(`{"bail":1}`),
		Capabilities: map[string]interface{}{"browserName": "safari"},
		Specs:        []string{"/path/to/my.test.e2e.ts"},
		Retries:      2,
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Command content mismatch (-got +want):\n%s", diff)
	}
}

func TestPostMessageBusyRejected(t *testing.T) {
	f := newFixture(t)
	w := f.newWorker("0-1", worker.Options{})

	if !w.PostMessage(f.ctx, protocol.NameRun, nil) {
		t.Fatal("First PostMessage returned false")
	}
	p := f.process(t)
	receive(t, p)

	if w.PostMessage(f.ctx, protocol.NameRun, nil) {
		t.Error("PostMessage to a busy worker returned true")
	}

	if procs := f.cmd.Processes(); len(procs) != 1 || procs[0] != p {
		t.Errorf("Process changed after rejected PostMessage: %d processes", len(procs))
	}
	if !w.HasProcess() || !w.IsBusy() {
		t.Errorf("HasProcess() = %v, IsBusy() = %v; want true, true", w.HasProcess(), w.IsBusy())
	}
	time.Sleep(50 * time.Millisecond)
	if msgs := p.Pending(); len(msgs) != 0 {
		t.Errorf("Busy worker sent %d messages; want 0", len(msgs))
	}
	if !f.logger.Contains("worker with cid 0-1 is still busy") {
		t.Errorf("Rejection not logged; logs:\n%s", f.logger)
	}
}

func TestReadyThenFinishedCommand(t *testing.T) {
	f := newFixture(t)
	w := f.newWorker("0-5", worker.Options{})

	w.PostMessage(f.ctx, protocol.NameRun, nil)
	p := f.process(t)
	receive(t, p)

	send(t, p, protocol.NameReady, nil)
	if ev := f.nextEvent(t, worker.EventMessage); ev.Message.Name != protocol.NameReady || ev.CID != "0-5" || ev.Message.CID != "0-5" {
		t.Errorf("Event = %+v, message %+v; want ready from 0-5", ev, ev.Message)
	}
	if !w.IsBusy() {
		t.Error("ready cleared the busy state")
	}

	send(t, p, protocol.NameFinishedCommand, protocol.FinishedCommand{Command: protocol.NameRun})
	if ev := f.nextEvent(t, worker.EventMessage); ev.Message.Name != protocol.NameFinishedCommand || ev.CID != "0-5" || ev.Message.CID != "0-5" {
		t.Errorf("Event = %+v, message %+v; want finishedCommand from 0-5", ev, ev.Message)
	}
	if w.IsBusy() {
		t.Error("IsBusy() = true after finishedCommand")
	}
	if s := w.State(); s != worker.StateIdle {
		t.Errorf("State() = %v; want %v", s, worker.StateIdle)
	}
}

func TestReadyBeforeCommand(t *testing.T) {
	f := newFixture(t)
	w := f.newWorker("0-0", worker.Options{})

	if err := w.StartProcess(f.ctx); err != nil {
		t.Fatal(err)
	}
	if s := w.State(); s != worker.StateStarting {
		t.Errorf("State() = %v after StartProcess; want %v", s, worker.StateStarting)
	}
	send(t, f.process(t), protocol.NameReady, nil)
	f.nextEvent(t, worker.EventMessage)
	if s := w.State(); s != worker.StateIdle {
		t.Errorf("State() = %v after ready; want %v", s, worker.StateIdle)
	}
}

func TestSessionStarted(t *testing.T) {
	f := newFixture(t)
	w := f.newWorker("0-5", worker.Options{})

	w.PostMessage(f.ctx, protocol.NameRun, nil)
	p := f.process(t)
	receive(t, p)

	send(t, p, protocol.NameSessionStarted, map[string]interface{}{
		"sessionId": "abc123",
		"bar":       "foo",
		"hostname":  "localhost",
		"port":      4444,
	})
	ev := f.nextEvent(t, worker.EventMessage)

	if id := w.SessionID(); id != "abc123" {
		t.Errorf("SessionID() = %q; want %q", id, "abc123")
	}
	if got, want := w.ServerInfo(), (protocol.ServerInfo{Hostname: "localhost", Port: 4444}); got != want {
		t.Errorf("ServerInfo() = %+v; want %+v", got, want)
	}
	var content map[string]interface{}
	if err := ev.Message.DecodeContent(&content); err != nil {
		t.Fatal(err)
	}
	want := map[string]interface{}{"bar": "foo", "hostname": "localhost", "port": float64(4444)}
	if diff := cmp.Diff(content, want); diff != "" {
		t.Errorf("Emitted content mismatch (-got +want):\n%s", diff)
	}
	if !w.IsBusy() {
		t.Error("sessionStarted cleared the busy state with default terminal messages")
	}
}

func TestSessionStartedMultiremote(t *testing.T) {
	f := newFixture(t)
	w := f.newWorker("0-2", worker.Options{})

	w.PostMessage(f.ctx, protocol.NameRun, nil)
	p := f.process(t)
	receive(t, p)

	send(t, p, protocol.NameSessionStarted, map[string]interface{}{
		"isMultiremote": true,
		"instances": map[string]interface{}{
			"a": map[string]interface{}{"sessionId": "s1"},
			"b": map[string]interface{}{"sessionId": "s2"},
		},
	})
	ev := f.nextEvent(t, worker.EventMessage)

	if !w.IsMultiremote() {
		t.Error("IsMultiremote() = false")
	}
	wantInstances := map[string]protocol.Instance{"a": {SessionID: "s1"}, "b": {SessionID: "s2"}}
	if diff := cmp.Diff(w.Instances(), wantInstances); diff != "" {
		t.Errorf("Instances() mismatch (-got +want):\n%s", diff)
	}
	if strings.Contains(string(ev.Message.Content), "instances") {
		t.Errorf("Emitted content %s still contains instances", ev.Message.Content)
	}
}

func TestCustomTerminalMessages(t *testing.T) {
	f := newFixture(t)
	w := f.newWorker("0-3", worker.Options{
		TerminalMessages: []string{protocol.NameFinishedCommand, protocol.NameSessionStarted},
	})

	w.PostMessage(f.ctx, protocol.NameRun, nil)
	p := f.process(t)
	receive(t, p)

	send(t, p, protocol.NameSessionStarted, map[string]interface{}{"sessionId": "x"})
	f.nextEvent(t, worker.EventMessage)
	if w.IsBusy() {
		t.Error("IsBusy() = true after a configured terminal message")
	}
}

func TestExit(t *testing.T) {
	f := newFixture(t)
	w := f.newWorker("0-5", worker.Options{Retries: 3})

	w.PostMessage(f.ctx, protocol.NameRun, nil)
	p := f.process(t)
	receive(t, p)

	p.Exit(42)
	ev := f.nextEvent(t, worker.EventExit)

	if ev.CID != "0-5" {
		t.Errorf("Exit event CID = %q; want %q", ev.CID, "0-5")
	}
	want := &worker.ExitInfo{ExitCode: 42, Retries: 3, Specs: []string{"/path/to/my.test.e2e.ts"}}
	if diff := cmp.Diff(ev.Exit, want); diff != "" {
		t.Errorf("Exit info mismatch (-got +want):\n%s", diff)
	}
	if w.HasProcess() {
		t.Error("HasProcess() = true after exit")
	}
	if w.IsBusy() {
		t.Error("IsBusy() = true after exit")
	}
	if s := w.State(); s != worker.StateExited {
		t.Errorf("State() = %v; want %v", s, worker.StateExited)
	}
}

func TestSpawnFailure(t *testing.T) {
	f := newFixture(t)
	f.cmd.StartErr = errors.New("no such file")
	w := f.newWorker("0-4", worker.Options{})

	if w.PostMessage(f.ctx, protocol.NameRun, nil) {
		t.Error("PostMessage returned true on spawn failure")
	}
	ev := f.nextEvent(t, worker.EventError)
	if ev.CID != "0-4" || ev.Err == nil || !strings.Contains(ev.Err.Error(), "no such file") {
		t.Errorf("Error event = %+v; want spawn failure of 0-4", ev)
	}
	if w.IsBusy() || w.HasProcess() {
		t.Errorf("IsBusy() = %v, HasProcess() = %v after spawn failure; want false, false", w.IsBusy(), w.HasProcess())
	}

	// The worker stays usable.
	f.cmd.StartErr = nil
	if !w.PostMessage(f.ctx, protocol.NameRun, nil) {
		t.Error("PostMessage after recovered spawn failure returned false")
	}
}

func TestWorkerErrorMessage(t *testing.T) {
	f := newFixture(t)
	w := f.newWorker("0-6", worker.Options{})

	w.PostMessage(f.ctx, protocol.NameRun, nil)
	p := f.process(t)
	receive(t, p)

	send(t, p, protocol.NameError, protocol.ErrorInfo{Message: "TypeError: x is undefined"})
	ev := f.nextEvent(t, worker.EventMessage)
	if ev.Message.Name != protocol.NameError || ev.CID != "0-6" {
		t.Errorf("Event = %+v; want error message from 0-6", ev)
	}
	if !w.HasProcess() || !w.IsBusy() {
		t.Error("Worker error changed the process or busy state")
	}
}

func TestForceTerminate(t *testing.T) {
	f := newFixture(t)
	w := f.newWorker("0-7", worker.Options{})

	w.PostMessage(f.ctx, protocol.NameRun, nil)
	p := f.process(t)
	receive(t, p)

	w.ForceTerminate(f.ctx)

	if !p.Killed() {
		t.Error("Process was not killed")
	}
	if w.HasProcess() || w.IsBusy() {
		t.Errorf("HasProcess() = %v, IsBusy() = %v; want false, false", w.HasProcess(), w.IsBusy())
	}
	if s := w.State(); s != worker.StateKilled {
		t.Errorf("State() = %v; want %v", s, worker.StateKilled)
	}

	ev := f.nextEvent(t, worker.EventExit)
	if ev.Exit.ExitCode != -1 {
		t.Errorf("Exit code = %d; want -1", ev.Exit.ExitCode)
	}
	if s := w.State(); s != worker.StateKilled {
		t.Errorf("State() = %v after exit; want %v", s, worker.StateKilled)
	}
}

func TestStartProcessConcurrent(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t)
		w := f.newWorker("0-8", worker.Options{})

		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := w.StartProcess(f.ctx); err != nil {
					t.Error("StartProcess failed: ", err)
				}
			}()
		}
		wg.Wait()

		if n := len(f.cmd.Processes()); n != 1 {
			t.Fatalf("Iteration %d: %d processes started for one worker; want 1", i, n)
		}
		w.ForceTerminate(f.ctx)
	}
}

func TestOutputTagged(t *testing.T) {
	f := newFixture(t)
	w := f.newWorker("0-1", worker.Options{})

	w.PostMessage(f.ctx, protocol.NameRun, nil)
	p := f.process(t)

	if err := p.WriteStdout("hello\nDebugger attached.\npartial"); err != nil {
		t.Fatal(err)
	}
	if err := p.WriteStderr("oops\n"); err != nil {
		t.Fatal(err)
	}
	p.Exit(0)
	f.nextEvent(t, worker.EventExit)

	got := f.out.String()
	for _, want := range []string{"[0-1] hello\n", "[0-1] oops\n", "[0-1] partial\n"} {
		if !strings.Contains(got, want) {
			t.Errorf("Output %q does not contain %q", got, want)
		}
	}
	if strings.Contains(got, "Debugger") {
		t.Errorf("Output %q contains a control marker", got)
	}
}

func TestProcessEnv(t *testing.T) {
	t.Setenv("LOCALRUNNER_TEST_INHERITED", "yes")
	f := newFixture(t)
	w := f.newWorker("0-5", worker.Options{
		OutputDir: "/foo/bar",
		Env:       map[string]string{"FOO": "bar", "FORCE_COLOR": "0"},
	})

	w.PostMessage(f.ctx, protocol.NameRun, nil)
	env := f.process(t).Env

	for _, want := range []string{
		"WDIO_LOG_PATH=/foo/bar/my.test.e2e-0-5.log",
		"WDIO_WORKER_ID=0-5",
		"FOO=bar",
		"FORCE_COLOR=1",
		"LOCALRUNNER_TEST_INHERITED=yes",
	} {
		found := false
		for _, kv := range env {
			if kv == want {
				found = true
			}
		}
		if !found {
			t.Errorf("Environment lacks %q", want)
		}
	}
}

func TestDebugSession(t *testing.T) {
	f := newFixture(t)
	input := make(chan string)
	out := &syncBuffer{}
	q := repl.NewQueue(repl.Config{Clock: fakeclock.NewFakeClock(time.Unix(0, 0)), Input: input, Output: out})
	w := f.newWorker("0-8", worker.Options{DebugQueue: q})

	w.PostMessage(f.ctx, protocol.NameRun, nil)
	p := f.process(t)
	receive(t, p)

	if err := p.Send(protocol.OriginDebugger, protocol.NameStart, nil); err != nil {
		t.Fatal(err)
	}
	if ev := f.nextEvent(t, worker.EventMessage); ev.Message.Name != protocol.NameStart {
		t.Errorf("Event message = %+v; want debugger start", ev.Message)
	}

	input <- "1 + 1"
	msg := receive(t, p)
	if msg.Origin != protocol.OriginDebugger || msg.Name != protocol.NameEval {
		t.Fatalf("Worker received %+v; want debugger eval", msg)
	}
	var args protocol.EvalArgs
	if err := msg.DecodeContent(&args); err != nil {
		t.Fatal(err)
	}
	if args.Cmd != "1 + 1" {
		t.Errorf("Eval command = %q; want %q", args.Cmd, "1 + 1")
	}

	params, err := json.Marshal(protocol.EvalResult{ID: args.ID, Result: json.RawMessage("2")})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.SendMessage(&protocol.Message{Origin: protocol.OriginDebugger, Name: protocol.NameEvalResult, Params: params}); err != nil {
		t.Fatal(err)
	}
	f.nextEvent(t, worker.EventMessage)
	waitFor(t, "the result to be printed", func() bool { return strings.Contains(out.String(), "2\n") })

	input <- ".exit"
	if msg := receive(t, p); msg.Origin != protocol.OriginDebugger || msg.Name != protocol.NameStop {
		t.Errorf("Worker received %+v; want debugger stop", msg)
	}
	ev := f.nextEvent(t, worker.EventMessage)
	if ev.Message.Name != protocol.NameStop || !ev.Message.IsDebugger() || ev.Message.CID != "0-8" {
		t.Errorf("Event message = %+v; want debugger stop from 0-8", ev.Message)
	}
}

func TestDebugSessionDisabled(t *testing.T) {
	f := newFixture(t)
	w := f.newWorker("0-9", worker.Options{})

	w.PostMessage(f.ctx, protocol.NameRun, nil)
	p := f.process(t)
	receive(t, p)

	if err := p.Send(protocol.OriginDebugger, protocol.NameStart, nil); err != nil {
		t.Fatal(err)
	}
	if msg := receive(t, p); msg.Name != protocol.NameStop {
		t.Errorf("Worker received %+v; want debugger stop", msg)
	}
}
