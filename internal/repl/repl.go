// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package repl implements the interactive debug bridge to worker processes.
//
// A worker asks for a debug session with a debugger start message. Sessions
// are serialized by a Queue so that only one of them reads user input at a
// time. Within a session, a Repl forwards every expression the user types to
// the worker and prints the result.
package repl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/google/uuid"

	"github.com/nya3jp/localrunner/errors"
	"github.com/nya3jp/localrunner/internal/logging"
	"github.com/nya3jp/localrunner/internal/xcontext"
	"github.com/nya3jp/localrunner/protocol"
)

// ErrCommandTimeout is passed to evaluation callbacks when a worker does not
// answer within Config.CommandTimeout.
var ErrCommandTimeout = errors.New("command timed out")

// reservedResults are returned for expressions that name driver objects
// living in the worker, which cannot be serialized back.
var reservedResults = map[string]string{
	"browser": "[WebdriverIO REPL client]",
	"driver":  "[WebdriverIO REPL client]",
	"$":       "[Function: findElement]",
	"$$":      "[Function: findElements]",
}

const (
	defaultCommandTimeout = 5 * time.Second
	defaultIdleTimeout    = 60 * time.Second
)

// Sender delivers a message to the worker process of a session.
type Sender interface {
	Send(msg *protocol.Message) error
}

// Config is shared by all debug sessions of a runner.
type Config struct {
	// Clock measures command and idle timeouts. Defaults to the real clock.
	Clock clock.Clock
	// Input delivers lines typed by the user. A closed channel ends the
	// current session.
	Input <-chan string
	// Output receives prompts and results.
	Output io.Writer
	// CommandTimeout bounds a single evaluation.
	CommandTimeout time.Duration
	// IdleTimeout ends a session without user input.
	IdleTimeout time.Duration
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.Clock == nil {
		cfg.Clock = clock.NewClock()
	}
	if cfg.Output == nil {
		cfg.Output = io.Discard
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	return cfg
}

// LineInput reads lines from r until EOF and delivers them on the returned
// channel, which is closed at EOF.
func LineInput(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			ch <- sc.Text()
		}
	}()
	return ch
}

// Callback receives the outcome of an evaluation.
type Callback func(result json.RawMessage, err error)

// Repl is a debug session against a single worker.
type Repl struct {
	cid    string
	sender Sender
	cfg    Config

	mu        sync.Mutex
	running   bool
	pendingID string
	// stale counts answers still owed for timed out evaluations.
	stale     int
	cb        Callback
	cancel    xcontext.CancelFunc

	closeOnce sync.Once
	closed    chan struct{}
}

// New returns a Repl evaluating expressions in the worker cid through sender.
func New(cid string, sender Sender, cfg Config) *Repl {
	return &Repl{
		cid:    cid,
		sender: sender,
		cfg:    cfg.withDefaults(),
		closed: make(chan struct{}),
	}
}

// Prompt returns the prompt shown to the user.
func (r *Repl) Prompt() string {
	return fmt.Sprintf("[%s] › ", r.cid)
}

// Running reports whether an evaluation is in flight.
func (r *Repl) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Eval evaluates cmd in the worker and calls cb with the result.
//
// Reserved identifiers are answered immediately without contacting the
// worker. While another evaluation is in flight, Eval does nothing and cb is
// never called.
func (r *Repl) Eval(cmd string, cb Callback) {
	if s, ok := reservedResults[strings.TrimSpace(cmd)]; ok {
		cb(json.RawMessage(strconv.Quote(s)), nil)
		return
	}

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	id := uuid.NewString()
	ctx, cancel := xcontext.WithTimeout(context.Background(), r.cfg.Clock, r.cfg.CommandTimeout, ErrCommandTimeout)
	r.running = true
	r.pendingID = id
	r.cb = cb
	r.cancel = cancel
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		if ctx.Err() == ErrCommandTimeout {
			r.settle(id, nil, ErrCommandTimeout)
		}
	}()

	msg, err := protocol.NewMessage(protocol.OriginDebugger, protocol.NameEval, protocol.EvalArgs{Cmd: cmd, ID: id})
	if err == nil {
		err = r.sender.Send(msg)
	}
	if err != nil {
		r.settle(id, nil, errors.Wrap(err, "failed to send command"))
	}
}

// OnResult settles the pending evaluation with a result from the worker.
//
// Results of evaluations that already timed out are ignored. Workers answer
// in order, so a result without an id is taken as the late answer of a timed
// out evaluation as long as such answers are outstanding.
func (r *Repl) OnResult(res *protocol.EvalResult) {
	r.mu.Lock()
	id := r.pendingID
	if res.ID != id || res.ID == "" {
		if r.stale > 0 {
			r.stale--
			r.mu.Unlock()
			return
		}
		if res.ID != "" {
			r.mu.Unlock()
			return
		}
	}
	r.mu.Unlock()

	var err error
	if res.Error != nil {
		err = errors.New(res.Error.Message)
	}
	r.settle(id, res.Result, err)
}

func (r *Repl) settle(id string, result json.RawMessage, err error) {
	r.mu.Lock()
	if !r.running || r.pendingID != id {
		r.mu.Unlock()
		return
	}
	cb, cancel := r.cb, r.cancel
	r.running = false
	r.pendingID = ""
	r.cb = nil
	r.cancel = nil
	if err == ErrCommandTimeout {
		r.stale++
	}
	r.mu.Unlock()

	cancel(context.Canceled)
	cb(result, err)
}

// Close ends Run.
func (r *Repl) Close() {
	r.closeOnce.Do(func() { close(r.closed) })
}

// Run reads expressions from the input and evaluates them until the user
// types ".exit", the input is closed, no input arrives within the idle
// timeout, or the session is closed.
func (r *Repl) Run(ctx context.Context) error {
	out := r.cfg.Output
	idle := r.cfg.Clock.NewTimer(r.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		fmt.Fprint(out, r.Prompt())
		select {
		case line, ok := <-r.cfg.Input:
			if !ok || strings.TrimSpace(line) == ".exit" {
				fmt.Fprintln(out)
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			idle.Stop()
			if err := r.evalAndPrint(ctx, line); err != nil {
				return err
			}
			idle.Reset(r.cfg.IdleTimeout)
		case <-idle.C():
			fmt.Fprintln(out, "\nDebug session timed out")
			logging.Infof(ctx, "Debug session of %s idle for %v; stopping", r.cid, r.cfg.IdleTimeout)
			return nil
		case <-r.closed:
			fmt.Fprintln(out)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Repl) evalAndPrint(ctx context.Context, line string) error {
	type outcome struct {
		result json.RawMessage
		err    error
	}
	done := make(chan outcome, 1)
	r.Eval(line, func(result json.RawMessage, err error) {
		done <- outcome{result, err}
	})

	select {
	case o := <-done:
		if o.err != nil {
			fmt.Fprintf(r.cfg.Output, "Error: %v\n", o.err)
		} else {
			fmt.Fprintf(r.cfg.Output, "%s\n", formatResult(o.result))
		}
		return nil
	case <-r.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// formatResult renders strings without quotes and other values as JSON.
func formatResult(result json.RawMessage) string {
	if len(result) == 0 {
		return "undefined"
	}
	var s string
	if err := json.Unmarshal(result, &s); err == nil {
		return s
	}
	return string(result)
}
