// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package workerproc implements the process side of the worker protocol.
//
// A worker process announces itself with ready, then serves commands from
// the runner until it receives endSession or the channel is closed. Every
// command is answered with finishedCommand.
package workerproc

import (
	"context"
	"io"
	"os"
	"os/exec"

	"golang.org/x/sync/errgroup"

	"github.com/nya3jp/localrunner/errors"
	"github.com/nya3jp/localrunner/internal/genericexec"
	"github.com/nya3jp/localrunner/internal/logging"
	"github.com/nya3jp/localrunner/protocol"
)

// SpecFunc runs a single spec file and returns an error if it failed.
type SpecFunc func(ctx context.Context, spec string, content *protocol.CommandContent) error

// Config configures Serve.
type Config struct {
	// RunSpec runs a spec. Defaults to ExecSpec writing to Stdout and
	// Stderr.
	RunSpec SpecFunc
	Stdout  io.Writer
	Stderr  io.Writer
}

// ExecSpec returns a SpecFunc that executes spec files as executables.
// The config file is passed as the only argument.
func ExecSpec(stdout, stderr io.Writer) SpecFunc {
	return func(ctx context.Context, spec string, content *protocol.CommandContent) error {
		var args []string
		if content.ConfigFile != "" {
			args = append(args, content.ConfigFile)
		}
		cmd := exec.CommandContext(ctx, spec, args...)
		cmd.Stdout = stdout
		cmd.Stderr = stderr
		if err := cmd.Run(); err != nil {
			return errors.Wrapf(err, "%s failed", spec)
		}
		return nil
	}
}

// Serve speaks the worker protocol over conn until endSession is received
// or conn is closed.
func Serve(ctx context.Context, conn *protocol.Conn, cfg Config) error {
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	if cfg.RunSpec == nil {
		cfg.RunSpec = ExecSpec(cfg.Stdout, cfg.Stderr)
	}
	if !logging.HasLogger(ctx) {
		ctx = logging.AttachLogger(ctx, logging.NewSinkLogger(logging.LevelInfo, false, logging.NewWriterSink(cfg.Stderr)))
	}

	if err := send(conn, protocol.NameReady, struct{}{}); err != nil {
		return err
	}
	for {
		msg, err := conn.Recv()
		if err == io.EOF {
			return nil
		}
		if errors.Is(err, protocol.ErrMalformedMessage) {
			logging.Info(ctx, err)
			continue
		}
		if err != nil {
			return err
		}
		if msg.IsDebugger() {
			continue
		}

		var content protocol.CommandContent
		if err := msg.DecodeContent(&content); err != nil {
			logging.Infof(ctx, "Bad %s command: %v", msg.Name, err)
		}

		code := 0
		switch msg.Name {
		case protocol.NameRun:
			code = runSpecs(ctx, &content, cfg)
		case protocol.NameEndSession:
		default:
			code = 1
			if err := send(conn, protocol.NameError, &protocol.ErrorInfo{
				Name:    "UnknownCommand",
				Message: "unknown command " + msg.Name,
			}); err != nil {
				return err
			}
		}

		if err := send(conn, protocol.NameFinishedCommand, &protocol.FinishedCommand{Command: msg.Name, ExitCode: code}); err != nil {
			return err
		}
		if msg.Name == protocol.NameEndSession {
			return nil
		}
	}
}

// runSpecs runs all specs of content concurrently and returns the exit
// code of the command.
func runSpecs(ctx context.Context, content *protocol.CommandContent, cfg Config) int {
	var g errgroup.Group
	for _, spec := range content.Specs {
		spec := spec
		g.Go(func() error {
			if err := cfg.RunSpec(ctx, spec, content); err != nil {
				logging.Infof(ctx, "Spec %s: %v", spec, err)
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return exitCode(err)
	}
	return 0
}

func exitCode(err error) int {
	if code := genericexec.ExitCode(err); code > 0 {
		return code
	}
	return 1
}

func send(conn *protocol.Conn, name string, content interface{}) error {
	msg, err := protocol.NewMessage(protocol.OriginWorker, name, content)
	if err != nil {
		return err
	}
	return conn.Send(msg)
}
