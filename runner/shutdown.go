// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package runner

import (
	"context"
	"strings"
	"time"

	"github.com/nya3jp/localrunner/errors"
	"github.com/nya3jp/localrunner/internal/logging"
	"github.com/nya3jp/localrunner/internal/poll"
	"github.com/nya3jp/localrunner/protocol"
	"github.com/nya3jp/localrunner/worker"
)

// shutdownJob tracks workers during Shutdown.
type shutdownJob struct {
	workers []*worker.Worker
}

// busyIDs returns the ids of workers that are still busy.
func (j *shutdownJob) busyIDs() []string {
	var ids []string
	for _, w := range j.workers {
		if w.IsBusy() {
			ids = append(ids, w.CID())
		}
	}
	return ids
}

// Shutdown ends all workers and empties the pool. It returns true if every
// worker finished its command in time.
//
// Shutdown waits until no worker is busy or Config.ShutdownTimeout elapses,
// whichever comes first. Only then it sends endSession to every worker
// holding a process that is not busy, and forcibly terminates every worker
// that is still busy.
func (r *LocalRunner) Shutdown(ctx context.Context) bool {
	timeout := time.Duration(r.cfg.ShutdownTimeout)
	job := &shutdownJob{workers: r.sortedWorkers()}
	logging.Infof(ctx, "Shutting down %d workers", len(job.workers))

	check := func(context.Context) error {
		if ids := job.busyIDs(); len(ids) > 0 {
			return errors.Errorf("workers still busy: %s", strings.Join(ids, ", "))
		}
		return nil
	}
	var err error
	if timeout > 0 {
		err = poll.Poll(ctx, r.clk, check, &poll.Options{Timeout: timeout, Interval: time.Duration(r.cfg.ShutdownPollInterval)})
	} else {
		err = check(ctx)
	}
	drained := err == nil
	if !drained {
		logging.Infof(ctx, "Shutdown wait ended: %v", err)
	}

	var busy []*worker.Worker
	for _, w := range job.workers {
		if w.IsBusy() {
			busy = append(busy, w)
			continue
		}
		if !w.HasProcess() {
			continue
		}
		w.PostMessage(ctx, protocol.NameEndSession, r.endSessionArgs(w))
	}
	for _, w := range busy {
		logging.Errorf(ctx, "Worker %s did not finish within %v; killing it", w.CID(), timeout)
		w.ForceTerminate(ctx)
	}

	r.mu.Lock()
	r.workers = make(map[string]*worker.Worker)
	r.mu.Unlock()

	if err := r.display.Close(); err != nil {
		logging.Infof(ctx, "Failed to stop virtual display: %v", err)
	}
	return drained
}

// endSessionArgs builds the endSession arguments from what w cached about
// its remote session.
func (r *LocalRunner) endSessionArgs(w *worker.Worker) *protocol.EndSessionArgs {
	args := &protocol.EndSessionArgs{
		Watch:         r.cfg.Watch,
		IsMultiremote: w.IsMultiremote(),
	}
	if args.IsMultiremote {
		args.Instances = w.Instances()
	} else if id := w.SessionID(); id != "" {
		args.Config = &protocol.SessionConfig{
			SessionID:    id,
			Capabilities: w.SessionCapabilities(),
			ServerInfo:   w.ServerInfo(),
		}
	}
	return args
}
