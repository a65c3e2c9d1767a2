// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package poll repeatedly evaluates a condition on a clock.
package poll

import (
	"context"
	"time"

	"code.cloudfoundry.org/clock"

	"github.com/nya3jp/localrunner/errors"
	"github.com/nya3jp/localrunner/internal/xcontext"
)

const defaultInterval = 100 * time.Millisecond

// ErrTimeout is the context error of Poll when Options.Timeout is reached.
var ErrTimeout = errors.New("poll timed out")

// Options configures Poll.
type Options struct {
	// Timeout specifies the maximum time to poll.
	// Non-positive values indicate no timeout (although context deadlines
	// will still be honored).
	Timeout time.Duration
	// Interval specifies how long to sleep between polling.
	// Non-positive values indicate that a reasonable default should be used.
	Interval time.Duration
}

// Poll calls f until it returns nil, the timeout elapses or ctx is done.
// Time is measured with clk.
//
// On timeout the last error returned by f is returned wrapped, so that
// callers see why the condition was never met.
func Poll(ctx context.Context, clk clock.Clock, f func(context.Context) error, opts *Options) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if opts != nil && opts.Timeout > 0 {
		var cancel xcontext.CancelFunc
		ctx, cancel = xcontext.WithTimeout(ctx, clk, opts.Timeout, ErrTimeout)
		defer cancel(context.Canceled)
	}

	interval := defaultInterval
	if opts != nil && opts.Interval > 0 {
		interval = opts.Interval
	}

	for {
		err := f(ctx)
		if err == nil {
			return nil
		}

		select {
		case <-clk.After(interval):
		case <-ctx.Done():
			return errors.Wrapf(err, "%v; last error follows", ctx.Err())
		}
	}
}
