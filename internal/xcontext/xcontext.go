// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package xcontext provides Context with custom errors.
//
// Deadlines are measured with a caller-supplied clock so that the runner can
// drive them from a fake clock in unit tests.
package xcontext

import (
	"context"
	"sync/atomic"
	"time"

	"code.cloudfoundry.org/clock"
)

// CancelFunc is a function to cancel an associated context with a specified
// error. If a context is already canceled, calling this function has no effect.
// It panics if err is nil.
// Upon returning from this function, an associated context is guaranteed to be
// in a canceled state (i.e. Done channel is closed, Err returns non-nil).
type CancelFunc func(err error)

// contextImpl implements context.Context with custom errors.
type contextImpl struct {
	parent context.Context

	hasDeadline bool
	deadline    time.Time

	done chan struct{}

	// req has capacity=1 so that sending a first error over it does not block.
	req chan error

	errValue atomic.Value
}

// newContext returns a new context. If deadlineErr is nil, a new context has
// the same deadline as its parent and reqDeadline is ignored. Otherwise the
// deadline is reqDeadline or that of the parent, whichever comes earlier.
func newContext(parent context.Context, clk clock.Clock, deadlineErr error, reqDeadline time.Time) (context.Context, CancelFunc) {
	newDeadline := false
	deadline, hasDeadline := parent.Deadline()
	if deadlineErr != nil && (!hasDeadline || reqDeadline.Before(deadline)) {
		deadline = reqDeadline
		hasDeadline = true
		newDeadline = true
	}

	ctx := &contextImpl{
		parent:      parent,
		hasDeadline: hasDeadline,
		deadline:    deadline,
		done:        make(chan struct{}),
		req:         make(chan error, 1),
	}

	if err := func() error {
		if err := parent.Err(); err != nil {
			return err
		}
		if newDeadline && !deadline.After(clk.Now()) {
			return deadlineErr
		}
		return nil
	}(); err != nil {
		ctx.errValue.Store(err)
		close(ctx.done)
		return ctx, ctx.cancel
	}

	go func() {
		err := func() error {
			var dl <-chan time.Time
			if newDeadline {
				tm := clk.NewTimer(deadline.Sub(clk.Now()))
				defer tm.Stop()
				dl = tm.C()
			}

			select {
			case <-parent.Done():
				return parent.Err()
			case <-dl:
				return deadlineErr
			case err := <-ctx.req:
				return err
			}
		}()
		ctx.errValue.Store(err)
		close(ctx.done)
	}()

	return ctx, ctx.cancel
}

func (c *contextImpl) Deadline() (deadline time.Time, ok bool) {
	return c.deadline, c.hasDeadline
}

func (c *contextImpl) Done() <-chan struct{} {
	return c.done
}

// Err returns a non-nil error if the context has been canceled. It may
// return an error different from context.Canceled or
// context.DeadlineExceeded.
func (c *contextImpl) Err() error {
	if val := c.errValue.Load(); val != nil {
		return val.(error)
	}
	return nil
}

func (c *contextImpl) Value(key interface{}) interface{} {
	return c.parent.Value(key)
}

func (c *contextImpl) cancel(err error) {
	if err == nil {
		panic("xcontext: Cancel called with nil")
	}
	select {
	case c.req <- err:
	default:
	}
	<-c.done
}

// WithCancel returns a context that can be canceled with arbitrary errors.
func WithCancel(parent context.Context) (context.Context, CancelFunc) {
	return newContext(parent, clock.NewClock(), nil, time.Time{})
}

// WithDeadline returns a context that is canceled with err once clk reaches
// t. It panics if err is nil.
func WithDeadline(parent context.Context, clk clock.Clock, t time.Time, err error) (context.Context, CancelFunc) {
	if err == nil {
		panic("xcontext: WithDeadline called with nil err")
	}
	return newContext(parent, clk, err, t)
}

// WithTimeout returns a context that is canceled with err after d has
// elapsed on clk. It panics if err is nil.
func WithTimeout(parent context.Context, clk clock.Clock, d time.Duration, err error) (context.Context, CancelFunc) {
	if err == nil {
		panic("xcontext: WithTimeout called with nil err")
	}
	return WithDeadline(parent, clk, clk.Now().Add(d), err)
}
