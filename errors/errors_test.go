// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package errors

import (
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"testing"
)

func check(t *testing.T, err error, msg string, traceRegexp *regexp.Regexp) {
	t.Helper()
	if s := err.Error(); s != msg {
		t.Errorf("Wrong error message %q; want %q", s, msg)
	}
	if s := fmt.Sprintf("%v", err); s != msg {
		t.Errorf("Wrong default value %q; want %q", s, msg)
	}
	if tr := fmt.Sprintf("%+v", err); !traceRegexp.MatchString(tr) {
		t.Errorf("Wrong trace %q; should match %q", tr, traceRegexp)
	}
}

func TestNew(t *testing.T) {
	traceRegexp := regexp.MustCompile(`^worker busy
	at github\.com/nya3jp/localrunner/errors\.TestNew \(errors_test.go:\d+\)`)
	check(t, New("worker busy"), "worker busy", traceRegexp)
}

func TestErrorf(t *testing.T) {
	traceRegexp := regexp.MustCompile(`^worker 0-5 busy
	at github\.com/nya3jp/localrunner/errors\.TestErrorf \(errors_test.go:\d+\)`)
	check(t, Errorf("worker %s busy", "0-5"), "worker 0-5 busy", traceRegexp)
}

func TestWrap(t *testing.T) {
	traceRegexp := regexp.MustCompile(`(?s)^spawn failed
	at github\.com/nya3jp/localrunner/errors\.TestWrap \(errors_test.go:\d+\)
.*
no such file
	at github\.com/nya3jp/localrunner/errors\.TestWrap \(errors_test.go:\d+\)`)
	check(t, Wrap(New("no such file"), "spawn failed"), "spawn failed: no such file", traceRegexp)
}

func TestWrapForeignError(t *testing.T) {
	traceRegexp := regexp.MustCompile(`(?s)^spawn failed
	at github\.com/nya3jp/localrunner/errors\.TestWrapForeignError \(errors_test.go:\d+\)
.*
no such file
	at \?\?\?$`)
	check(t, Wrap(stderrors.New("no such file"), "spawn failed"), "spawn failed: no such file", traceRegexp)
}

func TestWrapNil(t *testing.T) {
	traceRegexp := regexp.MustCompile(`^spawn failed
	at github\.com/nya3jp/localrunner/errors\.TestWrapNil \(errors_test.go:\d+\)`)
	check(t, Wrap(nil, "spawn failed"), "spawn failed", traceRegexp)
}

func TestIsAs(t *testing.T) {
	sentinel := New("timed out")
	err := Wrapf(Wrap(sentinel, "eval"), "worker %s", "0-1")
	if !Is(err, sentinel) {
		t.Errorf("Is(%v, %v) = false; want true", err, sentinel)
	}
	if Unwrap(Unwrap(err)) != sentinel {
		t.Error("Unwrap chain does not reach the sentinel")
	}

	_, statErr := os.Stat("/nonexistent/localrunner")
	var pathErr *fs.PathError
	if !As(Wrap(statErr, "stat"), &pathErr) {
		t.Errorf("As did not find *fs.PathError in %v", statErr)
	}
}
