// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package command_test

import (
	"flag"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nya3jp/localrunner/errors"
	"github.com/nya3jp/localrunner/internal/command"
)

func TestDurationFlag(t *testing.T) {
	for _, tc := range []struct {
		units time.Duration // units for flag
		args  []string      // args to parse
		def   time.Duration // default value for flag
		exp   time.Duration // expected value
	}{
		{time.Second, []string{}, 0, 0},
		{time.Second, []string{}, 10 * time.Second, 10 * time.Second},
		{time.Second, []string{"-flag=5"}, 0, 5 * time.Second},
		{time.Millisecond, []string{"-flag=250"}, 0, 250 * time.Millisecond},
	} {
		var d time.Duration
		fs := flag.NewFlagSet("", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		fs.Var(command.NewDurationFlag(tc.units, &d, tc.def), "flag", "usage")

		if err := fs.Parse(tc.args); err != nil {
			t.Errorf("%v produced error: %v", tc.args, err)
		} else if d != tc.exp {
			t.Errorf("%v resulted in %v; want %v", tc.args, d, tc.exp)
		}
	}
}

func TestDurationFlagInvalid(t *testing.T) {
	var d time.Duration
	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Var(command.NewDurationFlag(time.Second, &d, 0), "flag", "usage")
	if err := fs.Parse([]string{"-flag=5s"}); err == nil {
		t.Error("Parse succeeded for a non-integer duration")
	}
}

func TestListFlag(t *testing.T) {
	for _, tc := range []struct {
		sep  string   // separator to use
		args []string // args to parse
		def  []string // default value for flag
		exp  []string // expected values
	}{
		{",", []string{}, nil, nil},
		{",", []string{}, []string{"foo", "bar"}, []string{"foo", "bar"}},
		{",", []string{"-flag=foo,bar"}, []string{"default"}, []string{"foo", "bar"}},
		{" ", []string{"-flag=-screen 0"}, nil, []string{"-screen", "0"}},
	} {
		var vals []string
		fs := flag.NewFlagSet("", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		fs.Var(command.NewListFlag(tc.sep, func(v []string) { vals = v }, tc.def), "flag", "usage")

		if err := fs.Parse(tc.args); err != nil {
			t.Errorf("%v produced error: %v", tc.args, err)
		} else if diff := cmp.Diff(vals, tc.exp); diff != "" {
			t.Errorf("%v resulted in unexpected values (-got +want):\n%s", tc.args, diff)
		}
	}
}

func TestRepeatedFlag(t *testing.T) {
	env := make(map[string]string)
	rf := command.RepeatedFlag(func(v string) error {
		k, val, ok := strings.Cut(v, "=")
		if !ok {
			return errors.Errorf("%q is not KEY=VALUE", v)
		}
		env[k] = val
		return nil
	})
	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Var(&rf, "env", "usage")

	if err := fs.Parse([]string{"-env=A=1", "-env=B=x=y"}); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(env, map[string]string{"A": "1", "B": "x=y"}); diff != "" {
		t.Errorf("Unexpected values (-got +want):\n%s", diff)
	}
	if err := fs.Parse([]string{"-env=bogus"}); err == nil {
		t.Error("Parse succeeded for a malformed value")
	}
}

func ExampleListFlag() {
	var dest []string
	assign := func(v []string) { dest = v }
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.Var(command.NewListFlag(",", assign, []string{"a", "b"}), "flag", "usage")

	flags.Parse([]string{})
	fmt.Println("no flag:", dest)

	flags.Parse([]string{"-flag=c,d,e"})
	fmt.Println("flag:", dest)

	// Output:
	// no flag: [a b]
	// flag: [c d e]
}
