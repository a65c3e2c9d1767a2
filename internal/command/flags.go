// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package command

import (
	"strconv"
	"strings"
	"time"
)

// DurationFlag implements flag.Value to save a user-supplied integer
// duration with fixed units to a time.Duration.
type DurationFlag struct {
	units time.Duration
	dst   *time.Duration
}

// NewDurationFlag returns a DurationFlag that will save a duration with the
// supplied units to dst.
func NewDurationFlag(units time.Duration, dst *time.Duration, def time.Duration) *DurationFlag {
	*dst = def
	return &DurationFlag{units, dst}
}

// Set sets the flag value.
func (f *DurationFlag) Set(v string) error {
	num, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return err
	}
	*f.dst = time.Duration(num) * f.units
	return nil
}

func (f *DurationFlag) String() string {
	if f.dst == nil || f.units == 0 {
		return ""
	}
	return strconv.FormatInt(int64(*f.dst/f.units), 10)
}

// ListFlag implements flag.Value to split a user-supplied string with a
// custom delimiter into a slice of strings.
type ListFlag struct {
	sep    string
	assign func([]string)
	def    []string
}

// NewListFlag returns a ListFlag using sep as a delimiter and assign to
// save the list. def is assigned at construction time.
func NewListFlag(sep string, assign func([]string), def []string) *ListFlag {
	assign(def)
	return &ListFlag{sep, assign, def}
}

// Set sets the flag value.
func (f *ListFlag) Set(v string) error {
	f.assign(strings.Split(v, f.sep))
	return nil
}

func (f *ListFlag) String() string { return strings.Join(f.def, f.sep) }

// RepeatedFlag implements flag.Value around an assignment function that is
// executed each time the flag is supplied.
type RepeatedFlag func(v string) error

// Set calls the assignment function.
func (f *RepeatedFlag) Set(v string) error { return (*f)(v) }

func (f *RepeatedFlag) String() string { return "" }
