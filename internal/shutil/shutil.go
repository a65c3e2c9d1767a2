// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package shutil formats command lines for logs and generated scripts.
package shutil

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// The character class \w is equivalent to [0-9A-Za-z_]. Leading equals
	// sign is unsafe in zsh.
	leadingSafeChars  = `-\w@%+:,./`
	trailingSafeChars = leadingSafeChars + "="
)

var safeRE = regexp.MustCompile(fmt.Sprintf("^[%s][%s]*$", leadingSafeChars, trailingSafeChars))

// Escape quotes s so it can be included as a single shell argument.
// s is returned unmodified if no quoting is needed.
func Escape(s string) string {
	if safeRE.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// EscapeSlice joins args into a shell command line.
func EscapeSlice(args []string) string {
	escaped := make([]string, len(args))
	for i, arg := range args {
		escaped[i] = Escape(arg)
	}
	return strings.Join(escaped, " ")
}

// CommandLine formats a command invocation with environment assignments,
// e.g. "FOO=bar ./worker --flag". Only env entries of the form key=value are
// included; values are escaped.
func CommandLine(env []string, name string, args ...string) string {
	var parts []string
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		parts = append(parts, k+"="+Escape(v))
	}
	parts = append(parts, Escape(name))
	for _, a := range args {
		parts = append(parts, Escape(a))
	}
	return strings.Join(parts, " ")
}
