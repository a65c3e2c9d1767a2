// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Environment variables set for worker processes.
const (
	LogPathEnv    = "WDIO_LOG_PATH"
	WorkerIDEnv   = "WDIO_WORKER_ID"
	ForceColorEnv = "FORCE_COLOR"
	DisplayEnv    = "DISPLAY"
)

// defaultLogName is used when no spec file name is usable.
const defaultLogName = "wdio"

// LogPath returns the path of the log file of worker cid running specs.
// The file is named after the first spec file without its last extension,
// e.g. "my.test.e2e-0-5.log" for "/path/to/my.test.e2e.ts".
func LogPath(outputDir string, specs []string, cid string) string {
	name := defaultLogName
	if len(specs) > 0 && specs[0] != "" {
		base := filepath.Base(specs[0])
		if n := strings.TrimSuffix(base, filepath.Ext(base)); n != "" && n != "." && n != string(filepath.Separator) {
			name = n
		}
	}
	return filepath.Join(outputDir, fmt.Sprintf("%s-%s.log", name, cid))
}

// buildEnv returns the environment of a worker process as sorted
// "key=value" entries.
func buildEnv(base []string, cid string, opts *Options, display string) []string {
	env := make(map[string]string)
	for _, kv := range base {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	env[LogPathEnv] = LogPath(opts.OutputDir, opts.Specs, cid)
	env[WorkerIDEnv] = cid
	for k, v := range opts.Env {
		env[k] = v
	}
	env[ForceColorEnv] = "1"
	if display != "" && env[DisplayEnv] == "" {
		env[DisplayEnv] = display
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	res := make([]string, len(keys))
	for i, k := range keys {
		res[i] = k + "=" + env[k]
	}
	return res
}

// Env returns the environment the worker process is started with.
func (w *Worker) Env() []string {
	var display string
	if w.opts.Display != nil {
		display = w.opts.Display.Value()
	}
	return buildEnv(os.Environ(), w.cid, &w.opts, display)
}
