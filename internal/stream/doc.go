// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package stream provides the output plumbing between worker processes and
// the shared log sink of the runner.
package stream
