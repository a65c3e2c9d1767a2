// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package genericexec provides a common interface to start worker processes
// with an IPC channel attached.
package genericexec
