// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package fakeexec runs the current test binary as a fake worker process.
package fakeexec

import (
	"encoding/json"
	"fmt"
	"os"
)

const (
	// auxMainNameEnv is the name of an environment variable that specifies
	// a name of an auxiliary main function to run.
	auxMainNameEnv = "AUX_MAIN_NAME"

	// auxMainValueEnv is the name of an environment variable that carries
	// an extra value passed to an auxiliary main function.
	auxMainValueEnv = "AUX_MAIN_VALUE"
)

// AuxMain represents an auxiliary main function taking a parameter of type T.
type AuxMain[T any] struct {
	name string
}

// Params creates AuxMainParams that contains information necessary to execute
// the auxiliary main function with v.
func (a *AuxMain[T]) Params(v T) (*AuxMainParams, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	p, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &AuxMainParams{
		executable: exe,
		name:       a.name,
		param:      string(p),
	}, nil
}

// AuxMainParams contains information necessary to execute an auxiliary main
// function.
type AuxMainParams struct {
	executable string
	name       string
	param      string
}

// Executable returns a path to the current executable.
func (a *AuxMainParams) Executable() string {
	return a.executable
}

// Envs returns environment variables to be set to execute the auxiliary main
// function, in the form of "key=value".
func (a *AuxMainParams) Envs() []string {
	return []string{
		fmt.Sprintf("%s=%s", auxMainNameEnv, a.name),
		fmt.Sprintf("%s=%s", auxMainValueEnv, a.param),
	}
}

var knownNames = map[string]struct{}{}

// NewAuxMain registers a new auxiliary main function.
//
// name must be unique within the current executable; otherwise this function
// panics. NewAuxMain must be called in a top-level variable initialization:
//
//	var workerMain = fakeexec.NewAuxMain("worker", func(p workerParams) {
//		// Another main function here...
//	})
//
// If the current process is executed for the auxiliary main, NewAuxMain
// immediately calls f and exits with status 0 once f returns. Otherwise
// *AuxMain is returned, which you can use to start a subprocess running the
// auxiliary main.
func NewAuxMain[T any](name string, f func(T)) *AuxMain[T] {
	if _, found := knownNames[name]; found {
		panic(fmt.Sprintf("fakeexec.NewAuxMain: Multiple registrations for %q", name))
	}
	knownNames[name] = struct{}{}

	if os.Getenv(auxMainNameEnv) != name {
		return &AuxMain[T]{name: name}
	}

	var v T
	if err := json.Unmarshal([]byte(os.Getenv(auxMainValueEnv)), &v); err != nil {
		panic(fmt.Sprintf("fakeexec.AuxMain: %s: failed to unmarshal parameter: %v", name, err))
	}
	f(v)
	os.Exit(0)
	panic("unreachable")
}
