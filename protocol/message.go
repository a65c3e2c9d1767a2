// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package protocol defines the messages exchanged between the local runner
// and its worker processes.
//
// Messages are JSON objects sent one per line over a bidirectional IPC
// channel. The same schema is used in both directions. Ordinary test traffic
// has an empty origin; traffic of the interactive debug bridge carries
// OriginDebugger.
package protocol

import (
	"encoding/json"

	"github.com/nya3jp/localrunner/errors"
)

// Origin distinguishes ordinary worker traffic from debug bridge traffic.
type Origin string

const (
	// OriginWorker is the origin of ordinary run traffic.
	OriginWorker Origin = ""
	// OriginDebugger is the origin of debug bridge traffic.
	OriginDebugger Origin = "debugger"
)

// Names of commands sent from the runner to workers.
const (
	NameRun        = "run"
	NameEndSession = "endSession"
)

// Names of lifecycle messages sent from workers to the runner.
const (
	NameReady           = "ready"
	NameSessionStarted  = "sessionStarted"
	NameFinishedCommand = "finishedCommand"
	NameError           = "error"
)

// Names of debug bridge messages. NameStart and NameStop travel in both
// directions: a worker asks for a session with start, and the runner tells
// the worker with stop that the session is over.
const (
	NameStart      = "start"
	NameEval       = "eval"
	NameStop       = "stop"
	NameEvalResult = "eval-result"
	// NameResult is accepted as an alias of NameEvalResult.
	NameResult = "result"
)

// Message is the unit of communication between the runner and a worker.
type Message struct {
	Origin  Origin          `json:"origin,omitempty"`
	Name    string          `json:"name"`
	Content json.RawMessage `json:"content,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	// CID is the id of the worker that sent the message. Workers never set
	// it; the runner fills it in before handing a message to its callers.
	CID string `json:"cid,omitempty"`
}

// NewMessage returns a message with content marshaled as JSON.
// A nil content leaves Message.Content empty.
func NewMessage(origin Origin, name string, content interface{}) (*Message, error) {
	msg := &Message{Origin: origin, Name: name}
	if content == nil {
		return msg, nil
	}
	b, err := json.Marshal(content)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to marshal content of %q", name)
	}
	msg.Content = b
	return msg, nil
}

// IsDebugger reports whether m belongs to the debug bridge.
func (m *Message) IsDebugger() bool {
	return m.Origin == OriginDebugger
}

// DecodeContent unmarshals the content of m into v.
func (m *Message) DecodeContent(v interface{}) error {
	if len(m.Content) == 0 {
		return errors.Errorf("message %q has no content", m.Name)
	}
	if err := json.Unmarshal(m.Content, v); err != nil {
		return errors.Wrapf(err, "failed to decode content of %q", m.Name)
	}
	return nil
}

// DecodeParams unmarshals the params of m into v. Empty params leave v
// untouched.
func (m *Message) DecodeParams(v interface{}) error {
	if len(m.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Params, v); err != nil {
		return errors.Wrapf(err, "failed to decode params of %q", m.Name)
	}
	return nil
}

// WithCID returns a shallow copy of m annotated with cid.
func (m *Message) WithCID(cid string) *Message {
	c := *m
	c.CID = cid
	return &c
}
