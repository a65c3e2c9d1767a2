// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package protocol

import "encoding/json"

// CommandContent is the content of every command sent to a worker. Args
// carries the command-specific arguments: the runner arguments for run, and
// EndSessionArgs for endSession.
type CommandContent struct {
	CID          string                 `json:"cid"`
	ConfigFile   string                 `json:"configFile,omitempty"`
	Args         json.RawMessage        `json:"args,omitempty"`
	Capabilities map[string]interface{} `json:"caps,omitempty"`
	Specs        []string               `json:"specs"`
	Retries      int                    `json:"retries"`
}

// ServerInfo describes the remote driver a worker connected to.
type ServerInfo struct {
	Hostname string `json:"hostname,omitempty"`
	Port     int    `json:"port,omitempty"`
	Protocol string `json:"protocol,omitempty"`
	Path     string `json:"path,omitempty"`
}

// IsZero reports whether no connection metadata is set.
func (s ServerInfo) IsZero() bool {
	return s == ServerInfo{}
}

// Instance is a single browser instance of a multiremote session.
type Instance struct {
	SessionID    string                 `json:"sessionId"`
	Capabilities map[string]interface{} `json:"capabilities,omitempty"`
}

// SessionStarted is the content of a sessionStarted message.
type SessionStarted struct {
	SessionID     string                 `json:"sessionId,omitempty"`
	IsMultiremote bool                   `json:"isMultiremote,omitempty"`
	Instances     map[string]Instance    `json:"instances,omitempty"`
	Capabilities  map[string]interface{} `json:"capabilities,omitempty"`
	ServerInfo
}

// Keys of SessionStarted content that workers cache rather than broadcast.
const (
	SessionIDKey = "sessionId"
	InstancesKey = "instances"
)

// SessionConfig identifies a single remote session to close.
type SessionConfig struct {
	SessionID    string                 `json:"sessionId"`
	Capabilities map[string]interface{} `json:"capabilities,omitempty"`
	ServerInfo
}

// EndSessionArgs is the content of an endSession command.
type EndSessionArgs struct {
	Watch         bool                `json:"watch"`
	IsMultiremote bool                `json:"isMultiremote"`
	Instances     map[string]Instance `json:"instances,omitempty"`
	Config        *SessionConfig      `json:"config,omitempty"`
}

// ErrorInfo is the content of an error message, and the error part of an
// evaluation result.
type ErrorInfo struct {
	Name    string `json:"name,omitempty"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// EvalArgs is the content of a debugger eval message.
type EvalArgs struct {
	Cmd string `json:"cmd"`
	ID  string `json:"id,omitempty"`
}

// EvalResult is the params of a debugger eval-result message.
type EvalResult struct {
	ID     string          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorInfo      `json:"error,omitempty"`
}

// FinishedCommand is the content of a finishedCommand message.
type FinishedCommand struct {
	Command  string `json:"command,omitempty"`
	ExitCode int    `json:"exitCode"`
}
