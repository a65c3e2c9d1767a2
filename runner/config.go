// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package runner

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/nya3jp/localrunner/errors"
	"github.com/nya3jp/localrunner/protocol"
)

// Duration is a time.Duration read from YAML as a string like "5s".
// Plain integers are read as milliseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var ms int64
	if err := unmarshal(&ms); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", s)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config holds the settings of a LocalRunner.
type Config struct {
	// ShutdownTimeout bounds the wait for busy workers at shutdown. Zero
	// terminates busy workers without waiting.
	ShutdownTimeout Duration `yaml:"shutdownTimeout"`
	// ShutdownPollInterval is the interval of busy checks at shutdown.
	ShutdownPollInterval Duration `yaml:"shutdownPollInterval"`

	// DebugCommandTimeout bounds a single debug evaluation.
	DebugCommandTimeout Duration `yaml:"debugCommandTimeout"`
	// DebugIdleTimeout ends a debug session without user input.
	DebugIdleTimeout Duration `yaml:"debugIdleTimeout"`

	// AutoXvfb starts a virtual display for workers that need one.
	AutoXvfb bool `yaml:"autoXvfb"`
	// XvfbLazy defers starting the display until a worker process that
	// needs it is spawned.
	XvfbLazy bool `yaml:"xvfbLazy"`
	// XvfbArgs overrides the arguments of Xvfb after the display number.
	XvfbArgs []string `yaml:"xvfbArgs"`

	// TerminalMessages are message names that complete a command.
	TerminalMessages []string `yaml:"terminalMessages"`

	// OutputDir is the directory of worker log files.
	OutputDir string `yaml:"outputDir"`
	// Watch tells workers at shutdown that the run is in watch mode.
	Watch bool `yaml:"watch"`
	// Env overrides environment variables of worker processes.
	Env map[string]string `yaml:"env"`
	// WorkerCommand is the command line of worker processes.
	WorkerCommand []string `yaml:"workerCommand"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		ShutdownTimeout:      Duration(5 * time.Second),
		ShutdownPollInterval: Duration(250 * time.Millisecond),
		DebugCommandTimeout:  Duration(5 * time.Second),
		DebugIdleTimeout:     Duration(60 * time.Second),
		AutoXvfb:             true,
		TerminalMessages:     []string{protocol.NameFinishedCommand},
	}
}

// LoadConfig reads a YAML configuration file. Unset fields keep their
// default values.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config")
	}
	return ParseConfig(b)
}

// ParseConfig parses YAML configuration. Unknown fields are rejected.
func ParseConfig(b []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.UnmarshalStrict(b, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cfg for invalid values.
func (c *Config) Validate() error {
	if c.ShutdownTimeout < 0 {
		return errors.Errorf("shutdownTimeout must not be negative: %v", time.Duration(c.ShutdownTimeout))
	}
	if c.ShutdownPollInterval <= 0 {
		return errors.Errorf("shutdownPollInterval must be positive: %v", time.Duration(c.ShutdownPollInterval))
	}
	if c.DebugCommandTimeout <= 0 || c.DebugIdleTimeout <= 0 {
		return errors.New("debug timeouts must be positive")
	}
	if len(c.TerminalMessages) == 0 {
		return errors.New("terminalMessages must not be empty")
	}
	for _, name := range c.TerminalMessages {
		if name == "" {
			return errors.New("terminalMessages must not contain empty names")
		}
	}
	return nil
}
