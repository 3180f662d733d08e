// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package config loads the sqtrack configuration from a YAML or JSON
// file, with fallback defaults suitable for a SHARCNET-style cluster,
// and applies overrides from SQTRACK_* environment variables.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ghodss/yaml"
	"github.com/google/shlex"
)

// DefaultConfigPath is the config file used when the -config flag and
// SQTRACK_CONFIG are not set. It is not an error for this file to be
// missing.
var DefaultConfigPath = "/etc/sqtrack/sqtrack.yml"

// Config is the root of the sqtrack configuration tree.
type Config struct {
	Scheduler  SchedulerConfig
	Monitor    MonitorConfig
	Notify     NotifyConfig
	Management ManagementConfig
	Log        LogConfig

	// Directory where per-job lockfiles and monitor logs are kept.
	LockDir string
}

// SchedulerConfig names the cluster scheduler commands and the
// arguments every submission starts with.
type SchedulerConfig struct {
	// Job submission command, e.g., "sqsub".
	SubmitCommand string
	// Arguments passed to SubmitCommand before the caller's own
	// arguments.
	DefaultArgs []string
	// Per-job attribute query command, e.g., "sqjobs". Invoked as
	// "{QueryCommand} -l {jobid}".
	QueryCommand string
	// Node listing command, e.g., "sqhosts". Invoked with no
	// arguments; output is filtered by job ID.
	HostsCommand string
	// Underlying batch system query command used to map a job ID
	// to the ID the batch system itself assigned, e.g., "qstat".
	ResolveCommand string
	// Placeholder the scheduler leaves in reported log file paths
	// until the batch system ID is known.
	LogPathPlaceholder string
}

// MonitorConfig controls the polling monitor.
type MonitorConfig struct {
	// Time between polls of job state, log file, and nodes.
	PollInterval Duration
	// A running job whose log file has not changed for longer than
	// this is reported as possibly frozen.
	FreezeThreshold Duration
	// Reachability probe command, e.g., "ping". Invoked as
	// "{PingCommand} -c 1 -w {seconds} {node}".
	PingCommand string
	// Deadline for a single reachability probe.
	ProbeTimeout Duration
}

// NotifyConfig controls how notifications are delivered.
type NotifyConfig struct {
	// Command run to deliver one notification, with the job's log
	// content on stdin. %s is replaced with the subject, %u with
	// the invoking user, %f with the log file path, and %% with a
	// literal %.
	Command []string
}

// ManagementConfig enables the optional HTTP management interface
// (health checks and prometheus metrics) of a running monitor.
type ManagementConfig struct {
	// Listen address, e.g., "localhost:9500". Empty disables the
	// management interface.
	Address string
	// Authorization token for management requests.
	Token string
}

// LogConfig controls monitor logging.
type LogConfig struct {
	Level  string
	Format string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return &Config{
		Scheduler: SchedulerConfig{
			SubmitCommand:      "sqsub",
			DefaultArgs:        []string{"-q", "chemeng", "-f", "mpi", "-r", "14d"},
			QueryCommand:       "sqjobs",
			HostsCommand:       "sqhosts",
			ResolveCommand:     "qstat",
			LogPathPlaceholder: "${PBS_JOBID}",
		},
		Monitor: MonitorConfig{
			PollInterval:    Duration(15 * time.Second),
			FreezeThreshold: Duration(90 * time.Minute),
			PingCommand:     "ping",
			ProbeTimeout:    Duration(10 * time.Second),
		},
		Notify: NotifyConfig{
			Command: []string{"mail", "-s", "%s", "%u"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		LockDir: filepath.Join(home, ".sqtrack"),
	}
}

// Load returns the default configuration, overlaid with the content
// of the file at path, overlaid with SQTRACK_* environment variables.
//
// If path is DefaultConfigPath and no such file exists, the file is
// skipped without error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	buf, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) || path != DefaultConfigPath {
			return nil, err
		}
	} else if err = yaml.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("error decoding config %q: %s", path, err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Check()
}

func (cfg *Config) applyEnv() error {
	if s := os.Getenv("SQTRACK_DEFAULT_ARGS"); s != "" {
		args, err := shlex.Split(s)
		if err != nil {
			return fmt.Errorf("SQTRACK_DEFAULT_ARGS: %s", err)
		}
		cfg.Scheduler.DefaultArgs = args
	}
	if s := os.Getenv("SQTRACK_NOTIFY_COMMAND"); s != "" {
		args, err := shlex.Split(s)
		if err != nil {
			return fmt.Errorf("SQTRACK_NOTIFY_COMMAND: %s", err)
		}
		cfg.Notify.Command = args
	}
	if s := os.Getenv("SQTRACK_POLL_INTERVAL"); s != "" {
		if err := cfg.Monitor.PollInterval.Set(s); err != nil {
			return fmt.Errorf("SQTRACK_POLL_INTERVAL: %s", err)
		}
	}
	if s := os.Getenv("SQTRACK_FREEZE_THRESHOLD"); s != "" {
		if err := cfg.Monitor.FreezeThreshold.Set(s); err != nil {
			return fmt.Errorf("SQTRACK_FREEZE_THRESHOLD: %s", err)
		}
	}
	if s := os.Getenv("SQTRACK_LOCK_DIR"); s != "" {
		cfg.LockDir = s
	}
	if s := os.Getenv("SQTRACK_LOG_LEVEL"); s != "" {
		cfg.Log.Level = s
	}
	return nil
}

// Check returns an error if the configuration cannot work.
func (cfg *Config) Check() error {
	if cfg.Scheduler.SubmitCommand == "" {
		return fmt.Errorf("config error: Scheduler.SubmitCommand is empty")
	}
	if cfg.Monitor.PollInterval <= 0 {
		return fmt.Errorf("config error: Monitor.PollInterval must be positive, got %s", cfg.Monitor.PollInterval)
	}
	if cfg.Monitor.FreezeThreshold <= 0 {
		return fmt.Errorf("config error: Monitor.FreezeThreshold must be positive, got %s", cfg.Monitor.FreezeThreshold)
	}
	if len(cfg.Notify.Command) == 0 {
		return fmt.Errorf("config error: Notify.Command is empty")
	}
	if cfg.LockDir == "" {
		return fmt.Errorf("config error: LockDir is empty")
	}
	return nil
}

// Dump writes the configuration to w as YAML.
func (cfg *Config) Dump(w io.Writer) error {
	buf, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}
