// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tracker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"git.arvados.org/sqtrack.git/lib/sqcli"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// A SchedulerClient answers the queries a monitor makes about its
// job. *sqcli.CLI implements it.
type SchedulerClient interface {
	JobState(jobID string) (sqcli.State, error)
	ListNodes(jobID string) ([]string, error)
}

// A NodeProber reports which of the given nodes do not respond to a
// reachability probe.
type NodeProber interface {
	Unreachable(ctx context.Context, nodes []string) []string
}

// A Notifier delivers one notification per Send call.
type Notifier interface {
	Send(subject, logPath string) error
}

// State of one monitoring session.
type State int

const (
	// Job is still queued, or has not produced a log file yet.
	StateWaiting State = iota
	// Job is running and being watched.
	StateActive
	// Monitoring is over; the end notification has been sent.
	StateTerminated
)

var stateString = map[State]string{
	StateWaiting:    "WaitingForStart",
	StateActive:     "Active",
	StateTerminated: "Terminated",
}

// String implements fmt.Stringer.
func (s State) String() string {
	return stateString[s]
}

// MarshalText implements encoding.TextMarshaler so a State can be
// printed in a JSON log entry.
func (s State) MarshalText() ([]byte, error) {
	return []byte(stateString[s]), nil
}

// TerminationCause reports why a monitoring session ended.
type TerminationCause string

const (
	// Scheduler reported the job dead.
	CauseJobEnded TerminationCause = "job ended"
	// One or more of the job's nodes stopped responding.
	CauseNodeFailure TerminationCause = "node failure"
)

// Notification events. Also the middle field of notification
// subjects, as in "123456 | JOB ENDED | Mon Aug 24 10:15:04 EDT
// 2026".
const (
	eventJobEnded    = "JOB ENDED"
	eventNodeFailure = "NODE FAILURE"
	eventFrozen      = "FROZEN JOB ?"
)

// A Monitor watches one submitted job until the scheduler reports it
// dead or one of its nodes stops responding, notifying the operator
// about job-ending and frozen-looking conditions on the way.
type Monitor struct {
	Client   SchedulerClient
	Prober   NodeProber
	Notifier Notifier
	Logger   logrus.FieldLogger

	// Job being watched. ID and LogPath must be set by the
	// caller; State and Nodes are maintained by the monitor.
	Job sqcli.Job

	// Time between polls.
	PollInterval time.Duration
	// An active job whose log file has not been written for
	// longer than this gets a frozen-job notification.
	FreezeThreshold time.Duration

	// Destination for monitor metrics. Nil disables metrics.
	Registry *prometheus.Registry

	mtx            sync.Mutex
	state          State
	frozenNotified bool
	metrics        *metrics
}

// State returns the session's current state.
func (m *Monitor) State() State {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.state
}

func (m *Monitor) setState(st State) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.state == st {
		return
	}
	m.state = st
	m.Logger.WithField("State", st).Info("monitor state changed")
}

// CheckHealth implements the management API health check.
func (m *Monitor) CheckHealth() error {
	if m.State() == StateTerminated {
		return errors.New("monitoring has terminated")
	}
	return nil
}

// Run watches the job until it terminates or ctx is canceled, and
// returns the cause of termination.
//
// Scheduler and filesystem errors are returned to the caller and
// leave the session un-terminated: no end-of-job notification has
// been sent, and the caller is expected to treat the error as fatal.
func (m *Monitor) Run(ctx context.Context) (TerminationCause, error) {
	m.metrics = newMetrics(m.Registry)
	m.setState(StateWaiting)
	if err := m.waitForStart(ctx); err != nil {
		return "", err
	}
	m.setState(StateActive)
	// Give the scheduler one more poll interval to finish
	// assigning nodes before recording the job's node list.
	if err := m.sleep(ctx); err != nil {
		return "", err
	}
	nodes, err := m.Client.ListNodes(m.Job.ID)
	if err != nil {
		return "", err
	}
	m.Job.Nodes = nodes
	m.Logger.WithField("Nodes", nodes).Info("job is running")
	for {
		cause, err := m.check(ctx)
		if err != nil {
			return "", err
		}
		if cause != "" {
			m.setState(StateTerminated)
			return cause, nil
		}
		if err := m.sleep(ctx); err != nil {
			return "", err
		}
	}
}

// waitForStart polls until the job has left the queue and its log
// file exists.
func (m *Monitor) waitForStart(ctx context.Context) error {
	for {
		state, err := m.Client.JobState(m.Job.ID)
		if err != nil {
			return err
		}
		m.Job.State = state
		_, err = os.Stat(m.Job.LogPath)
		logExists := err == nil
		if logExists && state != sqcli.StateQueued && state != sqcli.StateUnknown {
			return nil
		}
		m.Logger.WithFields(logrus.Fields{
			"State":         state,
			"LogFileExists": logExists,
		}).Info("waiting for job to start")
		if err := m.sleep(ctx); err != nil {
			return err
		}
	}
}

// check performs one active-phase poll, and returns a non-empty
// TerminationCause if monitoring should stop.
func (m *Monitor) check(ctx context.Context) (TerminationCause, error) {
	m.metrics.checks.Inc()

	fi, err := os.Stat(m.Job.LogPath)
	if err != nil {
		return "", err
	}
	idle := time.Since(fi.ModTime())
	m.metrics.logIdle.Set(idle.Seconds())
	m.Logger.WithField("SecondsSinceLogUpdate", int(idle/time.Second)).Debug("checked log file")

	state, err := m.Client.JobState(m.Job.ID)
	if err != nil {
		return "", err
	}
	m.Job.State = state
	if state == sqcli.StateDead {
		m.Logger.Info("job has ended")
		m.notify(eventJobEnded)
		return CauseJobEnded, nil
	}

	if down := m.Prober.Unreachable(ctx, m.Job.Nodes); len(down) > 0 {
		m.Logger.WithField("Nodes", down).Warn("nodes stopped responding")
		m.metrics.nodeFailures.Add(float64(len(down)))
		m.notify(eventNodeFailure)
		return CauseNodeFailure, nil
	}

	if idle > m.FreezeThreshold && !m.frozenNotified {
		m.Logger.WithField("SecondsSinceLogUpdate", int(idle/time.Second)).Warn("job looks frozen")
		// Set before sending: at most one frozen-job warning
		// per session, even if delivery fails.
		m.frozenNotified = true
		m.notify(eventFrozen)
	}
	return "", nil
}

func (m *Monitor) notify(event string) {
	subject := fmt.Sprintf("%s | %s | %s", m.Job.ID, event, time.Now().Format(time.UnixDate))
	if err := m.Notifier.Send(subject, m.Job.LogPath); err != nil {
		m.Logger.WithField("Event", event).WithError(err).Warn("error sending notification")
		m.metrics.notifyErrors.Inc()
	} else {
		m.metrics.notifications.WithLabelValues(event).Inc()
	}
}

// sleep pauses until the next poll is due, returning early with an
// error if ctx is canceled.
func (m *Monitor) sleep(ctx context.Context) error {
	timer := time.NewTimer(m.PollInterval)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
