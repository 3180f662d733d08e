// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package sqcli

import "strings"

// Job is one submitted batch job, as tracked by a monitor.
type Job struct {
	// Scheduler-assigned job ID.
	ID string
	// Path of the job's output log file, with placeholders
	// resolved.
	LogPath string
	// Most recently observed scheduler state.
	State State
	// Names of the nodes assigned to the job, recorded once when
	// the job starts running.
	Nodes []string
}

// State is a job state as reported by the scheduler's queue listing.
type State string

const (
	StateUnknown State = "Unknown"
	StateQueued  State = "Queued"
	StateRunning State = "Running"
	StateDead    State = "Dead"
)

// ParseState maps a state token from the scheduler's queue listing
// (a single letter, sometimes starred, e.g., "R" or "*Q") to a State.
// Unrecognized tokens map to StateUnknown.
func ParseState(token string) State {
	switch strings.TrimPrefix(token, "*") {
	case "Q":
		return StateQueued
	case "R":
		return StateRunning
	case "D":
		return StateDead
	default:
		return StateUnknown
	}
}
