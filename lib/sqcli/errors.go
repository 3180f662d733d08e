// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package sqcli

import "fmt"

// A SubmissionError indicates the submit command failed or printed
// output that did not end with a job ID.
type SubmissionError struct {
	// Output of the submit command, if any.
	Output string
	Err    error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("job submission failed: %s", e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// A QueryError indicates a job attribute could not be obtained from
// the scheduler.
type QueryError struct {
	JobID     string
	Attribute string
	// Underlying command error, or nil if the command succeeded
	// but its output did not include the attribute.
	Err error
}

func (e *QueryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("query %q of job %s: %s", e.Attribute, e.JobID, e.Err)
	}
	return fmt.Sprintf("query %q of job %s: not reported by scheduler", e.Attribute, e.JobID)
}

func (e *QueryError) Unwrap() error { return e.Err }
