// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package sqcli runs the cluster scheduler's command line programs
// (sqsub, sqjobs, sqhosts, qstat) and parses their output.
package sqcli

import (
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"git.arvados.org/sqtrack.git/lib/config"
	"github.com/sirupsen/logrus"
)

var jobIDPattern = regexp.MustCompile(`^[0-9]+$`)

// CLI submits jobs and queries job status by running the scheduler
// commands named in the given SchedulerConfig.
type CLI struct {
	Logger    logrus.FieldLogger
	Scheduler config.SchedulerConfig

	// (for testing) if non-nil, call stubCommand() instead of
	// exec.Command() when running scheduler command line programs.
	stubCommand func(string, ...string) *exec.Cmd
}

func (cli *CLI) command(prog string, args ...string) *exec.Cmd {
	if f := cli.stubCommand; f != nil {
		return f(prog, args...)
	}
	return exec.Command(prog, args...)
}

// Submit submits a job, passing the configured default arguments
// followed by the given args to the submit command, and returns a Job
// with the scheduler-assigned ID.
//
// The job ID is the last whitespace-delimited token of the submit
// command's output.
func (cli *CLI) Submit(args []string) (Job, error) {
	cmdArgs := append(append([]string(nil), cli.Scheduler.DefaultArgs...), args...)
	cli.Logger.WithField("Args", cmdArgs).Info("submitting job")
	cmd := cli.command(cli.Scheduler.SubmitCommand, cmdArgs...)
	out, err := cmd.Output()
	cli.Logger.WithField("stdout", string(out)).Debug("submit command finished")
	if err != nil {
		return Job{}, &SubmissionError{Output: string(out), Err: errWithStderr(err)}
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return Job{}, &SubmissionError{Output: string(out), Err: fmt.Errorf("%s printed nothing", cli.Scheduler.SubmitCommand)}
	}
	id := fields[len(fields)-1]
	if !jobIDPattern.MatchString(id) {
		return Job{}, &SubmissionError{Output: string(out), Err: fmt.Errorf("last token %q of %s output is not a job ID", id, cli.Scheduler.SubmitCommand)}
	}
	return Job{ID: id, State: StateQueued}, nil
}

// QueryAttribute returns the value the query command reports for one
// job attribute: the whitespace-delimited token following "{attr}:"
// in the output of "{QueryCommand} -l {jobID}".
func (cli *CLI) QueryAttribute(jobID, attr string) (string, error) {
	cli.Logger.Debugf("QueryAttribute(%s, %s)", jobID, attr)
	cmd := cli.command(cli.Scheduler.QueryCommand, "-l", jobID)
	out, err := cmd.Output()
	if err != nil {
		return "", &QueryError{JobID: jobID, Attribute: attr, Err: errWithStderr(err)}
	}
	fields := strings.Fields(string(out))
	for i, f := range fields {
		if f == attr+":" && i+1 < len(fields) {
			return fields[i+1], nil
		}
	}
	return "", &QueryError{JobID: jobID, Attribute: attr}
}

// JobState returns the job's current state.
func (cli *CLI) JobState(jobID string) (State, error) {
	attr, err := cli.QueryAttribute(jobID, "state")
	if err != nil {
		return StateUnknown, err
	}
	return ParseState(attr), nil
}

// ResolveLogPath returns the path of the job's output log file, with
// any LogPathPlaceholder replaced by the ID the underlying batch
// system assigned to the job.
//
// The result is stable: once the job has been accepted by the batch
// system, repeated calls return the same path.
func (cli *CLI) ResolveLogPath(jobID string) (string, error) {
	logPath, err := cli.QueryAttribute(jobID, "file")
	if err != nil {
		return "", err
	}
	ph := cli.Scheduler.LogPathPlaceholder
	if ph == "" || !strings.Contains(logPath, ph) {
		return logPath, nil
	}
	batchID, err := cli.batchSystemID(jobID)
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(logPath, ph, batchID), nil
}

// batchSystemID returns the ID the underlying batch system assigned
// to the given job: the third whitespace-delimited token ("Job Id:
// {id}") of the resolve command's output.
func (cli *CLI) batchSystemID(jobID string) (string, error) {
	cmd := cli.command(cli.Scheduler.ResolveCommand, "-f", jobID)
	out, err := cmd.Output()
	if err != nil {
		return "", &QueryError{JobID: jobID, Attribute: "batch system id", Err: errWithStderr(err)}
	}
	fields := strings.Fields(string(out))
	if len(fields) < 3 {
		return "", &QueryError{JobID: jobID, Attribute: "batch system id"}
	}
	return fields[2], nil
}

// ListNodes returns the names of the nodes currently assigned to the
// job: the first field of each hosts command output line in which the
// job ID appears as a field. A job with no assigned nodes yields an
// empty list and no error.
func (cli *CLI) ListNodes(jobID string) ([]string, error) {
	cli.Logger.Debugf("ListNodes(%s)", jobID)
	cmd := cli.command(cli.Scheduler.HostsCommand)
	out, err := cmd.Output()
	if err != nil {
		return nil, errWithStderr(err)
	}
	var nodes []string
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		for _, f := range fields {
			if f == jobID {
				nodes = append(nodes, fields[0])
				break
			}
		}
	}
	return nodes, nil
}

func errWithStderr(err error) error {
	if err, ok := err.(*exec.ExitError); ok {
		return fmt.Errorf("%s (%q)", err, err.Stderr)
	}
	return err
}
