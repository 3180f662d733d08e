// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package notify delivers job event notifications by running a
// configured command, typically mail(1), with the job's log content
// on stdin.
package notify

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"regexp"

	"github.com/sirupsen/logrus"
)

var substRe = regexp.MustCompile(`%.`)

// A CommandNotifier sends one notification per Send call by running
// the given command. Before running, %s in the command is replaced
// with the subject, %f with the log file path, %u with the invoking
// user's name, and %% with a literal %.
type CommandNotifier struct {
	Logger  logrus.FieldLogger
	Command []string

	// (for testing) if non-nil, call stubCommand() instead of
	// exec.Command() when running the notify command.
	stubCommand func(string, ...string) *exec.Cmd
}

func (n *CommandNotifier) command(prog string, args ...string) *exec.Cmd {
	if f := n.stubCommand; f != nil {
		return f(prog, args...)
	}
	return exec.Command(prog, args...)
}

// Check returns an error if the configured command cannot be used,
// e.g., it is empty or contains an unknown substitution parameter.
func (n *CommandNotifier) Check() error {
	_, err := n.expand("subject", "/dev/null")
	return err
}

// Send delivers one notification with the given subject. The content
// of the file at logPath is piped to the notify command's stdin; if
// the file is unreadable, the notification is sent without content.
func (n *CommandNotifier) Send(subject, logPath string) error {
	args, err := n.expand(subject, logPath)
	if err != nil {
		return err
	}
	cmd := n.command(args[0], args[1:]...)
	if f, err := os.Open(logPath); err != nil {
		n.Logger.WithError(err).Warn("log file unreadable, sending notification without content")
	} else {
		defer f.Close()
		cmd.Stdin = f
	}
	n.Logger.WithField("Command", args).Info("sending notification")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("notify command failed: %s (%q)", err, out)
	}
	return nil
}

func (n *CommandNotifier) expand(subject, logPath string) ([]string, error) {
	if len(n.Command) == 0 {
		return nil, fmt.Errorf("notify command is empty")
	}
	repl := map[string]string{
		"%%": "%",
		"%s": subject,
		"%f": logPath,
		"%u": username(),
	}
	var args []string
	var substitutionErrors string
	for _, a := range n.Command {
		args = append(args, substRe.ReplaceAllStringFunc(a, func(s string) string {
			subst, ok := repl[s]
			if !ok {
				substitutionErrors += fmt.Sprintf("unknown substitution parameter %s in notify command, ", s)
			}
			return subst
		}))
	}
	if len(substitutionErrors) != 0 {
		return nil, fmt.Errorf("%s", substitutionErrors[:len(substitutionErrors)-2])
	}
	return args, nil
}

func username() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return "nobody"
}
