// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tracker

import (
	"flag"
	"fmt"
	"io"
)

func usage(flags *flag.FlagSet, out io.Writer) {
	fmt.Fprintf(out, `
sqtrack submits a batch job to the cluster scheduler and watches it
from a detached monitor process. The monitor notifies the submitting
user when the job ends or one of its nodes stops responding to
pings, and warns (once per job) when the job has been running
without writing to its log file for too long.

Usage:
    sqtrack [scheduler options and command ...]
        Submit a job (configured default arguments are prepended)
        and start a detached monitor for it.

    sqtrack [options] -- [scheduler options and command ...]
        Same, with sqtrack's own options given first.

    sqtrack -monitor jobid
        Start a detached monitor for an already submitted job.

    sqtrack -kill jobid
    sqtrack -list
        Stop or list running monitors.

Options:
`)
	flags.SetOutput(out)
	flags.PrintDefaults()
}
