// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"os"

	"git.arvados.org/sqtrack.git/lib/tracker"
)

func main() {
	os.Exit(tracker.Command(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
