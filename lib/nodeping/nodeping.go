// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package nodeping checks whether compute nodes answer network
// probes.
package nodeping

import (
	"context"
	"os/exec"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// A Prober checks node reachability by running a probe command (by
// default "ping -c 1 -w {seconds} {node}") once per node.
type Prober struct {
	Logger logrus.FieldLogger
	// Probe command, e.g., "ping".
	Command string
	// Deadline for a single probe. A probe still running when the
	// deadline arrives counts as a failure.
	Timeout time.Duration

	// (for testing) if non-nil, call stubCommand() instead of
	// exec.Command() when running probe commands.
	stubCommand func(string, ...string) *exec.Cmd
}

func (p *Prober) command(prog string, args ...string) *exec.Cmd {
	if f := p.stubCommand; f != nil {
		return f(prog, args...)
	}
	return exec.Command(prog, args...)
}

// Unreachable probes all of the given nodes concurrently and returns
// the names of the ones that did not respond, sorted.
func (p *Prober) Unreachable(ctx context.Context, nodes []string) []string {
	var (
		mtx  sync.Mutex
		down []string
		wg   sync.WaitGroup
	)
	for _, node := range nodes {
		wg.Add(1)
		go func(node string) {
			defer wg.Done()
			if err := p.probe(ctx, node); err != nil {
				p.Logger.WithField("Node", node).WithError(err).Warn("node did not respond to probe")
				mtx.Lock()
				down = append(down, node)
				mtx.Unlock()
			} else {
				p.Logger.WithField("Node", node).Debug("node responded to probe")
			}
		}(node)
	}
	wg.Wait()
	sort.Strings(down)
	return down
}

func (p *Prober) probe(ctx context.Context, node string) error {
	timeout := p.Timeout
	if timeout < time.Second {
		timeout = time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	secs := int(timeout.Seconds())
	cmd := p.command(p.Command, "-c", "1", "-w", strconv.Itoa(secs), node)
	if err := cmd.Start(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// The probe command is expected to obey its own "-w"
		// deadline; this covers commands that don't.
		cmd.Process.Kill()
		<-done
		return ctx.Err()
	}
}
