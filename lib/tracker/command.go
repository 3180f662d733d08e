// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package tracker implements the sqtrack command, which submits a
// batch job to the cluster scheduler and watches it from a background
// monitor process until the job ends, a node assigned to it stops
// responding, or its log file stops growing for too long.
package tracker

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"git.arvados.org/sqtrack.git/lib/cmd"
	"git.arvados.org/sqtrack.git/lib/config"
	"git.arvados.org/sqtrack.git/lib/ctxlog"
	"git.arvados.org/sqtrack.git/lib/nodeping"
	"git.arvados.org/sqtrack.git/lib/notify"
	"git.arvados.org/sqtrack.git/lib/sqcli"
	"github.com/coreos/go-systemd/daemon"
	"github.com/prometheus/client_golang/prometheus"
)

var version = "dev"

// Command is the sqtrack command.
var Command cmd.RunFunc = runCommand

// ownFlags lists the flags runCommand itself understands. A first
// argument that is not one of these is taken as the start of the
// scheduler's argument list, so submissions like "sqtrack -o out.log
// ./a.out" work even though -o is not an sqtrack flag.
var ownFlags = map[string]bool{
	"config":      true,
	"dump-config": true,
	"foreground":  true,
	"monitor":     true,
	"logfile":     true,
	"no-detach":   true,
	"kill":        true,
	"list":        true,
	"version":     true,
	"help":        true,
	"h":           true,
}

// isOwnFlag reports whether arg looks like one of runCommand's own
// flags ("-kill", "--kill", "-kill=123456").
func isOwnFlag(arg string) bool {
	if !strings.HasPrefix(arg, "-") {
		return false
	}
	name := strings.TrimLeft(arg, "-")
	if i := strings.IndexByte(name, '='); i >= 0 {
		name = name[:i]
	}
	return ownFlags[name]
}

func defaultConfigPath() string {
	if path := os.Getenv("SQTRACK_CONFIG"); path != "" {
		return path
	}
	return config.DefaultConfigPath
}

func runCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	logger := ctxlog.New(stderr, "text", "info")

	// A process started by Detach is already in the background
	// and holds the job lockfile on an inherited file descriptor.
	inheritedLock := false
	if len(args) > 0 && args[0] == "-no-detach" {
		inheritedLock = true
		args = args[1:]
	}

	// Scheduler arguments contain flags like -o and -r that
	// collide with flag parsing. If the first argument is not one
	// of our own flags, everything belongs to the scheduler.
	var schedArgs []string
	if len(args) > 0 && !isOwnFlag(args[0]) {
		schedArgs = args
		args = nil
	}

	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	flags.Usage = func() { usage(flags, stderr) }
	configPath := flags.String("config", defaultConfigPath(), "`path` to YAML or JSON configuration file")
	dumpConfig := flags.Bool("dump-config", false, "write current configuration to stdout and exit")
	foreground := flags.Bool("foreground", false, "run the monitor in the foreground instead of detaching")
	monitorID := flags.String("monitor", "", "start a monitor for the already submitted job `jobid` instead of submitting")
	logfile := flags.String("logfile", "", "`path` of the job's log file (skip asking the scheduler)")
	killID := flags.String("kill", "", "stop the detached monitor for job `jobid` and exit")
	list := flags.Bool("list", false, "list job IDs with live monitors and exit")
	getVersion := flags.Bool("version", false, "print version information and exit")
	if ok, code := cmd.ParseFlags(flags, prog, args, "[-- scheduler options and command]", stderr); !ok {
		return code
	}
	if *getVersion {
		fmt.Fprintf(stdout, "sqtrack %s\n", version)
		return 0
	}
	if len(schedArgs) == 0 {
		// Scheduler arguments given after "--".
		schedArgs = flags.Args()
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Error("error loading configuration")
		return 1
	}
	if *dumpConfig {
		return exitcode(stderr, cfg.Dump(stdout))
	}
	logger = ctxlog.New(stderr, cfg.Log.Format, cfg.Log.Level)

	switch {
	case *killID != "":
		return KillProcess(cfg.LockDir, *killID, syscall.SIGTERM, stdout, stderr)
	case *list:
		return ListProcesses(cfg.LockDir, stdout, stderr)
	}

	client := &sqcli.CLI{Logger: logger, Scheduler: cfg.Scheduler}
	notifier := &notify.CommandNotifier{Logger: logger, Command: cfg.Notify.Command}
	if err := notifier.Check(); err != nil {
		logger.WithError(err).Error("invalid notify configuration")
		return 1
	}

	var job sqcli.Job
	if *monitorID != "" {
		job.ID = *monitorID
		job.LogPath = *logfile
	} else if len(schedArgs) == 0 {
		fmt.Fprint(stderr, "nothing to do: no scheduler arguments given (try -help)\n")
		return 2
	} else {
		fmt.Fprintln(stdout, "Command:", strings.Join(append(append([]string{cfg.Scheduler.SubmitCommand}, cfg.Scheduler.DefaultArgs...), schedArgs...), " "))
		job, err = client.Submit(schedArgs)
		if err != nil {
			var serr *sqcli.SubmissionError
			if errors.As(err, &serr) && serr.Output != "" {
				fmt.Fprint(stderr, serr.Output)
			}
			logger.WithError(err).Error("job submission failed")
			return 1
		}
		fmt.Fprintf(stdout, "Job submitted. Job ID: %s\n", job.ID)
	}
	if job.LogPath == "" {
		job.LogPath, err = client.ResolveLogPath(job.ID)
		if err != nil {
			logger.WithError(err).Error("cannot determine job log file")
			return 1
		}
	}
	fmt.Fprintf(stdout, "Job log file: %s\n", job.LogPath)

	if !*foreground && !inheritedLock {
		// Hand the job off to a detached monitor process.
		detachArgs := []string{"-monitor", job.ID, "-logfile", job.LogPath}
		if *configPath != config.DefaultConfigPath {
			detachArgs = append(detachArgs, "-config", *configPath)
		}
		return Detach(job.ID, prog, detachArgs, cfg.LockDir, stdout, stderr)
	}
	return runMonitor(cfg, job, inheritedLock, stdout, stderr)
}

// runMonitor watches one job in the current process, which either
// inherited the job lockfile from a Detach parent or acquires it
// now.
func runMonitor(cfg *config.Config, job sqcli.Job, inheritedLock bool, stdout, stderr io.Writer) int {
	logger := ctxlog.New(stderr, cfg.Log.Format, cfg.Log.Level).WithField("JobID", job.ID)
	logger.WithField("Version", version).Info("sqtrack monitor starting")

	if !inheritedLock {
		lockfile, err := acquireLock(cfg.LockDir, job.ID)
		if err != nil {
			logger.WithError(err).Error("cannot lock job")
			return 1
		}
		defer lockfile.Close()
		if err := registerLock(lockfile, job.ID); err != nil {
			logger.WithError(err).Error("cannot write lockfile")
			return 1
		}
	}

	monitor := &Monitor{
		Client: &sqcli.CLI{Logger: logger, Scheduler: cfg.Scheduler},
		Prober: &nodeping.Prober{
			Logger:  logger,
			Command: cfg.Monitor.PingCommand,
			Timeout: cfg.Monitor.ProbeTimeout.Duration(),
		},
		Notifier:        &notify.CommandNotifier{Logger: logger, Command: cfg.Notify.Command},
		Logger:          logger,
		Job:             job,
		PollInterval:    cfg.Monitor.PollInterval.Duration(),
		FreezeThreshold: cfg.Monitor.FreezeThreshold.Duration(),
		Registry:        prometheus.NewRegistry(),
	}

	if addr := cfg.Management.Address; addr != "" {
		srv := &http.Server{Addr: addr, Handler: monitor.ManagementHandler(cfg.Management.Token)}
		defer srv.Close()
		go func() {
			logger.WithField("Address", addr).Info("management server listening")
			if err := srv.ListenAndServe(); err != http.ErrServerClosed {
				logger.WithError(err).Warn("management server failed")
			}
		}()
	}

	// Shut down gracefully (removing the lockfile) if SIGTERM or
	// SIGINT is received.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	term := make(chan os.Signal, 1)
	go func() {
		s := <-term
		logger.WithField("Signal", s).Info("caught signal")
		cancel()
	}()
	signal.Notify(term, syscall.SIGTERM, syscall.SIGINT)

	if _, err := daemon.SdNotify(false, "READY=1"); err != nil {
		logger.WithError(err).Debug("error notifying init daemon")
	}

	cause, err := monitor.Run(ctx)
	switch {
	case err == nil:
		logger.WithField("Cause", cause).Info("monitoring finished")
	case errors.Is(err, context.Canceled):
		logger.Info("monitor interrupted")
	default:
		// The lockfile is left behind so "sqtrack -list" can
		// report it stale.
		logger.WithError(err).Error("monitor failed")
		return 1
	}
	if err := releaseLock(cfg.LockDir, job.ID); err != nil {
		logger.WithError(err).Warn("error removing lockfile")
	}
	return 0
}
