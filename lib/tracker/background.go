// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tracker

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

var (
	lockprefix = "sqtrack-"
	locksuffix = ".lock"
	logsuffix  = ".log"
)

// procinfo is saved in each monitor's lockfile.
type procinfo struct {
	JobID string
	PID   int
}

func lockfilePath(lockdir, jobID string) string {
	return filepath.Join(lockdir, lockprefix+jobID+locksuffix)
}

// MonitorLogPath returns the file the detached monitor for the given
// job writes its own log to.
func MonitorLogPath(lockdir, jobID string) string {
	return filepath.Join(lockdir, lockprefix+jobID+logsuffix)
}

// Detach acquires the lock for the given job and starts the current
// program as a child process, with -no-detach prepended to the given
// arguments so the child knows not to detach again. The lock is
// passed along to the child process so it is held until the monitor
// exits.
//
// Stdout and stderr in the child process are appended to the monitor
// log file in lockdir.
func Detach(jobID string, prog string, args []string, lockdir string, stdout, stderr io.Writer) int {
	return exitcode(stderr, detach(jobID, prog, args, lockdir, stdout))
}
func detach(jobID string, prog string, args []string, lockdir string, stdout io.Writer) error {
	lockfile, err := acquireLock(lockdir, jobID)
	if err != nil {
		return err
	}
	defer lockfile.Close()

	logfile, err := os.OpenFile(MonitorLogPath(lockdir, jobID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return err
	}
	defer logfile.Close()

	execargs := append([]string{prog, "-no-detach"}, args...)
	cmd := exec.Command(execargs[0], execargs[1:]...)
	cmd.Stdout = logfile
	cmd.Stderr = logfile
	// Child inherits lockfile.
	cmd.ExtraFiles = []*os.File{lockfile}
	// Ensure the monitor isn't interrupted by signals sent to the
	// submitting shell's process group.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	err = cmd.Start()
	if err != nil {
		return fmt.Errorf("exec %s: %s", cmd.Path, err)
	}

	err = json.NewEncoder(lockfile).Encode(procinfo{
		JobID: jobID,
		PID:   cmd.Process.Pid,
	})
	if err != nil {
		cmd.Process.Kill()
		return err
	}
	fmt.Fprintf(stdout, "Monitor started for job %s (pid %d), log file %s\n", jobID, cmd.Process.Pid, logfile.Name())
	return nil
}

// acquireLock creates lockdir if necessary, then creates and flocks
// the given job's lockfile. The caller keeps the returned file open
// (and thereby the lock held) until monitoring ends.
//
// The dir-level lock must be held between opening/creating the
// lockfile and acquiring LOCK_EX on it, to avoid racing with
// ListProcesses's alive-checking and garbage collection.
func acquireLock(lockdir, jobID string) (*os.File, error) {
	if err := os.MkdirAll(lockdir, 0700); err != nil {
		return nil, err
	}
	dirlock, err := lockall(lockdir)
	if err != nil {
		return nil, err
	}
	defer dirlock.Close()
	lockfilename := lockfilePath(lockdir, jobID)
	lockfile, err := os.OpenFile(lockfilename, os.O_CREATE|os.O_RDWR, 0700)
	if err != nil {
		return nil, fmt.Errorf("open %s: %s", lockfilename, err)
	}
	err = syscall.Flock(int(lockfile.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err != nil {
		lockfile.Close()
		return nil, fmt.Errorf("lock %s: %s (a monitor for job %s seems to be running already)", lockfilename, err, jobID)
	}
	lockfile.Truncate(0)
	return lockfile, nil
}

// registerLock writes this process's procinfo to an acquired
// lockfile. Used instead of Detach when monitoring in the
// foreground.
func registerLock(lockfile *os.File, jobID string) error {
	return json.NewEncoder(lockfile).Encode(procinfo{
		JobID: jobID,
		PID:   os.Getpid(),
	})
}

// releaseLock removes the given job's lockfile. The monitor calls
// this on every normal termination path. A lockfile whose monitor
// died without cleaning up is garbage-collected by ListProcesses
// instead. The monitor log file is left behind for the operator.
func releaseLock(lockdir, jobID string) error {
	dirlock, err := lockall(lockdir)
	if err != nil {
		return err
	}
	defer dirlock.Close()
	err = os.Remove(lockfilePath(lockdir, jobID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// KillProcess finds the monitor process corresponding to the given
// job ID, and sends the given signal to it. It then waits up to 1
// second for the process to die, and removes the job's lockfile. It
// returns 0 if the process is successfully killed or didn't exist in
// the first place.
func KillProcess(lockdir, jobID string, signal syscall.Signal, stdout, stderr io.Writer) int {
	return exitcode(stderr, kill(lockdir, jobID, signal, stdout, stderr))
}

func kill(lockdir, jobID string, signal syscall.Signal, stdout, stderr io.Writer) error {
	path := lockfilePath(lockdir, jobID)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		fmt.Fprintf(stderr, "no monitor found for job %s\n", jobID)
		return nil
	} else if err != nil {
		return fmt.Errorf("open %s: %s", path, err)
	}
	defer f.Close()

	var pi procinfo
	err = json.NewDecoder(f).Decode(&pi)
	if err != nil {
		return fmt.Errorf("decode %s: %s", path, err)
	}

	if pi.JobID != jobID || pi.PID == 0 {
		return fmt.Errorf("%s: bogus procinfo: %+v", path, pi)
	}

	proc, err := os.FindProcess(pi.PID)
	if err != nil {
		// FindProcess should have succeeded, even if the
		// process does not exist.
		return fmt.Errorf("%s: find process %d: %s", jobID, pi.PID, err)
	}

	// Send the requested signal once, then send signal 0 a few
	// times.  When proc.Signal() returns an error (process no
	// longer exists), the monitor is dead.  If that doesn't
	// happen within 1 second, return an error.
	err = proc.Signal(signal)
	for deadline := time.Now().Add(time.Second); err == nil && time.Now().Before(deadline); time.Sleep(time.Second / 100) {
		err = proc.Signal(syscall.Signal(0))
	}
	if err == nil {
		// Reached deadline without a proc.Signal() error.
		return fmt.Errorf("job %s: pid %d: sent signal %d (%s) but process is still alive", jobID, pi.PID, signal, signal)
	}
	fmt.Fprintf(stderr, "job %s: pid %d: %s\n", jobID, pi.PID, err)
	return releaseLock(lockdir, jobID)
}

// ListProcesses lists job IDs with live monitor processes, and
// removes lockfiles left behind by monitors that died.
func ListProcesses(lockdir string, stdout, stderr io.Writer) int {
	// filepath.Walk does not follow symlinks, so we must walk
	// lockdir+"/." in case lockdir itself is a symlink.
	walkdir := lockdir + "/."
	return exitcode(stderr, filepath.Walk(walkdir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				// lockdir was never created: no
				// monitors have run here.
				return nil
			}
			return err
		}
		if info.IsDir() && path != walkdir {
			return filepath.SkipDir
		}
		if name := info.Name(); !strings.HasPrefix(name, lockprefix) || !strings.HasSuffix(name, locksuffix) {
			return nil
		}
		if info.Size() == 0 {
			// race: monitor has opened/locked but hasn't yet written procinfo
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return nil
		}
		defer f.Close()

		// Ensure other processes don't acquire this lockfile
		// after we have decided it is abandoned but before we
		// have deleted it.
		dirlock, err := lockall(lockdir)
		if err != nil {
			return err
		}
		err = syscall.Flock(int(f.Fd()), syscall.LOCK_SH|syscall.LOCK_NB)
		if err == nil {
			// lockfile is stale
			err := os.Remove(path)
			dirlock.Close()
			if err != nil {
				fmt.Fprintf(stderr, "unlink %s: %s\n", f.Name(), err)
			}
			return nil
		}
		dirlock.Close()

		var pi procinfo
		err = json.NewDecoder(f).Decode(&pi)
		if err != nil {
			fmt.Fprintf(stderr, "%s: %s\n", path, err)
			return nil
		}
		if pi.JobID == "" || pi.PID == 0 {
			fmt.Fprintf(stderr, "%s: bogus procinfo: %+v\n", path, pi)
			return nil
		}

		fmt.Fprintln(stdout, pi.JobID)
		return nil
	}))
}

// If err is nil, return 0 ("success"); otherwise, print err to stderr
// and return 1.
func exitcode(stderr io.Writer, err error) int {
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

// Acquire a dir-level lock. Must be held while creating or deleting
// job-specific lockfiles, to avoid races during the intervals when
// those job-specific lockfiles are open but not locked.
//
// Caller releases the lock by closing the returned file.
func lockall(lockdir string) (*os.File, error) {
	lockfile := filepath.Join(lockdir, lockprefix+"all"+locksuffix)
	f, err := os.OpenFile(lockfile, os.O_CREATE|os.O_RDWR, 0700)
	if err != nil {
		return nil, fmt.Errorf("open %s: %s", lockfile, err)
	}
	err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("lock %s: %s", lockfile, err)
	}
	return f, nil
}
