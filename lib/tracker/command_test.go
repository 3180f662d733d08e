// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tracker

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CommandSuite{})

// CommandSuite tests the sqtrack command against stub scheduler
// scripts. The stub query command reports the job running for the
// first few polls and dead after that, so a foreground run finishes
// on its own.
type CommandSuite struct {
	tmpdir     string
	lockdir    string
	logPath    string
	notifyFile string
	cfgPath    string
}

func (s *CommandSuite) SetUpTest(c *check.C) {
	s.tmpdir = c.MkDir()
	s.lockdir = c.MkDir()
	s.logPath = filepath.Join(s.tmpdir, "run.log")
	s.notifyFile = filepath.Join(s.tmpdir, "notifications")

	sqsub := s.writeScript(c, "sqsub", "#!/bin/sh\n"+
		"touch "+s.logPath+"\n"+
		"echo \"THANK YOU for your submission. jobid 123456\"\n")
	sqjobs := s.writeScript(c, "sqjobs", "#!/bin/sh\n"+
		"n=$(cat "+s.tmpdir+"/pollcount 2>/dev/null || echo 0)\n"+
		"n=$((n+1))\n"+
		"echo $n >"+s.tmpdir+"/pollcount\n"+
		"if [ $n -le 3 ]; then st=R; else st=D; fi\n"+
		"echo \"jobid: 123456 state: $st file: "+s.logPath+"\"\n")
	sqhosts := s.writeScript(c, "sqhosts", "#!/bin/sh\n"+
		"echo \"cn001 123456\"\n"+
		"echo \"cn002 999999\"\n")
	notify := s.writeScript(c, "notify", "#!/bin/sh\n"+
		"echo \"$1\" >>"+s.notifyFile+"\n")

	s.cfgPath = filepath.Join(s.tmpdir, "sqtrack.yml")
	err := os.WriteFile(s.cfgPath, []byte(fmt.Sprintf(`
Scheduler:
  SubmitCommand: %s
  DefaultArgs: ["-q", "chemeng"]
  QueryCommand: %s
  HostsCommand: %s
Monitor:
  PollInterval: 10ms
  FreezeThreshold: 1h
  PingCommand: "true"
  ProbeTimeout: 1s
Notify:
  Command: [%s, "%%s"]
LockDir: %s
`, sqsub, sqjobs, sqhosts, notify, s.lockdir)), 0600)
	c.Assert(err, check.IsNil)
}

func (s *CommandSuite) writeScript(c *check.C, name, content string) string {
	path := filepath.Join(s.tmpdir, name)
	c.Assert(os.WriteFile(path, []byte(content), 0755), check.IsNil)
	return path
}

// run invokes the sqtrack command and waits for it to finish.
func (s *CommandSuite) run(c *check.C, args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := make(chan int, 1)
	go func() {
		code <- Command("sqtrack", args, nil, &stdout, &stderr)
	}()
	select {
	case exited := <-code:
		return exited, stdout.String(), stderr.String()
	case <-time.After(10 * time.Second):
		c.Fatal("command did not finish")
		return -1, "", ""
	}
}

func (s *CommandSuite) TestSubmitAndMonitor(c *check.C) {
	code, stdout, stderr := s.run(c, "-config", s.cfgPath, "-foreground", "--", "-o", "outfile", "./a.out")
	c.Check(code, check.Equals, 0)
	c.Check(stdout, check.Matches, `Command: .*/sqsub -q chemeng -o outfile \./a\.out
Job submitted\. Job ID: 123456
Job log file: .*/run\.log
`)
	c.Check(stderr, check.Matches, `(?ms).*job is running.*`)
	c.Check(stderr, check.Matches, `(?ms).*monitoring finished.*`)

	buf, err := os.ReadFile(s.notifyFile)
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Matches, `123456 \| JOB ENDED \| .*\n`)

	// Lockfile is removed on normal termination.
	_, err = os.Stat(lockfilePath(s.lockdir, "123456"))
	c.Check(os.IsNotExist(err), check.Equals, true)
}

func (s *CommandSuite) TestMonitorExistingJob(c *check.C) {
	// The job was submitted earlier and is already writing its log.
	c.Assert(os.WriteFile(s.logPath, []byte("step 1 done\n"), 0600), check.IsNil)

	code, stdout, _ := s.run(c, "-config", s.cfgPath, "-foreground", "-monitor", "123456")
	c.Check(code, check.Equals, 0)
	// No submission happened; the log path came from the query
	// command.
	c.Check(stdout, check.Matches, `Job log file: .*/run\.log\n`)

	buf, err := os.ReadFile(s.notifyFile)
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Matches, `123456 \| JOB ENDED \| .*\n`)
}

func (s *CommandSuite) TestSubmitFailure(c *check.C) {
	s.writeScript(c, "sqsub", "#!/bin/sh\n"+
		"echo \"ERROR: quota exceeded\"\n"+
		"exit 1\n")
	code, stdout, stderr := s.run(c, "-config", s.cfgPath, "--", "./a.out")
	c.Check(code, check.Equals, 1)
	c.Check(stdout, check.Matches, `Command: .*\n`)
	c.Check(stderr, check.Matches, `(?ms)ERROR: quota exceeded\n.*job submission failed.*`)
}

func (s *CommandSuite) TestNothingToDo(c *check.C) {
	code, _, stderr := s.run(c, "-config", s.cfgPath)
	c.Check(code, check.Equals, 2)
	c.Check(stderr, check.Equals, "nothing to do: no scheduler arguments given (try -help)\n")
}

func (s *CommandSuite) TestVersion(c *check.C) {
	code, stdout, _ := s.run(c, "-version")
	c.Check(code, check.Equals, 0)
	c.Check(stdout, check.Equals, "sqtrack dev\n")
}

func (s *CommandSuite) TestHelp(c *check.C) {
	code, _, stderr := s.run(c, "-help")
	c.Check(code, check.Equals, 0)
	c.Check(stderr, check.Matches, `(?ms).*Usage:.*-kill.*`)
}

func (s *CommandSuite) TestDumpConfig(c *check.C) {
	code, stdout, _ := s.run(c, "-config", s.cfgPath, "-dump-config")
	c.Check(code, check.Equals, 0)
	c.Check(stdout, check.Matches, `(?ms).*SubmitCommand: .*/sqsub\n.*`)
	c.Check(stdout, check.Matches, `(?ms).*PollInterval: 10ms\n.*`)
}

func (s *CommandSuite) TestBadConfigFile(c *check.C) {
	path := filepath.Join(s.tmpdir, "broken.yml")
	c.Assert(os.WriteFile(path, []byte("{{{\n"), 0600), check.IsNil)
	code, _, stderr := s.run(c, "-config", path)
	c.Check(code, check.Equals, 1)
	c.Check(stderr, check.Matches, `(?ms).*error loading configuration.*`)
}

func (s *CommandSuite) TestBadNotifyCommand(c *check.C) {
	cfg := filepath.Join(s.tmpdir, "badnotify.yml")
	c.Assert(os.WriteFile(cfg, []byte(`
Notify:
  Command: ["mail", "-s", "%z"]
LockDir: `+s.lockdir+"\n"), 0600), check.IsNil)
	code, _, stderr := s.run(c, "-config", cfg, "--", "./a.out")
	c.Check(code, check.Equals, 1)
	c.Check(stderr, check.Matches, `(?ms).*invalid notify configuration.*unknown substitution parameter %z.*`)
}

func (s *CommandSuite) TestListEmpty(c *check.C) {
	code, stdout, stderr := s.run(c, "-config", s.cfgPath, "-list")
	c.Check(code, check.Equals, 0)
	c.Check(stdout, check.Equals, "")
	c.Check(stderr, check.Equals, "")
}

func (s *CommandSuite) TestKillWithoutMonitor(c *check.C) {
	code, _, stderr := s.run(c, "-config", s.cfgPath, "-kill", "123456")
	c.Check(code, check.Equals, 0)
	c.Check(stderr, check.Equals, "no monitor found for job 123456\n")
}
