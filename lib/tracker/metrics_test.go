// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tracker

import (
	"net/http"
	"net/http/httptest"

	"git.arvados.org/sqtrack.git/lib/ctxlog"
	"git.arvados.org/sqtrack.git/lib/sqcli"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ManagementSuite{})

type ManagementSuite struct {
	monitor *Monitor
	handler http.Handler
}

func (s *ManagementSuite) SetUpTest(c *check.C) {
	s.monitor = &Monitor{
		Logger:   ctxlog.TestLogger(c),
		Job:      sqcli.Job{ID: "123456"},
		Registry: prometheus.NewRegistry(),
	}
	s.monitor.metrics = newMetrics(s.monitor.Registry)
	s.handler = s.monitor.ManagementHandler("s3cr3t")
}

func (s *ManagementSuite) request(method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	s.handler.ServeHTTP(resp, req)
	return resp
}

func (s *ManagementSuite) TestMetrics(c *check.C) {
	s.monitor.metrics.checks.Inc()
	s.monitor.metrics.checks.Inc()
	resp := s.request("GET", "/metrics", "s3cr3t")
	c.Check(resp.Code, check.Equals, http.StatusOK)
	c.Check(resp.Body.String(), check.Matches, `(?ms).*sqtrack_checks_total 2\n.*`)
}

func (s *ManagementSuite) TestMetricsAuth(c *check.C) {
	resp := s.request("GET", "/metrics", "")
	c.Check(resp.Code, check.Equals, http.StatusUnauthorized)
	resp = s.request("GET", "/metrics", "wrong")
	c.Check(resp.Code, check.Equals, http.StatusUnauthorized)
}

func (s *ManagementSuite) TestHealthPing(c *check.C) {
	resp := s.request("GET", "/_health/ping", "s3cr3t")
	c.Check(resp.Code, check.Equals, http.StatusOK)
	c.Check(resp.Body.String(), check.Equals, `{"health":"OK"}`+"\n")

	s.monitor.setState(StateTerminated)
	resp = s.request("GET", "/_health/ping", "s3cr3t")
	c.Check(resp.Code, check.Equals, http.StatusOK)
	c.Check(resp.Body.String(), check.Matches, `(?ms).*"health":"ERROR".*monitoring has terminated.*`)
}

func (s *ManagementSuite) TestUnknownPath(c *check.C) {
	resp := s.request("GET", "/bogus", "s3cr3t")
	c.Check(resp.Code, check.Equals, http.StatusNotFound)
}

func (s *ManagementSuite) TestNoTokenConfigured(c *check.C) {
	s.handler = s.monitor.ManagementHandler("")
	resp := s.request("GET", "/metrics", "s3cr3t")
	c.Check(resp.Code, check.Equals, http.StatusForbidden)
	c.Check(resp.Body.String(), check.Matches, `Management API authentication is not configured\n`)
}
