// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tracker

import (
	"net/http"

	"git.arvados.org/sqtrack.git/lib/health"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	checks        prometheus.Counter
	logIdle       prometheus.Gauge
	nodeFailures  prometheus.Counter
	notifications *prometheus.CounterVec
	notifyErrors  prometheus.Counter
}

func newMetrics(reg *prometheus.Registry) *metrics {
	m := &metrics{
		checks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sqtrack",
			Name:      "checks_total",
			Help:      "Number of monitoring polls performed.",
		}),
		logIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sqtrack",
			Name:      "log_idle_seconds",
			Help:      "Time since the job's log file was last written.",
		}),
		nodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sqtrack",
			Name:      "node_failures_total",
			Help:      "Number of nodes that stopped responding to probes.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sqtrack",
			Name:      "notifications_sent_total",
			Help:      "Number of notifications delivered, by event.",
		}, []string{"event"}),
		notifyErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sqtrack",
			Name:      "notify_errors_total",
			Help:      "Number of notification deliveries that failed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.checks, m.logIdle, m.nodeFailures, m.notifications, m.notifyErrors)
	}
	return m
}

// ManagementHandler returns the monitor's management API: prometheus
// metrics and health checks, authenticated with token.
func (m *Monitor) ManagementHandler(token string) http.Handler {
	if token == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "Management API authentication is not configured", http.StatusForbidden)
		})
	}
	mux := httprouter.New()
	metricsH := promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{
		ErrorLog: m.Logger,
	})
	mux.Handler("GET", "/metrics", metricsH)
	mux.Handler("GET", "/metrics.json", metricsH)
	mux.Handler("GET", "/_health/:check", &health.Handler{
		Token:  token,
		Prefix: "/_health/",
		Routes: health.Routes{"ping": m.CheckHealth},
	})
	return requireToken(token, mux)
}

// requireToken rejects requests that do not carry token as an
// Authorization: Bearer header.
func requireToken(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "Not authorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
