// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package health provides an http.Handler for authenticated health
// check endpoints.
package health

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Func is a health-check function: it returns nil when healthy, an
// error when not.
type Func func() error

// Routes is a map of URI path to health-check function.
type Routes map[string]Func

// Handler is an http.Handler that responds to authenticated
// health-check requests with JSON responses like {"health":"OK"} or
// {"health":"ERROR","error":"error text"}.
type Handler struct {
	// Authentication token. If empty, all requests return 404.
	Token string

	// Route prefix, typically "/_health/".
	Prefix string

	// Map of URI paths to health-check Func. The prefix is
	// omitted: Routes["foo"] is the health check invoked by a
	// request to "{Prefix}foo".
	//
	// If "ping" is not listed here, it is added automatically and
	// always returns a "healthy" response.
	Routes Routes
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	prefix := h.Prefix
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	name := strings.TrimPrefix(r.URL.Path, prefix)
	fn, ok := h.Routes[name]
	if !ok && name == "ping" {
		fn = func() error { return nil }
		ok = true
	}
	if !ok || name == r.URL.Path || strings.Contains(name, "/") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if h.Token == "" {
		http.Error(w, "disabled", http.StatusNotFound)
	} else if ah := r.Header.Get("Authorization"); ah == "" {
		http.Error(w, "authorization required", http.StatusUnauthorized)
	} else if ah != "Bearer "+h.Token {
		http.Error(w, "authorization error", http.StatusForbidden)
	} else if err := fn(); err != nil {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"health": "ERROR",
			"error":  err.Error(),
		})
	} else {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"health":"OK"}` + "\n"))
	}
}
