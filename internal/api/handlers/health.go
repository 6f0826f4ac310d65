// Copyright (c) 2025, the magnetdrop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"
)

// HealthHandler serves the probe endpoints.
type HealthHandler struct {
	version      string
	queueEnabled bool
}

func NewHealthHandler(version string, queueEnabled bool) *HealthHandler {
	return &HealthHandler{version: version, queueEnabled: queueEnabled}
}

// HandleHealth reports the service version and whether queueing is
// configured.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"version":      h.version,
		"queueEnabled": h.queueEnabled,
	})
}

// HandleLiveness answers as long as the process can serve requests.
func (h *HealthHandler) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// HandleReady mirrors liveness; the service keeps accepting
// submissions even while the queue service is down.
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
