// Copyright (c) 2025, the magnetdrop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"net/http"

	"github.com/magnetdrop/magnetdrop/internal/update"
)

// releaseSource is the part of update.Service this handler consumes.
type releaseSource interface {
	GetLatestRelease(ctx context.Context) *update.LatestRelease
}

type VersionHandler struct {
	updates releaseSource
}

func NewVersionHandler(updates releaseSource) *VersionHandler {
	return &VersionHandler{updates: updates}
}

// GetLatestVersion returns the newest release that is ahead of the
// running version, or 204 when up to date (or no check has completed).
func (h *VersionHandler) GetLatestVersion(w http.ResponseWriter, r *http.Request) {
	latest := h.updates.GetLatestRelease(r.Context())
	if latest == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	RespondJSON(w, http.StatusOK, latest)
}
