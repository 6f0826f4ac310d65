// Copyright (c) 2025, the magnetdrop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/magnetdrop/magnetdrop/internal/services/download"
)

// DownloadsHandler runs yt-dlp for video URLs.
type DownloadsHandler struct {
	service *download.Service
}

func NewDownloadsHandler(service *download.Service) *DownloadsHandler {
	return &DownloadsHandler{service: service}
}

// Download godoc
// @Summary Download a video URL with yt-dlp
// @Description Runs yt-dlp against the URL and returns the tail of its output
// @Tags downloads
// @Accept json
// @Produce json
// @Param request body object{url=string} true "Video URL"
// @Success 200 {object} download.Result
// @Failure 400 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse "downloads disabled in configuration"
// @Router /api/downloads [post]
func (h *DownloadsHandler) Download(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.service.Fetch(r.Context(), req.URL)
	if err != nil {
		switch {
		case errors.Is(err, download.ErrDisabled):
			RespondError(w, http.StatusServiceUnavailable, err.Error())
		case errors.Is(err, download.ErrInvalidURL):
			RespondError(w, http.StatusBadRequest, err.Error())
		default:
			log.Error().Err(err).Str("url", req.URL).Msg("yt-dlp run failed")
			RespondError(w, http.StatusInternalServerError, "Download failed; check the service logs")
		}
		return
	}

	RespondJSON(w, http.StatusOK, result)
}
