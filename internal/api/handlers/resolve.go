// Copyright (c) 2025, the magnetdrop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/magnetdrop/magnetdrop/internal/services/resolver"
)

// ResolveHandler extracts magnet links from submitted page URLs.
type ResolveHandler struct {
	service *resolver.Service
}

func NewResolveHandler(service *resolver.Service) *ResolveHandler {
	return &ResolveHandler{service: service}
}

// Resolve godoc
// @Summary Resolve a page URL to a magnet link
// @Description Fetches the page and returns the first magnet link found on it
// @Tags resolve
// @Accept json
// @Produce json
// @Param request body object{url=string} true "Page URL"
// @Success 200 {object} resolver.Resolution
// @Failure 400 {object} ErrorResponse "not an http(s) URL, or a video platform"
// @Failure 422 {object} ErrorResponse "page loaded but carried no magnet link"
// @Failure 502 {object} ErrorResponse "page could not be fetched"
// @Router /api/resolve [post]
func (h *ResolveHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	resolution, err := h.service.Resolve(r.Context(), req.URL)
	if err != nil {
		switch {
		case errors.Is(err, resolver.ErrInvalidURL), errors.Is(err, resolver.ErrVideoPlatform):
			RespondError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, resolver.ErrNoMagnet):
			RespondError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			log.Error().Err(err).Str("url", req.URL).Msg("Failed to resolve page")
			RespondError(w, http.StatusBadGateway, "Failed to fetch the page")
		}
		return
	}

	RespondJSON(w, http.StatusOK, resolution)
}
