// Copyright (c) 2025, the magnetdrop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"errors"
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/magnetdrop/magnetdrop/internal/qbittorrent"
)

// torrentInfoProvider is the slice of the queue client this handler
// consumes.
type torrentInfoProvider interface {
	TorrentInfo(ctx context.Context, infoHash string) (*qbittorrent.TorrentInfo, error)
}

var infoHashPattern = regexp.MustCompile(`^[0-9a-fA-F]{40}$`)

// TorrentsHandler proxies live torrent state from the queue service.
type TorrentsHandler struct {
	client torrentInfoProvider
}

// NewTorrentsHandler accepts a nil client when queueing is disabled.
func NewTorrentsHandler(client torrentInfoProvider) *TorrentsHandler {
	return &TorrentsHandler{client: client}
}

// GetTorrent godoc
// @Summary Get live torrent state
// @Description Looks up a torrent in the queue service by info hash
// @Tags torrents
// @Produce json
// @Param infoHash path string true "40-char hex info hash"
// @Success 200 {object} qbittorrent.TorrentInfo
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /api/torrents/{infoHash} [get]
func (h *TorrentsHandler) GetTorrent(w http.ResponseWriter, r *http.Request) {
	if h.client == nil {
		RespondError(w, http.StatusServiceUnavailable, "Queue service is not configured")
		return
	}

	infoHash := chi.URLParam(r, "infoHash")
	if !infoHashPattern.MatchString(infoHash) {
		RespondError(w, http.StatusBadRequest, "infoHash must be a 40-character hex string")
		return
	}

	info, err := h.client.TorrentInfo(r.Context(), infoHash)
	if err != nil {
		switch {
		case errors.Is(err, &qbittorrent.AuthError{}):
			RespondError(w, http.StatusBadGateway, "Queue service refused our credentials")
		case errors.Is(err, &qbittorrent.ServerUnavailableError{}):
			RespondError(w, http.StatusServiceUnavailable, "Queue service is unavailable")
		default:
			log.Error().Err(err).Str("infoHash", infoHash).Msg("Failed to fetch torrent info")
			RespondError(w, http.StatusInternalServerError, "Failed to fetch torrent info")
		}
		return
	}
	if info == nil {
		RespondError(w, http.StatusNotFound, "Torrent not found in queue service")
		return
	}

	RespondJSON(w, http.StatusOK, info)
}
