// Copyright (c) 2025, the magnetdrop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/magnetdrop/magnetdrop/internal/magnet"
	"github.com/magnetdrop/magnetdrop/internal/models"
	"github.com/magnetdrop/magnetdrop/internal/services/submission"
)

// SubmissionsHandler accepts magnet links over the JSON API.
type SubmissionsHandler struct {
	service *submission.Service
}

func NewSubmissionsHandler(service *submission.Service) *SubmissionsHandler {
	return &SubmissionsHandler{service: service}
}

// SubmissionResponse reports the pipeline outcome for one magnet.
type SubmissionResponse struct {
	Status     string                  `json:"status"`
	Validation magnet.ValidationResult `json:"validation"`
	Job        *models.JobRecord       `json:"job,omitempty"`
	Error      string                  `json:"error,omitempty"`
}

// Submit godoc
// @Summary Submit a magnet link
// @Description Validates the magnet, records the attempt, and forwards it to the torrent queue when queueing is enabled
// @Tags submissions
// @Accept json
// @Produce json
// @Param request body object{magnet=string,category=string} true "Submission request"
// @Success 200 {object} SubmissionResponse "valid, queueing disabled"
// @Success 202 {object} SubmissionResponse "queued"
// @Failure 400 {object} SubmissionResponse "validation failed"
// @Failure 409 {object} SubmissionResponse "already queued downstream"
// @Failure 502 {object} SubmissionResponse "queue rejected the magnet or refused our credentials"
// @Failure 503 {object} SubmissionResponse "queue unreachable"
// @Router /api/submissions [post]
func (h *SubmissionsHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Magnet   string `json:"magnet"`
		Category string `json:"category"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	outcome, err := h.service.Submit(r.Context(), submission.Request{
		MagnetLink: req.Magnet,
		ClientIP:   clientIP(r),
		UserAgent:  r.UserAgent(),
		Category:   req.Category,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to process submission")
		RespondError(w, http.StatusInternalServerError, "Failed to record submission")
		return
	}

	response := SubmissionResponse{
		Status:     string(outcome.Disposition),
		Validation: outcome.Submission.Validation,
		Job:        outcome.Job,
	}
	if outcome.Err != nil {
		response.Error = outcome.Err.Error()
	}

	RespondJSON(w, StatusForDisposition(outcome.Disposition), response)
}

// StatusForDisposition maps a pipeline outcome onto its HTTP status.
func StatusForDisposition(d submission.Disposition) int {
	switch d {
	case submission.DispositionInvalid:
		return http.StatusBadRequest
	case submission.DispositionAccepted:
		return http.StatusOK
	case submission.DispositionQueued:
		return http.StatusAccepted
	case submission.DispositionDuplicate:
		return http.StatusConflict
	case submission.DispositionAuthFailed, submission.DispositionRejected:
		return http.StatusBadGateway
	case submission.DispositionUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
