// Copyright (c) 2025, the magnetdrop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package web serves the embedded submission form.
package web

import (
	"embed"
	"html/template"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/magnetdrop/magnetdrop/internal/api/handlers"
	"github.com/magnetdrop/magnetdrop/internal/api/middleware"
	"github.com/magnetdrop/magnetdrop/internal/services/submission"
)

//go:embed index.gohtml
var templateFS embed.FS

var page = template.Must(template.ParseFS(templateFS, "index.gohtml"))

type Handler struct {
	version string
	baseURL string
	service *submission.Service
}

func NewHandler(version, baseURL string, service *submission.Service) *Handler {
	if baseURL == "" {
		baseURL = "/"
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}

	return &Handler{
		version: version,
		baseURL: baseURL,
		service: service,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.Home)
	r.With(middleware.ThrottleBacklog(10, 50, time.Second)).Post("/submit", h.Submit)
}

func (h *Handler) Home(w http.ResponseWriter, r *http.Request) {
	h.render(w, http.StatusOK, "")
}

// Submit handles the browser form post. An empty field just re-renders
// the page with a prompt; nothing is recorded until a magnet link is
// actually present.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.render(w, http.StatusBadRequest, "Please provide a magnet link.")
		return
	}

	magnetLink := strings.TrimSpace(r.PostFormValue("magnet"))
	if magnetLink == "" {
		h.render(w, http.StatusOK, "Please provide a magnet link.")
		return
	}

	outcome, err := h.service.Submit(r.Context(), submission.Request{
		MagnetLink: magnetLink,
		ClientIP:   clientIP(r),
		UserAgent:  r.UserAgent(),
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to record submission")
		h.render(w, http.StatusInternalServerError, "Something went wrong while saving your submission. Please try again.")
		return
	}

	h.render(w, handlers.StatusForDisposition(outcome.Disposition), formMessage(outcome))
}

type pageData struct {
	BaseURL string
	Version string
	Message string
}

func (h *Handler) render(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)

	if err := page.Execute(w, pageData{BaseURL: h.baseURL, Version: h.version, Message: message}); err != nil {
		log.Error().Err(err).Msg("Failed to render submission page")
	}
}

func formMessage(outcome *submission.Outcome) string {
	switch outcome.Disposition {
	case submission.DispositionInvalid:
		return "Invalid magnet link: " + strings.Join(outcome.Submission.Validation.Errors, "; ")
	case submission.DispositionQueued:
		return "Magnet link received and queued for download. Thank you!"
	case submission.DispositionDuplicate:
		return "This torrent is already in the download queue."
	case submission.DispositionUnavailable:
		return "Submission recorded, but the download queue is unreachable right now."
	case submission.DispositionAuthFailed, submission.DispositionRejected:
		return "Submission recorded, but the download queue refused it."
	default:
		return "Magnet link received. Thank you!"
	}
}

// clientIP strips the port from RemoteAddr. The RealIP middleware has
// already folded X-Forwarded-For into it.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
