// Copyright (c) 2025, the magnetdrop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/go-chi/chi/v5"
	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/rs/zerolog/log"

	"github.com/magnetdrop/magnetdrop/internal/models"
)

const (
	defaultJobListLimit = 50
	maxJobListLimit     = 500
)

// JobsHandler serves queued-job lookups and listings.
type JobsHandler struct {
	store *models.JobStore
}

func NewJobsHandler(store *models.JobStore) *JobsHandler {
	return &JobsHandler{store: store}
}

// JobResponse is a job record plus the display name recovered from its
// magnet link.
type JobResponse struct {
	models.JobRecord
	DisplayName string `json:"displayName,omitempty"`
}

// JobListResponse wraps a job listing.
type JobListResponse struct {
	Jobs  []JobResponse `json:"jobs"`
	Total int           `json:"total"`
}

// GetJob godoc
// @Summary Get a job by id
// @Description Retrieves a queued job record by its jobId
// @Tags jobs
// @Produce json
// @Param jobID path string true "Job ID"
// @Success 200 {object} JobResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/jobs/{jobID} [get]
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	record, found, err := h.store.FindByID(jobID)
	if err != nil {
		log.Error().Err(err).Str("jobId", jobID).Msg("Failed to look up job")
		RespondError(w, http.StatusInternalServerError, "Failed to look up job")
		return
	}
	if !found {
		RespondError(w, http.StatusNotFound, "Job not found")
		return
	}

	RespondJSON(w, http.StatusOK, JobResponse{JobRecord: *record, DisplayName: displayName(record.MagnetLink)})
}

// ListJobs godoc
// @Summary List queued jobs
// @Description Lists recent jobs, newest first, with optional fuzzy search over display names
// @Tags jobs
// @Produce json
// @Param search query string false "Search string"
// @Param limit query int false "Maximum number of jobs to return (default: 50, max: 500)"
// @Success 200 {object} JobListResponse
// @Success 304 "listing unchanged"
// @Router /api/jobs [get]
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultJobListLimit
	if limitParam := strings.TrimSpace(r.URL.Query().Get("limit")); limitParam != "" {
		if parsed, err := strconv.Atoi(limitParam); err == nil && parsed > 0 {
			limit = parsed
			if limit > maxJobListLimit {
				limit = maxJobListLimit
			}
		}
	}

	records, err := h.store.List(0)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list jobs")
		RespondError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	jobs := make([]JobResponse, 0, len(records))
	for _, record := range records {
		jobs = append(jobs, JobResponse{JobRecord: record, DisplayName: displayName(record.MagnetLink)})
	}

	if search := strings.TrimSpace(r.URL.Query().Get("search")); search != "" {
		jobs = filterJobsBySearch(jobs, search)
	}
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}

	// Order-independent signature over the returned ids; the same set
	// yields the same ETag regardless of how it was reached.
	var sig uint64
	for i := range jobs {
		sig ^= xxhash.Sum64String(jobs[i].JobID)
	}
	etag := fmt.Sprintf(`"%d:%016x"`, len(jobs), sig)
	w.Header().Set("ETag", etag)
	if match := r.Header.Get("If-None-Match"); match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	RespondJSON(w, http.StatusOK, JobListResponse{Jobs: jobs, Total: len(jobs)})
}

// filterJobsBySearch keeps jobs matching the search string, best
// matches first. Exact substring hits outrank normalized hits, which
// outrank fuzzy ones.
func filterJobsBySearch(jobs []JobResponse, search string) []JobResponse {
	type jobMatch struct {
		job   JobResponse
		score int
	}

	var matches []jobMatch
	searchLower := strings.ToLower(search)
	searchNormalized := normalizeForSearch(search)

	for _, job := range jobs {
		nameLower := strings.ToLower(job.DisplayName)
		categoryLower := strings.ToLower(job.Category)

		if strings.Contains(nameLower, searchLower) ||
			strings.Contains(categoryLower, searchLower) ||
			strings.Contains(job.InfoHash, searchLower) {
			matches = append(matches, jobMatch{job: job, score: 0})
			continue
		}

		nameNormalized := normalizeForSearch(job.DisplayName)
		if strings.Contains(nameNormalized, searchNormalized) {
			matches = append(matches, jobMatch{job: job, score: 1})
			continue
		}

		if fuzzy.MatchNormalizedFold(searchNormalized, nameNormalized) {
			if score := fuzzy.RankMatchNormalizedFold(searchNormalized, nameNormalized); score < 10 {
				matches = append(matches, jobMatch{job: job, score: 2 + score})
			}
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].score < matches[j].score
	})

	filtered := make([]JobResponse, len(matches))
	for i, match := range matches {
		filtered[i] = match.job
	}
	return filtered
}

// normalizeForSearch lowercases and replaces the usual release-name
// separators with spaces.
func normalizeForSearch(text string) string {
	replacers := []string{".", "_", "-", "[", "]", "(", ")", "{", "}"}
	normalized := strings.ToLower(text)
	for _, r := range replacers {
		normalized = strings.ReplaceAll(normalized, r, " ")
	}
	return strings.Join(strings.Fields(normalized), " ")
}

// displayName recovers the dn parameter from a stored magnet link.
func displayName(magnetLink string) string {
	parsed, err := url.Parse(magnetLink)
	if err != nil {
		return ""
	}
	return parsed.Query().Get("dn")
}
