// Copyright (c) 2025, the magnetdrop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package submission ties the submission pipeline together: validate
// the magnet, always record the attempt, then hand valid magnets to
// the dispatcher when queueing is enabled.
package submission

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/magnetdrop/magnetdrop/internal/dispatch"
	"github.com/magnetdrop/magnetdrop/internal/magnet"
	"github.com/magnetdrop/magnetdrop/internal/models"
	"github.com/magnetdrop/magnetdrop/internal/qbittorrent"
	"github.com/magnetdrop/magnetdrop/internal/rules"
)

// Disposition is the submission outcome the HTTP layer translates into
// a status code.
type Disposition string

const (
	// DispositionInvalid: validation failed; nothing was queued.
	DispositionInvalid Disposition = "invalid"
	// DispositionAccepted: valid magnet recorded with queueing off.
	DispositionAccepted Disposition = "accepted"
	// DispositionQueued: the queue acknowledged the magnet.
	DispositionQueued Disposition = "queued"
	// DispositionDuplicate: the queue already tracks this torrent.
	DispositionDuplicate Disposition = "duplicate"
	// DispositionAuthFailed: the queue refused our credentials.
	DispositionAuthFailed Disposition = "auth_failed"
	// DispositionRejected: the queue refused the magnet.
	DispositionRejected Disposition = "rejected"
	// DispositionUnavailable: the queue stayed unreachable through
	// every retry.
	DispositionUnavailable Disposition = "unavailable"
)

// Request is one submission attempt.
type Request struct {
	MagnetLink string
	ClientIP   string
	UserAgent  string
	// Category overrides rule-based categorization when set.
	Category string
}

// Outcome reports what happened to a submission. Err carries the
// downstream failure for non-queued dispositions.
type Outcome struct {
	Submission  models.SubmissionRecord
	Job         *models.JobRecord
	Disposition Disposition
	Err         error
}

// Config is the submission pipeline configuration snapshot.
type Config struct {
	QueueEnabled    bool
	DefaultCategory string
	ProbeEnabled    bool
	ProbeTimeout    time.Duration
}

// Stats is a snapshot of submission counters.
type Stats struct {
	Submitted uint64
	Accepted  uint64
	Rejected  uint64
}

type Service struct {
	cfg         Config
	submissions *models.SubmissionStore
	dispatcher  *dispatch.Dispatcher
	rules       *rules.Engine

	submitted atomic.Uint64
	accepted  atomic.Uint64
	rejected  atomic.Uint64
}

// NewService wires the pipeline. dispatcher and ruleEngine may be nil:
// without a dispatcher every valid submission is merely recorded, and
// without rules the default category applies.
func NewService(cfg Config, submissions *models.SubmissionStore, dispatcher *dispatch.Dispatcher, ruleEngine *rules.Engine) *Service {
	return &Service{
		cfg:         cfg,
		submissions: submissions,
		dispatcher:  dispatcher,
		rules:       ruleEngine,
	}
}

// Submit validates the magnet and appends a submission record no
// matter the outcome. A returned error means the record could not be
// persisted; every downstream failure is reported through the
// outcome's disposition instead.
func (s *Service) Submit(ctx context.Context, req Request) (*Outcome, error) {
	s.submitted.Add(1)

	result := magnet.Validate(ctx, req.MagnetLink, s.cfg.ProbeEnabled, s.cfg.ProbeTimeout)

	status := models.SubmissionStatusAccepted
	if !result.Valid {
		status = models.SubmissionStatusRejected
	}

	record := models.SubmissionRecord{
		ReceivedAt: time.Now().UTC(),
		ClientIP:   req.ClientIP,
		UserAgent:  req.UserAgent,
		MagnetLink: req.MagnetLink,
		Status:     status,
		Validation: result,
	}
	if err := s.submissions.Record(record); err != nil {
		return nil, fmt.Errorf("failed to persist submission record: %w", err)
	}

	outcome := &Outcome{Submission: record}

	if !result.Valid {
		s.rejected.Add(1)
		outcome.Disposition = DispositionInvalid
		log.Debug().
			Str("clientIp", req.ClientIP).
			Strs("errors", result.Errors).
			Msg("Rejected invalid magnet submission")
		return outcome, nil
	}
	s.accepted.Add(1)

	if !s.cfg.QueueEnabled || s.dispatcher == nil {
		outcome.Disposition = DispositionAccepted
		log.Info().
			Str("infoHash", result.InfoHash).
			Msg("Recorded magnet submission with queueing disabled")
		return outcome, nil
	}

	category := req.Category
	if category == "" {
		category = s.rules.Categorize(result.DisplayName)
	}
	if category == "" {
		category = s.cfg.DefaultCategory
	}

	job, err := s.dispatcher.Dispatch(ctx, req.MagnetLink, result.InfoHash, category)
	if err != nil {
		disposition, ok := classifyDispatchError(err)
		if !ok {
			// Job-store write failures propagate; the magnet was
			// acknowledged downstream but the record is gone.
			return nil, err
		}
		outcome.Disposition = disposition
		outcome.Err = err
		log.Warn().
			Err(err).
			Str("infoHash", result.InfoHash).
			Str("disposition", string(disposition)).
			Msg("Magnet dispatch failed")
		return outcome, nil
	}

	outcome.Job = job
	outcome.Disposition = DispositionQueued
	log.Info().
		Str("jobId", job.JobID).
		Str("infoHash", job.InfoHash).
		Str("category", job.Category).
		Msg("Magnet queued")
	return outcome, nil
}

// Stats returns the submission counters.
func (s *Service) Stats() Stats {
	return Stats{
		Submitted: s.submitted.Load(),
		Accepted:  s.accepted.Load(),
		Rejected:  s.rejected.Load(),
	}
}

// QueueEnabled reports whether submissions are forwarded to the queue.
func (s *Service) QueueEnabled() bool {
	return s.cfg.QueueEnabled && s.dispatcher != nil
}

func classifyDispatchError(err error) (Disposition, bool) {
	switch {
	case errors.Is(err, &qbittorrent.DuplicateError{}):
		return DispositionDuplicate, true
	case errors.Is(err, &qbittorrent.AuthError{}):
		return DispositionAuthFailed, true
	case errors.Is(err, &qbittorrent.ServerUnavailableError{}):
		return DispositionUnavailable, true
	case errors.Is(err, &qbittorrent.RejectedError{}):
		return DispositionRejected, true
	}
	return "", false
}
