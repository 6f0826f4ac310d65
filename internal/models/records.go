// Copyright (c) 2025, the magnetdrop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"time"

	"github.com/magnetdrop/magnetdrop/internal/magnet"
)

// Submission statuses. A submission is accepted or rejected on
// validation alone; what happened downstream lives in the job stream.
const (
	SubmissionStatusAccepted = "accepted"
	SubmissionStatusRejected = "rejected"
)

// JobStatusQueued is the only status a job record is ever written with.
// Records are immutable once appended.
const JobStatusQueued = "queued"

// SubmissionRecord is one line in the submission stream.
type SubmissionRecord struct {
	ReceivedAt time.Time               `json:"receivedAt"`
	ClientIP   string                  `json:"clientIp"`
	UserAgent  string                  `json:"userAgent"`
	MagnetLink string                  `json:"magnetLink"`
	Status     string                  `json:"status"`
	Validation magnet.ValidationResult `json:"validation"`
}

// JobRecord is one line in the job stream, written after the queue
// acknowledged a magnet. JobID is unique per dispatch and never
// reused.
type JobRecord struct {
	JobID          string    `json:"jobId"`
	InfoHash       string    `json:"infoHash"`
	MagnetLink     string    `json:"magnetLink"`
	Category       string    `json:"category"`
	Status         string    `json:"status"`
	QueuedAt       time.Time `json:"queuedAt"`
	ServiceVersion string    `json:"serviceVersion"`
}
