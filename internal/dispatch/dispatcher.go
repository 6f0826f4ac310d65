// Copyright (c) 2025, the magnetdrop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package dispatch hands validated magnets to the torrent queue with
// bounded exponential-backoff retries and records the resulting job.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"

	"github.com/magnetdrop/magnetdrop/internal/models"
	"github.com/magnetdrop/magnetdrop/internal/qbittorrent"
)

// QueueClient is the slice of the queue API the dispatcher drives.
type QueueClient interface {
	HealthCheck(ctx context.Context) (string, error)
	AddMagnet(ctx context.Context, magnetLink, category string) error
}

// RetryPolicy governs the enqueue call only; the health check is never
// retried.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	// InitialDelay is slept before the first re-attempt.
	InitialDelay time.Duration
	// BackoffFactor multiplies the delay after every further attempt.
	BackoffFactor float64
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	if p.InitialDelay < 0 {
		p.InitialDelay = 0
	}
	if p.BackoffFactor < 1 {
		p.BackoffFactor = 1
	}
	return p
}

// Stats is a snapshot of dispatcher activity.
type Stats struct {
	Dispatched   uint64
	Queued       uint64
	Retries      uint64
	Duplicates   uint64
	Rejected     uint64
	AuthFailures uint64
	Unavailable  uint64
}

// Dispatcher pushes magnets into the queue and persists a job record
// for every acknowledged enqueue. Failed dispatches never produce a
// record.
type Dispatcher struct {
	client QueueClient
	jobs   *models.JobStore
	policy RetryPolicy

	dispatched   atomic.Uint64
	queued       atomic.Uint64
	retries      atomic.Uint64
	duplicates   atomic.Uint64
	rejected     atomic.Uint64
	authFailures atomic.Uint64
	unavailable  atomic.Uint64
}

func New(client QueueClient, jobs *models.JobStore, policy RetryPolicy) *Dispatcher {
	return &Dispatcher{
		client: client,
		jobs:   jobs,
		policy: policy.normalized(),
	}
}

// Dispatch health-checks the queue once, then enqueues the magnet under
// the retry policy. Only server-unavailable failures are retried; every
// other class aborts immediately. On success the synthesized job record
// is persisted and returned.
func (d *Dispatcher) Dispatch(ctx context.Context, magnetLink, infoHash, category string) (*models.JobRecord, error) {
	d.dispatched.Add(1)

	version, err := d.client.HealthCheck(ctx)
	if err != nil {
		d.recordFailure(err)
		if errors.Is(err, &qbittorrent.AuthError{}) {
			return nil, fmt.Errorf("torrent queue login failed: %w", err)
		}
		return nil, fmt.Errorf("torrent queue is down: %w", err)
	}

	err = retry.Do(
		func() error {
			return d.client.AddMagnet(ctx, magnetLink, category)
		},
		retry.Attempts(uint(d.policy.Attempts)),
		retry.RetryIf(isRetryable),
		retry.DelayType(d.backoffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			d.retries.Add(1)
		}),
	)
	if err != nil {
		d.recordFailure(err)
		return nil, err
	}

	record := models.JobRecord{
		JobID:          uuid.NewString(),
		InfoHash:       infoHash,
		MagnetLink:     magnetLink,
		Category:       category,
		Status:         models.JobStatusQueued,
		QueuedAt:       time.Now().UTC(),
		ServiceVersion: version,
	}
	if err := d.jobs.Record(record); err != nil {
		return nil, fmt.Errorf("failed to persist job record: %w", err)
	}

	d.queued.Add(1)
	return &record, nil
}

// Stats returns the counters accumulated since construction.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Dispatched:   d.dispatched.Load(),
		Queued:       d.queued.Load(),
		Retries:      d.retries.Load(),
		Duplicates:   d.duplicates.Load(),
		Rejected:     d.rejected.Load(),
		AuthFailures: d.authFailures.Load(),
		Unavailable:  d.unavailable.Load(),
	}
}

func isRetryable(err error) bool {
	return errors.Is(err, &qbittorrent.ServerUnavailableError{})
}

// backoffDelay computes initialDelay × factor^n; n is zero-based, so
// the first re-attempt waits exactly the initial delay.
func (d *Dispatcher) backoffDelay(n uint, err error, config *retry.Config) time.Duration {
	delay := float64(d.policy.InitialDelay) * math.Pow(d.policy.BackoffFactor, float64(n))
	return time.Duration(delay)
}

func (d *Dispatcher) recordFailure(err error) {
	switch {
	case errors.Is(err, &qbittorrent.DuplicateError{}):
		d.duplicates.Add(1)
	case errors.Is(err, &qbittorrent.RejectedError{}):
		d.rejected.Add(1)
	case errors.Is(err, &qbittorrent.AuthError{}):
		d.authFailures.Add(1)
	case errors.Is(err, &qbittorrent.ServerUnavailableError{}):
		d.unavailable.Add(1)
	}
}
