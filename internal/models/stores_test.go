// Copyright (c) 2025, the magnetdrop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magnetdrop/magnetdrop/internal/jsonlog"
	"github.com/magnetdrop/magnetdrop/internal/magnet"
)

func newJobStore(t *testing.T) *JobStore {
	t.Helper()
	store, err := NewJobStore(filepath.Join(t.TempDir(), "jobs.jsonl"), jsonlog.Options{MaxBytes: 64 * 1024})
	require.NoError(t, err)
	return store
}

func TestJobStore_RecordAndFind(t *testing.T) {
	store := newJobStore(t)

	record := JobRecord{
		JobID:          "9f1c2a34-0000-4000-8000-000000000001",
		InfoHash:       "0123456789abcdef0123456789abcdef01234567",
		MagnetLink:     "magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567",
		Category:       "magnetdrop",
		Status:         JobStatusQueued,
		QueuedAt:       time.Now().UTC().Truncate(time.Second),
		ServiceVersion: "4.6.7",
	}
	require.NoError(t, store.Record(record))

	byID, found, err := store.FindByID(record.JobID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, record, *byID)

	byHash, found, err := store.FindByInfoHash(record.InfoHash)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, record.JobID, byHash.JobID)
}

func TestJobStore_UnknownIDReportsAbsent(t *testing.T) {
	store := newJobStore(t)
	require.NoError(t, store.Record(JobRecord{JobID: "a", Status: JobStatusQueued}))

	record, found, err := store.FindByID("missing")

	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, record)
}

func TestJobStore_LatestJobWinsPerInfoHash(t *testing.T) {
	store := newJobStore(t)
	hash := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

	require.NoError(t, store.Record(JobRecord{JobID: "first", InfoHash: hash, Status: JobStatusQueued}))
	require.NoError(t, store.Record(JobRecord{JobID: "second", InfoHash: hash, Status: JobStatusQueued}))

	record, found, err := store.FindByInfoHash(hash)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "second", record.JobID)
}

func TestJobStore_ListNewestFirst(t *testing.T) {
	store := newJobStore(t)
	for _, id := range []string{"one", "two", "three"} {
		require.NoError(t, store.Record(JobRecord{JobID: id, Status: JobStatusQueued}))
	}

	all, err := store.List(0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "three", all[0].JobID)
	assert.Equal(t, "one", all[2].JobID)

	limited, err := store.List(2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, []string{"three", "two"}, []string{limited[0].JobID, limited[1].JobID})
}

func TestRecordFieldNamesAreStable(t *testing.T) {
	// Downstream log consumers key on these exact names.
	submission, err := json.Marshal(SubmissionRecord{
		ReceivedAt: time.Now(),
		Validation: magnet.ValidationResult{Trackers: []string{}, Errors: []string{}},
	})
	require.NoError(t, err)
	for _, key := range []string{"receivedAt", "clientIp", "userAgent", "magnetLink", "status", "validation"} {
		assert.Contains(t, string(submission), `"`+key+`"`)
	}

	job, err := json.Marshal(JobRecord{QueuedAt: time.Now()})
	require.NoError(t, err)
	for _, key := range []string{"jobId", "infoHash", "magnetLink", "category", "status", "queuedAt", "serviceVersion"} {
		assert.Contains(t, string(job), `"`+key+`"`)
	}
}
