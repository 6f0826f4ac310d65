// Copyright (c) 2025, the magnetdrop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"encoding/json"
	"fmt"

	"github.com/magnetdrop/magnetdrop/internal/jsonlog"
)

// SubmissionStore appends submission records to their JSONL stream.
type SubmissionStore struct {
	log *jsonlog.Store
}

func NewSubmissionStore(path string, opts jsonlog.Options) (*SubmissionStore, error) {
	log, err := jsonlog.New(path, opts)
	if err != nil {
		return nil, err
	}
	return &SubmissionStore{log: log}, nil
}

func (s *SubmissionStore) Record(record SubmissionRecord) error {
	return s.log.Append(record)
}

// ForEach streams submission records oldest first, skipping lines that
// no longer parse.
func (s *SubmissionStore) ForEach(fn func(SubmissionRecord) bool) error {
	return s.log.ForEach(func(line json.RawMessage) bool {
		var record SubmissionRecord
		if err := json.Unmarshal(line, &record); err != nil {
			return true
		}
		return fn(record)
	})
}

func (s *SubmissionStore) Stats() jsonlog.Stats {
	return s.log.Stats()
}

func (s *SubmissionStore) Path() string {
	return s.log.Path()
}

// JobStore appends and looks up job records. The jobId and infoHash
// fields are indexed on every append so point lookups stay cheap.
type JobStore struct {
	log *jsonlog.Store
}

func NewJobStore(path string, opts jsonlog.Options) (*JobStore, error) {
	opts.IndexFields = []string{"jobId", "infoHash"}
	log, err := jsonlog.New(path, opts)
	if err != nil {
		return nil, err
	}
	return &JobStore{log: log}, nil
}

func (s *JobStore) Record(record JobRecord) error {
	return s.log.Append(record)
}

// FindByID returns the job with the given jobId, or false when it is
// unknown or has rotated out of the live stream.
func (s *JobStore) FindByID(jobID string) (*JobRecord, bool, error) {
	return s.findOne("jobId", jobID)
}

// FindByInfoHash returns the most recently queued job for an info hash.
func (s *JobStore) FindByInfoHash(infoHash string) (*JobRecord, bool, error) {
	return s.findOne("infoHash", infoHash)
}

func (s *JobStore) findOne(field, value string) (*JobRecord, bool, error) {
	raw, found, err := s.log.FindOne(field, value)
	if err != nil || !found {
		return nil, false, err
	}
	var record JobRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, false, fmt.Errorf("decode job record: %w", err)
	}
	return &record, true, nil
}

// List returns up to limit jobs, newest first. limit <= 0 returns the
// whole live stream.
func (s *JobStore) List(limit int) ([]JobRecord, error) {
	var records []JobRecord
	err := s.ForEach(func(record JobRecord) bool {
		records = append(records, record)
		return true
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// ForEach streams job records oldest first, skipping lines that no
// longer parse.
func (s *JobStore) ForEach(fn func(JobRecord) bool) error {
	return s.log.ForEach(func(line json.RawMessage) bool {
		var record JobRecord
		if err := json.Unmarshal(line, &record); err != nil {
			return true
		}
		return fn(record)
	})
}

func (s *JobStore) Stats() jsonlog.Stats {
	return s.log.Stats()
}

func (s *JobStore) Path() string {
	return s.log.Path()
}
