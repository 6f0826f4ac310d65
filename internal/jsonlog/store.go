// Copyright (c) 2025, the magnetdrop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package jsonlog implements a capacity-bounded append-only store with
// one JSON object per line. Stores rotate or truncate when full and
// answer point lookups through lazily built per-field offset indexes.
package jsonlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Strategy selects what happens when an append would push the file past
// its capacity.
type Strategy string

const (
	// StrategyRotate renames the full file to a timestamped backup and
	// starts a fresh one.
	StrategyRotate Strategy = "rotate"
	// StrategyTruncate discards the full file's contents in place.
	StrategyTruncate Strategy = "truncate"
)

const backupTimeFormat = "20060102150405"

// ErrCapacityExceeded marks an entry that is larger than the store's
// whole capacity. Nothing is written when this is returned.
var ErrCapacityExceeded = errors.New("entry exceeds store capacity")

// Options configures a Store.
type Options struct {
	// MaxBytes caps the live file size, rotation included.
	MaxBytes int64
	// MaxBackups is how many rotated files to keep. Zero keeps none.
	MaxBackups int
	// Strategy defaults to StrategyRotate.
	Strategy Strategy
	// IndexFields are kept up to date on every append. Other fields can
	// still be queried; their index is built on first use.
	IndexFields []string
	// CompressBackups rewrites rotated files as zstd. Best effort; a
	// failed pass leaves the plain backup in place.
	CompressBackups bool
}

// Stats is a point-in-time snapshot of store activity, used by the
// metrics collector.
type Stats struct {
	Appends            uint64
	Rotations          uint64
	Truncations        uint64
	CapacityRejections uint64
	SizeBytes          int64
	Backups            int
}

// Store appends JSON lines to a single file under a capacity bound.
// All operations, including lazy index builds, run under one mutex so
// an append and its rotation are observed atomically.
type Store struct {
	path string
	opts Options

	mu      sync.Mutex
	indexes map[string]map[string]int64
	loaded  map[string]bool
	stats   Stats
}

// New creates the store's parent directory and returns a store for
// path. The file itself is created on first append.
func New(path string, opts Options) (*Store, error) {
	if opts.MaxBytes <= 0 {
		return nil, fmt.Errorf("jsonlog: max bytes must be positive, got %d", opts.MaxBytes)
	}
	if opts.Strategy == "" {
		opts.Strategy = StrategyRotate
	}
	if opts.Strategy != StrategyRotate && opts.Strategy != StrategyTruncate {
		return nil, fmt.Errorf("jsonlog: unknown rotation strategy %q", opts.Strategy)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("jsonlog: create log directory: %w", err)
	}

	s := &Store{
		path: path,
		opts: opts,
	}
	s.resetIndexesLocked()
	return s, nil
}

// Path returns the live file path.
func (s *Store) Path() string {
	return s.path
}

// Append marshals payload and writes it as one line. An entry larger
// than the whole capacity fails with ErrCapacityExceeded before any
// disk mutation; otherwise the store rotates first when the line would
// not fit, then writes it whole.
func (s *Store) Append(payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("jsonlog: encode entry: %w", err)
	}
	encoded = append(encoded, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if int64(len(encoded)) > s.opts.MaxBytes {
		s.stats.CapacityRejections++
		return fmt.Errorf("jsonlog: entry of %d bytes does not fit capacity %d: %w",
			len(encoded), s.opts.MaxBytes, ErrCapacityExceeded)
	}

	if err := s.rotateIfNeededLocked(int64(len(encoded))); err != nil {
		return err
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("jsonlog: open %s: %w", s.path, err)
	}
	defer f.Close()

	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("jsonlog: seek %s: %w", s.path, err)
	}
	if _, err := f.Write(encoded); err != nil {
		return fmt.Errorf("jsonlog: write %s: %w", s.path, err)
	}
	s.stats.Appends++

	for _, field := range s.opts.IndexFields {
		if value, ok := stringField(encoded, field); ok {
			index, exists := s.indexes[field]
			if !exists {
				index = make(map[string]int64)
				s.indexes[field] = index
			}
			index[value] = offset
		}
	}
	return nil
}

// FindOne returns the raw JSON of the most recent entry whose field
// equals value. The entry's index is built by a full scan on first use
// and kept current by later appends. A hit pointing at a line that no
// longer parses reports absent.
func (s *Store) FindOne(field, value string) (json.RawMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.path); errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("jsonlog: stat %s: %w", s.path, err)
	}

	if !s.loaded[field] {
		index, err := s.buildIndexLocked(field)
		if err != nil {
			return nil, false, err
		}
		s.indexes[field] = index
		s.loaded[field] = true
	}

	offset, ok := s.indexes[field][value]
	if !ok {
		return nil, false, nil
	}

	f, err := os.Open(s.path)
	if err != nil {
		return nil, false, fmt.Errorf("jsonlog: open %s: %w", s.path, err)
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, false, fmt.Errorf("jsonlog: seek %s: %w", s.path, err)
	}
	line, err := bufio.NewReader(f).ReadBytes('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, false, fmt.Errorf("jsonlog: read %s: %w", s.path, err)
	}

	line = bytes.TrimRight(line, "\n")
	if !json.Valid(line) {
		return nil, false, nil
	}
	return json.RawMessage(line), true, nil
}

// ForEach streams every parseable entry in file order, oldest first,
// stopping early when fn returns false. Lines that do not parse as
// JSON are skipped.
func (s *Store) ForEach(fn func(line json.RawMessage) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("jsonlog: open %s: %w", s.path, err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			trimmed := bytes.TrimRight(line, "\n")
			if json.Valid(trimmed) && !fn(json.RawMessage(trimmed)) {
				return nil
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("jsonlog: read %s: %w", s.path, err)
		}
	}
}

// Stats reports counters plus the live file size and backup count.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.stats
	if fi, err := os.Stat(s.path); err == nil {
		snapshot.SizeBytes = fi.Size()
	}
	if backups, err := filepath.Glob(s.path + ".*"); err == nil {
		snapshot.Backups = len(backups)
	}
	return snapshot
}

func (s *Store) rotateIfNeededLocked(additional int64) error {
	fi, err := os.Stat(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("jsonlog: stat %s: %w", s.path, err)
	}
	if fi.Size()+additional <= s.opts.MaxBytes {
		return nil
	}

	if s.opts.Strategy == StrategyTruncate {
		if err := os.Truncate(s.path, 0); err != nil {
			return fmt.Errorf("jsonlog: truncate %s: %w", s.path, err)
		}
		s.resetIndexesLocked()
		s.stats.Truncations++
		return nil
	}

	timestamp := time.Now().UTC().Format(backupTimeFormat)
	rotated := fmt.Sprintf("%s.%s", s.path, timestamp)
	if err := os.Rename(s.path, rotated); err != nil {
		return fmt.Errorf("jsonlog: rotate %s: %w", s.path, err)
	}
	s.resetIndexesLocked()
	s.stats.Rotations++

	if s.opts.CompressBackups {
		// Best effort; a failed pass leaves the plain backup behind.
		_ = compressBackup(rotated)
	}

	return s.pruneBackupsLocked()
}

// pruneBackupsLocked deletes the oldest backups by modification time
// until at most MaxBackups remain.
func (s *Store) pruneBackupsLocked() error {
	matches, err := filepath.Glob(s.path + ".*")
	if err != nil {
		return fmt.Errorf("jsonlog: list backups: %w", err)
	}

	type backup struct {
		path  string
		mtime time.Time
	}
	backups := make([]backup, 0, len(matches))
	for _, match := range matches {
		fi, err := os.Stat(match)
		if err != nil {
			continue
		}
		backups = append(backups, backup{path: match, mtime: fi.ModTime()})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].mtime.After(backups[j].mtime)
	})

	for i := s.opts.MaxBackups; i < len(backups); i++ {
		if err := os.Remove(backups[i].path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("jsonlog: prune backup %s: %w", backups[i].path, err)
		}
	}
	return nil
}

func (s *Store) resetIndexesLocked() {
	s.indexes = make(map[string]map[string]int64)
	s.loaded = make(map[string]bool)
}

// buildIndexLocked scans the whole file recording the line-start offset
// of each entry keyed by its value for field. Later entries overwrite
// earlier ones, so lookups resolve to the most recent write.
func (s *Store) buildIndexLocked(field string) (map[string]int64, error) {
	index := make(map[string]int64)

	f, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return index, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jsonlog: open %s: %w", s.path, err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	var offset int64
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			if value, ok := stringField(line, field); ok {
				index[value] = offset
			}
			offset += int64(len(line))
		}
		if errors.Is(err, io.EOF) {
			return index, nil
		}
		if err != nil {
			return nil, fmt.Errorf("jsonlog: read %s: %w", s.path, err)
		}
	}
}

// stringField extracts a top-level string value from one encoded entry.
// Non-object lines and non-string values report absent.
func stringField(line []byte, field string) (string, bool) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(line, &payload); err != nil {
		return "", false
	}
	raw, ok := payload[field]
	if !ok {
		return "", false
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", false
	}
	return value, true
}

func compressBackup(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".zst")
	if err != nil {
		return err
	}

	enc, err := zstd.NewWriter(dst)
	if err != nil {
		dst.Close()
		os.Remove(path + ".zst")
		return err
	}
	if _, err := io.Copy(enc, src); err != nil {
		enc.Close()
		dst.Close()
		os.Remove(path + ".zst")
		return err
	}
	if err := enc.Close(); err != nil {
		dst.Close()
		os.Remove(path + ".zst")
		return err
	}
	if err := dst.Close(); err != nil {
		os.Remove(path + ".zst")
		return err
	}
	return os.Remove(path)
}
