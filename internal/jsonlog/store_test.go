// Copyright (c) 2025, the magnetdrop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package jsonlog

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	V string `json:"v"`
}

// encodes to {"v":"<x>"}\n, 9 bytes for a single-char value
func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "records.jsonl"), opts)
	require.NoError(t, err)
	return store
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	trimmed := strings.TrimRight(string(data), "\n")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "\n")
}

func TestNew_RejectsBadOptions(t *testing.T) {
	dir := t.TempDir()

	_, err := New(filepath.Join(dir, "a.jsonl"), Options{MaxBytes: 0})
	assert.Error(t, err)

	_, err = New(filepath.Join(dir, "b.jsonl"), Options{MaxBytes: 100, Strategy: "purge"})
	assert.Error(t, err)
}

func TestNew_CreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "records.jsonl")

	store, err := New(path, Options{MaxBytes: 1024})
	require.NoError(t, err)
	require.NoError(t, store.Append(entry{V: "a"}))

	assert.FileExists(t, path)
}

func TestAppend_WritesOneLinePerEntry(t *testing.T) {
	store := newTestStore(t, Options{MaxBytes: 1024})

	require.NoError(t, store.Append(entry{V: "a"}))
	require.NoError(t, store.Append(entry{V: "b"}))

	lines := readLines(t, store.Path())
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"v":"a"}`, lines[0])
	assert.JSONEq(t, `{"v":"b"}`, lines[1])
}

func TestAppend_OversizedEntryFailsBeforeWriting(t *testing.T) {
	store := newTestStore(t, Options{MaxBytes: 30})
	require.NoError(t, store.Append(entry{V: "a"}))

	err := store.Append(entry{V: strings.Repeat("x", 100)})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	// The existing file is untouched: no partial write, no rotation.
	lines := readLines(t, store.Path())
	require.Len(t, lines, 1)
	backups, err := filepath.Glob(store.Path() + ".*")
	require.NoError(t, err)
	assert.Empty(t, backups)

	assert.Equal(t, uint64(1), store.Stats().CapacityRejections)
}

func TestAppend_RotatesBeforeOverflow(t *testing.T) {
	// Each entry encodes to 10 bytes including the newline.
	store := newTestStore(t, Options{MaxBytes: 25})

	require.NoError(t, store.Append(entry{V: "1"}))
	require.NoError(t, store.Append(entry{V: "2"}))
	require.NoError(t, store.Append(entry{V: "3"}))

	live := readLines(t, store.Path())
	require.Len(t, live, 1, "third append must land in a fresh file")
	assert.JSONEq(t, `{"v":"3"}`, live[0])

	backups, err := filepath.Glob(store.Path() + ".*")
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Regexp(t, regexp.MustCompile(`\.\d{14}$`), backups[0])

	rotated := readLines(t, backups[0])
	require.Len(t, rotated, 2, "rotated file carries every pre-rotation entry intact")
	assert.JSONEq(t, `{"v":"1"}`, rotated[0])
	assert.JSONEq(t, `{"v":"2"}`, rotated[1])

	assert.Equal(t, uint64(1), store.Stats().Rotations)
}

func TestAppend_ExactFitDoesNotRotate(t *testing.T) {
	store := newTestStore(t, Options{MaxBytes: 20})

	require.NoError(t, store.Append(entry{V: "1"}))
	require.NoError(t, store.Append(entry{V: "2"}))

	backups, err := filepath.Glob(store.Path() + ".*")
	require.NoError(t, err)
	assert.Empty(t, backups, "a file filled exactly to capacity is still legal")
	require.Len(t, readLines(t, store.Path()), 2)
}

func TestAppend_TruncateStrategy(t *testing.T) {
	store := newTestStore(t, Options{MaxBytes: 25, Strategy: StrategyTruncate})

	require.NoError(t, store.Append(entry{V: "1"}))
	require.NoError(t, store.Append(entry{V: "2"}))
	require.NoError(t, store.Append(entry{V: "3"}))

	live := readLines(t, store.Path())
	require.Len(t, live, 1)
	assert.JSONEq(t, `{"v":"3"}`, live[0])

	backups, err := filepath.Glob(store.Path() + ".*")
	require.NoError(t, err)
	assert.Empty(t, backups, "truncate keeps no backups")

	stats := store.Stats()
	assert.Equal(t, uint64(1), stats.Truncations)
	assert.Equal(t, uint64(0), stats.Rotations)
}

func TestRotation_PrunesOldestBackupsByModTime(t *testing.T) {
	store := newTestStore(t, Options{MaxBytes: 25, MaxBackups: 2})

	// Seed stale backups with distinct, old modification times.
	base := time.Now().Add(-24 * time.Hour)
	for i := 0; i < 3; i++ {
		backup := fmt.Sprintf("%s.2024010100000%d", store.Path(), i)
		require.NoError(t, os.WriteFile(backup, []byte("{}\n"), 0644))
		mtime := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(backup, mtime, mtime))
	}

	require.NoError(t, store.Append(entry{V: "1"}))
	require.NoError(t, store.Append(entry{V: "2"}))
	require.NoError(t, store.Append(entry{V: "3"}))

	backups, err := filepath.Glob(store.Path() + ".*")
	require.NoError(t, err)
	require.Len(t, backups, 2, "retention keeps the newest two backups")

	// The freshly rotated file survives; the two oldest seeds are gone.
	for _, backup := range backups {
		assert.NotEqual(t, store.Path()+".20240101000000", backup)
		assert.NotEqual(t, store.Path()+".20240101000001", backup)
	}
}

func TestRotation_ZeroMaxBackupsKeepsNone(t *testing.T) {
	store := newTestStore(t, Options{MaxBytes: 25})

	require.NoError(t, store.Append(entry{V: "1"}))
	require.NoError(t, store.Append(entry{V: "2"}))
	require.NoError(t, store.Append(entry{V: "3"}))

	backups, err := filepath.Glob(store.Path() + ".*")
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestRotation_CompressedBackups(t *testing.T) {
	store := newTestStore(t, Options{MaxBytes: 25, MaxBackups: 2, CompressBackups: true})

	require.NoError(t, store.Append(entry{V: "1"}))
	require.NoError(t, store.Append(entry{V: "2"}))
	require.NoError(t, store.Append(entry{V: "3"}))

	backups, err := filepath.Glob(store.Path() + ".*")
	require.NoError(t, err)
	require.Len(t, backups, 1)
	require.True(t, strings.HasSuffix(backups[0], ".zst"), "backup should be compressed, got %s", backups[0])

	f, err := os.Open(backups[0])
	require.NoError(t, err)
	defer f.Close()
	dec, err := zstd.NewReader(f)
	require.NoError(t, err)
	defer dec.Close()

	decoded, err := io.ReadAll(dec)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(decoded), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"v":"1"}`, lines[0])
}

func TestFindOne_MissingFileReportsAbsent(t *testing.T) {
	store := newTestStore(t, Options{MaxBytes: 1024})

	raw, found, err := store.FindOne("v", "a")

	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, raw)
}

func TestFindOne_ReturnsMatchingEntry(t *testing.T) {
	store := newTestStore(t, Options{MaxBytes: 1024, IndexFields: []string{"v"}})

	require.NoError(t, store.Append(entry{V: "a"}))
	require.NoError(t, store.Append(entry{V: "b"}))

	raw, found, err := store.FindOne("v", "b")

	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"v":"b"}`, string(raw))
}

func TestFindOne_LastWriteWins(t *testing.T) {
	store := newTestStore(t, Options{MaxBytes: 1024, IndexFields: []string{"id"}})

	type versioned struct {
		ID  string `json:"id"`
		Rev int    `json:"rev"`
	}
	require.NoError(t, store.Append(versioned{ID: "x", Rev: 1}))
	require.NoError(t, store.Append(versioned{ID: "x", Rev: 2}))

	raw, found, err := store.FindOne("id", "x")

	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"id":"x","rev":2}`, string(raw))
}

func TestFindOne_UndeclaredFieldBuildsIndexLazily(t *testing.T) {
	store := newTestStore(t, Options{MaxBytes: 1024})

	require.NoError(t, store.Append(entry{V: "a"}))
	require.NoError(t, store.Append(entry{V: "b"}))

	raw, found, err := store.FindOne("v", "a")

	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"v":"a"}`, string(raw))
}

func TestFindOne_IndexSurvivesAcrossAppends(t *testing.T) {
	store := newTestStore(t, Options{MaxBytes: 1024, IndexFields: []string{"v"}})

	require.NoError(t, store.Append(entry{V: "a"}))
	_, found, err := store.FindOne("v", "a")
	require.NoError(t, err)
	require.True(t, found)

	require.NoError(t, store.Append(entry{V: "b"}))

	raw, found, err := store.FindOne("v", "b")
	require.NoError(t, err)
	require.True(t, found, "appends after the lazy build keep the index current")
	assert.JSONEq(t, `{"v":"b"}`, string(raw))
}

func TestFindOne_SkipsCorruptLines(t *testing.T) {
	store := newTestStore(t, Options{MaxBytes: 1024})
	require.NoError(t, store.Append(entry{V: "a"}))

	// Simulate a torn write landing between two good entries.
	f, err := os.OpenFile(store.Path(), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"v":"torn` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, store.Append(entry{V: "b"}))

	raw, found, err := store.FindOne("v", "b")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"v":"b"}`, string(raw))

	_, found, err = store.FindOne("v", "torn")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFindOne_StaleOffsetOnCorruptedFileReportsAbsent(t *testing.T) {
	store := newTestStore(t, Options{MaxBytes: 1024, IndexFields: []string{"v"}})
	require.NoError(t, store.Append(entry{V: "a"}))

	_, found, err := store.FindOne("v", "a")
	require.NoError(t, err)
	require.True(t, found)

	// The file is rewritten behind the store's back; the indexed offset
	// now points at garbage.
	require.NoError(t, os.WriteFile(store.Path(), []byte("not json at all\n"), 0644))

	raw, found, err := store.FindOne("v", "a")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, raw)
}

func TestFindOne_IndexResetsAfterRotation(t *testing.T) {
	store := newTestStore(t, Options{MaxBytes: 25, IndexFields: []string{"v"}})

	require.NoError(t, store.Append(entry{V: "1"}))
	_, found, err := store.FindOne("v", "1")
	require.NoError(t, err)
	require.True(t, found)

	require.NoError(t, store.Append(entry{V: "2"}))
	require.NoError(t, store.Append(entry{V: "3"}))

	// Entry 1 rotated out of the live file.
	_, found, err = store.FindOne("v", "1")
	require.NoError(t, err)
	assert.False(t, found)

	raw, found, err := store.FindOne("v", "3")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"v":"3"}`, string(raw))
}

func TestForEach_OldestFirstWithEarlyStop(t *testing.T) {
	store := newTestStore(t, Options{MaxBytes: 1024})

	for _, v := range []string{"a", "b", "c"} {
		require.NoError(t, store.Append(entry{V: v}))
	}

	var seen []string
	err := store.ForEach(func(line json.RawMessage) bool {
		var e entry
		require.NoError(t, json.Unmarshal(line, &e))
		seen = append(seen, e.V)
		return len(seen) < 2
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, seen)
}

func TestForEach_MissingFileIsEmpty(t *testing.T) {
	store := newTestStore(t, Options{MaxBytes: 1024})

	calls := 0
	err := store.ForEach(func(json.RawMessage) bool {
		calls++
		return true
	})

	require.NoError(t, err)
	assert.Zero(t, calls)
}

func TestStats_ReportsSizeAndBackups(t *testing.T) {
	store := newTestStore(t, Options{MaxBytes: 25, MaxBackups: 5})

	require.NoError(t, store.Append(entry{V: "1"}))
	require.NoError(t, store.Append(entry{V: "2"}))
	require.NoError(t, store.Append(entry{V: "3"}))

	stats := store.Stats()
	assert.Equal(t, uint64(3), stats.Appends)
	assert.Equal(t, uint64(1), stats.Rotations)
	assert.Equal(t, int64(10), stats.SizeBytes)
	assert.Equal(t, 1, stats.Backups)
}

func TestAppend_ConcurrentWritersNeverTearLines(t *testing.T) {
	store := newTestStore(t, Options{MaxBytes: 64 * 1024})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				assert.NoError(t, store.Append(entry{V: fmt.Sprintf("%d-%d", n, j)}))
			}
		}(i)
	}
	wg.Wait()

	var count int
	require.NoError(t, store.ForEach(func(json.RawMessage) bool {
		count++
		return true
	}))
	assert.Equal(t, 160, count)
}
