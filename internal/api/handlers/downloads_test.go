// Copyright (c) 2025, the magnetdrop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magnetdrop/magnetdrop/internal/services/download"
)

func fakeYtdlp(t *testing.T, script string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "yt-dlp")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func postDownload(t *testing.T, h *DownloadsHandler, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/api/downloads", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	h.Download(rec, req)
	return rec
}

func TestDownload_DisabledByConfiguration(t *testing.T) {
	h := NewDownloadsHandler(download.NewService(download.Config{}))

	rec := postDownload(t, h, `{"url":"https://example.com/watch?v=abc"}`)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "disabled")
}

func TestDownload_RejectsBadURL(t *testing.T) {
	h := NewDownloadsHandler(download.NewService(download.Config{
		Enabled:   true,
		YtdlpPath: fakeYtdlp(t, "exit 0"),
	}))

	rec := postDownload(t, h, `{"url":"ftp://example.com/file"}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDownload_ReturnsRunOutput(t *testing.T) {
	h := NewDownloadsHandler(download.NewService(download.Config{
		Enabled:   true,
		YtdlpPath: fakeYtdlp(t, `echo "[download] Destination: clip.mp4"`),
	}))

	rec := postDownload(t, h, `{"url":"https://example.com/watch?v=abc"}`)

	require.Equal(t, http.StatusOK, rec.Code)

	var result download.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Contains(t, result.Output, "clip.mp4")
	assert.Equal(t, "https://example.com/watch?v=abc", result.URL)
}

func TestDownload_RunFailure(t *testing.T) {
	h := NewDownloadsHandler(download.NewService(download.Config{
		Enabled:   true,
		YtdlpPath: fakeYtdlp(t, "echo 'ERROR: unsupported url' >&2; exit 1"),
	}))

	rec := postDownload(t, h, `{"url":"https://example.com/watch?v=abc"}`)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "Download failed")
}

func TestDownload_RejectsMalformedBody(t *testing.T) {
	h := NewDownloadsHandler(download.NewService(download.Config{}))

	rec := postDownload(t, h, `not json`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid request body")
}
