// Copyright (c) 2025, the magnetdrop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package magnet

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeTrackers_NoTrackers(t *testing.T) {
	result := probeTrackers(context.Background(), nil, time.Second)

	assert.True(t, result.Enabled)
	assert.Nil(t, result.Succeeded)
	assert.Equal(t, "No trackers were provided to probe.", result.Reason)
	assert.Empty(t, result.TrackerURL)
	assert.Nil(t, result.ElapsedMs)
}

func TestProbeTrackers_NoHTTPTrackers(t *testing.T) {
	trackers := []string{"udp://tracker.one:6969", "wss://tracker.two/announce"}

	result := probeTrackers(context.Background(), trackers, time.Second)

	assert.True(t, result.Enabled)
	assert.Nil(t, result.Succeeded)
	assert.Equal(t, "No HTTP(S) trackers available for reachability probe.", result.Reason)
	assert.Empty(t, result.TrackerURL)
}

func TestProbeTrackers_ReachableTracker(t *testing.T) {
	var gotMethod atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod.Store(r.Method)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	result := probeTrackers(context.Background(), []string{srv.URL}, time.Second)

	require.NotNil(t, result.Succeeded)
	assert.True(t, *result.Succeeded)
	assert.Equal(t, "Tracker responded with status 200.", result.Reason)
	assert.Equal(t, srv.URL, result.TrackerURL)
	require.NotNil(t, result.ElapsedMs)
	assert.GreaterOrEqual(t, *result.ElapsedMs, 0.0)
	assert.Equal(t, http.MethodHead, gotMethod.Load(), "probe must use HEAD")
}

func TestProbeTrackers_StatusBoundaries(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		wantOK     bool
		wantReason string
	}{
		{name: "200 ok", status: http.StatusOK, wantOK: true, wantReason: "Tracker responded with status 200."},
		{name: "204 no content", status: http.StatusNoContent, wantOK: true, wantReason: "Tracker responded with status 204."},
		{name: "399 still ok", status: 399, wantOK: true, wantReason: "Tracker responded with status 399."},
		{name: "400 rejected", status: http.StatusBadRequest, wantOK: false, wantReason: "Tracker responded with status 400."},
		{name: "404 rejected", status: http.StatusNotFound, wantOK: false, wantReason: "Tracker responded with status 404."},
		{name: "500 rejected", status: http.StatusInternalServerError, wantOK: false, wantReason: "Tracker responded with status 500."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			result := probeTrackers(context.Background(), []string{srv.URL}, time.Second)

			require.NotNil(t, result.Succeeded)
			assert.Equal(t, tt.wantOK, *result.Succeeded)
			assert.Equal(t, tt.wantReason, result.Reason)
		})
	}
}

func TestProbeTrackers_PicksFirstHTTPTracker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	trackers := []string{
		"udp://tracker.one:6969",
		srv.URL,
		"https://never-contacted.invalid/announce",
	}

	result := probeTrackers(context.Background(), trackers, time.Second)

	assert.Equal(t, srv.URL, result.TrackerURL)
	require.NotNil(t, result.Succeeded)
	assert.True(t, *result.Succeeded)
}

func TestProbeTrackers_SchemeCaseInsensitive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	upper := "HTTP://" + strings.TrimPrefix(srv.URL, "http://")

	result := probeTrackers(context.Background(), []string{"udp://x:1", upper}, time.Second)

	assert.Equal(t, upper, result.TrackerURL)
	require.NotNil(t, result.Succeeded)
	assert.True(t, *result.Succeeded)
}

func TestProbeTrackers_FollowsRedirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/announce", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ok", http.StatusFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	result := probeTrackers(context.Background(), []string{srv.URL + "/announce"}, time.Second)

	require.NotNil(t, result.Succeeded)
	assert.True(t, *result.Succeeded)
	assert.Equal(t, "Tracker responded with status 200.", result.Reason)
}

func TestProbeTrackers_ConnectionFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	result := probeTrackers(context.Background(), []string{srv.URL}, time.Second)

	require.NotNil(t, result.Succeeded)
	assert.False(t, *result.Succeeded)
	assert.True(t, strings.HasPrefix(result.Reason, "Tracker request failed:"), "got reason %q", result.Reason)
	require.NotNil(t, result.ElapsedMs)
}

func TestProbeTrackers_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer func() {
		close(release)
		srv.Close()
	}()

	start := time.Now()
	result := probeTrackers(context.Background(), []string{srv.URL}, 50*time.Millisecond)
	elapsed := time.Since(start)

	require.NotNil(t, result.Succeeded)
	assert.False(t, *result.Succeeded)
	assert.True(t, strings.HasPrefix(result.Reason, "Tracker request failed:"), "got reason %q", result.Reason)
	assert.Less(t, elapsed, time.Second, "probe must give up at the deadline")
}

func TestValidate_ProbeEndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	raw := testMagnet(testHashHex) + "&tr=udp://skip.me:1&tr=" + srv.URL + "/announce"

	result := Validate(context.Background(), raw, true, time.Second)

	require.True(t, result.Valid)
	require.NotNil(t, result.Reachability)
	assert.True(t, result.Reachability.Enabled)
	require.NotNil(t, result.Reachability.Succeeded)
	assert.True(t, *result.Reachability.Succeeded)
	assert.Equal(t, srv.URL+"/announce", result.Reachability.TrackerURL)
}
