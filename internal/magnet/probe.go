// Copyright (c) 2025, the magnetdrop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package magnet

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/magnetdrop/magnetdrop/internal/buildinfo"
)

// ProbeResult reports a tracker reachability attempt. Succeeded is nil
// when no request was made, true or false otherwise.
type ProbeResult struct {
	Enabled    bool     `json:"enabled"`
	Succeeded  *bool    `json:"succeeded"`
	Reason     string   `json:"reason"`
	TrackerURL string   `json:"trackerUrl,omitempty"`
	ElapsedMs  *float64 `json:"elapsedMs,omitempty"`
}

func probePlaceholder(enabled bool, reason string) *ProbeResult {
	return &ProbeResult{
		Enabled: enabled,
		Reason:  reason,
	}
}

// probeTrackers sends a HEAD request to the first HTTP(S) tracker in the
// announce list. Redirects are followed; any final status in [200, 400)
// counts as reachable. The request is abandoned once timeout elapses.
func probeTrackers(ctx context.Context, trackers []string, timeout time.Duration) *ProbeResult {
	if len(trackers) == 0 {
		return probePlaceholder(true, "No trackers were provided to probe.")
	}

	var trackerURL string
	for _, tracker := range trackers {
		lower := strings.ToLower(tracker)
		if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
			trackerURL = tracker
			break
		}
	}
	if trackerURL == "" {
		return probePlaceholder(true, "No HTTP(S) trackers available for reachability probe.")
	}

	result := &ProbeResult{
		Enabled:    true,
		TrackerURL: trackerURL,
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	succeeded, reason := headTracker(probeCtx, trackerURL)
	elapsed := roundMillis(time.Since(start))

	result.Succeeded = &succeeded
	result.Reason = reason
	result.ElapsedMs = &elapsed
	return result
}

func headTracker(ctx context.Context, trackerURL string) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, trackerURL, nil)
	if err != nil {
		return false, fmt.Sprintf("Tracker request failed: %v", err)
	}
	req.Header.Set("User-Agent", buildinfo.UserAgent)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, fmt.Sprintf("Tracker request failed: %v", err)
	}
	defer resp.Body.Close()

	ok := resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusBadRequest
	return ok, fmt.Sprintf("Tracker responded with status %d.", resp.StatusCode)
}

func roundMillis(d time.Duration) float64 {
	ms := float64(d.Microseconds()) / 1000.0
	return math.Round(ms*100) / 100
}
