// Copyright (c) 2025, the magnetdrop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package magnet validates and normalizes magnet URIs. BTIH info hashes
// are accepted in hex and base32 form and canonicalized to 40-char
// lowercase hex. Validation never performs I/O unless a reachability
// probe is requested.
package magnet

import (
	"context"
	"encoding/base32"
	"encoding/hex"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/anacrolix/torrent/metainfo"
)

const (
	btihPrefix     = "urn:btih:"
	btihHexLength  = 40
	btihB32Length  = 32
	btihByteLength = 20
)

// Encoding names the wire form an info hash arrived in.
type Encoding string

const (
	EncodingHex    Encoding = "hex"
	EncodingBase32 Encoding = "base32"
)

// ValidationResult is the full outcome of validating one raw magnet link.
// Valid is true exactly when Errors is empty, which is exactly when
// InfoHash carries a normalized 40-char lowercase hex digest.
type ValidationResult struct {
	Raw              string       `json:"raw"`
	Valid            bool         `json:"valid"`
	InfoHash         string       `json:"infoHash,omitempty"`
	InfoHashEncoding Encoding     `json:"infoHashEncoding,omitempty"`
	DisplayName      string       `json:"displayName,omitempty"`
	Trackers         []string     `json:"trackers"`
	Errors           []string     `json:"errors"`
	Reachability     *ProbeResult `json:"reachability,omitempty"`
}

// Validate runs every structural check against raw and, when probe is
// set and the magnet is valid, probes the first HTTP(S) tracker for
// reachability. Checks append to Errors without short-circuiting each
// other, so one pass reports everything fixable at once. The probe
// never blocks longer than probeTimeout.
func Validate(ctx context.Context, raw string, probe bool, probeTimeout time.Duration) ValidationResult {
	result := ValidationResult{
		Raw:      raw,
		Trackers: []string{},
		Errors:   []string{},
	}

	if raw == "" {
		result.Errors = append(result.Errors, "Magnet link cannot be empty.")
		result.Reachability = probePlaceholder(probe, "Skipped because magnet was empty.")
		return result
	}

	if strings.IndexFunc(raw, unicode.IsSpace) >= 0 {
		result.Errors = append(result.Errors, "Magnet link cannot contain whitespace characters; encode spaces as %20.")
	}

	if strings.IndexFunc(raw, func(r rune) bool { return r < 32 }) >= 0 {
		result.Errors = append(result.Errors, "Magnet link contains control characters which are not allowed.")
	}

	if strings.IndexFunc(raw, func(r rune) bool { return r > unicode.MaxASCII }) >= 0 {
		result.Errors = append(result.Errors, "Magnet link must be ASCII; percent-encode non-ASCII characters.")
	}

	var query string
	parsed, err := url.Parse(raw)
	if err != nil || !strings.EqualFold(parsed.Scheme, "magnet") || parsed.RawQuery == "" {
		result.Errors = append(result.Errors, "Magnet link must start with 'magnet:?'.")
	}
	if err == nil {
		query = parsed.RawQuery
	}

	// ParseQuery drops pairs with broken percent escapes but keeps the
	// rest; a magnet mangled that badly surfaces as a missing xt below.
	params, _ := url.ParseQuery(query)

	xt := params.Get("xt")
	if xt == "" {
		result.Errors = append(result.Errors, "Missing required xt parameter.")
	} else if !strings.HasPrefix(strings.ToLower(xt), btihPrefix) {
		result.Errors = append(result.Errors, "xt parameter must start with 'urn:btih:'.")
	} else {
		candidate := xt[len(btihPrefix):]
		if digest, encoding, ok := normalizeInfoHash(candidate); ok {
			result.InfoHash = digest
			result.InfoHashEncoding = encoding
		} else {
			result.Errors = append(result.Errors, "BTIH info hash must be 40 hexadecimal or 32 base32 characters.")
		}
	}

	result.DisplayName = params.Get("dn")
	if trackers := params["tr"]; len(trackers) > 0 {
		result.Trackers = trackers
	}

	if len(result.Errors) > 0 {
		// A result never carries a hash alongside errors, even when the
		// xt parameter itself was fine.
		result.InfoHash = ""
		result.InfoHashEncoding = ""
		reason := "Probe disabled via configuration."
		if probe {
			reason = "Skipped because magnet failed validation."
		}
		result.Reachability = probePlaceholder(probe, reason)
		return result
	}

	result.Valid = true

	if probe {
		result.Reachability = probeTrackers(ctx, result.Trackers, probeTimeout)
	} else {
		result.Reachability = probePlaceholder(false, "Probe disabled via configuration.")
	}

	return result
}

// normalizeInfoHash canonicalizes a BTIH candidate to lowercase hex.
// Both encodings funnel through a 20-byte metainfo.Hash so the output
// form cannot drift between them.
func normalizeInfoHash(candidate string) (string, Encoding, bool) {
	switch len(candidate) {
	case btihHexLength:
		decoded, err := hex.DecodeString(candidate)
		if err != nil || len(decoded) != btihByteLength {
			return "", "", false
		}
		var h metainfo.Hash
		copy(h[:], decoded)
		return h.HexString(), EncodingHex, true
	case btihB32Length:
		decoded, err := base32.StdEncoding.DecodeString(strings.ToUpper(candidate))
		if err != nil || len(decoded) != btihByteLength {
			return "", "", false
		}
		var h metainfo.Hash
		copy(h[:], decoded)
		return h.HexString(), EncodingBase32, true
	default:
		return "", "", false
	}
}
