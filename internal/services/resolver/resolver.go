// Copyright (c) 2025, the magnetdrop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package resolver turns a web page URL into the first usable magnet
// link found on that page.
package resolver

import (
	"bytes"
	"context"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/html/charset"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/magnetdrop/magnetdrop/internal/buildinfo"
)

const (
	cacheTTL = 5 * time.Minute
	// maxBodyBytes caps how much of a page we are willing to read.
	maxBodyBytes = 4 << 20
	// maxConcurrentFetches bounds parallel outbound page fetches.
	maxConcurrentFetches = 4

	defaultTimeout = 10 * time.Second
)

var (
	// ErrNoMagnet means the page loaded fine but contained no magnet
	// link that parses.
	ErrNoMagnet = errors.New("no magnet link found on page")
	// ErrVideoPlatform marks URLs that will never carry a magnet link;
	// the downloads endpoint handles those.
	ErrVideoPlatform = errors.New("video platform URLs cannot be resolved to a magnet link; use the downloads endpoint instead")
	// ErrInvalidURL marks input that is not an http(s) URL at all.
	ErrInvalidURL = errors.New("resolve expects an absolute http or https URL")
)

// magnetPattern is the fallback for pages that carry magnet links
// outside anchor tags (plain text, inline scripts).
var magnetPattern = regexp.MustCompile(`magnet:\?[^"'\s<>\\]+`)

// videoHosts lists hosts (and their subdomains) the resolver refuses.
var videoHosts = []string{"youtube.com", "youtu.be", "vimeo.com"}

// Resolution is a successful resolve outcome.
type Resolution struct {
	MagnetLink string `json:"magnet"`
	InfoHash   string `json:"infoHash"`
	PageTitle  string `json:"pageTitle,omitempty"`
}

type Service struct {
	httpClient *http.Client
	cache      *ttlcache.Cache[string, Resolution]
	group      singleflight.Group
	sem        *semaphore.Weighted
}

// NewService builds a resolver whose page fetches never outlive
// timeout. Results are cached per URL for a few minutes and identical
// concurrent requests share one fetch.
func NewService(timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Service{
		httpClient: &http.Client{Timeout: timeout},
		cache: ttlcache.New(ttlcache.Options[string, Resolution]{}.
			SetDefaultTTL(cacheTTL)),
		sem: semaphore.NewWeighted(maxConcurrentFetches),
	}
}

// Resolve fetches pageURL and returns the first magnet link on the
// page that parses as a BTIH magnet.
func (s *Service) Resolve(ctx context.Context, pageURL string) (Resolution, error) {
	pageURL = strings.TrimSpace(pageURL)

	parsed, err := url.Parse(pageURL)
	if err != nil || !parsed.IsAbs() || parsed.Host == "" {
		return Resolution{}, ErrInvalidURL
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return Resolution{}, ErrInvalidURL
	}
	if isVideoHost(parsed.Hostname()) {
		return Resolution{}, ErrVideoPlatform
	}

	if cached, ok := s.cache.Get(pageURL); ok {
		return cached, nil
	}

	value, err, shared := s.group.Do(pageURL, func() (any, error) {
		resolution, err := s.fetch(ctx, pageURL)
		if err != nil {
			return Resolution{}, err
		}
		s.cache.Set(pageURL, resolution, ttlcache.DefaultTTL)
		return resolution, nil
	})
	if err != nil {
		return Resolution{}, err
	}
	resolution := value.(Resolution)
	log.Debug().
		Str("url", pageURL).
		Str("infoHash", resolution.InfoHash).
		Bool("shared", shared).
		Msg("Resolved page to magnet link")
	return resolution, nil
}

func (s *Service) fetch(ctx context.Context, pageURL string) (Resolution, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return Resolution{}, errors.Wrap(err, "waiting for fetch slot")
	}
	defer s.sem.Release(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return Resolution{}, errors.Wrap(err, "failed to build page request")
	}
	req.Header.Set("User-Agent", buildinfo.UserAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Resolution{}, errors.Wrap(err, "failed to fetch page")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Resolution{}, errors.Errorf("page returned status %d", resp.StatusCode)
	}

	// Decode whatever charset the server declared before parsing;
	// magnet URIs are ASCII but titles frequently are not.
	reader, err := charset.NewReader(io.LimitReader(resp.Body, maxBodyBytes), resp.Header.Get("Content-Type"))
	if err != nil {
		return Resolution{}, errors.Wrap(err, "failed to decode page body")
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return Resolution{}, errors.Wrap(err, "failed to read page body")
	}

	return extract(body)
}

// extract returns the first candidate magnet that parses: anchor hrefs
// in document order first, then a regex sweep over the raw body.
func extract(body []byte) (Resolution, error) {
	var candidates []string
	var title string

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err == nil {
		title = strings.TrimSpace(doc.Find("title").First().Text())
		doc.Find("a[href^='magnet:']").Each(func(_ int, sel *goquery.Selection) {
			if href, ok := sel.Attr("href"); ok {
				candidates = append(candidates, href)
			}
		})
	}
	for _, match := range magnetPattern.FindAllString(string(body), -1) {
		candidates = append(candidates, html.UnescapeString(match))
	}

	for _, candidate := range candidates {
		parsed, err := metainfo.ParseMagnetUri(candidate)
		if err != nil {
			continue
		}
		return Resolution{
			MagnetLink: candidate,
			InfoHash:   parsed.InfoHash.HexString(),
			PageTitle:  title,
		}, nil
	}
	return Resolution{}, ErrNoMagnet
}

func isVideoHost(host string) bool {
	host = strings.ToLower(host)
	for _, video := range videoHosts {
		if host == video || strings.HasSuffix(host, "."+video) {
			return true
		}
	}
	return false
}
