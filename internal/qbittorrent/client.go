// Copyright (c) 2025, the magnetdrop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package qbittorrent is a minimal client for the qBittorrent WebUI
// API v2, covering login, health checks and magnet submission. Errors
// are classified by type so callers can decide what is retryable.
package qbittorrent

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/net/publicsuffix"

	"github.com/magnetdrop/magnetdrop/internal/buildinfo"
)

// qBittorrent 5.x (WebAPI 2.11.0) renamed the add-torrent "paused"
// parameter to "stopped".
var stoppedParamMinVersion = semver.MustParse("2.11.0")

const defaultTimeout = 10 * time.Second

// Config carries the connection settings for one qBittorrent instance.
type Config struct {
	BaseURL       string
	Username      string
	Password      string
	Category      string
	Timeout       time.Duration
	TLSSkipVerify bool
}

// Client talks to a single qBittorrent instance. The session cookie
// lives in the HTTP client's jar; the authenticated flag only tracks
// whether a login has succeeded since the last 401/403.
type Client struct {
	baseURL  string
	username string
	password string
	category string
	http     *http.Client

	mu                   sync.RWMutex
	authenticated        bool
	webAPIVersion        string
	supportsStoppedParam bool
}

func NewClient(cfg Config) (*Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	httpClient := &http.Client{
		Jar:     jar,
		Timeout: timeout,
	}
	if cfg.TLSSkipVerify {
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		category: cfg.Category,
		http:     httpClient,
	}, nil
}

// Login authenticates against the WebUI and keeps the session cookie.
// qBittorrent reports login failures with a 200 status and a body other
// than "Ok.", so the body is checked as well.
func (c *Client) Login(ctx context.Context) error {
	form := url.Values{}
	form.Set("username", c.username)
	form.Set("password", c.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v2/auth/login", strings.NewReader(form.Encode()))
	if err != nil {
		return &ServerUnavailableError{Message: "failed to reach qBittorrent", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", buildinfo.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return &ServerUnavailableError{Message: "failed to reach qBittorrent", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ServerUnavailableError{Message: "failed to reach qBittorrent", Err: err}
	}
	body := strings.TrimSpace(string(data))

	if resp.StatusCode != http.StatusOK {
		return &AuthError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("qBittorrent login failed with status %d: %s", resp.StatusCode, body),
		}
	}
	if !strings.EqualFold(body, "ok.") {
		return &AuthError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("unexpected login response: %q", body),
		}
	}

	c.setAuthenticated(true)
	c.refreshCapabilities(ctx)
	return nil
}

// EnsureSession logs in unless a session is already established.
func (c *Client) EnsureSession(ctx context.Context) error {
	if c.Authenticated() {
		return nil
	}
	return c.Login(ctx)
}

// HealthCheck returns the qBittorrent application version, recovering
// once from a missing or expired session.
func (c *Client) HealthCheck(ctx context.Context) (string, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/v2/app/version", nil, nil)
	if err != nil {
		var authErr *AuthError
		if !errors.As(err, &authErr) {
			return "", fmt.Errorf("health check failed: %w", err)
		}
		if err := c.Login(ctx); err != nil {
			return "", err
		}
		if body, err = c.do(ctx, http.MethodGet, "/api/v2/app/version", nil, nil); err != nil {
			return "", fmt.Errorf("health check failed: %w", err)
		}
	}

	version := strings.TrimSpace(body)
	if version == "" {
		return "", &ServerUnavailableError{Message: "qBittorrent returned an empty version"}
	}
	return version, nil
}

// AddMagnet enqueues a magnet link. An empty category falls back to
// the client's default. The acknowledgement body decides the outcome:
// an "ok" prefix is success and a duplicate marker means the torrent
// is already tracked.
func (c *Client) AddMagnet(ctx context.Context, magnetLink, category string) error {
	// The session must exist before the form is built; the start
	// parameter name depends on the WebAPI version learned at login.
	if err := c.EnsureSession(ctx); err != nil {
		return err
	}

	if category == "" {
		category = c.category
	}

	form := url.Values{}
	form.Set("urls", magnetLink)
	form.Set("category", category)
	form.Set("autoTMM", "false")
	form.Set(c.startParamName(), "false")

	body, err := c.authedDo(ctx, http.MethodPost, "/api/v2/torrents/add", nil, form)
	if err != nil {
		return err
	}

	ack := strings.ToLower(strings.TrimSpace(body))
	if strings.HasPrefix(ack, "ok") {
		return nil
	}
	if strings.Contains(ack, "duplicate") {
		return &DuplicateError{}
	}
	return &RejectedError{Body: strings.TrimSpace(body)}
}

// TorrentInfo fetches metadata for one torrent by hash. A nil result
// with nil error means qBittorrent does not know the hash.
func (c *Client) TorrentInfo(ctx context.Context, infoHash string) (*TorrentInfo, error) {
	query := url.Values{}
	query.Set("hashes", infoHash)

	body, err := c.authedDo(ctx, http.MethodGet, "/api/v2/torrents/info", query, nil)
	if err != nil {
		return nil, err
	}

	var torrents []TorrentInfo
	if err := json.Unmarshal([]byte(body), &torrents); err != nil {
		return nil, &ServerUnavailableError{Message: "invalid JSON from qBittorrent", Err: err}
	}
	if len(torrents) == 0 {
		return nil, nil
	}
	return &torrents[0], nil
}

// TorrentInfo is the subset of /torrents/info fields the service
// exposes.
type TorrentInfo struct {
	Hash     string  `json:"hash"`
	Name     string  `json:"name"`
	Size     int64   `json:"size"`
	Progress float64 `json:"progress"`
	State    string  `json:"state"`
	Category string  `json:"category"`
	SavePath string  `json:"save_path"`
	AddedOn  int64   `json:"added_on"`
}

func (c *Client) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

func (c *Client) WebAPIVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.webAPIVersion
}

func (c *Client) SupportsStoppedParam() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.supportsStoppedParam
}

func (c *Client) setAuthenticated(authenticated bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticated = authenticated
}

func (c *Client) startParamName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.supportsStoppedParam {
		return "stopped"
	}
	return "paused"
}

// refreshCapabilities records the WebAPI version and recalculates
// feature flags. Failures leave the flags unchanged; an old qBittorrent
// still accepts the legacy parameter names.
func (c *Client) refreshCapabilities(ctx context.Context) {
	body, err := c.do(ctx, http.MethodGet, "/api/v2/app/webapiVersion", nil, nil)
	if err != nil {
		return
	}
	version := strings.TrimSpace(body)
	if version == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.webAPIVersion = version
	if v, err := semver.NewVersion(version); err == nil {
		c.supportsStoppedParam = !v.LessThan(stoppedParamMinVersion)
	}
}

// authedDo establishes a session if needed and retries the request
// exactly once after re-authenticating when the session turns out to
// be stale.
func (c *Client) authedDo(ctx context.Context, method, path string, query, form url.Values) (string, error) {
	if err := c.EnsureSession(ctx); err != nil {
		return "", err
	}

	body, err := c.do(ctx, method, path, query, form)
	if err == nil {
		return body, nil
	}

	var authErr *AuthError
	if !errors.As(err, &authErr) {
		return "", err
	}
	if err := c.Login(ctx); err != nil {
		return "", err
	}
	return c.do(ctx, method, path, query, form)
}

// do performs one request and classifies the response status: 401/403
// drop the session and become AuthError, 5xx is ServerUnavailableError
// and any other 4xx is RejectedError.
func (c *Client) do(ctx context.Context, method, path string, query, form url.Values) (string, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var payload io.Reader
	if form != nil {
		payload = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, payload)
	if err != nil {
		return "", &ServerUnavailableError{Message: "qBittorrent request failed", Err: err}
	}
	req.Header.Set("User-Agent", buildinfo.UserAgent)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &ServerUnavailableError{Message: "qBittorrent request failed", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &ServerUnavailableError{Message: "qBittorrent request failed", Err: err}
	}
	body := string(data)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.setAuthenticated(false)
		return "", &AuthError{
			StatusCode: resp.StatusCode,
			Message:    "qBittorrent session expired or invalid credentials",
		}
	case resp.StatusCode >= http.StatusInternalServerError:
		return "", &ServerUnavailableError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("qBittorrent server error (%d): %s", resp.StatusCode, strings.TrimSpace(body)),
		}
	case resp.StatusCode >= http.StatusBadRequest:
		return "", &RejectedError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(body)}
	}

	return body, nil
}
