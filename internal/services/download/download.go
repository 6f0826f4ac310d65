// Copyright (c) 2025, the magnetdrop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package download shells out to yt-dlp for video URLs the magnet
// resolver refuses to touch.
package download

import (
	"bytes"
	"context"
	"net/url"
	"os/exec"
	"strings"
	"time"

	shellquote "github.com/Hellseher/go-shellquote"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	defaultBinary  = "yt-dlp"
	defaultTimeout = 10 * time.Minute
	// tailLines bounds how much subprocess output a result carries.
	tailLines = 20
)

var (
	// ErrDisabled is returned while downloadsEnabled is off.
	ErrDisabled = errors.New("downloads are disabled in the configuration")
	// ErrInvalidURL marks input that is not an absolute http(s) URL.
	ErrInvalidURL = errors.New("download expects an absolute http or https URL")
)

// Config mirrors the downloads* configuration keys.
type Config struct {
	Enabled   bool
	Dir       string
	YtdlpPath string
	ExtraArgs string
	Timeout   time.Duration
}

// Result reports one finished yt-dlp run.
type Result struct {
	URL            string  `json:"url"`
	Output         string  `json:"output"`
	ElapsedSeconds float64 `json:"elapsedSeconds"`
}

type Service struct {
	cfg Config
}

func NewService(cfg Config) *Service {
	if cfg.YtdlpPath == "" {
		cfg.YtdlpPath = defaultBinary
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Service{cfg: cfg}
}

// Enabled reports whether the subprocess wrapper may run at all.
func (s *Service) Enabled() bool {
	return s.cfg.Enabled
}

// Fetch runs yt-dlp against rawURL and returns the tail of its
// combined output. The subprocess is killed once the configured
// timeout elapses.
func (s *Service) Fetch(ctx context.Context, rawURL string) (*Result, error) {
	if !s.cfg.Enabled {
		return nil, ErrDisabled
	}

	rawURL = strings.TrimSpace(rawURL)
	parsed, err := url.Parse(rawURL)
	if err != nil || !parsed.IsAbs() || parsed.Host == "" {
		return nil, ErrInvalidURL
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, ErrInvalidURL
	}

	args, err := s.buildArgs(rawURL)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	var output bytes.Buffer
	cmd := exec.CommandContext(ctx, s.cfg.YtdlpPath, args...)
	cmd.Stdout = &output
	cmd.Stderr = &output

	log.Debug().
		Str("binary", s.cfg.YtdlpPath).
		Strs("args", args).
		Msg("Starting yt-dlp")

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)
	trailing := tail(output.String(), tailLines)

	if ctx.Err() == context.DeadlineExceeded {
		return nil, errors.Errorf("yt-dlp timed out after %s: %s", s.cfg.Timeout, trailing)
	}
	if runErr != nil {
		return nil, errors.Wrapf(runErr, "yt-dlp failed: %s", trailing)
	}

	log.Info().
		Str("url", rawURL).
		Dur("elapsed", elapsed).
		Msg("yt-dlp finished")

	return &Result{
		URL:            rawURL,
		Output:         trailing,
		ElapsedSeconds: elapsed.Seconds(),
	}, nil
}

// buildArgs assembles the argv: fixed flags, target directory, user
// extras (which may override earlier flags), and the URL last.
func (s *Service) buildArgs(rawURL string) ([]string, error) {
	args := []string{"--no-playlist"}
	if s.cfg.Dir != "" {
		args = append(args, "-P", s.cfg.Dir)
	}
	if s.cfg.ExtraArgs != "" {
		extra, err := shellquote.Split(s.cfg.ExtraArgs)
		if err != nil {
			return nil, errors.Wrap(err, "failed to parse ytdlpExtraArgs")
		}
		args = append(args, extra...)
	}
	return append(args, rawURL), nil
}

// tail returns at most n trailing non-empty-trimmed lines of s.
func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
