// Copyright (c) 2025, the magnetdrop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package update checks GitHub for newer magnetdrop releases and can
// replace the running binary in place.
package update

import (
	"context"
	"sync"
	"time"

	"github.com/creativeprojects/go-selfupdate"
	goversion "github.com/hashicorp/go-version"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/magnetdrop/magnetdrop/internal/domain"
)

// RepositorySlug is the GitHub owner/name pair releases are published under.
const RepositorySlug = "magnetdrop/magnetdrop"

const (
	initialCheckDelay = 30 * time.Second
	checkInterval     = 2 * time.Hour
)

// LatestRelease describes a published release that is ahead of the
// running build. It is the shape served on /api/version/latest, kept
// separate from the underlying library type so the payload stays
// stable.
type LatestRelease struct {
	Version      string    `json:"version"`
	Name         string    `json:"name,omitempty"`
	URL          string    `json:"url,omitempty"`
	ReleaseNotes string    `json:"releaseNotes,omitempty"`
	PublishedAt  time.Time `json:"publishedAt"`
}

type Service struct {
	config *domain.Config
	log    zerolog.Logger

	m             sync.RWMutex
	latestRelease *LatestRelease
}

func NewService(config *domain.Config) *Service {
	return &Service{
		config: config,
		log:    log.Logger.With().Str("module", "update").Logger(),
	}
}

// Start runs periodic release checks until ctx is canceled. The first
// check happens shortly after startup so the result is available
// without waiting a full interval. checkForUpdates is consulted on
// every tick, so a config reload can toggle the checks without a
// restart.
func (s *Service) Start(ctx context.Context) {
	timer := time.NewTimer(initialCheckDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if s.config.CheckForUpdates {
				s.CheckUpdates(ctx)
			}
			timer.Reset(checkInterval)
		}
	}
}

// CheckUpdates refreshes the cached latest release. Errors are logged,
// not returned; a failed check keeps the previous result.
func (s *Service) CheckUpdates(ctx context.Context) {
	release, err := s.checkUpdateAvailable(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to check for updates")
		return
	}

	s.m.Lock()
	s.latestRelease = release
	s.m.Unlock()

	if release != nil {
		s.log.Info().Msgf("New release available: %s (running %s)", release.Version, s.config.Version)
	}
}

// GetLatestRelease returns the most recent release newer than the
// running version, or nil when none is known.
func (s *Service) GetLatestRelease(_ context.Context) *LatestRelease {
	s.m.RLock()
	defer s.m.RUnlock()
	return s.latestRelease
}

// Update replaces the running executable with the latest release
// binary. It returns the release that was installed, or nil when the
// running version is already current.
func (s *Service) Update(ctx context.Context) (*LatestRelease, error) {
	if _, err := goversion.NewVersion(s.config.Version); err != nil {
		return nil, errors.Errorf("cannot self-update a development build (version %q)", s.config.Version)
	}

	release, err := s.checkUpdateAvailable(ctx)
	if err != nil {
		return nil, err
	}
	if release == nil {
		return nil, nil
	}

	s.log.Info().Msgf("Updating %s -> %s", s.config.Version, release.Version)

	if _, err := selfupdate.UpdateSelf(ctx, s.config.Version, selfupdate.ParseSlug(RepositorySlug)); err != nil {
		return nil, errors.Wrap(err, "failed to update binary")
	}

	return release, nil
}

func (s *Service) checkUpdateAvailable(ctx context.Context) (*LatestRelease, error) {
	if _, err := goversion.NewVersion(s.config.Version); err != nil {
		// Development builds carry no comparable version.
		s.log.Debug().Msgf("Skipping update check for non-release build %q", s.config.Version)
		return nil, nil
	}

	latest, found, err := selfupdate.DetectLatest(ctx, selfupdate.ParseSlug(RepositorySlug))
	if err != nil {
		return nil, errors.Wrap(err, "failed to detect latest release")
	}
	if !found {
		return nil, errors.Errorf("no release published for %s", RepositorySlug)
	}

	newer, err := isNewer(latest.Version(), s.config.Version)
	if err != nil {
		return nil, errors.Wrapf(err, "release %q has an unparseable version", latest.Name)
	}
	if !newer {
		return nil, nil
	}

	return &LatestRelease{
		Version:      latest.Version(),
		Name:         latest.Name,
		URL:          latest.URL,
		ReleaseNotes: latest.ReleaseNotes,
		PublishedAt:  latest.PublishedAt,
	}, nil
}

// isNewer reports whether candidate is a strictly higher version than
// current.
func isNewer(candidate, current string) (bool, error) {
	currentVersion, err := goversion.NewVersion(current)
	if err != nil {
		return false, err
	}

	candidateVersion, err := goversion.NewVersion(candidate)
	if err != nil {
		return false, err
	}

	return candidateVersion.GreaterThan(currentVersion), nil
}
