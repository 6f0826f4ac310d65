// Copyright (c) 2025, the magnetdrop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

// Config is the unmarshaled shape of config.toml plus MAGNETDROP__ env
// overrides. Field names match the viper keys case-insensitively.
type Config struct {
	Version string

	Host          string
	Port          int
	BaseURL       string
	LogLevel      string
	LogPath       string
	LogMaxSize    int
	LogMaxBackups int
	DataDir       string

	CheckForUpdates bool
	PprofEnabled    bool

	MetricsEnabled        bool
	MetricsHost           string
	MetricsPort           int
	MetricsBasicAuthUsers string

	SubmissionLogPath     string
	JobLogPath            string
	StoreMaxBytes         int64
	StoreMaxBackups       int
	StoreRotationStrategy string
	StoreCompressBackups  bool

	QueueEnabled       bool
	QueueURL           string
	QueueUsername      string
	QueuePassword      string
	QueueCategory      string
	QueueTimeout       float64
	QueueTLSSkipVerify bool
	RetryAttempts      int
	RetryInitialDelay  float64
	RetryBackoffFactor float64

	ProbeEnabled bool
	ProbeTimeout float64

	ResolverTimeout float64
	RulesPath       string

	DownloadsEnabled bool
	DownloadDir      string
	YtdlpPath        string
	YtdlpExtraArgs   string
	DownloadTimeout  float64
}
