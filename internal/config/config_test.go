// Copyright (c) 2025, the magnetdrop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogPathResolution(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T, tmpDir string) (configPath string, envDataDir string, expectedSubmissions string, expectedJobs string)
	}{
		{
			name: "default_next_to_config",
			prepare: func(t *testing.T, tmpDir string) (string, string, string, string) {
				configPath := filepath.Join(tmpDir, "config.toml")
				content := "host = \"localhost\"\nport = 8080\n"
				require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))
				return configPath, "", filepath.Join(tmpDir, "submissions.jsonl"), filepath.Join(tmpDir, "jobs.jsonl")
			},
		},
		{
			name: "explicit_data_dir_in_config",
			prepare: func(t *testing.T, tmpDir string) (string, string, string, string) {
				configPath := filepath.Join(tmpDir, "config.toml")
				dataDir := filepath.Join(tmpDir, "data")
				require.NoError(t, os.MkdirAll(dataDir, 0o755))
				content := fmt.Sprintf("host = \"localhost\"\nport = 8080\ndataDir = %q\n", dataDir)
				require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))
				return configPath, "", filepath.Join(dataDir, "submissions.jsonl"), filepath.Join(dataDir, "jobs.jsonl")
			},
		},
		{
			name: "env_var_override",
			prepare: func(t *testing.T, tmpDir string) (string, string, string, string) {
				configPath := filepath.Join(tmpDir, "config.toml")
				configDataDir := filepath.Join(tmpDir, "config-data")
				envDataDir := filepath.Join(tmpDir, "env-data")
				require.NoError(t, os.MkdirAll(configDataDir, 0o755))
				require.NoError(t, os.MkdirAll(envDataDir, 0o755))
				content := fmt.Sprintf("host = \"localhost\"\nport = 8080\ndataDir = %q\n", configDataDir)
				require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))
				return configPath, envDataDir, filepath.Join(envDataDir, "submissions.jsonl"), filepath.Join(envDataDir, "jobs.jsonl")
			},
		},
		{
			name: "explicit_log_paths_win",
			prepare: func(t *testing.T, tmpDir string) (string, string, string, string) {
				configPath := filepath.Join(tmpDir, "config.toml")
				subPath := filepath.Join(tmpDir, "custom-subs.jsonl")
				jobPath := filepath.Join(tmpDir, "custom-jobs.jsonl")
				content := fmt.Sprintf("submissionLogPath = %q\njobLogPath = %q\n", subPath, jobPath)
				require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))
				return configPath, "", subPath, jobPath
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			configPath, envValue, expectedSubs, expectedJobs := tt.prepare(t, tmpDir)
			if envValue != "" {
				t.Setenv(envPrefix+"DATA_DIR", envValue)
			}

			cfg, err := New(configPath)
			require.NoError(t, err)

			assert.Equal(t, filepath.Clean(expectedSubs), filepath.Clean(cfg.GetSubmissionLogPath()))
			assert.Equal(t, filepath.Clean(expectedJobs), filepath.Clean(cfg.GetJobLogPath()))
		})
	}
}

func TestConfigDirResolution(t *testing.T) {
	tests := []struct {
		name           string
		input          string
		setupFile      bool
		fileIsDir      bool
		expectedSuffix string
	}{
		{
			name:           "toml_file_extension",
			input:          "/path/to/custom.toml",
			expectedSuffix: "custom.toml",
		},
		{
			name:           "TOML_file_extension_uppercase",
			input:          "/path/to/CONFIG.TOML",
			expectedSuffix: "CONFIG.TOML",
		},
		{
			name:           "directory_path",
			input:          "/path/to/config",
			expectedSuffix: "config.toml",
		},
		{
			name:           "existing_file_without_toml",
			input:          "/path/to/configfile",
			setupFile:      true,
			fileIsDir:      false,
			expectedSuffix: "configfile",
		},
		{
			name:           "existing_directory",
			input:          "/path/to/configdir",
			setupFile:      true,
			fileIsDir:      true,
			expectedSuffix: "config.toml",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			inputPath := filepath.Join(tmpDir, filepath.Base(tt.input))

			if tt.setupFile {
				if tt.fileIsDir {
					err := os.MkdirAll(inputPath, 0o755)
					require.NoError(t, err)
				} else {
					err := os.WriteFile(inputPath, []byte("test"), 0o644)
					require.NoError(t, err)
				}
			}

			c := &AppConfig{}
			result := c.resolveConfigPath(inputPath)
			assert.True(t, strings.HasSuffix(result, tt.expectedSuffix),
				"Expected result %s to end with %s", result, tt.expectedSuffix)
		})
	}
}

func TestNewLoadsConfigFromFileOrDirectory(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T, tmpDir string) (inputPath string, expectedHost string, expectedPort int)
	}{
		{
			name: "config_file_path",
			prepare: func(t *testing.T, tmpDir string) (string, string, int) {
				configPath := filepath.Join(tmpDir, "myconfig.toml")
				content := "host = \"localhost\"\nport = 8080\n"
				require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))
				return configPath, "localhost", 8080
			},
		},
		{
			name: "config_directory_path",
			prepare: func(t *testing.T, tmpDir string) (string, string, int) {
				configDir := filepath.Join(tmpDir, "configdir")
				require.NoError(t, os.MkdirAll(configDir, 0o755))
				content := "host = \"0.0.0.0\"\nport = 9090\n"
				require.NoError(t, os.WriteFile(filepath.Join(configDir, "config.toml"), []byte(content), 0o644))
				return configDir, "0.0.0.0", 9090
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			inputPath, expectedHost, expectedPort := tt.prepare(t, tmpDir)

			cfg, err := New(inputPath)
			require.NoError(t, err)

			assert.Equal(t, expectedHost, cfg.Config.Host)
			assert.Equal(t, expectedPort, cfg.Config.Port)
		})
	}
}

func TestQueueAndRetryDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")
	require.NoError(t, os.WriteFile(configPath, []byte("host = \"localhost\"\n"), 0o644))

	cfg, err := New(configPath)
	require.NoError(t, err)

	assert.False(t, cfg.Config.QueueEnabled)
	assert.Equal(t, "magnetdrop", cfg.Config.QueueCategory)
	assert.Equal(t, 3, cfg.Config.RetryAttempts)
	assert.InDelta(t, 0.25, cfg.Config.RetryInitialDelay, 0.0001)
	assert.InDelta(t, 2.0, cfg.Config.RetryBackoffFactor, 0.0001)
	assert.Equal(t, int64(5*1024*1024), cfg.Config.StoreMaxBytes)
	assert.Equal(t, "rotate", cfg.Config.StoreRotationStrategy)
	assert.False(t, cfg.Config.ProbeEnabled)
	assert.InDelta(t, 2.0, cfg.Config.ProbeTimeout, 0.0001)
}

func TestEnvOverridesQueueCredentials(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")
	content := "queueUrl = \"http://file:8080\"\nqueueUsername = \"fileuser\"\n"
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

	t.Setenv(envPrefix+"QUEUE_URL", "http://env:9090")
	t.Setenv(envPrefix+"QUEUE_USERNAME", "envuser")
	t.Setenv(envPrefix+"QUEUE_PASSWORD", "envpass")

	cfg, err := New(configPath)
	require.NoError(t, err)

	assert.Equal(t, "http://env:9090", cfg.Config.QueueURL)
	assert.Equal(t, "envuser", cfg.Config.QueueUsername)
	assert.Equal(t, "envpass", cfg.Config.QueuePassword)
}

func TestQueuePasswordFromFile(t *testing.T) {
	tmpDir := t.TempDir()

	secretPath := filepath.Join(tmpDir, "queue-password")
	require.NoError(t, os.WriteFile(secretPath, []byte("hunter2\n"), 0o600))
	t.Setenv(envPrefix+"QUEUE_PASSWORD_FILE", secretPath)

	configPath := filepath.Join(tmpDir, "config.toml")
	require.NoError(t, os.WriteFile(configPath, []byte("host = \"localhost\"\n"), 0o644))

	cfg, err := New(configPath)
	require.NoError(t, err)

	assert.Equal(t, "hunter2", cfg.Config.QueuePassword)
}

func TestWriteDefaultConfigSkipsExisting(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")
	original := []byte("host = \"keep-me\"\n")
	require.NoError(t, os.WriteFile(configPath, original, 0o644))

	require.NoError(t, WriteDefaultConfig(configPath))

	content, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Equal(t, original, content)
}
