// Copyright (c) 2025, the magnetdrop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/magnetdrop/magnetdrop/internal/domain"
)

var envPrefix = "MAGNETDROP__"

type AppConfig struct {
	Config  *domain.Config
	viper   *viper.Viper
	dataDir string
	version string

	listenersMu sync.RWMutex
	listeners   []func(*domain.Config)
}

func New(configDirOrPath string, versions ...string) (*AppConfig, error) {
	version := "dev"
	if len(versions) > 0 && strings.TrimSpace(versions[0]) != "" {
		version = versions[0]
	}

	c := &AppConfig{
		viper:   viper.New(),
		Config:  &domain.Config{},
		version: version,
	}

	c.defaults()

	if err := c.load(configDirOrPath); err != nil {
		return nil, err
	}

	c.loadFromEnv()

	if err := c.viper.Unmarshal(c.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	c.Config.Version = c.version

	c.resolveDataDir()

	c.watchConfig()

	return c, nil
}

func (c *AppConfig) defaults() {
	host := "localhost"
	if detectContainer() {
		host = "0.0.0.0"
	}

	c.viper.SetDefault("host", host)
	c.viper.SetDefault("port", 7490)
	c.viper.SetDefault("baseUrl", "/")
	c.viper.SetDefault("logLevel", "INFO")
	c.viper.SetDefault("logPath", "")
	c.viper.SetDefault("logMaxSize", 50)
	c.viper.SetDefault("logMaxBackups", 3)
	c.viper.SetDefault("dataDir", "") // Empty means auto-detect (next to config file)
	c.viper.SetDefault("checkForUpdates", true)
	c.viper.SetDefault("pprofEnabled", false)
	c.viper.SetDefault("metricsEnabled", false)
	c.viper.SetDefault("metricsHost", "127.0.0.1")
	c.viper.SetDefault("metricsPort", 9091)
	c.viper.SetDefault("metricsBasicAuthUsers", "")

	// Submission and job logs
	c.viper.SetDefault("submissionLogPath", "")
	c.viper.SetDefault("jobLogPath", "")
	c.viper.SetDefault("storeMaxBytes", int64(5*1024*1024))
	c.viper.SetDefault("storeMaxBackups", 3)
	c.viper.SetDefault("storeRotationStrategy", "rotate")
	c.viper.SetDefault("storeCompressBackups", false)

	// Queue service (qBittorrent)
	c.viper.SetDefault("queueEnabled", false)
	c.viper.SetDefault("queueUrl", "http://localhost:8080")
	c.viper.SetDefault("queueUsername", "admin")
	c.viper.SetDefault("queuePassword", "")
	c.viper.SetDefault("queueCategory", "magnetdrop")
	c.viper.SetDefault("queueTimeout", 10.0)
	c.viper.SetDefault("queueTlsSkipVerify", false)
	c.viper.SetDefault("retryAttempts", 3)
	c.viper.SetDefault("retryInitialDelay", 0.25)
	c.viper.SetDefault("retryBackoffFactor", 2.0)

	// Tracker reachability probe
	c.viper.SetDefault("probeEnabled", false)
	c.viper.SetDefault("probeTimeout", 2.0)

	// Magnet resolver and yt-dlp wrapper
	c.viper.SetDefault("resolverTimeout", 10.0)
	c.viper.SetDefault("rulesPath", "")
	c.viper.SetDefault("downloadsEnabled", false)
	c.viper.SetDefault("downloadDir", "")
	c.viper.SetDefault("ytdlpPath", "yt-dlp")
	c.viper.SetDefault("ytdlpExtraArgs", "")
	c.viper.SetDefault("downloadTimeout", 600.0)
}

func (c *AppConfig) load(configDirOrPath string) error {
	c.viper.SetConfigType("toml")

	if configDirOrPath != "" {
		configPath := c.resolveConfigPath(configDirOrPath)
		c.viper.SetConfigFile(configPath)

		if err := c.viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); ok {
				if err := c.writeDefaultConfig(configPath); err != nil {
					return err
				}
				if err := c.viper.ReadInConfig(); err != nil {
					return fmt.Errorf("failed to read newly created config: %w", err)
				}
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
	} else {
		c.viper.SetConfigName("config")
		c.viper.AddConfigPath(".")
		c.viper.AddConfigPath(GetDefaultConfigDir())

		if err := c.viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); ok {
				defaultConfigPath := filepath.Join(GetDefaultConfigDir(), "config.toml")
				if err := c.writeDefaultConfig(defaultConfigPath); err != nil {
					return err
				}
				c.viper.SetConfigFile(defaultConfigPath)
				if err := c.viper.ReadInConfig(); err != nil {
					return fmt.Errorf("failed to read newly created config: %w", err)
				}
				c.dataDir = filepath.Dir(defaultConfigPath)
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
	}

	return nil
}

func (c *AppConfig) loadFromEnv() {
	// DO NOT use AutomaticEnv() - it reads ALL env vars and causes conflicts with K8s
	// Instead, explicitly bind only the environment variables we want

	c.viper.BindEnv("host", envPrefix+"HOST")
	c.viper.BindEnv("port", envPrefix+"PORT")
	c.viper.BindEnv("baseUrl", envPrefix+"BASE_URL")
	c.viper.BindEnv("logLevel", envPrefix+"LOG_LEVEL")
	c.viper.BindEnv("logPath", envPrefix+"LOG_PATH")
	c.viper.BindEnv("logMaxSize", envPrefix+"LOG_MAX_SIZE")
	c.viper.BindEnv("logMaxBackups", envPrefix+"LOG_MAX_BACKUPS")
	c.viper.BindEnv("dataDir", envPrefix+"DATA_DIR")
	c.viper.BindEnv("checkForUpdates", envPrefix+"CHECK_FOR_UPDATES")
	c.viper.BindEnv("pprofEnabled", envPrefix+"PPROF_ENABLED")
	c.viper.BindEnv("metricsEnabled", envPrefix+"METRICS_ENABLED")
	c.viper.BindEnv("metricsHost", envPrefix+"METRICS_HOST")
	c.viper.BindEnv("metricsPort", envPrefix+"METRICS_PORT")
	c.viper.BindEnv("metricsBasicAuthUsers", envPrefix+"METRICS_BASIC_AUTH_USERS")

	c.viper.BindEnv("submissionLogPath", envPrefix+"SUBMISSION_LOG_PATH")
	c.viper.BindEnv("jobLogPath", envPrefix+"JOB_LOG_PATH")
	c.viper.BindEnv("storeMaxBytes", envPrefix+"STORE_MAX_BYTES")
	c.viper.BindEnv("storeMaxBackups", envPrefix+"STORE_MAX_BACKUPS")
	c.viper.BindEnv("storeRotationStrategy", envPrefix+"STORE_ROTATION_STRATEGY")
	c.viper.BindEnv("storeCompressBackups", envPrefix+"STORE_COMPRESS_BACKUPS")

	c.viper.BindEnv("queueEnabled", envPrefix+"QUEUE_ENABLED")
	c.viper.BindEnv("queueUrl", envPrefix+"QUEUE_URL")
	c.viper.BindEnv("queueUsername", envPrefix+"QUEUE_USERNAME")
	c.bindOrReadFromFile("queuePassword", envPrefix+"QUEUE_PASSWORD")
	c.viper.BindEnv("queueCategory", envPrefix+"QUEUE_CATEGORY")
	c.viper.BindEnv("queueTimeout", envPrefix+"QUEUE_TIMEOUT")
	c.viper.BindEnv("queueTlsSkipVerify", envPrefix+"QUEUE_TLS_SKIP_VERIFY")
	c.viper.BindEnv("retryAttempts", envPrefix+"RETRY_ATTEMPTS")
	c.viper.BindEnv("retryInitialDelay", envPrefix+"RETRY_INITIAL_DELAY")
	c.viper.BindEnv("retryBackoffFactor", envPrefix+"RETRY_BACKOFF_FACTOR")

	c.viper.BindEnv("probeEnabled", envPrefix+"PROBE_ENABLED")
	c.viper.BindEnv("probeTimeout", envPrefix+"PROBE_TIMEOUT")

	c.viper.BindEnv("resolverTimeout", envPrefix+"RESOLVER_TIMEOUT")
	c.viper.BindEnv("rulesPath", envPrefix+"RULES_PATH")
	c.viper.BindEnv("downloadsEnabled", envPrefix+"DOWNLOADS_ENABLED")
	c.viper.BindEnv("downloadDir", envPrefix+"DOWNLOAD_DIR")
	c.viper.BindEnv("ytdlpPath", envPrefix+"YTDLP_PATH")
	c.viper.BindEnv("ytdlpExtraArgs", envPrefix+"YTDLP_EXTRA_ARGS")
	c.viper.BindEnv("downloadTimeout", envPrefix+"DOWNLOAD_TIMEOUT")
}

func (c *AppConfig) watchConfig() {
	c.viper.WatchConfig()
	c.viper.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Msgf("Config file changed: %s", e.Name)

		if err := c.viper.Unmarshal(c.Config); err != nil {
			log.Error().Err(err).Msg("Failed to reload configuration")
			return
		}

		c.applyDynamicChanges()
	})
}

func (c *AppConfig) applyDynamicChanges() {
	c.Config.Version = c.version
	c.ApplyLogConfig()

	c.Config.CheckForUpdates = c.viper.GetBool("checkForUpdates")

	c.notifyListeners()
}

// RegisterReloadListener registers a callback that's invoked when the configuration file is reloaded.
func (c *AppConfig) RegisterReloadListener(fn func(*domain.Config)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *AppConfig) notifyListeners() {
	c.listenersMu.RLock()
	listeners := append([]func(*domain.Config){}, c.listeners...)
	c.listenersMu.RUnlock()

	if len(listeners) == 0 {
		return
	}

	copied := *c.Config
	for _, listener := range listeners {
		listener(&copied)
	}
}

func (c *AppConfig) writeDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		log.Debug().Msgf("Config file already exists at: %s", path)
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	log.Debug().Msgf("Created config directory: %s", dir)

	configTemplate := `# config.toml - Auto-generated on first run

# Hostname / IP
# Default: "localhost" (or "0.0.0.0" in containers)
host = "{{ .host }}"

# Port
# Default: 7490
port = {{ .port }}

# Base URL
# Set custom baseUrl eg /magnetdrop/ to serve in subdirectory.
# Not needed for subdomain, or by accessing with :port directly.
# Optional
#baseUrl = "/magnetdrop/"

# Log file path
# If not defined, logs to stdout
# Optional
#logPath = "log/magnetdrop.log"

# Log rotation
# Maximum log file size in megabytes before rotation
# Default: {{ .logMaxSize }}
#logMaxSize = {{ .logMaxSize }}

# Number of rotated log files to retain (0 keeps all)
# Default: {{ .logMaxBackups }}
#logMaxBackups = {{ .logMaxBackups }}

# Data directory (default: next to config file)
# Submission and job logs are created inside this directory
#dataDir = "/var/lib/magnetdrop"

# Check for new releases on GitHub
# Default: true
#checkForUpdates = true

# Log level
# Default: "INFO"
# Options: "ERROR", "DEBUG", "INFO", "WARN", "TRACE"
logLevel = "{{ .logLevel }}"

# Submission log
# One JSON object per accepted or rejected submission
# Default: <dataDir>/submissions.jsonl
#submissionLogPath = ""

# Job log
# One JSON object per successfully queued torrent
# Default: <dataDir>/jobs.jsonl
#jobLogPath = ""

# Maximum size in bytes of a submission/job log before rotation
# Default: 5242880 (5 MiB)
#storeMaxBytes = 5242880

# Rotated backups to retain (oldest removed first)
# Default: 3
#storeMaxBackups = 3

# Rotation strategy: "rotate" keeps timestamped backups, "truncate" discards
# Default: "rotate"
#storeRotationStrategy = "rotate"

# Compress rotated backups with zstd
# Default: false
#storeCompressBackups = false

# qBittorrent queue service
# Submissions are only forwarded when enabled
# Default: false
queueEnabled = {{ .queueEnabled }}

# Default: "http://localhost:8080"
#queueUrl = "http://localhost:8080"

#queueUsername = "admin"
#queuePassword = ""

# Category assigned to queued torrents (rules file can override per release)
# Default: "magnetdrop"
#queueCategory = "magnetdrop"

# Request timeout in seconds
# Default: 10.0
#queueTimeout = 10.0

# Skip TLS certificate verification for self-signed qBittorrent instances
# Default: false
#queueTlsSkipVerify = false

# Enqueue retry policy: total attempts, first delay in seconds, multiplier
# Defaults: 3 / 0.25 / 2.0
#retryAttempts = 3
#retryInitialDelay = 0.25
#retryBackoffFactor = 2.0

# Probe the first HTTP(S) tracker of valid magnets for reachability
# Default: false
#probeEnabled = false

# Probe timeout in seconds
# Default: 2.0
#probeTimeout = 2.0

# Timeout in seconds for resolving magnet links out of web pages
# Default: 10.0
#resolverTimeout = 10.0

# Category rules file (YAML). See docs for the rule expression language.
# Optional
#rulesPath = "rules.yml"

# yt-dlp integration for video URLs the resolver refuses
# Default: false
#downloadsEnabled = false

# Default: <dataDir>/downloads
#downloadDir = ""

# Default: "yt-dlp" (resolved via PATH)
#ytdlpPath = "yt-dlp"

# Extra arguments appended to every yt-dlp invocation (shell-quoted)
#ytdlpExtraArgs = ""

# yt-dlp timeout in seconds
# Default: 600.0
#downloadTimeout = 600.0

# Prometheus Metrics
# Enable Prometheus metrics on separate port (no authentication required)
# Default: false
#metricsEnabled = false

# Metrics server host (bind address for metrics endpoint)
# Default: "127.0.0.1"
#metricsHost = "127.0.0.1"

# Metrics server port (separate from main web interface)
# Default: 9091
#metricsPort = 9091

# Basic authentication for metrics endpoint (optional)
# Format: "username:bcrypt_hash" or "user1:hash1,user2:hash2" for multiple users
# Passwords must be bcrypt-hashed. Use tools like htpasswd or online bcrypt generators
# Leave empty to disable authentication (default)
#metricsBasicAuthUsers = ""
`

	data := map[string]any{
		"host":          c.viper.GetString("host"),
		"port":          c.viper.GetInt("port"),
		"logLevel":      c.viper.GetString("logLevel"),
		"logMaxSize":    c.viper.GetInt("logMaxSize"),
		"logMaxBackups": c.viper.GetInt("logMaxBackups"),
		"queueEnabled":  c.viper.GetBool("queueEnabled"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse config template: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := tmpl.Execute(f, data); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Info().Msgf("Created default config file: %s", path)
	return nil
}

// Helper functions

// GetDefaultConfigDir returns the OS-specific config directory
func GetDefaultConfigDir() string {
	// First check if XDG_CONFIG_HOME is set (Docker containers set this to /config)
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		if xdgConfig == "/config" {
			return xdgConfig
		}
		return filepath.Join(xdgConfig, "magnetdrop")
	}

	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "magnetdrop")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "AppData", "Roaming", "magnetdrop")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "magnetdrop")
	}
}

func detectContainer() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	if _, err := os.Stat("/dev/.lxc-boot-id"); err == nil {
		return true
	}
	if os.Getpid() == 1 {
		return true
	}
	return false
}

func (c *AppConfig) ApplyLogConfig() {
	zerolog.TimeFieldFormat = time.RFC3339

	setLogLevel(c.Config.LogLevel)

	writer := c.baseLogWriter()

	if c.Config.LogPath != "" {
		multiWriter, err := setupLogFile(c.Config.LogPath, writer, c.Config.LogMaxSize, c.Config.LogMaxBackups)
		if err != nil {
			log.Error().Err(err).Msg("Failed to setup log file")
		} else {
			writer = multiWriter
		}
	}

	log.Logger = log.Logger.Output(writer)
}

func setLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Logger.Level(lvl)
}

func setupLogFile(path string, base io.Writer, maxSize, maxBackups int) (io.Writer, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	if maxSize <= 0 {
		maxSize = 50
	}

	if maxBackups < 0 {
		maxBackups = 0
	}

	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
	}

	return io.MultiWriter(base, rotator), nil
}

func baseLogWriter(version string) io.Writer {
	if isDevBuild(version) {
		writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		writer.PartsOrder = []string{zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName}
		writer.FormatTimestamp = func(i any) string {
			if i == nil {
				return ""
			}
			return fmt.Sprint(i)
		}
		writer.FormatMessage = func(i any) string {
			if i == nil {
				return ""
			}
			msg := strings.TrimSpace(fmt.Sprint(i))
			if msg == "" {
				return ""
			}
			return msg
		}
		return writer
	}
	return os.Stderr
}

func (c *AppConfig) baseLogWriter() io.Writer {
	return baseLogWriter(c.version)
}

// DefaultLogWriter returns the base log writer for the provided version.
func DefaultLogWriter(version string) io.Writer {
	return baseLogWriter(version)
}

// InitDefaultLogger configures zerolog with the default writer for this version.
// This is used by CLI entry points before a configuration file is loaded.
func InitDefaultLogger(version string) {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Logger.Output(DefaultLogWriter(version))
}

func isDevBuild(version string) bool {
	v := strings.ToLower(strings.TrimSpace(version))
	return v == "" || v == "dev" || strings.HasSuffix(v, "-dev")
}

// resolveConfigPath determines the actual config file path from the provided directory or file path
func (c *AppConfig) resolveConfigPath(configDirOrPath string) string {
	if strings.HasSuffix(strings.ToLower(configDirOrPath), ".toml") {
		return configDirOrPath
	}

	if info, err := os.Stat(configDirOrPath); err == nil && !info.IsDir() {
		return configDirOrPath
	}

	return filepath.Join(configDirOrPath, "config.toml")
}

// resolveDataDir sets the data directory based on configuration
func (c *AppConfig) resolveDataDir() {
	switch {
	case c.Config.DataDir != "":
		c.dataDir = c.Config.DataDir
	case c.viper.ConfigFileUsed() != "":
		c.dataDir = filepath.Dir(c.viper.ConfigFileUsed())
	default:
		c.dataDir = "."
	}
}

// GetSubmissionLogPath returns the path of the submission stream file.
func (c *AppConfig) GetSubmissionLogPath() string {
	if c.Config.SubmissionLogPath != "" {
		return c.Config.SubmissionLogPath
	}
	return filepath.Join(c.dataDir, "submissions.jsonl")
}

// GetJobLogPath returns the path of the job stream file.
func (c *AppConfig) GetJobLogPath() string {
	if c.Config.JobLogPath != "" {
		return c.Config.JobLogPath
	}
	return filepath.Join(c.dataDir, "jobs.jsonl")
}

// GetDownloadDir returns the directory yt-dlp writes into.
func (c *AppConfig) GetDownloadDir() string {
	if c.Config.DownloadDir != "" {
		return c.Config.DownloadDir
	}
	return filepath.Join(c.dataDir, "downloads")
}

// GetDataDir returns the resolved data directory path.
func (c *AppConfig) GetDataDir() string {
	return c.dataDir
}

// SetDataDir sets the data directory (used by CLI flags)
func (c *AppConfig) SetDataDir(dir string) {
	c.dataDir = dir
}

// GetConfigDir returns the directory containing the config file
func (c *AppConfig) GetConfigDir() string {
	if c.viper.ConfigFileUsed() != "" {
		return filepath.Dir(c.viper.ConfigFileUsed())
	}
	return GetDefaultConfigDir()
}

func WriteDefaultConfig(path string) error {
	c := &AppConfig{
		viper: viper.New(),
	}

	c.defaults()

	return c.writeDefaultConfig(path)
}

// Sets viper variable if environment variable with _FILE suffix is present
func (c *AppConfig) bindOrReadFromFile(viperVar string, envVar string) {
	envVarFile := envVar + "_FILE"
	if filePath := os.Getenv(envVarFile); filePath != "" {
		content, err := os.ReadFile(filePath)
		if err != nil {
			log.Fatal().Err(err).Str("path", filePath).Msg("Could not read " + envVarFile)
		}
		c.viper.Set(viperVar, strings.TrimSpace(string(content)))
	} else {
		c.viper.BindEnv(viperVar, envVar)
	}
}
