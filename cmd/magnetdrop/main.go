// Copyright (c) 2025, the magnetdrop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/magnetdrop/magnetdrop/internal/api"
	"github.com/magnetdrop/magnetdrop/internal/buildinfo"
	"github.com/magnetdrop/magnetdrop/internal/config"
	"github.com/magnetdrop/magnetdrop/internal/dispatch"
	"github.com/magnetdrop/magnetdrop/internal/domain"
	"github.com/magnetdrop/magnetdrop/internal/jsonlog"
	"github.com/magnetdrop/magnetdrop/internal/metrics"
	"github.com/magnetdrop/magnetdrop/internal/models"
	"github.com/magnetdrop/magnetdrop/internal/qbittorrent"
	"github.com/magnetdrop/magnetdrop/internal/rules"
	"github.com/magnetdrop/magnetdrop/internal/services/download"
	"github.com/magnetdrop/magnetdrop/internal/services/resolver"
	"github.com/magnetdrop/magnetdrop/internal/services/submission"
	"github.com/magnetdrop/magnetdrop/internal/update"
)

func main() {
	config.InitDefaultLogger(buildinfo.Version)

	var rootCmd = &cobra.Command{
		Use:   "magnetdrop",
		Short: "A self-hosted magnet link drop box",
		Long: `magnetdrop - A small self-hosted service that accepts magnet links,
validates them and forwards them to a qBittorrent download queue.`,
	}

	rootCmd.Version = buildinfo.Version

	rootCmd.AddCommand(RunServeCommand())
	rootCmd.AddCommand(RunVersionCommand(buildinfo.Version))
	rootCmd.AddCommand(RunGenerateConfigCommand())
	rootCmd.AddCommand(RunTestQueueCommand())
	rootCmd.AddCommand(RunUpdateCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func RunServeCommand() *cobra.Command {
	var (
		configDir string
		dataDir   string
		logPath   string
		pprofFlag bool
	)

	var command = &cobra.Command{
		Use:   "serve",
		Short: "Start the server",
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory path (default is OS-specific: ~/.config/magnetdrop/ or %APPDATA%\\magnetdrop\\). For backward compatibility, can also be a direct path to a .toml file")
	command.Flags().StringVar(&dataDir, "data-dir", "", "data directory for the submission and job streams (default is next to config file)")
	command.Flags().StringVar(&logPath, "log-path", "", "log file path (default is stdout)")
	command.Flags().BoolVar(&pprofFlag, "pprof", false, "enable pprof server on :6060")

	command.Run = func(cmd *cobra.Command, args []string) {
		app := NewApplication(configDir, dataDir, logPath, pprofFlag)
		app.runServer()
	}

	return command
}

func RunVersionCommand(version string) *cobra.Command {
	var command = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of magnetdrop",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	return command
}

func RunGenerateConfigCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate a default configuration file",
		Long: `Generate a default configuration file without starting the server.

If no --config-dir is specified, uses the OS-specific default location:
- Linux/macOS: ~/.config/magnetdrop/config.toml
- Windows: %APPDATA%\magnetdrop\config.toml

You can specify either a directory path or a direct file path:
- Directory: magnetdrop generate-config --config-dir /path/to/config/
- File: magnetdrop generate-config --config-dir /path/to/myconfig.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var configPath string
			if configDir != "" {
				if strings.HasSuffix(strings.ToLower(configDir), ".toml") {
					configPath = configDir
				} else if info, err := os.Stat(configDir); err == nil && !info.IsDir() {
					configPath = configDir
				} else {
					configPath = filepath.Join(configDir, "config.toml")
				}
			} else {
				defaultDir := config.GetDefaultConfigDir()
				configPath = filepath.Join(defaultDir, "config.toml")
			}

			if _, err := os.Stat(configPath); err == nil {
				cmd.Printf("Configuration file already exists at: %s\n", configPath)
				cmd.Println("Skipping generation to avoid overwriting existing configuration.")
				return nil
			}

			if err := config.WriteDefaultConfig(configPath); err != nil {
				return fmt.Errorf("failed to create configuration file: %w", err)
			}

			cmd.Printf("Configuration file created successfully at: %s\n", configPath)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")

	return command
}

func readPassword(prompt string) (string, error) {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Print(prompt)
		password, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(password), nil
	} else {
		fmt.Fprint(os.Stderr, prompt)
		var password string
		if _, err := fmt.Scanln(&password); err != nil {
			return "", fmt.Errorf("failed to read password from stdin: %w", err)
		}
		return password, nil
	}
}

func RunTestQueueCommand() *cobra.Command {
	var configDir, queueURL, username, password string

	command := &cobra.Command{
		Use:   "test-queue",
		Short: "Verify connectivity to the qBittorrent queue service",
		Long: `Verify connectivity to the qBittorrent queue service.

Loads the queue settings from the configuration file, logs in and
prints the application version qBittorrent reports. Flags override
the configured URL and credentials.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New(configDir, buildinfo.Version)
			if err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			if queueURL != "" {
				cfg.Config.QueueURL = queueURL
			}
			if username != "" {
				cfg.Config.QueueUsername = username
			}
			if password != "" {
				cfg.Config.QueuePassword = password
			}

			if cfg.Config.QueuePassword == "" {
				cfg.Config.QueuePassword, err = readPassword("Enter qBittorrent password: ")
				if err != nil {
					return err
				}
			}

			client, err := qbittorrent.NewClient(qbittorrent.Config{
				BaseURL:       cfg.Config.QueueURL,
				Username:      cfg.Config.QueueUsername,
				Password:      cfg.Config.QueuePassword,
				Timeout:       secondsToDuration(cfg.Config.QueueTimeout),
				TLSSkipVerify: cfg.Config.QueueTLSSkipVerify,
			})
			if err != nil {
				return fmt.Errorf("failed to initialize queue client: %w", err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			if err := client.Login(ctx); err != nil {
				return fmt.Errorf("login failed: %w", err)
			}

			version, err := client.HealthCheck(ctx)
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}

			cmd.Printf("Connected to qBittorrent %s at %s\n", version, cfg.Config.QueueURL)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")
	command.Flags().StringVar(&queueURL, "url", "",
		"qBittorrent WebUI URL (overrides configuration)")
	command.Flags().StringVar(&username, "username", "",
		"qBittorrent username (overrides configuration)")
	command.Flags().StringVar(&password, "password", "",
		"qBittorrent password (will prompt if none is configured)")

	return command
}

func RunUpdateCommand() *cobra.Command {
	var command = &cobra.Command{
		Use:                   "update",
		Short:                 "Update magnetdrop",
		Long:                  `Update magnetdrop to the latest version.`,
		DisableFlagsInUseLine: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			updater := update.NewService(&domain.Config{Version: buildinfo.Version})

			release, err := updater.Update(cmd.Context())
			if err != nil {
				return err
			}
			if release == nil {
				cmd.Printf("magnetdrop is already up to date (%s)\n", buildinfo.Version)
				return nil
			}

			cmd.Printf("Successfully updated magnetdrop to %s\n", release.Version)
			return nil
		},
	}

	command.SetUsageTemplate(`Usage:
  {{.CommandPath}}

Flags:
{{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}
`)

	return command
}

type Application struct {
	configDir string
	dataDir   string
	logPath   string
	pprofFlag bool
}

func NewApplication(configDir, dataDir, logPath string, pprofFlag bool) *Application {
	return &Application{
		configDir: configDir,
		dataDir:   dataDir,
		logPath:   logPath,
		pprofFlag: pprofFlag,
	}
}

func (app *Application) runServer() {
	// Initialize configuration
	cfg, err := config.New(app.configDir, buildinfo.Version)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize configuration")
	}

	// Override with CLI flags if provided
	if app.dataDir != "" {
		os.Setenv("MAGNETDROP__DATA_DIR", app.dataDir)
		cfg.SetDataDir(app.dataDir)
	}
	if app.logPath != "" {
		os.Setenv("MAGNETDROP__LOG_PATH", app.logPath)
		cfg.Config.LogPath = app.logPath
	}

	if app.pprofFlag {
		cfg.Config.PprofEnabled = true
	}

	cfg.ApplyLogConfig()

	log.Info().Str("version", buildinfo.Version).Msg("Starting magnetdrop")

	// Initialize the append-only streams
	storeOpts := jsonlog.Options{
		MaxBytes:        cfg.Config.StoreMaxBytes,
		MaxBackups:      cfg.Config.StoreMaxBackups,
		Strategy:        jsonlog.Strategy(cfg.Config.StoreRotationStrategy),
		CompressBackups: cfg.Config.StoreCompressBackups,
	}

	submissionStore, err := models.NewSubmissionStore(cfg.GetSubmissionLogPath(), storeOpts)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize submission store")
	}

	jobStore, err := models.NewJobStore(cfg.GetJobLogPath(), storeOpts)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize job store")
	}

	// Optional category rules
	var ruleEngine *rules.Engine
	if cfg.Config.RulesPath != "" {
		ruleEngine, err = rules.Load(cfg.Config.RulesPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.Config.RulesPath).Msg("Failed to load category rules")
		}
	}

	// Initialize the queue client and dispatcher when forwarding is on
	var queueClient *qbittorrent.Client
	var dispatcher *dispatch.Dispatcher
	if cfg.Config.QueueEnabled {
		queueClient, err = qbittorrent.NewClient(qbittorrent.Config{
			BaseURL:       cfg.Config.QueueURL,
			Username:      cfg.Config.QueueUsername,
			Password:      cfg.Config.QueuePassword,
			Category:      cfg.Config.QueueCategory,
			Timeout:       secondsToDuration(cfg.Config.QueueTimeout),
			TLSSkipVerify: cfg.Config.QueueTLSSkipVerify,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize queue client")
		}

		dispatcher = dispatch.New(queueClient, jobStore, dispatch.RetryPolicy{
			Attempts:      cfg.Config.RetryAttempts,
			InitialDelay:  secondsToDuration(cfg.Config.RetryInitialDelay),
			BackoffFactor: cfg.Config.RetryBackoffFactor,
		})

		// Connect on startup so the first submission doesn't pay for the
		// login round trip
		go func() {
			connCtx, connCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer connCancel()

			version, err := queueClient.HealthCheck(connCtx)
			if err != nil {
				log.Warn().Err(err).Msg("Queue service unreachable on startup, submissions will be retried per policy")
				return
			}
			log.Info().Str("qbittorrentVersion", version).Msg("Connected to queue service")
		}()
	}

	// Initialize services
	submissionService := submission.NewService(submission.Config{
		QueueEnabled:    cfg.Config.QueueEnabled,
		DefaultCategory: cfg.Config.QueueCategory,
		ProbeEnabled:    cfg.Config.ProbeEnabled,
		ProbeTimeout:    secondsToDuration(cfg.Config.ProbeTimeout),
	}, submissionStore, dispatcher, ruleEngine)

	resolverService := resolver.NewService(secondsToDuration(cfg.Config.ResolverTimeout))

	downloadService := download.NewService(download.Config{
		Enabled:   cfg.Config.DownloadsEnabled,
		Dir:       cfg.GetDownloadDir(),
		YtdlpPath: cfg.Config.YtdlpPath,
		ExtraArgs: cfg.Config.YtdlpExtraArgs,
		Timeout:   secondsToDuration(cfg.Config.DownloadTimeout),
	})

	updateService := update.NewService(cfg.Config)
	updateCtx, cancelUpdate := context.WithCancel(context.Background())
	defer cancelUpdate()
	go updateService.Start(updateCtx)

	// Start server in goroutine
	httpServer := api.NewServer(&api.Dependencies{
		Config:            cfg,
		Version:           buildinfo.Version,
		SubmissionService: submissionService,
		JobStore:          jobStore,
		QueueClient:       queueClient,
		ResolverService:   resolverService,
		DownloadService:   downloadService,
		UpdateService:     updateService,
	})

	errorChannel := make(chan error)
	serverReady := make(chan struct{}, 1)
	go func() {
		if err := httpServer.ListenAndServeReady(serverReady); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorChannel <- err
		}
	}()

	select {
	case <-serverReady:
	case err := <-errorChannel:
		log.Fatal().Err(err).Msg("failed to start HTTP server")
	}

	if cfg.Config.MetricsEnabled {
		metricsManager := metrics.NewMetricsManager(buildinfo.Version, submissionService, dispatcher, map[string]metrics.StreamSource{
			"submissions": submissionStore,
			"jobs":        jobStore,
		})

		// Start metrics server on separate port
		go func() {
			metricsServer := metrics.NewMetricsServer(
				metricsManager,
				cfg.Config.MetricsHost,
				cfg.Config.MetricsPort,
				cfg.Config.MetricsBasicAuthUsers,
			)

			errorChannel <- metricsServer.ListenAndServe()
		}()
	}

	// Start profiling server if enabled
	if cfg.Config.PprofEnabled {
		go func() {
			log.Info().Msg("Starting pprof server on :6060")
			log.Info().Msg("Access profiling at: http://localhost:6060/debug/pprof/")
			if err := http.ListenAndServe(":6060", nil); err != nil {
				log.Error().Err(err).Msg("Profiling server failed")
			}
		}()
	}

	// Wait for interrupt signal to gracefully shutdown the server
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Msgf("got signal %v, shutting down server", sig.String())
	case err := <-errorChannel:
		log.Error().Err(err).Msg("got unexpected error from server")
	}

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("got error during graceful http shutdown")

		os.Exit(1)
	}
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
