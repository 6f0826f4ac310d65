// Copyright (c) 2025, the magnetdrop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/CAFxX/httpcompression"
	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/magnetdrop/magnetdrop/internal/api/handlers"
	"github.com/magnetdrop/magnetdrop/internal/api/middleware"
	"github.com/magnetdrop/magnetdrop/internal/config"
	"github.com/magnetdrop/magnetdrop/internal/models"
	"github.com/magnetdrop/magnetdrop/internal/qbittorrent"
	"github.com/magnetdrop/magnetdrop/internal/services/download"
	"github.com/magnetdrop/magnetdrop/internal/services/resolver"
	"github.com/magnetdrop/magnetdrop/internal/services/submission"
	"github.com/magnetdrop/magnetdrop/internal/update"
	"github.com/magnetdrop/magnetdrop/internal/web"
)

type Server struct {
	server  *http.Server
	logger  zerolog.Logger
	config  *config.AppConfig
	version string

	submissionService *submission.Service
	jobStore          *models.JobStore
	queueClient       *qbittorrent.Client
	resolverService   *resolver.Service
	downloadService   *download.Service
	updateService     *update.Service
}

type Dependencies struct {
	Config            *config.AppConfig
	Version           string
	SubmissionService *submission.Service
	JobStore          *models.JobStore
	QueueClient       *qbittorrent.Client
	ResolverService   *resolver.Service
	DownloadService   *download.Service
	UpdateService     *update.Service
}

func NewServer(deps *Dependencies) *Server {
	s := Server{
		server: &http.Server{
			ReadHeaderTimeout: time.Second * 15,
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      120 * time.Second,
			IdleTimeout:       180 * time.Second,
		},
		logger:            log.Logger.With().Str("module", "api").Logger(),
		config:            deps.Config,
		version:           deps.Version,
		submissionService: deps.SubmissionService,
		jobStore:          deps.JobStore,
		queueClient:       deps.QueueClient,
		resolverService:   deps.ResolverService,
		downloadService:   deps.DownloadService,
		updateService:     deps.UpdateService,
	}

	return &s
}

func (s *Server) ListenAndServe() error {
	return s.open(nil)
}

// ListenAndServeReady behaves like ListenAndServe but signals once the listener is active.
func (s *Server) ListenAndServeReady(ready chan<- struct{}) error {
	return s.open(ready)
}

func (s *Server) Open() error {
	return s.open(nil)
}

func (s *Server) open(ready chan<- struct{}) error {
	addr := fmt.Sprintf("%s:%d", s.config.Config.Host, s.config.Config.Port)

	var lastErr error
	for _, proto := range []string{"tcp", "tcp4", "tcp6"} {
		err := s.tryToServe(addr, proto, ready)
		if err == nil {
			return nil
		}

		if errors.Is(err, http.ErrServerClosed) {
			return err
		}

		s.logger.Error().Err(err).Str("addr", addr).Str("proto", proto).Msgf("Failed to start server")
		lastErr = err
	}

	return lastErr
}

func (s *Server) tryToServe(addr, protocol string, ready chan<- struct{}) error {
	listener, err := net.Listen(protocol, addr)
	if err != nil {
		return err
	}

	host := listener.Addr().String()
	// Replace 0.0.0.0 or :: with localhost for clickable links
	if strings.HasPrefix(host, "0.0.0.0:") || strings.HasPrefix(host, "[::]:") {
		host = strings.Replace(host, "0.0.0.0:", "localhost:", 1)
		host = strings.Replace(host, "[::]:", "localhost:", 1)
	}
	clickableURL := fmt.Sprintf("http://%s%s", host, s.config.Config.BaseURL)

	s.logger.Info().
		Str("protocol", protocol).
		Str("addr", listener.Addr().String()).
		Str("base_url", s.config.Config.BaseURL).
		Msgf("Starting API server - Open: %s", clickableURL)

	handler, err := s.Handler()
	if err != nil {
		listener.Close()
		return fmt.Errorf("build API router: %w", err)
	}

	s.server.Handler = handler

	if ready != nil {
		select {
		case ready <- struct{}{}:
		default:
		}
	}

	return s.server.Serve(listener)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) Handler() (*chi.Mux, error) {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID) // Must be before logger to capture request ID
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	// HTTP compression - handles gzip, brotli, zstd, deflate automatically
	// Use faster compression levels; job listings compress well enough at level 2
	compressor, err := httpcompression.DefaultAdapter(
		httpcompression.MinSize(1024),                        // Only compress responses >= 1KB
		httpcompression.GzipCompressionLevel(2),              // Use gzip level 2 (fast) instead of 6 (default)
		httpcompression.Prefer(httpcompression.PreferServer), // Let server choose best compression
	)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create HTTP compression adapter")
	} else {
		r.Use(compressor)
	}

	// Permissive CORS so the form and API work behind reverse proxies and from other origins
	corsMiddleware := cors.New(cors.Options{
		AllowCredentials: true,
		AllowedMethods:   []string{"HEAD", "OPTIONS", "GET", "POST", "PUT", "PATCH", "DELETE"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		AllowOriginFunc:  func(origin string) bool { return true },
		MaxAge:           300,
		Debug:            false,
	})
	r.Use(corsMiddleware.Handler)

	// Create handlers
	healthHandler := handlers.NewHealthHandler(s.version, s.config.Config.QueueEnabled)
	submissionsHandler := handlers.NewSubmissionsHandler(s.submissionService)
	jobsHandler := handlers.NewJobsHandler(s.jobStore)
	resolveHandler := handlers.NewResolveHandler(s.resolverService)
	downloadsHandler := handlers.NewDownloadsHandler(s.downloadService)
	versionHandler := handlers.NewVersionHandler(s.updateService)

	// A nil *qbittorrent.Client must reach the handler as an untyped nil
	torrentsHandler := handlers.NewTorrentsHandler(nil)
	if s.queueClient != nil {
		torrentsHandler = handlers.NewTorrentsHandler(s.queueClient)
	}

	// API routes
	apiRouter := chi.NewRouter()

	apiRouter.Group(func(r chi.Router) {
		r.Use(middleware.Logger(s.logger))

		// Rate limit submissions; validation is cheap but queue dispatch is not
		r.With(middleware.ThrottleBacklog(10, 50, time.Second)).Post("/submissions", submissionsHandler.Submit)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", jobsHandler.ListJobs)
			r.Get("/{jobID}", jobsHandler.GetJob)
		})

		r.Get("/torrents/{infoHash}", torrentsHandler.GetTorrent)

		r.Post("/resolve", resolveHandler.Resolve)
		r.Post("/downloads", downloadsHandler.Download)

		// Version endpoint for update checks
		r.Get("/version/latest", versionHandler.GetLatestVersion)
	})

	baseURL := s.config.Config.BaseURL
	if baseURL == "" {
		baseURL = "/"
	}

	// Mount API routes BEFORE the form routes so the root-level form never shadows /api paths
	r.Get("/health", healthHandler.HandleHealth)
	r.Get("/healthz/readiness", healthHandler.HandleReady)
	r.Get("/healthz/liveness", healthHandler.HandleLiveness)

	r.Mount(baseURL+"api", apiRouter)

	// The submission form is served at the base URL
	webHandler := web.NewHandler(s.version, s.config.Config.BaseURL, s.submissionService)

	if baseURL != "/" {
		trimmedBaseURL := strings.TrimSuffix(baseURL, "/")
		if trimmedBaseURL == "" {
			trimmedBaseURL = "/"
		}

		r.Route(trimmedBaseURL, func(sub chi.Router) {
			webHandler.RegisterRoutes(sub)
		})
	} else {
		webHandler.RegisterRoutes(r)
	}

	if baseURL != "/" {
		r.Get("/", func(w http.ResponseWriter, request *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte("Must use baseUrl: " + s.config.Config.BaseURL + " instead of /"))
		})
	}

	return r, nil
}
