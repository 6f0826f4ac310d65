// Copyright (c) 2025, the magnetdrop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

type MetricsServer struct {
	log     zerolog.Logger
	manager *MetricsManager

	host           string
	port           int
	basicAuthUsers string
}

// NewMetricsServer serves the manager's registry on host:port.
// basicAuthUsers is a comma-separated list of user:bcrypt_hash pairs;
// empty means no authentication.
func NewMetricsServer(manager *MetricsManager, host string, port int, basicAuthUsers string) *MetricsServer {
	return &MetricsServer{
		log:            log.Logger.With().Str("module", "metrics").Logger(),
		manager:        manager,
		host:           host,
		port:           port,
		basicAuthUsers: basicAuthUsers,
	}
}

func (s *MetricsServer) ListenAndServe() error {
	var handler http.Handler = promhttp.HandlerFor(s.manager.GetRegistry(), promhttp.HandlerOpts{})

	if s.basicAuthUsers != "" {
		users, err := parseBasicAuthUsers(s.basicAuthUsers)
		if err != nil {
			return errors.Wrap(err, "failed to parse metrics basic auth users")
		}
		handler = basicAuth(users, handler)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	s.log.Info().Msgf("Starting metrics server on http://%s/metrics", addr)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
	}

	return server.ListenAndServe()
}

func parseBasicAuthUsers(raw string) (map[string]string, error) {
	users := make(map[string]string)

	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		username, hash, ok := strings.Cut(entry, ":")
		if !ok || username == "" || hash == "" {
			return nil, errors.Errorf("invalid basic auth entry %q, expected user:bcrypt_hash", entry)
		}

		users[username] = hash
	}

	if len(users) == 0 {
		return nil, errors.New("no valid basic auth entries")
	}

	return users, nil
}

func basicAuth(users map[string]string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if ok {
			if hash, found := users[username]; found {
				if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil {
					next.ServeHTTP(w, r)
					return
				}
			}
		}

		w.Header().Set("WWW-Authenticate", `Basic realm="metrics"`)
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	})
}
