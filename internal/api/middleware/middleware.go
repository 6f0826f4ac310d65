// Copyright (c) 2025, the magnetdrop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package middleware bundles the chi middleware the router uses plus a
// zerolog request logger.
package middleware

import (
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Thin re-exports so the router reads as one middleware vocabulary.
var (
	RequestID = chimiddleware.RequestID
	RealIP    = chimiddleware.RealIP
	Recoverer = chimiddleware.Recoverer
)

// ThrottleBacklog limits concurrent in-flight requests with a bounded
// wait queue. Used on the submission endpoints.
func ThrottleBacklog(limit, backlogLimit int, backlogTimeout time.Duration) func(http.Handler) http.Handler {
	return chimiddleware.ThrottleBacklog(limit, backlogLimit, backlogTimeout)
}

// Logger emits one structured line per request once the response is
// written.
func Logger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				event := logger.Debug()
				if ww.Status() >= http.StatusInternalServerError {
					event = logger.Error()
				}
				event.
					Str("requestId", chimiddleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("remoteAddr", r.RemoteAddr).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("elapsed", time.Since(start)).
					Msg("Handled request")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
