// Copyright (c) 2025, the magnetdrop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import "fmt"

// ServerUnavailableError covers every failure where qBittorrent could
// not serve the request at all: transport errors and 5xx responses.
// These are the only errors worth retrying.
type ServerUnavailableError struct {
	// StatusCode is zero when the server was never reached.
	StatusCode int
	Message    string
	Err        error
}

func (e *ServerUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ServerUnavailableError) Unwrap() error {
	return e.Err
}

func (e *ServerUnavailableError) Is(target error) bool {
	_, ok := target.(*ServerUnavailableError)
	return ok
}

// AuthError is returned when login fails or the session is rejected
// with 401/403.
type AuthError struct {
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	return e.Message
}

func (e *AuthError) Is(target error) bool {
	_, ok := target.(*AuthError)
	return ok
}

// RejectedError is returned when qBittorrent refused the request for a
// non-retryable reason: a 4xx status or an add acknowledgement that was
// not "Ok.".
type RejectedError struct {
	StatusCode int
	Body       string
}

func (e *RejectedError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("qBittorrent returned %d: %s", e.StatusCode, e.Body)
	}
	if e.Body != "" {
		return e.Body
	}
	return "qBittorrent rejected the magnet link"
}

func (e *RejectedError) Is(target error) bool {
	_, ok := target.(*RejectedError)
	return ok
}

// DuplicateError is the rejection subtype for magnets qBittorrent
// already tracks. It matches both *DuplicateError and *RejectedError
// under errors.Is.
type DuplicateError struct{}

func (e *DuplicateError) Error() string {
	return "magnet link already exists in qBittorrent"
}

func (e *DuplicateError) Is(target error) bool {
	switch target.(type) {
	case *DuplicateError, *RejectedError:
		return true
	}
	return false
}
