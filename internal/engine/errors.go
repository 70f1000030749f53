// Copyright 2026 The webrelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind is the engine failure taxonomy surfaced to callers.
type ErrorKind string

const (
	KindSessionStartupFailure ErrorKind = "session_startup_failure"
	KindPoolExhausted         ErrorKind = "pool_exhausted"
	KindAuthExpired           ErrorKind = "auth_expired"
	KindProviderBlocked       ErrorKind = "provider_blocked"
	KindNetworkTimeout        ErrorKind = "network_timeout"
	KindResponseParseError    ErrorKind = "response_parse_error"
	KindCancelled             ErrorKind = "cancelled"

	// KindBrowserCrashed is internal: it never reaches callers directly but drives recycling.
	KindBrowserCrashed ErrorKind = "browser_crashed"

	// KindUnknownProvider is returned when a request names an unregistered provider.
	KindUnknownProvider ErrorKind = "unknown_provider"

	// KindInternal covers faults that fit no other kind (e.g. recovered panics).
	KindInternal ErrorKind = "internal"
)

// Sentinel values usable with errors.Is.
var (
	ErrSessionStartupFailure = &Error{Kind: KindSessionStartupFailure}
	ErrPoolExhausted         = &Error{Kind: KindPoolExhausted}
	ErrAuthExpired           = &Error{Kind: KindAuthExpired}
	ErrProviderBlocked       = &Error{Kind: KindProviderBlocked}
	ErrNetworkTimeout        = &Error{Kind: KindNetworkTimeout}
	ErrResponseParse         = &Error{Kind: KindResponseParseError}
	ErrCancelled             = &Error{Kind: KindCancelled}
	ErrBrowserCrashed        = &Error{Kind: KindBrowserCrashed}
	ErrUnknownProvider       = &Error{Kind: KindUnknownProvider}
)

// Error is a classified engine failure with a human-readable detail.
type Error struct {
	Kind   ErrorKind `json:"kind"`
	Detail string    `json:"detail"`
	Err    error     `json:"-"`
}

// Errorf builds a classified error. A trailing %w verb wraps the cause.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	wrapped := fmt.Errorf(format, args...)
	return &Error{Kind: kind, Detail: wrapped.Error(), Err: errors.Unwrap(wrapped)}
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf classifies an arbitrary error. Context cancellation maps to KindCancelled and
// deadline expiry to KindNetworkTimeout; unclassified errors map to KindInternal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindNetworkTimeout
	}
	return KindInternal
}

// AsError converts any error into an *Error, preserving an existing classification.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindOf(err), Detail: err.Error(), Err: err}
}
