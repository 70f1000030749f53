// Copyright 2026 The webrelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package recovery classifies session and adapter failures and decides whether a
// request is retried, on which session, and what happens to the session's health.
package recovery

import (
	"time"

	"github.com/traylinx/webrelay/internal/engine"
)

// Class separates failures that may clear up on their own from those that will not.
type Class int

const (
	ClassNone Class = iota
	ClassTransient
	ClassDurable
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassDurable:
		return "durable"
	}
	return "none"
}

// Classify maps a taxonomy kind to its failure class. Cancellation is not a failure.
func Classify(kind engine.ErrorKind) Class {
	switch kind {
	case engine.KindNetworkTimeout, engine.KindProviderBlocked:
		return ClassTransient
	case "", engine.KindCancelled:
		return ClassNone
	}
	return ClassDurable
}

// Policy bounds retries of transient failures on the same session.
type Policy struct {
	// MaxAttempts is the number of retries on the same session before it is recycled.
	MaxAttempts int

	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 2,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    8 * time.Second,
	}
}

// Backoff returns the delay before retry n (1-based): BaseDelay doubled per retry,
// capped at MaxDelay.
func (p Policy) Backoff(n int) time.Duration {
	if n < 1 || p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < n && (p.MaxDelay <= 0 || d < p.MaxDelay); i++ {
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Attempt is the recovery budget of a single request. The zero value is ready to use;
// it must not be shared between requests.
type Attempt struct {
	retries  int
	recycled bool
	relogged bool
}

// Retries is the number of same-session retries granted so far.
func (a *Attempt) Retries() int { return a.retries }

// Decision tells the orchestrator what to do after a failed attempt. A decision without
// Retry surfaces the error to the caller.
type Decision struct {
	Kind  engine.ErrorKind
	Class Class

	Retry bool
	Delay time.Duration

	// Recycle relaunches the session's browser context before anything else.
	Recycle bool

	// Relogin runs the provider login on the session before retrying.
	Relogin bool
}

// decide is the pure part of Report.
func (p Policy) decide(kind engine.ErrorKind, at *Attempt) Decision {
	d := Decision{Kind: kind, Class: Classify(kind)}
	switch kind {
	case "", engine.KindCancelled, engine.KindPoolExhausted, engine.KindUnknownProvider, engine.KindSessionStartupFailure:
		return d
	case engine.KindNetworkTimeout, engine.KindProviderBlocked:
		if at.retries < p.MaxAttempts {
			at.retries++
			d.Retry = true
			d.Delay = p.Backoff(at.retries)
			return d
		}
		if !at.recycled {
			at.recycled = true
			d.Retry, d.Recycle = true, true
		}
		return d
	case engine.KindAuthExpired:
		if !at.relogged {
			at.relogged = true
			d.Retry, d.Relogin = true, true
		}
		return d
	case engine.KindBrowserCrashed:
		d.Recycle = true
		if !at.recycled {
			at.recycled = true
			d.Retry = true
		}
		return d
	case engine.KindInternal:
		d.Recycle = true
		return d
	}
	// ResponseParseError and anything unknown: surface, session untouched.
	return d
}
