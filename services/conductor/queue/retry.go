// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package queue

import (
	"math/rand"
	"time"
)

// RetryPolicy is the single source of truth for backoff timing.
//
// Attempt counting lives on the task itself; this policy only shapes the
// delay curve between attempts.
type RetryPolicy struct {
	// BaseDelay is the backoff before the first retry. Default: 1s.
	BaseDelay time.Duration

	// MaxDelay caps the exponential curve. Default: 30s.
	MaxDelay time.Duration

	// Factor is the exponential multiplier. Default: 2.0.
	Factor float64

	// JitterFactor is the maximum jitter as a fraction of the delay (0-1).
	// Randomness here prevents retry waves from landing together.
	// Default: 0.2.
	JitterFactor float64
}

// DefaultRetryPolicy returns sensible defaults for retry backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:    1 * time.Second,
		MaxDelay:     30 * time.Second,
		Factor:       2.0,
		JitterFactor: 0.2,
	}
}

// Validate checks the policy for internal consistency.
func (p RetryPolicy) Validate() error {
	if p.BaseDelay <= 0 {
		return ErrInvalidPolicy
	}
	if p.MaxDelay < p.BaseDelay {
		return ErrInvalidPolicy
	}
	if p.Factor < 1.0 {
		return ErrInvalidPolicy
	}
	if p.JitterFactor < 0 || p.JitterFactor > 1 {
		return ErrInvalidPolicy
	}
	return nil
}

// Backoff returns the delay before the next attempt.
//
// Inputs:
//
//	attempt - Attempts already executed (>= 1 for the first retry).
//
// Outputs:
//
//	time.Duration - base * factor^(attempt-1), capped at MaxDelay,
//	                with +/- JitterFactor applied.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Factor
		if d >= float64(p.MaxDelay) {
			d = float64(p.MaxDelay)
			break
		}
	}

	if p.JitterFactor > 0 {
		// Range: [d * (1-jitter), d * (1+jitter)].
		jitter := (rand.Float64()*2 - 1) * p.JitterFactor
		d *= 1.0 + jitter
	}

	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}
