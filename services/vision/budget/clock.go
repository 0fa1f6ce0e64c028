// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package budget

import (
	"log/slog"
	"sync"
	"time"
)

// Clock abstracts wall-clock reads so cap rollover is testable and so a
// sanity-checked implementation can be substituted in production.
type Clock interface {
	// Now returns the current wall-clock time.
	Now() time.Time
}

// SystemClock reads time.Now directly.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// CheckedClock guards cap rollover against clock manipulation.
//
// # Description
//
// Budget caps reset on wall-clock day and month boundaries. A clock set
// backward would re-open an exhausted budget; a clock set far forward
// would wipe legitimate spend history. CheckedClock detects suspicious
// jumps relative to the last observed time and, on violation, serves the
// last known good time instead, so spend accounting degrades to "frozen"
// rather than "reset".
//
// # Limitations
//
// Cannot detect slow drift within the jump tolerance. The first read
// after process start establishes the baseline.
//
// # Thread Safety
//
// Safe for concurrent use.
type CheckedClock struct {
	// MaxBackwardJump is the largest tolerated backward step between two
	// reads. Default: 1 hour.
	MaxBackwardJump time.Duration

	// MaxForwardJump is the largest tolerated forward step between two
	// reads. Default: 26 hours (covers sleep/resume plus DST).
	MaxForwardJump time.Duration

	// Logger may be nil; slog.Default() is used.
	Logger *slog.Logger

	mu       sync.Mutex
	lastGood time.Time
}

// Now returns the current time, or the last known good time when the
// clock appears manipulated.
func (c *CheckedClock) Now() time.Time {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lastGood.IsZero() {
		c.lastGood = now
		return now
	}

	backward := c.MaxBackwardJump
	if backward == 0 {
		backward = time.Hour
	}
	forward := c.MaxForwardJump
	if forward == 0 {
		forward = 26 * time.Hour
	}

	diff := now.Sub(c.lastGood)
	if diff < -backward || diff > forward {
		logger := c.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("suspicious clock jump; serving last known good time",
			"jump", diff.String(),
			"last_good", c.lastGood.Format(time.RFC3339),
		)
		return c.lastGood
	}

	c.lastGood = now
	return now
}
