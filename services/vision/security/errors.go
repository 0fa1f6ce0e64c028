// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package security

import "errors"

// Sentinel errors for the security package.
var (
	// ErrOversizedInput indicates the image exceeds the configured byte
	// ceiling. Denial-of-service guard; never retried.
	ErrOversizedInput = errors.New("oversized input")

	// ErrMalformedInput indicates the payload is not a decodable image.
	ErrMalformedInput = errors.New("malformed input")

	// ErrModelIntegrityViolation indicates an on-device model artifact
	// failed digest verification. Not retryable: the tier is disabled for
	// the remainder of the process lifetime.
	ErrModelIntegrityViolation = errors.New("model integrity violation")

	// ErrPromptInjectionAttempt indicates user-controlled text contained
	// suspected injection sequences. Non-fatal: the sanitized text is
	// substituted and processing continues.
	ErrPromptInjectionAttempt = errors.New("prompt injection attempt")
)
