// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package security is the input and model integrity gatekeeper for the
// vision engine.
//
// It enforces three independent guarantees:
//
//  1. Input hygiene: images over the byte ceiling or that fail to decode
//     are rejected before any backend is considered.
//  2. Model integrity: on-device model artifacts are digest-verified
//     against a pinned trusted set before first use; a mismatch disables
//     that backend tier for the process lifetime.
//  3. Prompt hygiene: user-controlled text bound for a cloud prompt
//     template is sanitized so control sequences never reach the backend.
package security

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"sync"

	// Registered image formats for DecodeConfig.
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"github.com/AleutianAI/HazardHawk/services/vision/datatypes"
)

// =============================================================================
// Configuration
// =============================================================================

// ValidatorConfig configures the validator's ceilings and trusted digests.
type ValidatorConfig struct {
	// MaxImageBytes is the byte-size ceiling for image payloads.
	// Default: 12 MiB.
	MaxImageBytes int `yaml:"max_image_bytes" validate:"gt=0"`

	// MaxDimension bounds the declared width and height of a request.
	// Default: 8192.
	MaxDimension int `yaml:"max_dimension" validate:"gt=0"`

	// TrustedModelDigests maps a local tier to the set of acceptable
	// SHA-256 digests (lowercase hex) for its model artifact. A tier with
	// no pinned digests fails verification outright.
	TrustedModelDigests map[datatypes.Tier][]string `yaml:"trusted_model_digests"`
}

// DefaultValidatorConfig returns production defaults. Pinned digests must
// be supplied by deployment configuration; there is no sensible default.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxImageBytes: 12 << 20,
		MaxDimension:  8192,
	}
}

// =============================================================================
// Verdict
// =============================================================================

// Verdict is the outcome of validating one analysis request.
//
// A rejecting verdict short-circuits the entire pipeline: no backend is
// attempted, nothing is cached, and the rejection is never retried by the
// engine.
type Verdict struct {
	// OK is true when the request may proceed to analysis.
	OK bool

	// Reason is the sentinel rejection cause (ErrOversizedInput or
	// ErrMalformedInput). Nil when OK.
	Reason error

	// Detail is a human-readable elaboration for logs.
	Detail string
}

// reject builds a rejecting verdict.
func reject(reason error, format string, args ...any) Verdict {
	return Verdict{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// =============================================================================
// Validator
// =============================================================================

// Validator enforces input and model integrity policy.
//
// # Thread Safety
//
// Safe for concurrent use. Tier trust state is guarded by a mutex and each
// tier is verified at most once per process lifetime.
type Validator struct {
	config    ValidatorConfig
	sanitizer *Sanitizer
	logger    *slog.Logger

	mu    sync.Mutex
	trust map[datatypes.Tier]*tierTrust
}

// tierTrust caches the one-shot verification outcome for a local tier.
type tierTrust struct {
	mu   sync.Mutex
	done bool
	err  error
}

// NewValidator creates a validator with the given configuration.
//
// The logger may be nil, in which case slog.Default() is used.
func NewValidator(config ValidatorConfig, logger *slog.Logger) (*Validator, error) {
	if config.MaxImageBytes <= 0 {
		return nil, fmt.Errorf("validator config: MaxImageBytes must be positive, got %d", config.MaxImageBytes)
	}
	if logger == nil {
		logger = slog.Default()
	}
	sanitizer, err := NewSanitizer()
	if err != nil {
		return nil, err
	}
	return &Validator{
		config:    config,
		sanitizer: sanitizer,
		logger:    logger,
		trust:     make(map[datatypes.Tier]*tierTrust),
	}, nil
}

// Validate checks one request against the input policy.
//
// # Description
//
// Synchronous and cheap: a byte-ceiling check, an image header decode, and
// a dimension sanity check. Must pass before any backend is considered.
//
// # Inputs
//
//   - req: The request to validate.
//
// # Outputs
//
//   - Verdict: OK, or a rejection with the sentinel Reason set.
func (v *Validator) Validate(req datatypes.AnalysisRequest) Verdict {
	if len(req.Image) == 0 {
		return reject(ErrMalformedInput, "empty image payload")
	}
	if len(req.Image) > v.config.MaxImageBytes {
		return reject(ErrOversizedInput, "image is %d bytes, ceiling is %d",
			len(req.Image), v.config.MaxImageBytes)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(req.Image))
	if err != nil {
		return reject(ErrMalformedInput, "image decode failed: %v", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return reject(ErrMalformedInput, "%s header declares %dx%d", format, cfg.Width, cfg.Height)
	}
	if cfg.Width > v.config.MaxDimension || cfg.Height > v.config.MaxDimension {
		return reject(ErrOversizedInput, "%s image is %dx%d, dimension ceiling is %d",
			format, cfg.Width, cfg.Height, v.config.MaxDimension)
	}
	// A request whose declared dimensions disagree with the encoded header
	// is treated as adversarial rather than sloppy.
	if req.Width != cfg.Width || req.Height != cfg.Height {
		return reject(ErrMalformedInput, "declared %dx%d but %s header says %dx%d",
			req.Width, req.Height, format, cfg.Width, cfg.Height)
	}

	return Verdict{OK: true}
}

// SanitizePromptText sanitizes user-controlled text bound for a cloud
// prompt template.
//
// A detected injection attempt is logged and counted but does not fail the
// request; the sanitized text is returned for substitution.
func (v *Validator) SanitizePromptText(requestID, text string) string {
	result := v.sanitizer.Sanitize(text)
	if result.InjectionDetected {
		v.logger.Warn("prompt injection attempt sanitized",
			"request_id", requestID,
			"patterns", result.MatchedPatternIDs,
		)
	}
	return result.Text
}

// EnsureModelTrusted verifies a local model artifact's digest against the
// pinned trusted set.
//
// # Description
//
// The artifact is hashed at most once per tier per process lifetime; the
// outcome is cached. A digest mismatch (or an unreadable artifact, or a
// tier with no pinned digests) permanently disables the tier: every later
// call returns the same ErrModelIntegrityViolation without re-reading the
// file. Integrity violations are not retryable conditions.
//
// # Inputs
//
//   - tier: The local backend tier the artifact belongs to.
//   - artifactPath: Filesystem path of the model artifact.
//
// # Outputs
//
//   - error: Nil if trusted; wraps ErrModelIntegrityViolation otherwise.
func (v *Validator) EnsureModelTrusted(tier datatypes.Tier, artifactPath string) error {
	v.mu.Lock()
	t, ok := v.trust[tier]
	if !ok {
		t = &tierTrust{}
		v.trust[tier] = t
	}
	v.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return t.err
	}

	t.done = true
	t.err = v.verifyArtifact(tier, artifactPath)
	if t.err != nil {
		v.logger.Error("model artifact failed integrity verification; tier disabled for process lifetime",
			"tier", tier,
			"artifact", artifactPath,
			"error", t.err,
		)
	} else {
		v.logger.Info("model artifact verified", "tier", tier, "artifact", artifactPath)
	}
	return t.err
}

// TierDisabled reports whether a tier has already failed integrity
// verification in this process.
func (v *Validator) TierDisabled(tier datatypes.Tier) bool {
	v.mu.Lock()
	t, ok := v.trust[tier]
	v.mu.Unlock()
	if !ok {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done && t.err != nil
}

// verifyArtifact hashes the artifact and compares against the pinned set.
func (v *Validator) verifyArtifact(tier datatypes.Tier, artifactPath string) error {
	pinned := v.config.TrustedModelDigests[tier]
	if len(pinned) == 0 {
		return fmt.Errorf("%w: no pinned digests for tier %s", ErrModelIntegrityViolation, tier)
	}

	f, err := os.Open(artifactPath)
	if err != nil {
		return fmt.Errorf("%w: open artifact: %v", ErrModelIntegrityViolation, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("%w: hash artifact: %v", ErrModelIntegrityViolation, err)
	}
	digest := hex.EncodeToString(h.Sum(nil))

	for _, want := range pinned {
		// Constant-time comparison so a probing caller cannot learn how
		// many leading characters of a pinned digest it has matched.
		if subtle.ConstantTimeCompare([]byte(digest), []byte(want)) == 1 {
			return nil
		}
	}
	return fmt.Errorf("%w: digest %s not in pinned set for tier %s",
		ErrModelIntegrityViolation, truncateDigest(digest), tier)
}

// truncateDigest shortens a digest for error messages.
func truncateDigest(d string) string {
	if len(d) <= 16 {
		return d
	}
	return d[:8] + "..." + d[len(d)-4:]
}
