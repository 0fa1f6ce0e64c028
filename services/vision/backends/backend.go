// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package backends implements the hazard-analysis backends behind one
// uniform contract: a cloud vision service, local neural detectors of two
// sizes, and a minimal emergency detector.
//
// Every backend is an opaque capability to the rest of the engine. It
// declares its contract (tier, accuracy class, per-call cost, latency
// bound, resource requirement) in a BackendDescriptor and implements a
// single Analyze operation. Strategy selection and fallback control flow
// live elsewhere; a backend only knows how to analyze one image.
package backends

import (
	"context"
	"errors"

	"github.com/AleutianAI/HazardHawk/services/vision/datatypes"
)

// Sentinel errors for the backends package.
var (
	// ErrBackendFailure indicates the backend could not produce a result.
	ErrBackendFailure = errors.New("backend failure")

	// ErrBackendUnavailable indicates the backend cannot run at all in
	// this process (disabled tier, missing credentials).
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// Detection is the raw output of one backend attempt, before the
// coordinator folds it into an AnalysisResult.
type Detection struct {
	// Hazards are the detections, already mapped onto the shared taxonomy.
	Hazards []datatypes.Hazard

	// Confidence is the backend's aggregate confidence in the analysis,
	// 0-1. The coordinator compares it against the per-work-type
	// acceptance threshold.
	Confidence float64

	// ActualCostUSD is the metered cost reported by the provider, when
	// known. Negative means unknown; the declared cost is committed.
	ActualCostUSD float64
}

// Backend is the uniform analyze contract.
//
// Implementations must be safe for concurrent use and must respect ctx
// cancellation: the coordinator bounds every attempt with the
// descriptor's MaxLatency and cancels superseded requests.
type Backend interface {
	// Descriptor returns the backend's declared contract. Stable for the
	// life of the backend.
	Descriptor() datatypes.BackendDescriptor

	// Analyze runs hazard detection on one validated request.
	Analyze(ctx context.Context, req datatypes.AnalysisRequest) (*Detection, error)
}

// ModelGate verifies a local model artifact before first use. Implemented
// by security.Validator; declared here so backends do not import the
// security package.
type ModelGate interface {
	EnsureModelTrusted(tier datatypes.Tier, artifactPath string) error
}

// PromptSanitizer sanitizes user-controlled text bound for a cloud prompt
// template. Implemented by security.Validator.
type PromptSanitizer interface {
	SanitizePromptText(requestID, text string) string
}
