// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "time"

// HazardType is a construction-safety detection class.
//
// The class list mirrors the HazardHawk detector label set; every backend
// maps its native labels onto these before returning a result.
type HazardType string

const (
	HazardPerson         HazardType = "person"
	HazardHardHat        HazardType = "hard_hat"
	HazardSafetyVest     HazardType = "safety_vest"
	HazardMissingHardHat HazardType = "missing_hard_hat"
	HazardMissingVest    HazardType = "missing_safety_vest"
	HazardMachinery      HazardType = "machinery"
	HazardExcavator      HazardType = "excavator"
	HazardCrane          HazardType = "crane"
	HazardTruck          HazardType = "truck"
	HazardFall           HazardType = "fall_hazard"
	HazardElectrical     HazardType = "electrical_hazard"
	HazardSafetyCone     HazardType = "safety_cone"
	HazardBarrier        HazardType = "barrier"
)

// Severity classifies how urgently a detected hazard needs attention.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityDanger
	SeverityCritical
)

// String returns the human-readable name of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityDanger:
		return "danger"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// DefaultSeverity returns the baseline severity for a hazard type.
//
// Backends may raise severity based on context (e.g. a fall hazard next to
// an unprotected edge) but never lower it below the baseline.
func DefaultSeverity(t HazardType) Severity {
	switch t {
	case HazardFall, HazardElectrical:
		return SeverityCritical
	case HazardMissingHardHat, HazardMissingVest:
		return SeverityDanger
	case HazardMachinery, HazardExcavator, HazardCrane, HazardTruck:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// BoundingRegion is a detection region in normalized image coordinates.
// All values are in [0, 1] relative to the analyzed image dimensions.
type BoundingRegion struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Hazard is a single detection produced by a backend.
type Hazard struct {
	Type       HazardType     `json:"type"`
	Region     BoundingRegion `json:"region"`
	Confidence float64        `json:"confidence"`
	Severity   Severity       `json:"severity"`
}

// AttemptOutcome is the terminal state of one backend attempt.
//
// The attempt state machine is Pending -> Running -> one of these. TimedOut
// is control-flow-equivalent to Failed but recorded distinctly so the
// provenance chain can tell a slow backend from a broken one.
type AttemptOutcome string

const (
	OutcomeAccepted      AttemptOutcome = "accepted"
	OutcomeLowConfidence AttemptOutcome = "low_confidence"
	OutcomeFailed        AttemptOutcome = "failed"
	OutcomeTimedOut      AttemptOutcome = "timed_out"
)

// AttemptRecord is one entry in a result's provenance chain.
type AttemptRecord struct {
	// Tier is the backend that was attempted.
	Tier Tier `json:"tier"`

	// Outcome is the terminal state of the attempt.
	Outcome AttemptOutcome `json:"outcome"`

	// Latency is the wall-clock duration of the attempt.
	Latency time.Duration `json:"latency"`

	// Confidence is the overall confidence the backend reported, 0-1.
	// Zero for failed and timed-out attempts.
	Confidence float64 `json:"confidence"`

	// Error carries the failure detail for failed/timed-out attempts.
	Error string `json:"error,omitempty"`
}

// AnalysisResult is the final output of one orchestration.
//
// # Description
//
// Results are immutable and owned by the caller once returned. A result
// served from cache is byte-identical to the one the original computation
// produced, including its provenance chain.
//
// # Thread Safety
//
// Immutable after construction. Safe to share across goroutines.
type AnalysisResult struct {
	// RequestID identifies the request that produced this result. For
	// cache hits this is the ID of the request that computed the entry.
	RequestID string `json:"request_id"`

	// Hazards are the accepted detections.
	Hazards []Hazard `json:"hazards"`

	// OverallConfidence is the backend's aggregate confidence, 0-1.
	OverallConfidence float64 `json:"overall_confidence"`

	// SourceTier is the backend whose output was accepted.
	SourceTier Tier `json:"source_tier"`

	// Degraded is true when no backend cleared its confidence threshold
	// and the best low-confidence candidate was returned instead.
	Degraded bool `json:"degraded,omitempty"`

	// TotalCostUSD is the committed monetary cost across all attempts.
	TotalCostUSD float64 `json:"total_cost_usd"`

	// TotalLatency is the end-to-end analysis duration.
	TotalLatency time.Duration `json:"total_latency"`

	// Provenance is the ordered record of every backend attempt.
	Provenance []AttemptRecord `json:"provenance"`

	// CreatedAtMilli is when the result was computed (Unix milliseconds).
	CreatedAtMilli int64 `json:"created_at_milli"`
}

// HighestSeverity returns the most severe hazard class in the result, or
// SeverityInfo when no hazards were detected.
func (r *AnalysisResult) HighestSeverity() Severity {
	max := SeverityInfo
	for _, h := range r.Hazards {
		if h.Severity > max {
			max = h.Severity
		}
	}
	return max
}
