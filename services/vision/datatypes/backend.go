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

// Tier identifies a backend's place on the accuracy/cost/resource spectrum.
//
// Ordering on the spectrum is cloud > local-large > local-small > emergency,
// but the scheduling order for a given request is decided by the strategy
// selector, not by this type.
type Tier string

const (
	TierCloud      Tier = "cloud"
	TierLocalLarge Tier = "local_large"
	TierLocalSmall Tier = "local_small"
	TierEmergency  Tier = "emergency"
)

// AccuracyClass is the declared accuracy band of a backend. Higher is
// better. Used as the tiebreaker when strategy rules leave two backends
// unordered.
type AccuracyClass int

const (
	AccuracyMinimal AccuracyClass = iota
	AccuracyBasic
	AccuracyStandard
	AccuracyHigh
)

// String returns the human-readable name of the accuracy class.
func (a AccuracyClass) String() string {
	switch a {
	case AccuracyMinimal:
		return "minimal"
	case AccuracyBasic:
		return "basic"
	case AccuracyStandard:
		return "standard"
	case AccuracyHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ResourceRequirement declares what a backend needs from the device before
// it can run at all.
type ResourceRequirement struct {
	// MinMemoryMB is the memory floor for loading and running the model.
	// Zero means no requirement.
	MinMemoryMB int `json:"min_memory_mb"`

	// NeedsNetwork is true for backends that call out over the network.
	NeedsNetwork bool `json:"needs_network"`

	// NeedsAccelerator is true for backends that require a GPU/NPU
	// execution context.
	NeedsAccelerator bool `json:"needs_accelerator"`
}

// BackendDescriptor is the declared contract of an analysis backend.
//
// The engine treats every backend as an opaque capability: the descriptor
// is the only information strategy selection and budget reservation act on.
type BackendDescriptor struct {
	// Tier identifies the backend.
	Tier Tier `json:"tier"`

	// Accuracy is the declared accuracy class.
	Accuracy AccuracyClass `json:"accuracy"`

	// CostPerCallUSD is the declared per-call monetary cost. Local and
	// emergency tiers declare zero.
	CostPerCallUSD float64 `json:"cost_per_call_usd"`

	// MaxLatency bounds a single attempt. The coordinator enforces it as
	// the per-attempt timeout.
	MaxLatency time.Duration `json:"max_latency"`

	// Requires declares the device resources the backend depends on.
	Requires ResourceRequirement `json:"requires"`
}
