// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package strategy decides which backends may serve a request and in what
// order, from a fresh device sample and the current budget snapshot.
//
// Selection is a pure function over its inputs. It holds no state, takes
// no locks, and performs no IO, so the coordinator can call it once per
// request without cost.
package strategy

import (
	"log/slog"
	"sort"

	"github.com/AleutianAI/HazardHawk/services/vision/backends"
	"github.com/AleutianAI/HazardHawk/services/vision/datatypes"
)

// TierGate reports tiers that are permanently disabled in this process
// (model integrity violations). Implemented by security.Validator.
type TierGate interface {
	TierDisabled(tier datatypes.Tier) bool
}

// Selector orders the registered backends for each request.
//
// # Thread Safety
//
// Immutable after construction. Safe for concurrent use.
type Selector struct {
	registered []backends.Backend
	gate       TierGate
	logger     *slog.Logger
}

// NewSelector creates a selector over the registered backends.
//
// gate may be nil when no integrity gating is wanted (tests). logger may
// be nil.
func NewSelector(registered []backends.Backend, gate TierGate, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		registered: registered,
		gate:       gate,
		logger:     logger,
	}
}

// Exclusion records why a backend was left out of a plan.
type Exclusion struct {
	Tier   datatypes.Tier `json:"tier"`
	Reason string         `json:"reason"`
}

// Plan is the ordered attempt list for one request.
type Plan struct {
	// Ordered are the eligible backends, first preference first. The
	// emergency tier, when registered, is always last.
	Ordered []backends.Backend

	// Excluded records the backends dropped and why, for provenance and
	// debugging.
	Excluded []Exclusion
}

// criticalWorkTypes are work classifications where misclassification has
// outsized consequences, so the high-accuracy tier leads when eligible.
var criticalWorkTypes = map[datatypes.WorkType]bool{
	datatypes.WorkTypeElectrical:    true,
	datatypes.WorkTypeRoofing:       true,
	datatypes.WorkTypeSteelErection: true,
	datatypes.WorkTypeDemolition:    true,
}

// Select builds the attempt plan for one request.
//
// # Description
//
// Hard exclusions come first, in fixed precedence:
//
//  1. A tier disabled by the integrity gate never runs.
//  2. The cloud tier is excluded when its declared cost is not affordable
//     under the current budget snapshot, or the network is unreachable.
//  3. A backend whose resource requirement is unmet (memory floor,
//     accelerator, network) is excluded. Thermal Serious or worse
//     additionally excludes the large local tier and any
//     accelerator-bound backend.
//
// Survivors are ordered with a preferred lead tier pinned first: cloud
// for critical work types, local-large otherwise. The rest follow by
// accuracy class, best first. The emergency tier has no requirements and
// is always placed last.
//
// # Inputs
//
//   - req: The request (work type drives ordering).
//   - device: A fresh device sample. Never reused across requests.
//   - budget: The current committed-spend snapshot.
//
// # Outputs
//
//   - Plan: Ordered backends plus exclusion records. Ordered is empty
//     only if no backends were registered at all.
func (s *Selector) Select(req datatypes.AnalysisRequest, device datatypes.DeviceState, budget datatypes.BudgetSnapshot) Plan {
	var plan Plan
	var eligible []backends.Backend
	var emergency []backends.Backend

	for _, b := range s.registered {
		desc := b.Descriptor()

		if desc.Tier == datatypes.TierEmergency {
			emergency = append(emergency, b)
			continue
		}
		if s.gate != nil && s.gate.TierDisabled(desc.Tier) {
			plan.Excluded = append(plan.Excluded, Exclusion{desc.Tier, "tier disabled by integrity gate"})
			continue
		}
		if reason := exclusionReason(desc, device, budget); reason != "" {
			plan.Excluded = append(plan.Excluded, Exclusion{desc.Tier, reason})
			continue
		}
		eligible = append(eligible, b)
	}

	preferred := datatypes.TierLocalLarge
	if criticalWorkTypes[req.WorkType] {
		preferred = datatypes.TierCloud
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		di, dj := eligible[i].Descriptor(), eligible[j].Descriptor()
		if (di.Tier == preferred) != (dj.Tier == preferred) {
			return di.Tier == preferred
		}
		return di.Accuracy > dj.Accuracy
	})

	plan.Ordered = append(eligible, emergency...)

	if len(plan.Excluded) > 0 {
		s.logger.Debug("strategy exclusions",
			"request_id", req.ID,
			"work_type", req.WorkType,
			"excluded", len(plan.Excluded),
			"eligible", len(plan.Ordered),
		)
	}
	return plan
}

// exclusionReason returns a non-empty reason when desc cannot run under
// the given conditions.
func exclusionReason(desc datatypes.BackendDescriptor, device datatypes.DeviceState, budget datatypes.BudgetSnapshot) string {
	if desc.CostPerCallUSD > 0 && !budget.CloudAffordable(desc.CostPerCallUSD) {
		return "budget exhausted"
	}
	if desc.Requires.NeedsNetwork && !device.Network.Reachable() {
		return "network unreachable"
	}
	if desc.Requires.MinMemoryMB > 0 && device.AvailableMemoryMB < desc.Requires.MinMemoryMB {
		return "insufficient memory"
	}
	if desc.Requires.NeedsAccelerator && !device.HasAccelerator {
		return "no accelerator"
	}
	// The large local model heats the device regardless of which execution
	// provider runs it, so the thermal rule keys on the tier too.
	if device.Thermal >= datatypes.ThermalSerious &&
		(desc.Tier == datatypes.TierLocalLarge || desc.Requires.NeedsAccelerator) {
		return "thermal pressure"
	}
	return ""
}
