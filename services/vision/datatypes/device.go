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

// ThermalLevel is the ordered device thermal state.
//
// Levels are ordered: nominal < fair < serious < critical. Strategy
// selection compares levels with >= to exclude the large local model once
// the device reaches ThermalSerious.
type ThermalLevel int

const (
	ThermalNominal ThermalLevel = iota
	ThermalFair
	ThermalSerious
	ThermalCritical
)

// String returns the human-readable name of the thermal level.
func (t ThermalLevel) String() string {
	switch t {
	case ThermalNominal:
		return "nominal"
	case ThermalFair:
		return "fair"
	case ThermalSerious:
		return "serious"
	case ThermalCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// NetworkReachability describes the current network path, if any.
type NetworkReachability int

const (
	// NetworkNone means no route is available; cloud is unreachable.
	NetworkNone NetworkReachability = iota

	// NetworkMetered means a route exists but transfers cost the user
	// (cellular). Cloud is reachable; callers may still prefer local.
	NetworkMetered

	// NetworkUnmetered means an unconstrained route exists (Wi-Fi, wired).
	NetworkUnmetered
)

// String returns the human-readable name of the reachability state.
func (n NetworkReachability) String() string {
	switch n {
	case NetworkNone:
		return "none"
	case NetworkMetered:
		return "metered"
	case NetworkUnmetered:
		return "unmetered"
	default:
		return "unknown"
	}
}

// Reachable reports whether any network path exists.
func (n NetworkReachability) Reachable() bool {
	return n != NetworkNone
}

// DeviceState is a point-in-time sample of platform resource signals.
//
// # Description
//
// A DeviceState is sampled fresh for every orchestration call and never
// cached beyond it: thermal and battery conditions drift over a session,
// and a stale sample would let the selector schedule the large local model
// onto a throttling device.
//
// # Thread Safety
//
// Immutable value type. Safe to copy and share.
type DeviceState struct {
	// AvailableMemoryMB is the memory currently available for inference.
	AvailableMemoryMB int `json:"available_memory_mb"`

	// Thermal is the current thermal pressure level.
	Thermal ThermalLevel `json:"thermal"`

	// BatteryPercent is the remaining battery charge, 0-100. Mains-powered
	// hosts report 100.
	BatteryPercent int `json:"battery_percent"`

	// Network is the current reachability classification.
	Network NetworkReachability `json:"network"`

	// HasAccelerator reports whether a GPU/NPU execution context is
	// available for local inference.
	HasAccelerator bool `json:"has_accelerator"`

	// SampledAtMilli is when the sample was taken (Unix milliseconds).
	SampledAtMilli int64 `json:"sampled_at_milli"`
}

// BudgetSnapshot is a read-only view of spend state at selection time.
//
// Produced by the budget manager; consumed by the strategy selector. The
// snapshot is a copy; mutating it has no effect on the ledger.
type BudgetSnapshot struct {
	DailySpendUSD    float64 `json:"daily_spend_usd"`
	MonthlySpendUSD  float64 `json:"monthly_spend_usd"`
	DailyCapUSD      float64 `json:"daily_cap_usd"`
	MonthlyCapUSD    float64 `json:"monthly_cap_usd"`
	LastDailyReset   int64   `json:"last_daily_reset_milli"`
	LastMonthlyReset int64   `json:"last_monthly_reset_milli"`
}

// CloudAffordable reports whether a charge of cost USD fits under both the
// daily and monthly caps.
func (b BudgetSnapshot) CloudAffordable(cost float64) bool {
	return b.DailySpendUSD+cost <= b.DailyCapUSD &&
		b.MonthlySpendUSD+cost <= b.MonthlyCapUSD
}
