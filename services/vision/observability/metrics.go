// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the vision engine.
//
// # Description
//
// Metrics cover the full analysis pipeline:
//   - Analysis counters (by source tier, outcome)
//   - Backend attempt counters and latency histograms (by tier, outcome)
//   - Cache hits, misses, and coalesced waits
//   - Budget spend gauges and rejected reservations
//   - Security verdict counters (by reason)
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. Use with Prometheus +
// Grafana for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/HazardHawk/services/vision/datatypes"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "hazardhawk"

// Subsystem for vision engine metrics
const visionSubsystem = "vision"

// EngineMetrics holds all Prometheus metrics for the analysis pipeline.
//
// # Description
//
// Initialize once at startup via NewEngineMetrics(). Registering twice on
// the same registry panics, so construction belongs in main.
//
// # Thread Safety
//
// All operations are thread-safe.
type EngineMetrics struct {
	// AnalysesTotal counts completed analyses.
	// Labels: source_tier, outcome (accepted, degraded, failed, rejected)
	AnalysesTotal *prometheus.CounterVec

	// AttemptsTotal counts backend attempts.
	// Labels: tier, outcome (accepted, low_confidence, failed, timed_out)
	AttemptsTotal *prometheus.CounterVec

	// AttemptDurationSeconds measures per-attempt latency.
	// Labels: tier
	AttemptDurationSeconds *prometheus.HistogramVec

	// CacheEventsTotal counts cache lookups by event kind.
	// Labels: event (hit, miss, coalesced)
	CacheEventsTotal *prometheus.CounterVec

	// BudgetSpendUSD tracks committed spend against the caps.
	// Labels: window (daily, monthly)
	BudgetSpendUSD *prometheus.GaugeVec

	// BudgetRejectionsTotal counts reservations refused at a cap.
	BudgetRejectionsTotal prometheus.Counter

	// SecurityRejectionsTotal counts inputs refused by validation.
	// Labels: reason (oversized, malformed, prompt_injection)
	SecurityRejectionsTotal *prometheus.CounterVec
}

// NewEngineMetrics creates and registers all engine metrics on reg. A nil
// reg uses the default registerer.
func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &EngineMetrics{
		AnalysesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: visionSubsystem,
				Name:      "analyses_total",
				Help:      "Completed analyses by source tier and outcome.",
			},
			[]string{"source_tier", "outcome"},
		),
		AttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: visionSubsystem,
				Name:      "attempts_total",
				Help:      "Backend attempts by tier and terminal outcome.",
			},
			[]string{"tier", "outcome"},
		),
		AttemptDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: visionSubsystem,
				Name:      "attempt_duration_seconds",
				Help:      "Wall-clock duration of backend attempts.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
			},
			[]string{"tier"},
		),
		CacheEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: visionSubsystem,
				Name:      "cache_events_total",
				Help:      "Result cache lookups by event kind.",
			},
			[]string{"event"},
		),
		BudgetSpendUSD: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: visionSubsystem,
				Name:      "budget_spend_usd",
				Help:      "Committed spend in USD by rollover window.",
			},
			[]string{"window"},
		),
		BudgetRejectionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: visionSubsystem,
				Name:      "budget_rejections_total",
				Help:      "Reservations refused because a cap would be crossed.",
			},
		),
		SecurityRejectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: visionSubsystem,
				Name:      "security_rejections_total",
				Help:      "Inputs refused by security validation, by reason.",
			},
			[]string{"reason"},
		),
	}
}

// =============================================================================
// Recording Helpers
// =============================================================================

// RecordAnalysis records a completed analysis and its provenance chain.
func (m *EngineMetrics) RecordAnalysis(result *datatypes.AnalysisResult) {
	if m == nil || result == nil {
		return
	}
	outcome := "accepted"
	if result.Degraded {
		outcome = "degraded"
	}
	m.AnalysesTotal.WithLabelValues(string(result.SourceTier), outcome).Inc()

	for _, attempt := range result.Provenance {
		m.AttemptsTotal.WithLabelValues(string(attempt.Tier), string(attempt.Outcome)).Inc()
		m.AttemptDurationSeconds.WithLabelValues(string(attempt.Tier)).
			Observe(attempt.Latency.Seconds())
	}
}

// RecordFailure records an analysis that produced no result.
func (m *EngineMetrics) RecordFailure() {
	if m == nil {
		return
	}
	m.AnalysesTotal.WithLabelValues("none", "failed").Inc()
}

// RecordCacheHit records a lookup served from cache.
func (m *EngineMetrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.CacheEventsTotal.WithLabelValues("hit").Inc()
}

// RecordCacheMiss records a lookup that required computation.
func (m *EngineMetrics) RecordCacheMiss() {
	if m == nil {
		return
	}
	m.CacheEventsTotal.WithLabelValues("miss").Inc()
}

// RecordCacheCoalesced records a caller that joined an in-flight
// computation instead of starting its own.
func (m *EngineMetrics) RecordCacheCoalesced() {
	if m == nil {
		return
	}
	m.CacheEventsTotal.WithLabelValues("coalesced").Inc()
}

// RecordBudgetRejection records a reservation refused at a cap.
func (m *EngineMetrics) RecordBudgetRejection() {
	if m == nil {
		return
	}
	m.BudgetRejectionsTotal.Inc()
}

// RecordSecurityRejection records a refused input by reason.
func (m *EngineMetrics) RecordSecurityRejection(reason string) {
	if m == nil {
		return
	}
	m.AnalysesTotal.WithLabelValues("none", "rejected").Inc()
	m.SecurityRejectionsTotal.WithLabelValues(reason).Inc()
}

// UpdateBudget refreshes the spend gauges from a snapshot.
func (m *EngineMetrics) UpdateBudget(snap datatypes.BudgetSnapshot) {
	if m == nil {
		return
	}
	m.BudgetSpendUSD.WithLabelValues("daily").Set(snap.DailySpendUSD)
	m.BudgetSpendUSD.WithLabelValues("monthly").Set(snap.MonthlySpendUSD)
}

// ObserveAttempt records a single standalone attempt observation. Used by
// tests and callers outside the provenance path.
func (m *EngineMetrics) ObserveAttempt(tier datatypes.Tier, outcome datatypes.AttemptOutcome, latency time.Duration) {
	if m == nil {
		return
	}
	m.AttemptsTotal.WithLabelValues(string(tier), string(outcome)).Inc()
	m.AttemptDurationSeconds.WithLabelValues(string(tier)).Observe(latency.Seconds())
}
