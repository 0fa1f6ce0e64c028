// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package coordinator runs the backend attempt chain for one request.
//
// The coordinator walks the ordered plan from the strategy selector,
// bounding each attempt with the backend's declared latency, reserving
// budget before metered attempts, and recording every attempt in the
// result's provenance chain. A result that clears the work-type
// confidence threshold ends the chain; otherwise the best low-confidence
// candidate is kept and returned, degraded, after the plan is exhausted.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/HazardHawk/services/vision/backends"
	"github.com/AleutianAI/HazardHawk/services/vision/budget"
	"github.com/AleutianAI/HazardHawk/services/vision/datatypes"
	"github.com/AleutianAI/HazardHawk/services/vision/observability"
	"github.com/AleutianAI/HazardHawk/services/vision/strategy"
)

// ErrAllBackendsFailed indicates every attempt in the plan failed or
// timed out and no low-confidence candidate exists to degrade to.
var ErrAllBackendsFailed = errors.New("all backends failed")

// Thresholds sets the per-work-type confidence acceptance levels.
type Thresholds struct {
	// Default applies to general work types.
	Default float64 `yaml:"default" validate:"gte=0,lte=1"`

	// Critical applies to work types where misclassification has outsized
	// consequences (electrical, roofing, steel erection, demolition).
	Critical float64 `yaml:"critical" validate:"gte=0,lte=1"`
}

// DefaultThresholds returns production acceptance levels.
func DefaultThresholds() Thresholds {
	return Thresholds{Default: 0.65, Critical: 0.80}
}

// For returns the acceptance threshold for a work type.
func (t Thresholds) For(w datatypes.WorkType) float64 {
	switch w {
	case datatypes.WorkTypeElectrical, datatypes.WorkTypeRoofing,
		datatypes.WorkTypeSteelErection, datatypes.WorkTypeDemolition:
		return t.Critical
	}
	return t.Default
}

// Budgeter is the reservation surface the coordinator needs from the
// budget manager.
type Budgeter interface {
	CheckAndReserve(costUSD float64) (budget.Reservation, error)
	Commit(res budget.Reservation, actualCostUSD float64) error
	Release(res budget.Reservation) error
}

// Coordinator executes attempt chains.
//
// # Thread Safety
//
// Safe for concurrent use; all per-request state is local to Run.
type Coordinator struct {
	mu         sync.RWMutex
	thresholds Thresholds

	budgeter Budgeter
	metrics  *observability.EngineMetrics
	logger   *slog.Logger
}

// NewCoordinator creates a coordinator.
//
// budgeter may be nil when no metered backends are registered (tests).
// metrics and logger may be nil.
func NewCoordinator(thresholds Thresholds, budgeter Budgeter, metrics *observability.EngineMetrics, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		thresholds: thresholds,
		budgeter:   budgeter,
		metrics:    metrics,
		logger:     logger,
	}
}

// SetThresholds replaces the acceptance thresholds. Used by config
// hot-reload; in-flight chains keep the thresholds they started with.
func (c *Coordinator) SetThresholds(t Thresholds) {
	c.mu.Lock()
	c.thresholds = t
	c.mu.Unlock()
}

// candidate is the best low-confidence detection seen so far.
type candidate struct {
	detection *backends.Detection
	tier      datatypes.Tier
}

// Run executes the plan for one request.
//
// # Description
//
// Attempts run strictly in plan order. Each metered attempt (declared
// cost above zero) first reserves budget; a reservation failure skips the
// backend without consuming an attempt elsewhere in the chain. The
// reservation is committed when the backend produced a detection
// (accepted or low-confidence both consumed the metered call) and
// released when the attempt failed or timed out.
//
// A detection at or above the work-type threshold is accepted and ends
// the chain. Below-threshold detections compete on confidence for the
// degraded fallback. When the plan is exhausted:
//
//   - with a candidate: the candidate is returned with Degraded set;
//   - without one: ErrAllBackendsFailed, wrapping the last attempt error.
//
// # Inputs
//
//   - ctx: Caller context. Cancellation aborts between attempts and
//     propagates into the running attempt.
//   - req: The validated request.
//   - plan: The ordered attempt plan from the strategy selector.
//
// # Outputs
//
//   - *datatypes.AnalysisResult: The accepted or degraded result.
//   - error: ErrAllBackendsFailed, or ctx.Err() on cancellation.
func (c *Coordinator) Run(ctx context.Context, req datatypes.AnalysisRequest, plan strategy.Plan) (*datatypes.AnalysisResult, error) {
	started := time.Now()
	c.mu.RLock()
	threshold := c.thresholds.For(req.WorkType)
	c.mu.RUnlock()

	var provenance []datatypes.AttemptRecord
	var best candidate
	var totalCost float64
	var lastErr error

	for _, backend := range plan.Ordered {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		desc := backend.Descriptor()

		var res budget.Reservation
		metered := desc.CostPerCallUSD > 0
		if metered {
			if c.budgeter == nil {
				provenance = append(provenance, datatypes.AttemptRecord{
					Tier:    desc.Tier,
					Outcome: datatypes.OutcomeFailed,
					Error:   "no budget manager for metered backend",
				})
				continue
			}
			var err error
			res, err = c.budgeter.CheckAndReserve(desc.CostPerCallUSD)
			if err != nil {
				c.metrics.RecordBudgetRejection()
				c.logger.Info("metered backend skipped",
					"request_id", req.ID, "tier", desc.Tier, "error", err)
				provenance = append(provenance, datatypes.AttemptRecord{
					Tier:    desc.Tier,
					Outcome: datatypes.OutcomeFailed,
					Error:   err.Error(),
				})
				continue
			}
		}

		detection, record := c.attempt(ctx, backend, req)
		record.Tier = desc.Tier

		if metered {
			if detection != nil {
				actual := detection.ActualCostUSD
				charge := desc.CostPerCallUSD
				if actual >= 0 && actual < charge {
					charge = actual
				}
				if err := c.budgeter.Commit(res, actual); err != nil {
					c.logger.Error("budget commit failed",
						"request_id", req.ID, "tier", desc.Tier, "error", err)
				} else {
					totalCost += charge
				}
			} else {
				if err := c.budgeter.Release(res); err != nil {
					c.logger.Error("budget release failed",
						"request_id", req.ID, "tier", desc.Tier, "error", err)
				}
			}
		}

		if detection == nil {
			provenance = append(provenance, record)
			lastErr = errors.New(record.Error)
			continue
		}

		if detection.Confidence >= threshold {
			record.Outcome = datatypes.OutcomeAccepted
			provenance = append(provenance, record)
			return c.buildResult(req, detection, desc.Tier, false, totalCost, started, provenance), nil
		}

		record.Outcome = datatypes.OutcomeLowConfidence
		provenance = append(provenance, record)
		if best.detection == nil || detection.Confidence > best.detection.Confidence {
			best = candidate{detection: detection, tier: desc.Tier}
		}
	}

	if best.detection != nil {
		c.logger.Warn("no backend cleared threshold, returning degraded result",
			"request_id", req.ID,
			"threshold", threshold,
			"confidence", best.detection.Confidence,
			"source_tier", best.tier,
		)
		return c.buildResult(req, best.detection, best.tier, true, totalCost, started, provenance), nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: last error: %v", ErrAllBackendsFailed, lastErr)
	}
	return nil, ErrAllBackendsFailed
}

// attempt runs one backend under its declared latency bound. A nil
// detection means the attempt failed; the record carries the outcome and
// error detail.
func (c *Coordinator) attempt(ctx context.Context, backend backends.Backend, req datatypes.AnalysisRequest) (*backends.Detection, datatypes.AttemptRecord) {
	desc := backend.Descriptor()

	attemptCtx := ctx
	cancel := context.CancelFunc(func() {})
	if desc.MaxLatency > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, desc.MaxLatency)
	}
	defer cancel()

	attemptStart := time.Now()
	detection, err := backend.Analyze(attemptCtx, req)
	latency := time.Since(attemptStart)

	if err != nil {
		outcome := datatypes.OutcomeFailed
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			outcome = datatypes.OutcomeTimedOut
		}
		c.logger.Warn("backend attempt did not produce a result",
			"request_id", req.ID,
			"tier", desc.Tier,
			"outcome", outcome,
			"latency", latency,
			"error", err,
		)
		return nil, datatypes.AttemptRecord{
			Outcome: outcome,
			Latency: latency,
			Error:   err.Error(),
		}
	}

	return detection, datatypes.AttemptRecord{
		Latency:    latency,
		Confidence: detection.Confidence,
	}
}

// buildResult folds a detection and the attempt history into the final
// immutable result.
func (c *Coordinator) buildResult(req datatypes.AnalysisRequest, d *backends.Detection, tier datatypes.Tier, degraded bool, totalCost float64, started time.Time, provenance []datatypes.AttemptRecord) *datatypes.AnalysisResult {
	return &datatypes.AnalysisResult{
		RequestID:         req.ID,
		Hazards:           d.Hazards,
		OverallConfidence: d.Confidence,
		SourceTier:        tier,
		Degraded:          degraded,
		TotalCostUSD:      totalCost,
		TotalLatency:      time.Since(started),
		Provenance:        provenance,
		CreatedAtMilli:    time.Now().UnixMilli(),
	}
}
