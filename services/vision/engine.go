// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vision is the orchestration facade for hazard image analysis.
//
// A single Analyze call runs the full pipeline: security validation,
// result cache lookup with request coalescing, a fresh device capability
// sample, strategy selection, and the backend fallback chain. Callers
// never talk to a backend directly.
package vision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/HazardHawk/services/vision/cache"
	"github.com/AleutianAI/HazardHawk/services/vision/coordinator"
	"github.com/AleutianAI/HazardHawk/services/vision/datatypes"
	"github.com/AleutianAI/HazardHawk/services/vision/device"
	"github.com/AleutianAI/HazardHawk/services/vision/observability"
	"github.com/AleutianAI/HazardHawk/services/vision/security"
	"github.com/AleutianAI/HazardHawk/services/vision/strategy"
)

// ErrInvalidRequest wraps security rejections surfaced to callers. The
// wrapped chain also carries the specific sentinel (oversized, malformed)
// for callers that branch on it.
var ErrInvalidRequest = errors.New("invalid analysis request")

// BudgetReader exposes the spend snapshot the engine publishes to metrics
// and strategy selection. Implemented by budget.Manager.
type BudgetReader interface {
	Snapshot() datatypes.BudgetSnapshot
}

// Engine is the orchestration facade.
//
// # Thread Safety
//
// Safe for concurrent use. All mutable state lives in the owned
// components, each of which guards its own.
type Engine struct {
	validator   *security.Validator
	results     *cache.ResultCache
	profiler    device.Profiler
	budget      BudgetReader
	selector    *strategy.Selector
	coordinator *coordinator.Coordinator
	metrics     *observability.EngineMetrics
	logger      *slog.Logger
	tracer      trace.Tracer
}

// NewEngine assembles the pipeline.
//
// metrics may be nil (no recording). logger may be nil.
func NewEngine(
	validator *security.Validator,
	results *cache.ResultCache,
	profiler device.Profiler,
	budget BudgetReader,
	selector *strategy.Selector,
	coord *coordinator.Coordinator,
	metrics *observability.EngineMetrics,
	logger *slog.Logger,
) (*Engine, error) {
	if validator == nil || results == nil || profiler == nil || selector == nil || coord == nil {
		return nil, fmt.Errorf("engine: missing required component")
	}
	if budget == nil {
		return nil, fmt.Errorf("engine: nil budget reader")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		validator:   validator,
		results:     results,
		profiler:    profiler,
		budget:      budget,
		selector:    selector,
		coordinator: coord,
		metrics:     metrics,
		logger:      logger,
		tracer:      otel.Tracer("hazardhawk/vision"),
	}, nil
}

// Analyze runs hazard analysis for one captured image.
//
// # Description
//
// The pipeline, in order:
//
//  1. Security validation. A rejection short-circuits everything; nothing
//     is cached and no backend runs.
//  2. Cache lookup on (fingerprint, work type). Concurrent callers for
//     the same key coalesce onto one computation.
//  3. On a miss: a fresh device sample, the budget snapshot, strategy
//     selection, and the coordinator's fallback chain.
//
// # Inputs
//
//   - ctx: Caller context. Cancellation stops this caller's wait; a
//     coalesced computation keeps running for its other waiters.
//   - req: The request, normally from datatypes.NewAnalysisRequest.
//
// # Outputs
//
//   - *datatypes.AnalysisResult: Accepted or degraded result.
//   - error: ErrInvalidRequest for rejected inputs,
//     coordinator.ErrAllBackendsFailed when the chain is exhausted, or
//     ctx.Err().
func (e *Engine) Analyze(ctx context.Context, req datatypes.AnalysisRequest) (*datatypes.AnalysisResult, error) {
	ctx, span := e.tracer.Start(ctx, "vision.Analyze",
		trace.WithAttributes(
			attribute.String("request.id", req.ID),
			attribute.String("request.work_type", string(req.WorkType)),
		))
	defer span.End()

	if !req.WorkType.Valid() {
		return nil, fmt.Errorf("%w: unknown work type %q", ErrInvalidRequest, req.WorkType)
	}

	if verdict := e.validator.Validate(req); !verdict.OK {
		e.metrics.RecordSecurityRejection(rejectionLabel(verdict.Reason))
		e.logger.Warn("request rejected by security validation",
			"request_id", req.ID,
			"detail", verdict.Detail,
		)
		return nil, fmt.Errorf("%w: %w: %s", ErrInvalidRequest, verdict.Reason, verdict.Detail)
	}

	result, fromCache, err := e.results.GetOrCompute(ctx, req.CacheKey(), func(computeCtx context.Context) (*datatypes.AnalysisResult, error) {
		return e.analyzeUncached(computeCtx, req)
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			e.metrics.RecordFailure()
		}
		return nil, err
	}

	if fromCache {
		e.metrics.RecordCacheHit()
		span.SetAttributes(attribute.Bool("cache.hit", true))
	} else {
		e.metrics.RecordCacheMiss()
	}
	return result, nil
}

// analyzeUncached runs the selection and fallback chain for a cache miss.
func (e *Engine) analyzeUncached(ctx context.Context, req datatypes.AnalysisRequest) (*datatypes.AnalysisResult, error) {
	deviceState := e.profiler.CurrentState()
	budgetSnap := e.budget.Snapshot()

	plan := e.selector.Select(req, deviceState, budgetSnap)
	if len(plan.Ordered) == 0 {
		return nil, coordinator.ErrAllBackendsFailed
	}

	result, err := e.coordinator.Run(ctx, req, plan)
	if err != nil {
		return nil, err
	}

	e.metrics.RecordAnalysis(result)
	e.metrics.UpdateBudget(e.budget.Snapshot())

	e.logger.Info("analysis complete",
		"request_id", req.ID,
		"source_tier", result.SourceTier,
		"degraded", result.Degraded,
		"hazards", len(result.Hazards),
		"confidence", result.OverallConfidence,
		"cost_usd", result.TotalCostUSD,
		"latency", result.TotalLatency,
	)
	return result, nil
}

// CacheStats exposes result cache counters for the status surface.
func (e *Engine) CacheStats() cache.Stats {
	return e.results.Stats()
}

// BudgetSnapshot exposes the spend state for the status surface.
func (e *Engine) BudgetSnapshot() datatypes.BudgetSnapshot {
	return e.budget.Snapshot()
}

// rejectionLabel maps a security sentinel onto a bounded metric label.
func rejectionLabel(reason error) string {
	switch {
	case errors.Is(reason, security.ErrOversizedInput):
		return "oversized"
	case errors.Is(reason, security.ErrMalformedInput):
		return "malformed"
	case errors.Is(reason, security.ErrPromptInjectionAttempt):
		return "prompt_injection"
	default:
		return "other"
	}
}
