// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/AleutianAI/HazardHawk/services/vision/backends"
	"github.com/AleutianAI/HazardHawk/services/vision/budget"
	"github.com/AleutianAI/HazardHawk/services/vision/datatypes"
	"github.com/AleutianAI/HazardHawk/services/vision/observability"
	"github.com/AleutianAI/HazardHawk/services/vision/strategy"
)

// scriptedBackend returns a fixed detection or error, optionally after a
// delay.
type scriptedBackend struct {
	desc      datatypes.BackendDescriptor
	detection *backends.Detection
	err       error
	delay     time.Duration
	calls     int
}

func (s *scriptedBackend) Descriptor() datatypes.BackendDescriptor { return s.desc }

func (s *scriptedBackend) Analyze(ctx context.Context, req datatypes.AnalysisRequest) (*backends.Detection, error) {
	s.calls++
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.detection, nil
}

func cloudDesc() datatypes.BackendDescriptor {
	return datatypes.BackendDescriptor{
		Tier:           datatypes.TierCloud,
		Accuracy:       datatypes.AccuracyHigh,
		CostPerCallUSD: 0.05,
		MaxLatency:     time.Second,
	}
}

func localDesc(tier datatypes.Tier) datatypes.BackendDescriptor {
	return datatypes.BackendDescriptor{Tier: tier, MaxLatency: time.Second}
}

func planOf(list ...backends.Backend) strategy.Plan {
	return strategy.Plan{Ordered: list}
}

func request() datatypes.AnalysisRequest {
	return datatypes.NewAnalysisRequest([]byte{1, 2, 3}, 640, 480, datatypes.WorkTypeGeneral)
}

func newBudget(t *testing.T, dailyCap float64) *budget.Manager {
	t.Helper()
	m, err := budget.NewManager(budget.Config{DailyCapUSD: dailyCap, MonthlyCapUSD: 1000}, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestRun(t *testing.T) {
	t.Run("first backend above threshold is accepted", func(t *testing.T) {
		first := &scriptedBackend{
			desc:      localDesc(datatypes.TierLocalLarge),
			detection: &backends.Detection{Confidence: 0.9, ActualCostUSD: -1},
		}
		second := &scriptedBackend{
			desc:      localDesc(datatypes.TierLocalSmall),
			detection: &backends.Detection{Confidence: 0.9, ActualCostUSD: -1},
		}
		c := NewCoordinator(DefaultThresholds(), nil, nil, nil)

		result, err := c.Run(context.Background(), request(), planOf(first, second))
		if err != nil {
			t.Fatal(err)
		}
		if result.SourceTier != datatypes.TierLocalLarge {
			t.Errorf("source tier = %v, want local_large", result.SourceTier)
		}
		if result.Degraded {
			t.Error("accepted result marked degraded")
		}
		if second.calls != 0 {
			t.Error("chain continued past an accepted result")
		}
		if len(result.Provenance) != 1 || result.Provenance[0].Outcome != datatypes.OutcomeAccepted {
			t.Errorf("provenance = %+v, want single accepted record", result.Provenance)
		}
	})

	t.Run("failed backend falls through to the next", func(t *testing.T) {
		first := &scriptedBackend{
			desc: localDesc(datatypes.TierLocalLarge),
			err:  backends.ErrBackendFailure,
		}
		second := &scriptedBackend{
			desc:      localDesc(datatypes.TierLocalSmall),
			detection: &backends.Detection{Confidence: 0.9, ActualCostUSD: -1},
		}
		c := NewCoordinator(DefaultThresholds(), nil, nil, nil)

		result, err := c.Run(context.Background(), request(), planOf(first, second))
		if err != nil {
			t.Fatal(err)
		}
		if result.SourceTier != datatypes.TierLocalSmall {
			t.Errorf("source tier = %v, want local_small", result.SourceTier)
		}
		if len(result.Provenance) != 2 {
			t.Fatalf("provenance has %d records, want 2", len(result.Provenance))
		}
		if result.Provenance[0].Outcome != datatypes.OutcomeFailed {
			t.Errorf("first outcome = %v, want failed", result.Provenance[0].Outcome)
		}
	})

	t.Run("slow backend times out and falls through", func(t *testing.T) {
		slow := &scriptedBackend{
			desc: datatypes.BackendDescriptor{
				Tier:       datatypes.TierLocalLarge,
				MaxLatency: 30 * time.Millisecond,
			},
			detection: &backends.Detection{Confidence: 0.9, ActualCostUSD: -1},
			delay:     500 * time.Millisecond,
		}
		fallback := &scriptedBackend{
			desc:      localDesc(datatypes.TierLocalSmall),
			detection: &backends.Detection{Confidence: 0.9, ActualCostUSD: -1},
		}
		c := NewCoordinator(DefaultThresholds(), nil, nil, nil)

		result, err := c.Run(context.Background(), request(), planOf(slow, fallback))
		if err != nil {
			t.Fatal(err)
		}
		if result.Provenance[0].Outcome != datatypes.OutcomeTimedOut {
			t.Errorf("slow attempt outcome = %v, want timed_out", result.Provenance[0].Outcome)
		}
		if result.SourceTier != datatypes.TierLocalSmall {
			t.Errorf("source tier = %v, want local_small", result.SourceTier)
		}
	})

	t.Run("best low-confidence candidate wins when nothing clears threshold", func(t *testing.T) {
		weak := &scriptedBackend{
			desc:      localDesc(datatypes.TierLocalLarge),
			detection: &backends.Detection{Confidence: 0.30, ActualCostUSD: -1},
		}
		weaker := &scriptedBackend{
			desc:      localDesc(datatypes.TierLocalSmall),
			detection: &backends.Detection{Confidence: 0.50, ActualCostUSD: -1},
		}
		c := NewCoordinator(DefaultThresholds(), nil, nil, nil)

		result, err := c.Run(context.Background(), request(), planOf(weak, weaker))
		if err != nil {
			t.Fatal(err)
		}
		if !result.Degraded {
			t.Error("below-threshold result not marked degraded")
		}
		if result.SourceTier != datatypes.TierLocalSmall {
			t.Errorf("source tier = %v, want the higher-confidence local_small", result.SourceTier)
		}
		if result.OverallConfidence != 0.50 {
			t.Errorf("confidence = %v, want 0.50", result.OverallConfidence)
		}
		for _, rec := range result.Provenance {
			if rec.Outcome != datatypes.OutcomeLowConfidence {
				t.Errorf("outcome = %v, want low_confidence", rec.Outcome)
			}
		}
	})

	t.Run("all failures yield ErrAllBackendsFailed", func(t *testing.T) {
		a := &scriptedBackend{desc: localDesc(datatypes.TierLocalLarge), err: backends.ErrBackendFailure}
		b := &scriptedBackend{desc: localDesc(datatypes.TierLocalSmall), err: backends.ErrBackendFailure}
		c := NewCoordinator(DefaultThresholds(), nil, nil, nil)

		_, err := c.Run(context.Background(), request(), planOf(a, b))
		if !errors.Is(err, ErrAllBackendsFailed) {
			t.Errorf("got %v, want ErrAllBackendsFailed", err)
		}
	})

	t.Run("critical work type uses the higher threshold", func(t *testing.T) {
		borderline := &scriptedBackend{
			desc:      localDesc(datatypes.TierLocalLarge),
			detection: &backends.Detection{Confidence: 0.70, ActualCostUSD: -1},
		}
		c := NewCoordinator(DefaultThresholds(), nil, nil, nil)

		req := datatypes.NewAnalysisRequest([]byte{1}, 640, 480, datatypes.WorkTypeElectrical)
		result, err := c.Run(context.Background(), req, planOf(borderline))
		if err != nil {
			t.Fatal(err)
		}
		// 0.70 clears the general threshold but not the critical one.
		if !result.Degraded {
			t.Error("0.70 accepted under the critical threshold 0.80")
		}
	})
}

func TestRunBudgetIntegration(t *testing.T) {
	t.Run("successful metered attempt commits spend", func(t *testing.T) {
		m := newBudget(t, 5)
		cloud := &scriptedBackend{
			desc:      cloudDesc(),
			detection: &backends.Detection{Confidence: 0.9, ActualCostUSD: -1},
		}
		c := NewCoordinator(DefaultThresholds(), m, nil, nil)

		result, err := c.Run(context.Background(), request(), planOf(cloud))
		if err != nil {
			t.Fatal(err)
		}
		if result.TotalCostUSD != 0.05 {
			t.Errorf("total cost = %v, want 0.05", result.TotalCostUSD)
		}
		if snap := m.Snapshot(); snap.DailySpendUSD != 0.05 {
			t.Errorf("committed spend = %v, want 0.05", snap.DailySpendUSD)
		}
	})

	t.Run("failed metered attempt releases its reservation", func(t *testing.T) {
		m := newBudget(t, 5)
		cloud := &scriptedBackend{desc: cloudDesc(), err: backends.ErrBackendFailure}
		local := &scriptedBackend{
			desc:      localDesc(datatypes.TierLocalSmall),
			detection: &backends.Detection{Confidence: 0.9, ActualCostUSD: -1},
		}
		c := NewCoordinator(DefaultThresholds(), m, nil, nil)

		result, err := c.Run(context.Background(), request(), planOf(cloud, local))
		if err != nil {
			t.Fatal(err)
		}
		if result.TotalCostUSD != 0 {
			t.Errorf("total cost = %v, want 0 after released reservation", result.TotalCostUSD)
		}
		if snap := m.Snapshot(); snap.DailySpendUSD != 0 {
			t.Errorf("spend = %v, want 0", snap.DailySpendUSD)
		}
	})

	t.Run("exhausted budget skips cloud without consuming the chain", func(t *testing.T) {
		m := newBudget(t, 0.01)
		cloud := &scriptedBackend{
			desc:      cloudDesc(),
			detection: &backends.Detection{Confidence: 0.9, ActualCostUSD: -1},
		}
		local := &scriptedBackend{
			desc:      localDesc(datatypes.TierLocalSmall),
			detection: &backends.Detection{Confidence: 0.9, ActualCostUSD: -1},
		}
		c := NewCoordinator(DefaultThresholds(), m, nil, nil)

		result, err := c.Run(context.Background(), request(), planOf(cloud, local))
		if err != nil {
			t.Fatal(err)
		}
		if cloud.calls != 0 {
			t.Error("cloud backend ran despite exhausted budget")
		}
		if result.SourceTier != datatypes.TierLocalSmall {
			t.Errorf("source tier = %v, want local_small", result.SourceTier)
		}
		// The provenance must show the skip, and no cloud attempt may have
		// accrued cost.
		if result.TotalCostUSD != 0 {
			t.Errorf("total cost = %v, want 0", result.TotalCostUSD)
		}
		if result.Provenance[0].Tier != datatypes.TierCloud ||
			result.Provenance[0].Outcome != datatypes.OutcomeFailed {
			t.Errorf("provenance[0] = %+v, want failed cloud record", result.Provenance[0])
		}
	})

	t.Run("budget refusal increments the rejection counter", func(t *testing.T) {
		m := newBudget(t, 0.01)
		metrics := observability.NewEngineMetrics(prometheus.NewRegistry())
		cloud := &scriptedBackend{
			desc:      cloudDesc(),
			detection: &backends.Detection{Confidence: 0.9, ActualCostUSD: -1},
		}
		local := &scriptedBackend{
			desc:      localDesc(datatypes.TierLocalSmall),
			detection: &backends.Detection{Confidence: 0.9, ActualCostUSD: -1},
		}
		c := NewCoordinator(DefaultThresholds(), m, metrics, nil)

		if _, err := c.Run(context.Background(), request(), planOf(cloud, local)); err != nil {
			t.Fatal(err)
		}
		if got := testutil.ToFloat64(metrics.BudgetRejectionsTotal); got != 1 {
			t.Errorf("budget rejections = %v, want 1", got)
		}
	})

	t.Run("reported actual cost below declared replaces the charge", func(t *testing.T) {
		m := newBudget(t, 5)
		cloud := &scriptedBackend{
			desc:      cloudDesc(),
			detection: &backends.Detection{Confidence: 0.9, ActualCostUSD: 0.02},
		}
		c := NewCoordinator(DefaultThresholds(), m, nil, nil)

		result, err := c.Run(context.Background(), request(), planOf(cloud))
		if err != nil {
			t.Fatal(err)
		}
		if result.TotalCostUSD != 0.02 {
			t.Errorf("total cost = %v, want metered 0.02", result.TotalCostUSD)
		}
		if snap := m.Snapshot(); snap.DailySpendUSD != 0.02 {
			t.Errorf("spend = %v, want 0.02", snap.DailySpendUSD)
		}
	})
}

func TestThresholds(t *testing.T) {
	th := DefaultThresholds()

	if got := th.For(datatypes.WorkTypeGeneral); got != 0.65 {
		t.Errorf("general threshold = %v, want 0.65", got)
	}
	for _, w := range []datatypes.WorkType{
		datatypes.WorkTypeElectrical,
		datatypes.WorkTypeRoofing,
		datatypes.WorkTypeSteelErection,
		datatypes.WorkTypeDemolition,
	} {
		if got := th.For(w); got != 0.80 {
			t.Errorf("%s threshold = %v, want 0.80", w, got)
		}
	}

	c := NewCoordinator(th, nil, nil, nil)
	c.SetThresholds(Thresholds{Default: 0.5, Critical: 0.9})
	weak := &scriptedBackend{
		desc:      localDesc(datatypes.TierLocalSmall),
		detection: &backends.Detection{Confidence: 0.55, ActualCostUSD: -1},
	}
	result, err := c.Run(context.Background(), request(), planOf(weak))
	if err != nil {
		t.Fatal(err)
	}
	if result.Degraded {
		t.Error("0.55 not accepted after lowering the default threshold to 0.5")
	}
}
