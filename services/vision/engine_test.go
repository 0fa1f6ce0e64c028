// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vision

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/HazardHawk/services/vision/backends"
	"github.com/AleutianAI/HazardHawk/services/vision/budget"
	"github.com/AleutianAI/HazardHawk/services/vision/cache"
	"github.com/AleutianAI/HazardHawk/services/vision/coordinator"
	"github.com/AleutianAI/HazardHawk/services/vision/datatypes"
	"github.com/AleutianAI/HazardHawk/services/vision/device"
	"github.com/AleutianAI/HazardHawk/services/vision/security"
	"github.com/AleutianAI/HazardHawk/services/vision/strategy"
)

// countingBackend returns a fixed detection and counts invocations.
type countingBackend struct {
	desc      datatypes.BackendDescriptor
	detection backends.Detection
	err       error
	calls     int32
}

func (b *countingBackend) Descriptor() datatypes.BackendDescriptor { return b.desc }

func (b *countingBackend) Analyze(ctx context.Context, req datatypes.AnalysisRequest) (*backends.Detection, error) {
	atomic.AddInt32(&b.calls, 1)
	if b.err != nil {
		return nil, b.err
	}
	d := b.detection
	return &d, nil
}

func (b *countingBackend) Calls() int32 { return atomic.LoadInt32(&b.calls) }

func encodePNG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 2), G: uint8(y * 2), B: 64, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type engineFixture struct {
	engine  *Engine
	budget  *budget.Manager
	cloud   *countingBackend
	large   *countingBackend
	small   *countingBackend
	results *cache.ResultCache
}

func newFixture(t *testing.T, dailyCapUSD float64) *engineFixture {
	t.Helper()

	validator, err := security.NewValidator(security.DefaultValidatorConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	results := cache.New()

	budgetManager, err := budget.NewManager(
		budget.Config{DailyCapUSD: dailyCapUSD, MonthlyCapUSD: 1000}, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	cloud := &countingBackend{
		desc: datatypes.BackendDescriptor{
			Tier:           datatypes.TierCloud,
			Accuracy:       datatypes.AccuracyHigh,
			CostPerCallUSD: 0.05,
			MaxLatency:     time.Second,
			Requires:       datatypes.ResourceRequirement{NeedsNetwork: true},
		},
		detection: backends.Detection{Confidence: 0.95, ActualCostUSD: -1},
	}
	large := &countingBackend{
		desc: datatypes.BackendDescriptor{
			Tier:       datatypes.TierLocalLarge,
			Accuracy:   datatypes.AccuracyStandard,
			MaxLatency: time.Second,
			Requires:   datatypes.ResourceRequirement{MinMemoryMB: 1024},
		},
		detection: backends.Detection{Confidence: 0.85, ActualCostUSD: -1},
	}
	small := &countingBackend{
		desc: datatypes.BackendDescriptor{
			Tier:       datatypes.TierLocalSmall,
			Accuracy:   datatypes.AccuracyBasic,
			MaxLatency: time.Second,
		},
		detection: backends.Detection{Confidence: 0.75, ActualCostUSD: -1},
	}

	profiler := &device.StaticProfiler{State: datatypes.DeviceState{
		AvailableMemoryMB: 4096,
		Thermal:           datatypes.ThermalNominal,
		BatteryPercent:    90,
		Network:           datatypes.NetworkUnmetered,
	}}

	selector := strategy.NewSelector([]backends.Backend{cloud, large, small}, validator, nil)
	coord := coordinator.NewCoordinator(coordinator.DefaultThresholds(), budgetManager, nil, nil)

	engine, err := NewEngine(validator, results, profiler, budgetManager, selector, coord, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	return &engineFixture{
		engine:  engine,
		budget:  budgetManager,
		cloud:   cloud,
		large:   large,
		small:   small,
		results: results,
	}
}

func TestAnalyze(t *testing.T) {
	t.Run("identical requests are served from cache", func(t *testing.T) {
		f := newFixture(t, 5)
		img := encodePNG(t, 64, 48)

		first, err := f.engine.Analyze(context.Background(),
			datatypes.NewAnalysisRequest(img, 64, 48, datatypes.WorkTypeGeneral))
		if err != nil {
			t.Fatal(err)
		}
		second, err := f.engine.Analyze(context.Background(),
			datatypes.NewAnalysisRequest(img, 64, 48, datatypes.WorkTypeGeneral))
		if err != nil {
			t.Fatal(err)
		}

		if first != second {
			t.Error("cache hit returned a different result object")
		}
		total := f.cloud.Calls() + f.large.Calls() + f.small.Calls()
		if total != 1 {
			t.Errorf("backends ran %d times for two identical requests, want 1", total)
		}
	})

	t.Run("different work types do not share cache entries", func(t *testing.T) {
		f := newFixture(t, 5)
		img := encodePNG(t, 64, 48)

		if _, err := f.engine.Analyze(context.Background(),
			datatypes.NewAnalysisRequest(img, 64, 48, datatypes.WorkTypeGeneral)); err != nil {
			t.Fatal(err)
		}
		if _, err := f.engine.Analyze(context.Background(),
			datatypes.NewAnalysisRequest(img, 64, 48, datatypes.WorkTypeElectrical)); err != nil {
			t.Fatal(err)
		}

		total := f.cloud.Calls() + f.large.Calls() + f.small.Calls()
		if total != 2 {
			t.Errorf("backends ran %d times for two work types, want 2", total)
		}
	})

	t.Run("concurrent identical requests coalesce onto one computation", func(t *testing.T) {
		f := newFixture(t, 5)
		img := encodePNG(t, 64, 48)

		const callers = 12
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				req := datatypes.NewAnalysisRequest(img, 64, 48, datatypes.WorkTypeGeneral)
				if _, err := f.engine.Analyze(context.Background(), req); err != nil {
					t.Error(err)
				}
			}()
		}
		wg.Wait()

		total := f.cloud.Calls() + f.large.Calls() + f.small.Calls()
		if total != 1 {
			t.Errorf("backends ran %d times for %d concurrent identical requests, want 1", total, callers)
		}
	})

	t.Run("rejected input never reaches a backend and is not cached", func(t *testing.T) {
		f := newFixture(t, 5)
		req := datatypes.NewAnalysisRequest([]byte("definitely not an image"), 64, 48, datatypes.WorkTypeGeneral)

		_, err := f.engine.Analyze(context.Background(), req)
		if !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("got %v, want ErrInvalidRequest", err)
		}
		if !errors.Is(err, security.ErrMalformedInput) {
			t.Errorf("error chain lacks the malformed sentinel: %v", err)
		}
		if total := f.cloud.Calls() + f.large.Calls() + f.small.Calls(); total != 0 {
			t.Errorf("backends ran %d times on a rejected input", total)
		}
		if f.results.Len() != 0 {
			t.Error("rejection left an entry in the cache")
		}
	})

	t.Run("exhausted budget keeps cloud out of provenance", func(t *testing.T) {
		f := newFixture(t, 0)
		img := encodePNG(t, 64, 48)

		result, err := f.engine.Analyze(context.Background(),
			datatypes.NewAnalysisRequest(img, 64, 48, datatypes.WorkTypeGeneral))
		if err != nil {
			t.Fatal(err)
		}
		if f.cloud.Calls() != 0 {
			t.Error("cloud backend ran under a zero budget")
		}
		for _, rec := range result.Provenance {
			if rec.Tier == datatypes.TierCloud {
				t.Errorf("cloud record in provenance under zero budget: %+v", rec)
			}
		}
		if result.TotalCostUSD != 0 {
			t.Errorf("total cost = %v, want 0", result.TotalCostUSD)
		}
		if snap := f.budget.Snapshot(); snap.DailySpendUSD != 0 {
			t.Errorf("spend = %v, want 0", snap.DailySpendUSD)
		}
	})

	t.Run("degrades gracefully when nothing clears the threshold", func(t *testing.T) {
		f := newFixture(t, 5)
		f.cloud.detection = backends.Detection{Confidence: 0.40, ActualCostUSD: -1}
		f.large.detection = backends.Detection{Confidence: 0.55, ActualCostUSD: -1}
		f.small.detection = backends.Detection{Confidence: 0.30, ActualCostUSD: -1}
		img := encodePNG(t, 64, 48)

		result, err := f.engine.Analyze(context.Background(),
			datatypes.NewAnalysisRequest(img, 64, 48, datatypes.WorkTypeGeneral))
		if err != nil {
			t.Fatal(err)
		}
		if !result.Degraded {
			t.Error("below-threshold chain not marked degraded")
		}
		if result.SourceTier != datatypes.TierLocalLarge {
			t.Errorf("source tier = %v, want the best candidate local_large", result.SourceTier)
		}
		if len(result.Provenance) != 3 {
			t.Errorf("provenance has %d records, want 3", len(result.Provenance))
		}
	})

	t.Run("all backends failing surfaces the sentinel", func(t *testing.T) {
		f := newFixture(t, 5)
		f.cloud.err = backends.ErrBackendFailure
		f.large.err = backends.ErrBackendFailure
		f.small.err = backends.ErrBackendFailure
		img := encodePNG(t, 64, 48)

		_, err := f.engine.Analyze(context.Background(),
			datatypes.NewAnalysisRequest(img, 64, 48, datatypes.WorkTypeGeneral))
		if !errors.Is(err, coordinator.ErrAllBackendsFailed) {
			t.Errorf("got %v, want ErrAllBackendsFailed", err)
		}
		if f.results.Len() != 0 {
			t.Error("failure left an entry in the cache")
		}
	})

	t.Run("unknown work type is rejected", func(t *testing.T) {
		f := newFixture(t, 5)
		img := encodePNG(t, 64, 48)
		req := datatypes.NewAnalysisRequest(img, 64, 48, datatypes.WorkType("plumbing"))

		if _, err := f.engine.Analyze(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("got %v, want ErrInvalidRequest", err)
		}
	})
}
