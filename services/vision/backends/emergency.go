// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backends

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"log/slog"
	"time"

	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"github.com/AleutianAI/HazardHawk/services/vision/datatypes"
)

// emergencyMaxConfidence caps the emergency tier's aggregate confidence.
// Heuristic output is never trusted enough to clear an acceptance
// threshold; it exists so the engine always returns something.
const emergencyMaxConfidence = 0.40

// EmergencyBackend is the last-resort heuristic detector.
//
// # Description
//
// No model, no network, no accelerator, no memory floor. It decodes the
// image, downsamples, and applies two pixel heuristics: high-visibility
// color coverage (vests, cones) and edge density in the upper image
// region (elevated structures, a weak fall-exposure signal). Output is
// always degraded; confidence is capped below any acceptance threshold.
//
// # Limitations
//
// The heuristics are crude and produce coarse whole-frame regions. They
// are a placeholder for "the site got an answer", not an inspection.
type EmergencyBackend struct {
	logger *slog.Logger
}

// NewEmergencyBackend creates the heuristic backend. logger may be nil.
func NewEmergencyBackend(logger *slog.Logger) *EmergencyBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &EmergencyBackend{logger: logger}
}

// Descriptor implements the Backend interface.
func (b *EmergencyBackend) Descriptor() datatypes.BackendDescriptor {
	return datatypes.BackendDescriptor{
		Tier:       datatypes.TierEmergency,
		Accuracy:   datatypes.AccuracyMinimal,
		MaxLatency: 500 * time.Millisecond,
	}
}

// Analyze implements the Backend interface.
func (b *EmergencyBackend) Analyze(ctx context.Context, req datatypes.AnalysisRequest) (*Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	img, _, err := image.Decode(bytes.NewReader(req.Image))
	if err != nil {
		return nil, fmt.Errorf("%w: decode for heuristics: %v", ErrBackendFailure, err)
	}

	stats := sampleImage(img)

	detection := &Detection{ActualCostUSD: -1}

	// High-visibility color coverage above a few percent of the frame
	// usually means PPE or traffic control equipment is present.
	if stats.hiVisFraction > 0.03 {
		conf := clamp(stats.hiVisFraction*4, 0.15, emergencyMaxConfidence)
		detection.Hazards = append(detection.Hazards, datatypes.Hazard{
			Type:       datatypes.HazardSafetyVest,
			Region:     datatypes.BoundingRegion{Width: 1, Height: 1},
			Confidence: conf,
			Severity:   datatypes.DefaultSeverity(datatypes.HazardSafetyVest),
		})
	}

	// Dense edges in the top third suggest elevated structure in frame.
	if stats.topEdgeDensity > 0.20 {
		conf := clamp(stats.topEdgeDensity, 0.15, emergencyMaxConfidence)
		detection.Hazards = append(detection.Hazards, datatypes.Hazard{
			Type:       datatypes.HazardFall,
			Region:     datatypes.BoundingRegion{Width: 1, Height: 0.34},
			Confidence: conf,
			Severity:   datatypes.DefaultSeverity(datatypes.HazardFall),
		})
	}

	detection.Confidence = 0.15
	for _, h := range detection.Hazards {
		if h.Confidence > detection.Confidence {
			detection.Confidence = h.Confidence
		}
	}
	if detection.Confidence > emergencyMaxConfidence {
		detection.Confidence = emergencyMaxConfidence
	}

	b.logger.Debug("emergency heuristics complete",
		"request_id", req.ID,
		"hi_vis_fraction", stats.hiVisFraction,
		"top_edge_density", stats.topEdgeDensity,
	)
	return detection, nil
}

// frameStats holds the per-frame heuristic measurements.
type frameStats struct {
	hiVisFraction  float64
	topEdgeDensity float64
}

// sampleImage scans the frame on a fixed grid so cost is independent of
// resolution.
func sampleImage(img image.Image) frameStats {
	const grid = 64

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return frameStats{}
	}

	var hiVis, total int
	var topEdges, topSamples int

	// Previous row of luminance values for the vertical gradient.
	prevLuma := make([]float64, grid)

	for gy := 0; gy < grid; gy++ {
		y := bounds.Min.Y + gy*h/grid
		inTop := gy < grid/3
		for gx := 0; gx < grid; gx++ {
			x := bounds.Min.X + gx*w/grid
			r, g, bl, _ := img.At(x, y).RGBA()
			rf, gf, bf := float64(r>>8), float64(g>>8), float64(bl>>8)

			// Hi-vis orange and yellow-green: strong red/green channels
			// with blue well below both.
			if rf > 180 && gf > 90 && bf < rf*0.5 && bf < gf {
				hiVis++
			}
			total++

			luma := 0.299*rf + 0.587*gf + 0.114*bf
			if inTop && gy > 0 {
				if diff := luma - prevLuma[gx]; diff > 40 || diff < -40 {
					topEdges++
				}
				topSamples++
			}
			prevLuma[gx] = luma
		}
	}

	stats := frameStats{}
	if total > 0 {
		stats.hiVisFraction = float64(hiVis) / float64(total)
	}
	if topSamples > 0 {
		stats.topEdgeDensity = float64(topEdges) / float64(topSamples)
	}
	return stats
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
