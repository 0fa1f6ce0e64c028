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
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/HazardHawk/services/vision/datatypes"
)

// LocalConfig configures one local detector backend.
type LocalConfig struct {
	// Tier must be TierLocalLarge or TierLocalSmall.
	Tier datatypes.Tier `yaml:"tier" validate:"required"`

	// BaseURL is the local inference runtime endpoint.
	BaseURL string `yaml:"base_url" validate:"required,url"`

	// ModelPath is the on-disk model artifact, digest-checked against the
	// pinned trust set before the first inference.
	ModelPath string `yaml:"model_path" validate:"required"`

	// MinMemoryMB is the working-set floor below which the selector skips
	// this backend.
	MinMemoryMB int `yaml:"min_memory_mb"`

	// NeedsAccelerator declares whether inference runs on the device
	// accelerator. When true, calls serialize through the accelerator gate.
	NeedsAccelerator bool `yaml:"needs_accelerator"`

	// MaxLatency is the declared per-attempt latency bound.
	MaxLatency time.Duration `yaml:"max_latency"`
}

// DefaultLocalLargeConfig returns defaults for the full-size on-device
// detector.
func DefaultLocalLargeConfig() LocalConfig {
	return LocalConfig{
		Tier:             datatypes.TierLocalLarge,
		BaseURL:          "http://127.0.0.1:8711",
		MinMemoryMB:      1536,
		NeedsAccelerator: true,
		MaxLatency:       8 * time.Second,
	}
}

// DefaultLocalSmallConfig returns defaults for the quantized detector.
func DefaultLocalSmallConfig() LocalConfig {
	return LocalConfig{
		Tier:        datatypes.TierLocalSmall,
		BaseURL:     "http://127.0.0.1:8712",
		MinMemoryMB: 384,
		MaxLatency:  3 * time.Second,
	}
}

// LocalDetectorBackend runs hazard detection against a local inference
// runtime over HTTP.
//
// # Description
//
// The runtime serves a single detection model (full-size on the large
// tier, quantized on the small tier). Before the first inference the
// model artifact is digest-checked through the ModelGate; a mismatch
// permanently fails this backend for the life of the process.
//
// Backends that declare NeedsAccelerator serialize inference through a
// shared AcceleratorGate so concurrent requests cannot overcommit
// accelerator memory.
//
// # Thread Safety
//
// Safe for concurrent use.
type LocalDetectorBackend struct {
	config     LocalConfig
	gate       ModelGate
	accel      *AcceleratorGate
	httpClient *http.Client
	logger     *slog.Logger
}

// NewLocalDetectorBackend creates a local detector.
//
// accel is required when config.NeedsAccelerator is set and ignored
// otherwise. logger may be nil.
func NewLocalDetectorBackend(config LocalConfig, gate ModelGate, accel *AcceleratorGate, logger *slog.Logger) (*LocalDetectorBackend, error) {
	if config.Tier != datatypes.TierLocalLarge && config.Tier != datatypes.TierLocalSmall {
		return nil, fmt.Errorf("local backend: tier %q is not a local tier", config.Tier)
	}
	if config.BaseURL == "" {
		return nil, fmt.Errorf("local backend: empty base URL")
	}
	if gate == nil {
		return nil, fmt.Errorf("local backend: nil model gate")
	}
	if config.NeedsAccelerator && accel == nil {
		return nil, fmt.Errorf("local backend: accelerator required but no gate provided")
	}
	if config.MaxLatency <= 0 {
		config.MaxLatency = 8 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalDetectorBackend{
		config:     config,
		gate:       gate,
		accel:      accel,
		httpClient: &http.Client{Timeout: config.MaxLatency},
		logger:     logger,
	}, nil
}

// Descriptor implements the Backend interface.
func (b *LocalDetectorBackend) Descriptor() datatypes.BackendDescriptor {
	accuracy := datatypes.AccuracyStandard
	if b.config.Tier == datatypes.TierLocalSmall {
		accuracy = datatypes.AccuracyBasic
	}
	return datatypes.BackendDescriptor{
		Tier:       b.config.Tier,
		Accuracy:   accuracy,
		MaxLatency: b.config.MaxLatency,
		Requires: datatypes.ResourceRequirement{
			MinMemoryMB:      b.config.MinMemoryMB,
			NeedsAccelerator: b.config.NeedsAccelerator,
		},
	}
}

// detectPayload is the request body for the runtime's /detect endpoint.
type detectPayload struct {
	Image    string `json:"image"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	WorkType string `json:"work_type"`
}

// detectResponse is the runtime's detection reply.
type detectResponse struct {
	Detections []struct {
		Class      string     `json:"class"`
		Confidence float64    `json:"confidence"`
		Box        [4]float64 `json:"box"`
	} `json:"detections"`
	Confidence float64 `json:"confidence"`
}

// Analyze implements the Backend interface.
func (b *LocalDetectorBackend) Analyze(ctx context.Context, req datatypes.AnalysisRequest) (*Detection, error) {
	if err := b.gate.EnsureModelTrusted(b.config.Tier, b.config.ModelPath); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	if b.config.NeedsAccelerator {
		if err := b.accel.Acquire(ctx); err != nil {
			return nil, err
		}
		defer b.accel.Release()
	}

	payload := detectPayload{
		Image:    base64.StdEncoding.EncodeToString(req.Image),
		Width:    req.Width,
		Height:   req.Height,
		WorkType: string(req.WorkType),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal detect payload: %v", ErrBackendFailure, err)
	}

	detectURL := strings.TrimSuffix(b.config.BaseURL, "/") + "/detect"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, detectURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build detect request: %v", ErrBackendFailure, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: local runtime %s: %v", ErrBackendFailure, b.config.Tier, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read detect response: %v", ErrBackendFailure, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: local runtime %s returned %d", ErrBackendFailure, b.config.Tier, resp.StatusCode)
	}

	var parsed detectResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("%w: parse detect response: %v", ErrBackendFailure, err)
	}

	detection := &Detection{
		Confidence:    parsed.Confidence,
		ActualCostUSD: -1,
	}
	for _, d := range parsed.Detections {
		hazardType := datatypes.HazardType(d.Class)
		detection.Hazards = append(detection.Hazards, datatypes.Hazard{
			Type: hazardType,
			Region: datatypes.BoundingRegion{
				X: d.Box[0], Y: d.Box[1], Width: d.Box[2], Height: d.Box[3],
			},
			Confidence: d.Confidence,
			Severity:   datatypes.DefaultSeverity(hazardType),
		})
	}

	b.logger.Debug("local detection complete",
		"request_id", req.ID,
		"tier", b.config.Tier,
		"detections", len(detection.Hazards),
		"confidence", detection.Confidence,
	)
	return detection, nil
}
