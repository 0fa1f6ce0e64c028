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
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/HazardHawk/services/vision/datatypes"
)

// CloudConfig configures the cloud vision backend.
type CloudConfig struct {
	// Model is the vision-capable chat model (e.g. "gpt-4o").
	Model string `yaml:"model"`

	// CostPerCallUSD is the declared per-call cost used for budget
	// reservation.
	CostPerCallUSD float64 `yaml:"cost_per_call_usd" validate:"gte=0"`

	// InputCostPer1K and OutputCostPer1K convert reported token usage
	// into actual metered cost. Zero disables the adjustment.
	InputCostPer1K  float64 `yaml:"input_cost_per_1k" validate:"gte=0"`
	OutputCostPer1K float64 `yaml:"output_cost_per_1k" validate:"gte=0"`

	// MaxLatency is the declared per-attempt latency bound.
	MaxLatency time.Duration `yaml:"max_latency"`

	// BaseURL overrides the API endpoint (tests, proxies). Empty uses the
	// provider default.
	BaseURL string `yaml:"base_url"`
}

// DefaultCloudConfig returns production defaults.
func DefaultCloudConfig() CloudConfig {
	return CloudConfig{
		Model:           "gpt-4o",
		CostPerCallUSD:  0.05,
		InputCostPer1K:  0.0025,
		OutputCostPer1K: 0.01,
		MaxLatency:      20 * time.Second,
	}
}

// CloudVisionBackend analyzes images through a hosted vision model.
//
// # Description
//
// The image is inlined as a base64 data URL in a multi-part chat message
// together with a detection prompt. Work-type context is user-influenced
// text, so it passes through the prompt sanitizer before interpolation.
// The model is instructed to answer with a JSON detection list, which is
// mapped onto the shared hazard taxonomy.
//
// The API key is held by a KeyProvider and decrypted per call. Every call
// holds a CloudGate slot, bounding concurrency and sustained rate
// process-wide.
type CloudVisionBackend struct {
	config     CloudConfig
	keys       KeyProvider
	gate       *CloudGate
	sanitizer  PromptSanitizer
	httpClient *http.Client
	logger     *slog.Logger
}

// NewCloudVisionBackend creates the cloud backend.
//
// gate must not be nil; sharing one gate across engines is what bounds
// total outbound use. logger may be nil.
func NewCloudVisionBackend(config CloudConfig, keys KeyProvider, gate *CloudGate, sanitizer PromptSanitizer, logger *slog.Logger) (*CloudVisionBackend, error) {
	if keys == nil {
		return nil, fmt.Errorf("cloud backend: nil key provider")
	}
	if gate == nil {
		return nil, fmt.Errorf("cloud backend: nil gate")
	}
	if sanitizer == nil {
		return nil, fmt.Errorf("cloud backend: nil sanitizer")
	}
	if config.Model == "" {
		config.Model = "gpt-4o"
	}
	if config.MaxLatency <= 0 {
		config.MaxLatency = 20 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudVisionBackend{
		config:     config,
		keys:       keys,
		gate:       gate,
		sanitizer:  sanitizer,
		httpClient: &http.Client{Timeout: config.MaxLatency},
		logger:     logger,
	}, nil
}

// Descriptor implements the Backend interface.
func (b *CloudVisionBackend) Descriptor() datatypes.BackendDescriptor {
	return datatypes.BackendDescriptor{
		Tier:           datatypes.TierCloud,
		Accuracy:       datatypes.AccuracyHigh,
		CostPerCallUSD: b.config.CostPerCallUSD,
		MaxLatency:     b.config.MaxLatency,
		Requires: datatypes.ResourceRequirement{
			NeedsNetwork: true,
		},
	}
}

// detectionPrompt is the fixed instruction block. The work-type context
// is sanitized and appended separately so user text can never rewrite the
// instructions.
const detectionPrompt = `You are a construction site safety inspector. Detect safety hazards in the image.
Respond with only a JSON object of the form:
{"detections":[{"type":"<class>","confidence":<0-1>,"box":[x,y,w,h]}],"overall_confidence":<0-1>}
where box coordinates are normalized to [0,1] and <class> is one of:
person, hard_hat, safety_vest, missing_hard_hat, missing_safety_vest, machinery,
excavator, crane, truck, fall_hazard, electrical_hazard, safety_cone, barrier.`

// cloudResponse is the JSON shape the model is instructed to return.
type cloudResponse struct {
	Detections []struct {
		Type       string     `json:"type"`
		Confidence float64    `json:"confidence"`
		Box        [4]float64 `json:"box"`
	} `json:"detections"`
	OverallConfidence float64 `json:"overall_confidence"`
}

// Analyze implements the Backend interface.
func (b *CloudVisionBackend) Analyze(ctx context.Context, req datatypes.AnalysisRequest) (*Detection, error) {
	if err := b.gate.Acquire(ctx); err != nil {
		return nil, err
	}
	defer b.gate.Release()

	workContext := b.sanitizer.SanitizePromptText(req.ID,
		fmt.Sprintf("Work type on site: %s.", req.WorkType))

	dataURL := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(req.Image)

	chatReq := openai.ChatCompletionRequest{
		Model: b.config.Model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: detectionPrompt + "\n" + workContext},
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    dataURL,
							Detail: openai.ImageURLDetailAuto,
						},
					},
				},
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	var resp openai.ChatCompletionResponse
	err := b.keys.WithKey(func(key string) error {
		cfg := openai.DefaultConfig(key)
		if b.config.BaseURL != "" {
			cfg.BaseURL = b.config.BaseURL
		}
		cfg.HTTPClient = b.httpClient
		client := openai.NewClientWithConfig(cfg)

		var callErr error
		resp, callErr = client.CreateChatCompletion(ctx, chatReq)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("%w: cloud vision call: %v", ErrBackendFailure, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: cloud vision returned no choices", ErrBackendFailure)
	}

	parsed, err := parseCloudContent(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendFailure, err)
	}

	detection := &Detection{
		Confidence:    parsed.OverallConfidence,
		ActualCostUSD: b.actualCost(resp.Usage),
	}
	for _, d := range parsed.Detections {
		hazardType := datatypes.HazardType(d.Type)
		detection.Hazards = append(detection.Hazards, datatypes.Hazard{
			Type: hazardType,
			Region: datatypes.BoundingRegion{
				X: d.Box[0], Y: d.Box[1], Width: d.Box[2], Height: d.Box[3],
			},
			Confidence: d.Confidence,
			Severity:   datatypes.DefaultSeverity(hazardType),
		})
	}

	b.logger.Debug("cloud vision analysis complete",
		"request_id", req.ID,
		"detections", len(detection.Hazards),
		"confidence", detection.Confidence,
	)
	return detection, nil
}

// parseCloudContent extracts the JSON object from the model's reply,
// tolerating code fences.
func parseCloudContent(content string) (*cloudResponse, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var parsed cloudResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &parsed); err != nil {
		return nil, fmt.Errorf("unparseable detection payload: %v", err)
	}
	if parsed.OverallConfidence < 0 || parsed.OverallConfidence > 1 {
		return nil, fmt.Errorf("overall_confidence %.3f out of range", parsed.OverallConfidence)
	}
	return &parsed, nil
}

// actualCost converts reported token usage to metered cost; negative when
// usage is unavailable or rates are unconfigured.
func (b *CloudVisionBackend) actualCost(usage openai.Usage) float64 {
	if b.config.InputCostPer1K == 0 && b.config.OutputCostPer1K == 0 {
		return -1
	}
	if usage.PromptTokens == 0 && usage.CompletionTokens == 0 {
		return -1
	}
	return float64(usage.PromptTokens)/1000*b.config.InputCostPer1K +
		float64(usage.CompletionTokens)/1000*b.config.OutputCostPer1K
}
