// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads, validates, and hot-reloads the engine
// configuration.
//
// The file is YAML. Structural validation runs through struct tags before
// a loaded config is ever visible to the engine; a file that fails
// validation is rejected and the previous config stays in effect.
package config

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/HazardHawk/services/vision/backends"
	"github.com/AleutianAI/HazardHawk/services/vision/budget"
	"github.com/AleutianAI/HazardHawk/services/vision/coordinator"
)

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	// ListenAddr is the bind address for the API server.
	ListenAddr string `yaml:"listen_addr" validate:"required"`

	// OTLPEndpoint is the trace collector address. Empty disables tracing.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// SecurityConfig mirrors the validator limits plus the pinned model
// digests, keyed by tier name.
type SecurityConfig struct {
	MaxImageBytes int `yaml:"max_image_bytes" validate:"gt=0"`
	MaxDimension  int `yaml:"max_dimension" validate:"gt=0"`

	// TrustedModelDigests pins acceptable sha256 digests per local tier.
	TrustedModelDigests map[string][]string `yaml:"trusted_model_digests"`
}

// CacheConfig mirrors the result cache options.
type CacheConfig struct {
	Capacity int    `yaml:"capacity" validate:"gt=0"`
	TTL      string `yaml:"ttl" validate:"required"`
}

// Config is the full engine configuration.
type Config struct {
	Server     ServerConfig           `yaml:"server" validate:"required"`
	Security   SecurityConfig         `yaml:"security" validate:"required"`
	Cache      CacheConfig            `yaml:"cache" validate:"required"`
	Budget     budget.Config          `yaml:"budget" validate:"required"`
	Thresholds coordinator.Thresholds `yaml:"thresholds" validate:"required"`
	Cloud      backends.CloudConfig   `yaml:"cloud"`
	LocalLarge backends.LocalConfig   `yaml:"local_large"`
	LocalSmall backends.LocalConfig   `yaml:"local_small"`

	// BudgetStorePath is the on-disk spend ledger location. Empty keeps
	// the ledger in memory.
	BudgetStorePath string `yaml:"budget_store_path"`
}

// Default returns a complete runnable configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{ListenAddr: ":8080"},
		Security: SecurityConfig{
			MaxImageBytes: 12 << 20,
			MaxDimension:  8192,
		},
		Cache:      CacheConfig{Capacity: 256, TTL: "4h"},
		Budget:     budget.Config{DailyCapUSD: 5.00, MonthlyCapUSD: 100.00},
		Thresholds: coordinator.DefaultThresholds(),
		Cloud:      backends.DefaultCloudConfig(),
		LocalLarge: backends.DefaultLocalLargeConfig(),
		LocalSmall: backends.DefaultLocalSmallConfig(),
	}
}

var validate = validator.New()

// Load reads, parses, and validates a config file. Missing sections fall
// back to defaults before validation.
func Load(path string) (Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Holder publishes the live configuration.
//
// # Thread Safety
//
// Current is lock-free; Replace swaps the pointer atomically. Readers
// always see a complete, validated config.
type Holder struct {
	current atomic.Pointer[Config]
}

// NewHolder creates a holder seeded with cfg.
func NewHolder(cfg Config) *Holder {
	h := &Holder{}
	h.current.Store(&cfg)
	return h
}

// Current returns the live configuration. The returned pointer is
// read-only by convention.
func (h *Holder) Current() *Config {
	return h.current.Load()
}

// Replace atomically installs a new configuration.
func (h *Holder) Replace(cfg Config) {
	h.current.Store(&cfg)
}
