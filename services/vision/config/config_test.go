// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "hawk.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Run("overrides merge over defaults", func(t *testing.T) {
		path := writeConfig(t, t.TempDir(), `
server:
  listen_addr: ":9090"
budget:
  daily_cap_usd: 2.50
  monthly_cap_usd: 40
thresholds:
  default: 0.70
  critical: 0.85
`)
		cfg, err := Load(path)
		if err != nil {
			t.Fatal(err)
		}
		if cfg.Server.ListenAddr != ":9090" {
			t.Errorf("listen_addr = %s", cfg.Server.ListenAddr)
		}
		if cfg.Budget.DailyCapUSD != 2.50 {
			t.Errorf("daily cap = %v", cfg.Budget.DailyCapUSD)
		}
		if cfg.Thresholds.Default != 0.70 || cfg.Thresholds.Critical != 0.85 {
			t.Errorf("thresholds = %+v", cfg.Thresholds)
		}
		// Untouched sections keep their defaults.
		if cfg.Cache.Capacity != 256 || cfg.Cache.TTL != "4h" {
			t.Errorf("cache defaults lost: %+v", cfg.Cache)
		}
		if cfg.Security.MaxImageBytes != 12<<20 {
			t.Errorf("security defaults lost: %+v", cfg.Security)
		}
	})

	t.Run("trusted digests parse per tier", func(t *testing.T) {
		path := writeConfig(t, t.TempDir(), `
security:
  max_image_bytes: 4194304
  max_dimension: 4096
  trusted_model_digests:
    local_large:
      - aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa
    local_small:
      - bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb
`)
		cfg, err := Load(path)
		if err != nil {
			t.Fatal(err)
		}
		if len(cfg.Security.TrustedModelDigests["local_large"]) != 1 {
			t.Errorf("digests = %+v", cfg.Security.TrustedModelDigests)
		}
	})

	t.Run("malformed yaml is rejected", func(t *testing.T) {
		path := writeConfig(t, t.TempDir(), "server: [broken")
		if _, err := Load(path); err == nil {
			t.Error("broken yaml accepted")
		}
	})

	t.Run("failed validation is rejected", func(t *testing.T) {
		path := writeConfig(t, t.TempDir(), `
cache:
  capacity: -5
  ttl: "4h"
`)
		if _, err := Load(path); err == nil {
			t.Error("negative cache capacity accepted")
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("got %v, want ErrNotExist in chain", err)
		}
	})
}

func TestHolder(t *testing.T) {
	holder := NewHolder(Default())
	if got := holder.Current().Server.ListenAddr; got != ":8080" {
		t.Errorf("listen_addr = %s", got)
	}

	next := Default()
	next.Server.ListenAddr = ":7070"
	holder.Replace(next)

	if got := holder.Current().Server.ListenAddr; got != ":7070" {
		t.Errorf("listen_addr after replace = %s", got)
	}
}

func TestWatcher(t *testing.T) {
	t.Run("picks up a rewritten file", func(t *testing.T) {
		dir := t.TempDir()
		path := writeConfig(t, dir, `
thresholds:
  default: 0.65
  critical: 0.80
`)
		cfg, err := Load(path)
		if err != nil {
			t.Fatal(err)
		}
		holder := NewHolder(cfg)

		reloaded := make(chan Config, 1)
		w := NewWatcher(path, holder, func(c Config) { reloaded <- c }, nil)
		w.debounce = 20 * time.Millisecond

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = w.Run(ctx)
		}()

		// Let the watcher register before the write lands.
		time.Sleep(50 * time.Millisecond)
		writeConfig(t, dir, `
thresholds:
  default: 0.55
  critical: 0.75
`)

		select {
		case c := <-reloaded:
			if c.Thresholds.Default != 0.55 {
				t.Errorf("reloaded default = %v", c.Thresholds.Default)
			}
			if holder.Current().Thresholds.Default != 0.55 {
				t.Error("holder not updated")
			}
		case <-time.After(5 * time.Second):
			t.Fatal("reload never observed")
		}

		cancel()
		<-done
	})

	t.Run("broken rewrite keeps the previous config", func(t *testing.T) {
		dir := t.TempDir()
		path := writeConfig(t, dir, `
server:
  listen_addr: ":8080"
`)
		cfg, err := Load(path)
		if err != nil {
			t.Fatal(err)
		}
		holder := NewHolder(cfg)

		w := NewWatcher(path, holder, nil, nil)
		w.debounce = 20 * time.Millisecond

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = w.Run(ctx)
		}()

		time.Sleep(50 * time.Millisecond)
		writeConfig(t, dir, "server: [broken")

		// Give the debounce and reload time to run, then confirm the
		// live config is untouched.
		time.Sleep(300 * time.Millisecond)
		if holder.Current().Server.ListenAddr != ":8080" {
			t.Error("broken file replaced the live config")
		}

		cancel()
		<-done
	})
}
