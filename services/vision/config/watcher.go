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
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadHandler is called with each successfully validated new config.
type ReloadHandler func(cfg Config)

// Watcher hot-reloads the config file into a Holder.
//
// # Description
//
// Write events on the config file are debounced (editors and orchestrators
// produce bursts of writes per save), then the file is re-read and
// validated. Only a config that parses and validates replaces the live
// one; a broken file is logged and ignored.
//
// The parent directory is watched rather than the file itself so that
// atomic-rename writes (the common save strategy) are observed.
type Watcher struct {
	path     string
	holder   *Holder
	onReload ReloadHandler
	debounce time.Duration
	logger   *slog.Logger
}

// NewWatcher creates a config watcher. onReload may be nil. logger may be
// nil.
func NewWatcher(path string, holder *Holder, onReload ReloadHandler, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		holder:   holder,
		onReload: onReload,
		debounce: 200 * time.Millisecond,
		logger:   logger,
	}
}

// Run watches until ctx is cancelled. Blocking; run in a goroutine.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		return err
	}

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

// reload re-reads the file and installs it when valid.
func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload rejected, keeping previous", "error", err)
		return
	}
	w.holder.Replace(cfg)
	w.logger.Info("config reloaded", "path", w.path)
	if w.onReload != nil {
		w.onReload(cfg)
	}
}
