// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package device samples platform resource signals for strategy selection.
//
// A profiler is a pure read: it never mutates platform state and never
// caches across calls, because thermal and battery conditions drift over
// the lifetime of a session. Every orchestration call samples fresh state.
package device

import (
	"time"

	"github.com/AleutianAI/HazardHawk/services/vision/datatypes"
)

// Profiler exposes the current device capability state.
type Profiler interface {
	// CurrentState samples memory, thermal, battery, network, and
	// accelerator availability. Implementations must not cache between
	// calls.
	CurrentState() datatypes.DeviceState
}

// StaticProfiler returns a fixed state on every call.
//
// Used in tests and on hosts where platform signals are not exposed; the
// zero value is useless, so construct it with the state you mean.
type StaticProfiler struct {
	State datatypes.DeviceState
}

// CurrentState returns the configured state with a fresh sample timestamp.
func (p *StaticProfiler) CurrentState() datatypes.DeviceState {
	state := p.State
	state.SampledAtMilli = time.Now().UnixMilli()
	return state
}
