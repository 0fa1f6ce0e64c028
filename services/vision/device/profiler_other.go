// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build !linux

package device

import (
	"net"
	"time"

	"github.com/AleutianAI/HazardHawk/services/vision/datatypes"
)

// SysinfoProfiler on non-Linux hosts samples only network reachability and
// reports conservative defaults for everything else. The small local model
// and the emergency detector remain schedulable; the large local model is
// excluded by the zero memory figure, which is the safe direction to fail.
type SysinfoProfiler struct {
	AcceleratorPath   string
	MeteredInterfaces []string
}

// CurrentState samples fresh reachability with conservative defaults.
func (p *SysinfoProfiler) CurrentState() datatypes.DeviceState {
	network := datatypes.NetworkNone
	if ifaces, err := net.Interfaces(); err == nil {
		for _, iface := range ifaces {
			if iface.Flags&net.FlagUp != 0 && iface.Flags&net.FlagLoopback == 0 {
				network = datatypes.NetworkUnmetered
				break
			}
		}
	}
	return datatypes.DeviceState{
		AvailableMemoryMB: 0,
		Thermal:           datatypes.ThermalNominal,
		BatteryPercent:    100,
		Network:           network,
		HasAccelerator:    false,
		SampledAtMilli:    time.Now().UnixMilli(),
	}
}
