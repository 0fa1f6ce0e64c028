// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build linux

package device

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/AleutianAI/HazardHawk/services/vision/datatypes"
)

// Thermal zone temperature bands in millidegrees Celsius.
//
// The bands follow the usual SoC throttling ladder: ~70C begins passive
// throttling, ~85C is aggressive, ~95C is shutdown territory.
const (
	thermalFairMilliC     = 70_000
	thermalSeriousMilliC  = 85_000
	thermalCriticalMilliC = 95_000
)

// SysinfoProfiler samples Linux platform signals.
//
// Memory comes from sysinfo(2); thermal from the hottest
// /sys/class/thermal zone; battery from /sys/class/power_supply; network
// from interface flags. All reads are best-effort: a missing sysfs node
// degrades to a conservative default rather than an error, because the
// selector must always have a state to act on.
type SysinfoProfiler struct {
	// AcceleratorPath, when non-empty, is probed for existence to decide
	// accelerator availability (e.g. /dev/nvidia0, /dev/dri/renderD128).
	AcceleratorPath string

	// MeteredInterfaces lists interface name prefixes treated as metered
	// (e.g. "wwan", "ppp"). Matching is by prefix.
	MeteredInterfaces []string
}

// CurrentState samples fresh platform state. Never cached.
func (p *SysinfoProfiler) CurrentState() datatypes.DeviceState {
	return datatypes.DeviceState{
		AvailableMemoryMB: availableMemoryMB(),
		Thermal:           thermalLevel(),
		BatteryPercent:    batteryPercent(),
		Network:           networkReachability(p.MeteredInterfaces),
		HasAccelerator:    p.AcceleratorPath != "" && pathExists(p.AcceleratorPath),
		SampledAtMilli:    time.Now().UnixMilli(),
	}
}

// availableMemoryMB reads free+buffered memory from sysinfo(2).
func availableMemoryMB() int {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	free := (uint64(info.Freeram) + uint64(info.Bufferram)) * unit
	return int(free / (1 << 20))
}

// thermalLevel maps the hottest thermal zone onto the ordered enum.
func thermalLevel() datatypes.ThermalLevel {
	zones, err := os.ReadDir("/sys/class/thermal")
	if err != nil {
		return datatypes.ThermalNominal
	}
	hottest := 0
	for _, z := range zones {
		if !strings.HasPrefix(z.Name(), "thermal_zone") {
			continue
		}
		raw, err := os.ReadFile("/sys/class/thermal/" + z.Name() + "/temp")
		if err != nil {
			continue
		}
		milliC, err := strconv.Atoi(strings.TrimSpace(string(raw)))
		if err != nil {
			continue
		}
		if milliC > hottest {
			hottest = milliC
		}
	}
	switch {
	case hottest >= thermalCriticalMilliC:
		return datatypes.ThermalCritical
	case hottest >= thermalSeriousMilliC:
		return datatypes.ThermalSerious
	case hottest >= thermalFairMilliC:
		return datatypes.ThermalFair
	default:
		return datatypes.ThermalNominal
	}
}

// batteryPercent reads the first battery's capacity; mains-powered hosts
// report 100.
func batteryPercent() int {
	supplies, err := os.ReadDir("/sys/class/power_supply")
	if err != nil {
		return 100
	}
	for _, s := range supplies {
		raw, err := os.ReadFile("/sys/class/power_supply/" + s.Name() + "/capacity")
		if err != nil {
			continue
		}
		if pct, err := strconv.Atoi(strings.TrimSpace(string(raw))); err == nil {
			return pct
		}
	}
	return 100
}

// networkReachability classifies the current network path from interface
// flags.
func networkReachability(meteredPrefixes []string) datatypes.NetworkReachability {
	ifaces, err := net.Interfaces()
	if err != nil {
		return datatypes.NetworkNone
	}
	reachable := datatypes.NetworkNone
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		metered := false
		for _, prefix := range meteredPrefixes {
			if strings.HasPrefix(iface.Name, prefix) {
				metered = true
				break
			}
		}
		if metered {
			if reachable == datatypes.NetworkNone {
				reachable = datatypes.NetworkMetered
			}
			continue
		}
		return datatypes.NetworkUnmetered
	}
	return reachable
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
