// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "testing"

func TestDefaultSeverity(t *testing.T) {
	cases := []struct {
		hazard HazardType
		want   Severity
	}{
		{HazardFall, SeverityCritical},
		{HazardElectrical, SeverityCritical},
		{HazardMissingHardHat, SeverityDanger},
		{HazardMissingVest, SeverityDanger},
		{HazardExcavator, SeverityWarning},
		{HazardCrane, SeverityWarning},
		{HazardPerson, SeverityInfo},
		{HazardSafetyCone, SeverityInfo},
	}
	for _, tc := range cases {
		if got := DefaultSeverity(tc.hazard); got != tc.want {
			t.Errorf("DefaultSeverity(%s) = %s, want %s", tc.hazard, got, tc.want)
		}
	}
}

func TestHighestSeverity(t *testing.T) {
	t.Run("empty result is info", func(t *testing.T) {
		r := &AnalysisResult{}
		if got := r.HighestSeverity(); got != SeverityInfo {
			t.Errorf("got %s, want info", got)
		}
	})

	t.Run("picks the worst hazard", func(t *testing.T) {
		r := &AnalysisResult{Hazards: []Hazard{
			{Type: HazardPerson, Severity: SeverityInfo},
			{Type: HazardFall, Severity: SeverityCritical},
			{Type: HazardTruck, Severity: SeverityWarning},
		}}
		if got := r.HighestSeverity(); got != SeverityCritical {
			t.Errorf("got %s, want critical", got)
		}
	})
}
