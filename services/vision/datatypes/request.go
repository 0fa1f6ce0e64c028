// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the shared data model for the HazardHawk
// vision engine: analysis requests, device and budget snapshots, backend
// descriptors, and analysis results with their provenance chains.
//
// Types in this package are plain data. They carry no behavior beyond
// derived accessors, so every engine component can depend on them without
// import cycles.
package datatypes

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WorkType classifies the kind of construction work captured in a photo.
//
// The work type drives two policies: which confidence threshold a result
// must clear to be accepted, and whether the cloud tier is preferred for
// high-accuracy classification (critical work types).
type WorkType string

const (
	WorkTypeGeneral       WorkType = "general"
	WorkTypeElectrical    WorkType = "electrical"
	WorkTypeRoofing       WorkType = "roofing"
	WorkTypeExcavation    WorkType = "excavation"
	WorkTypeSteelErection WorkType = "steel_erection"
	WorkTypeDemolition    WorkType = "demolition"
)

// Valid reports whether the work type is one of the known values.
func (w WorkType) Valid() bool {
	switch w {
	case WorkTypeGeneral, WorkTypeElectrical, WorkTypeRoofing,
		WorkTypeExcavation, WorkTypeSteelErection, WorkTypeDemolition:
		return true
	}
	return false
}

// AnalysisRequest is a single captured image awaiting hazard analysis.
//
// # Description
//
// Requests are immutable once created. The Fingerprint is a deterministic
// content hash: identical pixel content captured with identical normalize
// parameters always produces the same fingerprint, which is what makes
// result caching and request coalescing sound.
//
// # Thread Safety
//
// Immutable after construction. Safe to share across goroutines.
type AnalysisRequest struct {
	// ID is a monotonic-per-process request identifier (UUIDv7 sorts by
	// creation time).
	ID string `json:"id"`

	// Image is the encoded image payload (JPEG, PNG, or WebP).
	Image []byte `json:"-"`

	// Width and Height are the pixel dimensions after capture-side resize.
	Width  int `json:"width"`
	Height int `json:"height"`

	// WorkType is the work classification supplied by the capture UI.
	WorkType WorkType `json:"work_type"`

	// Fingerprint is the content hash of Image plus normalize parameters.
	Fingerprint string `json:"fingerprint"`

	// ReceivedAt is when the engine accepted the request.
	ReceivedAt time.Time `json:"received_at"`
}

// NewAnalysisRequest builds an immutable request with a computed fingerprint.
//
// # Inputs
//
//   - image: Encoded image bytes. Not copied; callers must not mutate.
//   - width, height: Pixel dimensions after capture-side resize.
//   - workType: Work classification from the capture UI.
//
// # Outputs
//
//   - AnalysisRequest: Ready for validation and analysis.
func NewAnalysisRequest(image []byte, width, height int, workType WorkType) AnalysisRequest {
	return AnalysisRequest{
		ID:          uuid.Must(uuid.NewV7()).String(),
		Image:       image,
		Width:       width,
		Height:      height,
		WorkType:    workType,
		Fingerprint: Fingerprint(image, width, height),
		ReceivedAt:  time.Now(),
	}
}

// Fingerprint computes the deterministic content hash for an image payload.
//
// The hash covers the raw bytes and the resize parameters, separated by
// null bytes so distinct inputs cannot collide by concatenation.
func Fingerprint(image []byte, width, height int) string {
	h := sha256.New()
	h.Write(image)
	h.Write([]byte(fmt.Sprintf("\x00%d\x00%d", width, height)))
	return hex.EncodeToString(h.Sum(nil))
}

// CacheKey returns the (fingerprint, work type) cache key for the request.
//
// The same image analyzed under a different work type is a different key:
// work type changes both thresholds and the preferred backend order, so
// results are not interchangeable.
func (r AnalysisRequest) CacheKey() string {
	return r.Fingerprint + ":" + string(r.WorkType)
}
