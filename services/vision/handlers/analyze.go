// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the HTTP surface of the vision engine.
package handlers

import (
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	vision "github.com/AleutianAI/HazardHawk/services/vision"
	"github.com/AleutianAI/HazardHawk/services/vision/coordinator"
	"github.com/AleutianAI/HazardHawk/services/vision/datatypes"
	"github.com/AleutianAI/HazardHawk/services/vision/security"
)

// analyzeJSONRequest is the JSON request body for /v1/analyze.
type analyzeJSONRequest struct {
	// ImageBase64 is the encoded image payload.
	ImageBase64 string `json:"image_base64" binding:"required"`

	// Width and Height are the pixel dimensions after capture-side resize.
	Width  int `json:"width" binding:"required,gt=0"`
	Height int `json:"height" binding:"required,gt=0"`

	// WorkType classifies the work in the photo. Defaults to "general".
	WorkType string `json:"work_type"`
}

// HandleAnalyze runs the full analysis pipeline for one image.
//
// Accepts either a JSON body (image_base64, width, height, work_type) or
// a multipart form with an "image" file part and width/height/work_type
// fields.
func HandleAnalyze(engine *vision.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, ok := bindAnalyzeRequest(c)
		if !ok {
			return
		}

		result, err := engine.Analyze(c.Request.Context(), req)
		if err != nil {
			writeAnalyzeError(c, req.ID, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// bindAnalyzeRequest extracts the request from either encoding. A false
// return means the response has already been written.
func bindAnalyzeRequest(c *gin.Context) (datatypes.AnalysisRequest, bool) {
	if c.ContentType() == "application/json" {
		var body analyzeJSONRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return datatypes.AnalysisRequest{}, false
		}
		image, err := base64.StdEncoding.DecodeString(body.ImageBase64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "image_base64 is not valid base64"})
			return datatypes.AnalysisRequest{}, false
		}
		workType := datatypes.WorkType(body.WorkType)
		if body.WorkType == "" {
			workType = datatypes.WorkTypeGeneral
		}
		return datatypes.NewAnalysisRequest(image, body.Width, body.Height, workType), true
	}

	fileHeader, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing image part"})
		return datatypes.AnalysisRequest{}, false
	}
	f, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable image part"})
		return datatypes.AnalysisRequest{}, false
	}
	defer f.Close()
	image, err := io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable image part"})
		return datatypes.AnalysisRequest{}, false
	}

	width, err := strconv.Atoi(c.PostForm("width"))
	if err != nil || width <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "width must be a positive integer"})
		return datatypes.AnalysisRequest{}, false
	}
	height, err := strconv.Atoi(c.PostForm("height"))
	if err != nil || height <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "height must be a positive integer"})
		return datatypes.AnalysisRequest{}, false
	}
	workType := datatypes.WorkType(c.DefaultPostForm("work_type", string(datatypes.WorkTypeGeneral)))

	return datatypes.NewAnalysisRequest(image, width, height, workType), true
}

// writeAnalyzeError maps pipeline errors onto HTTP statuses.
func writeAnalyzeError(c *gin.Context, requestID string, err error) {
	switch {
	case errors.Is(err, security.ErrOversizedInput):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"request_id": requestID,
			"error":      "image exceeds size limits",
		})
	case errors.Is(err, vision.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{
			"request_id": requestID,
			"error":      "request rejected by validation",
		})
	case errors.Is(err, coordinator.ErrAllBackendsFailed):
		slog.Error("analysis exhausted all backends", "request_id", requestID, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"request_id": requestID,
			"error":      "no analysis backend could produce a result",
		})
	default:
		slog.Error("analysis failed", "request_id", requestID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"request_id": requestID,
			"error":      "internal error",
		})
	}
}
