// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	vision "github.com/AleutianAI/HazardHawk/services/vision"
)

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleStatus reports cache and budget state for operators.
func HandleStatus(engine *vision.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		cacheStats := engine.CacheStats()
		budget := engine.BudgetSnapshot()

		c.JSON(http.StatusOK, gin.H{
			"cache": gin.H{
				"entries":  cacheStats.EntryCount,
				"capacity": cacheStats.Capacity,
				"hits":     cacheStats.Hits,
				"misses":   cacheStats.Misses,
				"hit_rate": cacheStats.HitRate(),
			},
			"budget": budget,
		})
	}
}
