// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api serves the engine's heartbeat over HTTP.
//
// Routes:
//
//	GET  /v1/tether/heartbeat   engine.Heartbeat as JSON
//	GET  /v1/tether/health      200 healthy, 503 degraded
//	GET  /v1/tether/payload     last payload, 204 before the first one
//	POST /v1/tether/identity    {"identity": "..."} resets the discovery budget
//	GET  /metrics               Prometheus exposition
package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/tether/services/tether/engine"
	"github.com/AleutianAI/tether/services/tether/telemetry"
)

// Source is the engine surface the API reads from. *engine.Engine implements it.
type Source interface {
	Heartbeat() engine.Heartbeat
	LastPayload() *engine.Payload
	SignalIdentityChange(identity string)
}

// IdentityRequest is the body of POST /v1/tether/identity.
type IdentityRequest struct {
	Identity string `json:"identity" binding:"required"`
}

// HealthResponse is the body of GET /v1/tether/health.
type HealthResponse struct {
	Status     string `json:"status"`
	Generation uint64 `json:"generation"`
	LastFatal  string `json:"last_fatal,omitempty"`
}

// NewRouter builds the gin engine.
//
// # Inputs
//
//   - src: Engine to report on.
//   - metrics: Prometheus handler for /metrics. Nil omits the route.
//   - logger: Request errors. Nil uses slog.Default().
func NewRouter(src Source, metrics http.Handler, logger *slog.Logger) *gin.Engine {
	if logger == nil {
		logger = slog.Default()
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("tether"))

	v1 := router.Group("/v1/tether")
	v1.GET("/heartbeat", HandleHeartbeat(src))
	v1.GET("/health", HandleHealth(src))
	v1.GET("/payload", HandlePayload(src))
	v1.POST("/identity", HandleIdentity(src, logger))

	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}
	return router
}

func HandleHeartbeat(src Source) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, src.Heartbeat())
	}
}

func HandleHealth(src Source) gin.HandlerFunc {
	return func(c *gin.Context) {
		hb := src.Heartbeat()
		resp := HealthResponse{
			Status:     "healthy",
			Generation: hb.Connection.Generation.Seq,
		}
		if !hb.Healthy() {
			resp.Status = "degraded"
			resp.LastFatal = hb.LastFatal
			c.JSON(http.StatusServiceUnavailable, resp)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

func HandlePayload(src Source) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := src.LastPayload()
		if p == nil {
			c.Status(http.StatusNoContent)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

func HandleIdentity(src Source, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req IdentityRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			ctx := c.Request.Context()
			telemetry.LoggerWithTrace(ctx, logger).Warn("invalid identity request", slog.String("error", err.Error()))
			c.JSON(http.StatusBadRequest, gin.H{"error": "identity is required", "trace_id": telemetry.TraceID(ctx)})
			return
		}
		src.SignalIdentityChange(req.Identity)
		c.JSON(http.StatusAccepted, gin.H{"identity": req.Identity})
	}
}
