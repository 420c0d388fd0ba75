package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/dafibh/fortuna/settlement-saga/internal/middleware"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// HealthChecker reports whether a dependency is reachable
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Routes groups everything RegisterRoutes mounts
type Routes struct {
	Auth        *middleware.AuthMiddleware
	RateLimiter *middleware.RateLimiter
	Settlements *SettlementHandler
	WebSocket   *WebSocketHandler
	Metrics     http.Handler
	Health      HealthChecker
}

// RegisterRoutes sets up all API routes
func RegisterRoutes(e *echo.Echo, r Routes) {
	e.GET("/health", healthHandler(r.Health))
	if r.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(r.Metrics))
	}
	if r.WebSocket != nil {
		e.GET("/ws", r.WebSocket.HandleWS)
	}

	// API version 1
	api := e.Group("/api/v1")

	// Settlement routes (protected)
	settlements := api.Group("/settlements")
	settlements.Use(r.Auth.Authenticate())
	if r.RateLimiter != nil {
		settlements.Use(middleware.RateLimitMiddleware(r.RateLimiter))
	}
	settlements.GET("/:kind/:id", r.Settlements.Get)
	settlements.POST("/:kind/:id/run", r.Settlements.Run)
}

func healthHandler(checker HealthChecker) echo.HandlerFunc {
	return func(c echo.Context) error {
		if checker == nil {
			return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
		}

		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := checker.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("Health check failed")
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	}
}
