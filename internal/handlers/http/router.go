package http

import (
	"net/http"
	"time"

	"partymesh/internal/core/services"
	"partymesh/internal/infrastructure/middleware"
	"partymesh/internal/infrastructure/monitoring"
	"partymesh/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RouterDeps wires the local API to a running session.
type RouterDeps struct {
	Session Session
	Events  EventSource
	Media   MediaOpener
	// Auth enables the invite endpoint when set.
	Auth   services.AuthService
	Health *monitoring.HealthChecker
	// Gatherer backs /metrics when monitoring is enabled.
	Gatherer prometheus.Gatherer
}

func NewRouter(cfg *config.Config, deps RouterDeps, logger *zap.SugaredLogger) *gin.Engine {
	startTime := time.Now()

	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(logger),
		middleware.TracingMiddleware(),
		middleware.NewHTTPRateLimitMiddleware(cfg),
		middleware.ErrorHandlerMiddleware(logger),
	)

	router.GET("/health", func(c *gin.Context) {
		status := monitoring.HealthStatus{Status: "healthy", Timestamp: time.Now()}
		if deps.Health != nil {
			status = deps.Health.CheckAll(c.Request.Context())
		}
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":    status.Status,
			"checks":    status.Checks,
			"timestamp": status.Timestamp,
			"uptime":    time.Since(startTime).String(),
		})
	})

	if cfg.Monitoring.PrometheusEnabled && deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api/v1")
	api.Use(middleware.APITokenMiddleware(cfg.API.Token))

	NewSessionHandler(deps.Session, deps.Media).SetupRoutes(api)
	if deps.Auth != nil {
		NewInviteHandler(deps.Auth, deps.Session).SetupRoutes(api)
	}
	if deps.Events != nil {
		events := NewEventsHandler(deps.Events, cfg.API.AllowedOrigins, cfg.API.PingInterval, cfg.API.PongTimeout, logger)
		events.SetupRoutes(api, middleware.StreamLimitMiddleware(cfg.RateLimiting.MaxEventStreams))
	}

	return router
}
