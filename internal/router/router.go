package router

import (
	"net/http"

	"herald/internal/common"
	"herald/internal/config"
	"herald/internal/domain/analytics"
	"herald/internal/domain/notification"
	"herald/internal/infra/inapp"
	"herald/internal/infra/metrics"
	"herald/internal/middleware"

	"github.com/gin-gonic/gin"
)

// Handlers groups the HTTP handlers mounted by New.
type Handlers struct {
	Notification *notification.Handler
	Analytics    *analytics.Handler
	InApp        *inapp.Handler
}

// New creates and configures the Gin router with all middleware and routes.
func New(cfg *config.Config, m *metrics.Metrics, h Handlers) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)

	r := gin.New()

	// Global middleware stack (order matters)
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(m.Middleware())
	r.Use(middleware.CORS(
		cfg.CORS.AllowedOrigins,
		cfg.CORS.AllowedMethods,
		cfg.CORS.AllowedHeaders,
	))

	rateLimiter := middleware.NewRateLimiter(
		cfg.RateLimit.RequestsPerSecond,
		cfg.RateLimit.Burst,
	)

	// Public routes
	r.GET("/health", healthCheck(cfg))
	r.GET("/metrics", gin.WrapH(m.Handler()))

	auth := middleware.Auth(cfg.Auth.APIKeys)

	// Websocket subscribers authenticate with ?api_key=
	ws := r.Group("")
	ws.Use(auth)
	if h.InApp != nil {
		h.InApp.RegisterRoutes(ws)
	}

	// Protected API routes (API key required)
	api := r.Group("/api/v1")
	api.Use(rateLimiter.Middleware(), auth)
	{
		h.Notification.RegisterRoutes(api)
		if h.Analytics != nil {
			h.Analytics.RegisterRoutes(api)
		}
	}

	r.NoRoute(func(c *gin.Context) {
		common.Error(c, http.StatusNotFound, common.CodeNotFound, "route not found")
	})

	return r
}

// healthCheck handles GET /health
func healthCheck(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		common.Success(c, http.StatusOK, "ok", gin.H{
			"status":  "ok",
			"service": "herald",
			"mode":    cfg.Dispatch.Mode,
			"store":   cfg.Store.Driver,
			"queue":   cfg.Queue.Backend,
		})
	}
}
