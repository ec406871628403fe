// Package api serves the admin and read HTTP surface.
package api

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/livinlefevreloca/catalogsync/internal/metrics"
)

// NewServer creates a gin engine with all routes configured
func NewServer(handler *Handler, logger *slog.Logger, exposeMetrics bool) *gin.Engine {
	if logger == nil {
		logger = slog.Default()
	}

	r := gin.New()
	r.Use(requestLogger(logger))
	r.Use(gin.Recovery())

	r.GET("/health", handler.GetHealth)
	if exposeMetrics {
		r.GET("/metrics", gin.WrapH(metrics.Handler()))
	}

	api := r.Group("/api")
	{
		api.GET("/sources", handler.ListSources)
		api.POST("/sources", handler.CreateSource)
		api.GET("/sources/:id", handler.GetSource)
		api.PUT("/sources/:id", handler.UpdateSource)
		api.DELETE("/sources/:id", handler.DeleteSource)
		api.POST("/sources/:id/jobs", handler.CreateJob)
		api.GET("/sources/:id/jobs", handler.ListJobs)

		api.GET("/jobs/:id", handler.GetJob)
		api.POST("/jobs/:id/cancel", handler.CancelJob)
		api.DELETE("/jobs/:id", handler.DeleteJob)
		api.GET("/jobs/:id/logs", handler.ListLogs)
	}

	return r
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"clientIP", c.ClientIP())
	}
}
