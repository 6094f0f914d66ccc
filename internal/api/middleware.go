package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/t77yq/venueguard/internal/device"
	"github.com/t77yq/venueguard/internal/ingest"
	"github.com/t77yq/venueguard/internal/monitor"
	"github.com/t77yq/venueguard/internal/orchestrator"
	"github.com/t77yq/venueguard/internal/storage"
	"github.com/t77yq/venueguard/internal/tracking"
)

func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(corsMiddleware())
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			s.logger.Warn("Request failed", append(fields, zap.String("errors", c.Errors.String()))...)
			return
		}
		s.logger.Debug("Request served", fields...)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, tracking.ErrVenueNotTracked),
		errors.Is(err, tracking.ErrCacheMiss),
		errors.Is(err, orchestrator.ErrVenueNotActive),
		errors.Is(err, orchestrator.ErrSystemAlertNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrVenueAlreadyActive),
		errors.Is(err, monitor.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, monitor.ErrInvalidAlert),
		errors.Is(err, ingest.ErrInvalidEvent),
		errors.Is(err, device.ErrInvalidConfig):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func abort(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
}
