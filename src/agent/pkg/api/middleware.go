package api

import (
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/api/models"
)

// setupMiddleware configures middleware for the API server
func (s *Server) setupMiddleware() {
	// Recovery middleware - recover from panics
	s.router.Use(gin.Recovery())

	// Logger middleware - log all requests
	s.router.Use(loggerMiddleware())

	// Refuse anything not coming over loopback
	if s.config.LocalOnly {
		s.router.Use(localOnlyMiddleware())
	}

	if s.config.RateLimit > 0 {
		s.router.Use(rateLimitMiddleware(rate.NewLimiter(rate.Limit(s.config.RateLimit), s.config.RateBurst)))
	}

	// CORS middleware - allow cross-origin requests
	if s.config.EnableCORS {
		s.router.Use(corsMiddleware())
	}
}

// loggerMiddleware logs HTTP requests
func loggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Start timer
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		// Process request
		c.Next()

		// Log after request is processed
		latency := time.Since(start)
		clientIP := c.ClientIP()
		method := c.Request.Method
		statusCode := c.Writer.Status()
		errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String()

		if raw != "" {
			path = path + "?" + raw
		}

		log.WithFields(log.Fields{
			"status":     statusCode,
			"method":     method,
			"path":       path,
			"ip":         clientIP,
			"latency_ms": latency.Milliseconds(),
			"error":      errorMessage,
		}).Info("API request")
	}
}

// localOnlyMiddleware rejects requests whose peer is not a loopback
// address. Forwarding headers are ignored.
func localOnlyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := net.ParseIP(c.RemoteIP())
		if ip == nil || !ip.IsLoopback() {
			log.WithField("remote", c.Request.RemoteAddr).Warn("Rejected non-local API request")
			c.AbortWithStatusJSON(http.StatusForbidden, models.NewErrorResponse(
				http.StatusForbidden,
				models.ErrCodeForbidden,
				"The administrative API only accepts local requests",
				nil,
			))
			return
		}
		c.Next()
	}
}

// rateLimitMiddleware applies one token bucket to all requests.
func rateLimitMiddleware(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, models.NewErrorResponse(
				http.StatusTooManyRequests,
				models.ErrCodeRateLimited,
				"Too many requests",
				nil,
			))
			return
		}
		c.Next()
	}
}

// corsMiddleware handles CORS headers
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
