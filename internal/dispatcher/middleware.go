package dispatcher

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/antigravity-tools/gateway/internal/config"
	"github.com/antigravity-tools/gateway/internal/logging"
)

// corsMiddleware mirrors the teacher's server.CORSMiddleware verbatim in
// behavior: wide-open CORS for a local developer-facing gateway.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// apiKeyAuthMiddleware validates the configured API key on /v1/* routes,
// adapted from the teacher's server.APIKeyAuthMiddleware to the new
// config.ProxyConfig/logging.Logger types.
func apiKeyAuthMiddleware(cfg *config.ProxyConfig, log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.APIKey == "" {
			c.Next()
			return
		}

		var providedKey string
		authHeader := c.GetHeader("Authorization")
		xAPIKey := c.GetHeader("X-API-Key")
		if authHeader != "" && strings.HasPrefix(authHeader, "Bearer ") {
			providedKey = strings.TrimPrefix(authHeader, "Bearer ")
		} else if xAPIKey != "" {
			providedKey = xAPIKey
		}

		if providedKey == "" || providedKey != cfg.APIKey {
			log.Warn("[dispatcher] unauthorized request from %s", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"type":  "error",
				"error": gin.H{"type": "authentication_error", "message": "Invalid or missing API key"},
			})
			return
		}
		c.Next()
	}
}

// requestLoggingMiddleware logs every request's method/path/status/duration,
// adapted from the teacher's server.RequestLoggingMiddleware.
func requestLoggingMiddleware(log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		duration := time.Since(start)
		status := c.Writer.Status()

		if strings.HasPrefix(path, "/v1/messages/count_tokens") {
			log.Debug("[%s] %s %d (%dms)", c.Request.Method, path, status, duration.Milliseconds())
			return
		}

		switch {
		case status >= 500:
			log.Error("[%s] %s %d (%dms)", c.Request.Method, path, status, duration.Milliseconds())
		case status >= 400:
			log.Warn("[%s] %s %d (%dms)", c.Request.Method, path, status, duration.Milliseconds())
		default:
			log.Info("[%s] %s %d (%dms)", c.Request.Method, path, status, duration.Milliseconds())
		}
	}
}
