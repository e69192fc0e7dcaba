package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// loggerMiddleware logs one line per request
func loggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		fields := logrus.Fields{
			"method":    c.Request.Method,
			"path":      path,
			"status":    c.Writer.Status(),
			"duration":  time.Since(start),
			"client_ip": c.ClientIP(),
		}
		if query != "" {
			fields["query"] = query
		}

		entry := logrus.WithFields(fields)
		switch {
		case len(c.Errors) > 0:
			entry.WithField("errors", c.Errors.String()).Error("HTTP request with errors")
		case strings.HasPrefix(path, "/health"):
			entry.Debug("HTTP request")
		default:
			entry.Info("HTTP request")
		}
	}
}

// recoveryMiddleware turns a handler panic into a 500
func recoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logrus.WithFields(logrus.Fields{
					"path":   c.Request.URL.Path,
					"method": c.Request.Method,
				}).Errorf("Panic recovered: %v", err)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			}
		}()
		c.Next()
	}
}
