package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"

	"github.com/astro-web3/graph-gateway/pkg/logger"
)

const corsMaxAge = 10 * time.Minute

func loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		attrs := []slog.Attr{
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
		}
		if id := c.Writer.Header().Get(requestIDHeader); id != "" {
			attrs = append(attrs, slog.String("request_id", id))
		}

		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.ErrorContext(c.Request.Context(), "request failed", attrs...)
		} else {
			logger.InfoContext(c.Request.Context(), "request completed", attrs...)
		}
	}
}

// corsMiddleware adapts rs/cors to gin. "*" allows any origin. Preflight
// requests are answered here and never reach the handlers.
func corsMiddleware(allowed []string) gin.HandlerFunc {
	c := cors.New(cors.Options{
		AllowedOrigins: allowed,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		ExposedHeaders: []string{requestIDHeader},
		MaxAge:         int(corsMaxAge.Seconds()),
	})
	return func(ctx *gin.Context) {
		c.HandlerFunc(ctx.Writer, ctx.Request)
		if ctx.Request.Method == http.MethodOptions && ctx.GetHeader("Access-Control-Request-Method") != "" {
			ctx.AbortWithStatus(http.StatusNoContent)
		}
	}
}
