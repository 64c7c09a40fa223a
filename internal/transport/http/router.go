package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/astro-web3/graph-gateway/internal/config"
)

// Mount is an extra handler served under an exact path, such as a connect
// procedure or the metrics endpoint.
type Mount struct {
	Method  string
	Path    string
	Handler http.Handler
}

func NewRouter(handler *Handler, cfg *config.Config, mounts ...Mount) *gin.Engine {
	switch cfg.Server.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()

	router.Use(gin.Recovery())
	if cfg.Observability.TraceEnabled {
		router.Use(otelgin.Middleware(serviceName))
	}
	router.Use(loggingMiddleware())
	if len(cfg.CORS.AllowedOrigins) > 0 {
		router.Use(corsMiddleware(cfg.CORS.AllowedOrigins))
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	router.POST("/graphql", handler.GraphQL)
	router.GET("/graphql", handler.GraphQL)
	router.OPTIONS("/graphql", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	router.POST("/auth/revoke", handler.Revoke)

	for _, m := range mounts {
		router.Handle(m.Method, m.Path, gin.WrapH(m.Handler))
	}

	return router
}
