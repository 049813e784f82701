// Package httpapi is the thin HTTP boundary adapter that gives the
// façade (internal/orchestrator) a transport: REST endpoints plus a
// long-lived SSE event stream.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/slidecore/orchestrator/internal/observability"
	"github.com/slidecore/orchestrator/internal/orchestrator"
	"github.com/slidecore/orchestrator/internal/platform/logger"
)

func NewRouter(facade *orchestrator.Facade, metricsRegistry *prometheus.Registry, heartbeatInterval time.Duration, log *logger.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log), cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:3000", "http://127.0.0.1:3000"},
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type"},
		AllowCredentials: true,
	}))

	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	if metricsRegistry != nil {
		r.GET("/metrics", gin.WrapH(observability.Handler(metricsRegistry)))
	}

	h := NewSlideHandler(facade, heartbeatInterval)
	api := r.Group("/api/slides")
	{
		api.GET("", h.List)
		api.GET("/:base_name/status", h.Status)
		api.POST("/:base_name/submit", h.Submit)
		api.POST("/:base_name/cancel", h.Cancel)
		api.DELETE("/:base_name", h.Delete)
	}
	r.GET("/api/events", h.Subscribe)

	return r
}
