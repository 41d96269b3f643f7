package ginserver

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vshulcz/bamstats/internal/adapters/broker/remote"
)

// NewRouter builds the engine. middlewares run on every route; signed applies to
// the mutating API routes only.
func NewRouter(h *Handler, _ *zap.Logger, signed gin.HandlerFunc, middlewares ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	for _, mw := range middlewares {
		r.Use(mw)
	}

	r.RedirectTrailingSlash = false
	r.RemoveExtraSlash = true

	r.HandleMethodNotAllowed = true
	r.NoMethod(func(c *gin.Context) {
		c.String(http.StatusMethodNotAllowed, "method not allowed")
	})

	r.GET("/ping", h.Ping)
	r.GET(remote.StatsPath, h.BrokerStats)

	api := r.Group("/api/v1")
	api.GET("/keys", h.Keys)
	if signed != nil {
		api.Use(signed)
	}
	api.POST("/stats", h.Stats)
	api.POST("/documents/:id/stats", h.IndexDocument)

	return r
}
