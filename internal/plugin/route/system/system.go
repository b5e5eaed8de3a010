// Package system mounts the operational endpoints: liveness, readiness, and
// the Prometheus scrape target.
package system

import (
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	registryroute "github.com/hoalng/chat-service/internal/registry/route"
)

var ready atomic.Bool

// MarkReady flips /ready to 200. Called by the serve command once the store,
// cache, and listener are all up.
func MarkReady() {
	ready.Store(true)
}

func health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "chat-service"})
}

func readiness(c *gin.Context) {
	if !ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 0,
		Loader: func(r *gin.Engine) error {
			r.GET("/health", health)
			r.GET("/ready", readiness)
			r.GET("/metrics", gin.WrapH(promhttp.Handler()))
			return nil
		},
	})
}
