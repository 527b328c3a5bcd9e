package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// StoreHealth reports whether the ledger store is reachable.
// *health.Checker satisfies this interface.
type StoreHealth interface {
	Healthy() bool
}

// Healthz handles GET /healthz. The process is alive whenever it answers;
// the status code reflects store reachability.
func Healthz(h StoreHealth) gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.Healthy() {
			c.JSON(http.StatusOK, gin.H{"status": "ok", "store": "up"})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "store": "down"})
	}
}
