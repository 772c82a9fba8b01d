package stats

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"FACEINDEX/controllers"
	"FACEINDEX/engine"
)

func StatsHandler(e *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		st, err := e.Collections.Stats(c.Request.Context())
		if err != nil {
			controllers.Error(c, err)
			return
		}
		c.JSON(http.StatusOK, st)
	}
}

// HealthHandler answers 503 when any backend fails its ping.
func HealthHandler(e *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		report := e.Health(c.Request.Context())
		status := http.StatusOK
		if !report.Healthy() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, report)
	}
}
