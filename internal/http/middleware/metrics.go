package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/atm_fieldops/backend/internal/metrics"
)

// Metrics records request counts and latency per route template. Unmatched
// paths are folded into one label so scanners cannot blow up cardinality.
func Metrics(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		m.RequestsInFlight.Inc()
		start := time.Now()
		c.Next()
		m.RequestsInFlight.Dec()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RequestCounter.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.RequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
