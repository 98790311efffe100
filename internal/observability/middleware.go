package observability

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// routeLabel keeps metric cardinality bounded: unmatched paths share one label.
func routeLabel(c *gin.Context) string {
	if route := c.FullPath(); route != "" {
		return route
	}
	return "unmatched"
}

// StatusAccess records every status request as a metric and a log line.
// Polls that succeed are logged at debug; client errors at warn.
func StatusAccess(logger zerolog.Logger, node string) gin.HandlerFunc {
	return func(c *gin.Context) {
		began := time.Now()
		c.Next()
		took := time.Since(began)
		code := c.Writer.Status()
		route := routeLabel(c)

		RecordHTTPRequest(node, c.Request.Method, route, code, took)

		var ev *zerolog.Event
		switch {
		case code >= 500:
			ev = logger.Error()
		case code >= 400:
			ev = logger.Warn()
		default:
			ev = logger.Debug()
		}
		if route == "unmatched" {
			ev = ev.Str("url", c.Request.URL.Path)
		}
		ev.Str("route", route).
			Str("method", c.Request.Method).
			Int("code", code).
			Dur("took", took).
			Str("peer", c.ClientIP()).
			Msg("observability.StatusAccess")
	}
}
