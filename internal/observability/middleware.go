package observability

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// quietPaths are polled by probes and scrapers; they log at debug.
var quietPaths = map[string]struct{}{
	"/health":  {},
	"/ready":   {},
	"/metrics": {},
}

// AdminMiddleware logs each admin request and records it under component.
func AdminMiddleware(logger zerolog.Logger, component string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			// unmatched routes share one label
			route = "unmatched"
		}
		RecordHTTPRequest(component, c.Request.Method, route, status, elapsed)

		var event *zerolog.Event
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		default:
			if _, quiet := quietPaths[route]; quiet {
				event = logger.Debug()
			} else {
				event = logger.Info()
			}
		}
		if service := c.Param("service"); service != "" {
			event = event.Str("service", service)
		}
		if len(c.Errors) > 0 {
			event = event.Str("errors", c.Errors.String())
		}
		event.
			Str("method", c.Request.Method).
			Str("route", route).
			Int("status", status).
			Dur("elapsed", elapsed).
			Str("remote", c.ClientIP()).
			Msg(component + ".http")
	}
}
