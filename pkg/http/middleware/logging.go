package middleware

import (
	"time"

	applogger "FxDesk/pkg/logger"

	"github.com/labstack/echo/v4"
)

// RequestLogging logs each request at debug level. Server errors are logged
// by Metrics.
func RequestLogging(l *applogger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			if err := next(c); err != nil {
				c.Error(err)
			}

			req := c.Request()
			fields := []applogger.Field{
				applogger.String("method", req.Method),
				applogger.String("path", c.Path()),
				applogger.String("uri", req.RequestURI),
				applogger.String("remote", c.RealIP()),
				applogger.Int("status", c.Response().Status),
				applogger.Duration("latency", time.Since(start)),
			}
			if id, ok := c.Get(RequestIDKey).(string); ok {
				fields = append(fields, applogger.String("request_id", id))
			}
			l.Debug("http request", fields...)
			return nil
		}
	}
}
