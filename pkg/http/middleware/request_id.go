package middleware

import "github.com/labstack/echo/v4"

// RequestIDKey is the echo context key holding the request id.
const RequestIDKey = "request_id"

// RequestID makes every request carry X-Request-ID. A caller-supplied id is
// kept; otherwise gen mints one. The id is echoed on the response.
func RequestID(gen func() string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			id := req.Header.Get(echo.HeaderXRequestID)
			if id == "" {
				id = gen()
				req.Header.Set(echo.HeaderXRequestID, id)
			}
			c.Response().Header().Set(echo.HeaderXRequestID, id)
			c.Set(RequestIDKey, id)
			return next(c)
		}
	}
}
