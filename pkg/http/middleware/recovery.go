package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	applogger "FxDesk/pkg/logger"

	"github.com/labstack/echo/v4"
)

// Recover turns a handler panic into a 500 envelope tagged with the request
// id, so a console user can quote it when reporting. http.ErrAbortHandler is
// re-raised for net/http to handle.
func Recover(l *applogger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if r == http.ErrAbortHandler {
					panic(r)
				}
				perr, ok := r.(error)
				if !ok {
					perr = fmt.Errorf("%v", r)
				}
				id := c.Response().Header().Get(echo.HeaderXRequestID)
				l.Error("handler panic",
					applogger.Error(perr),
					applogger.String("method", c.Request().Method),
					applogger.String("route", c.Path()),
					applogger.String("request_id", id),
					applogger.String("stack", string(debug.Stack())),
				)
				if c.Response().Committed {
					err = perr
					return
				}
				err = c.JSON(http.StatusInternalServerError, map[string]interface{}{
					"status":     http.StatusInternalServerError,
					"message":    http.StatusText(http.StatusInternalServerError),
					"request_id": id,
				})
			}()
			return next(c)
		}
	}
}
