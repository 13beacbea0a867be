package utils

import (
	"github.com/flotilla-run/flotilla/pkg/log"
	"github.com/labstack/echo/v4"
)

// Echo middleware logging every request at trace level.
func HttpLogger(logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			logger.Tracef("%4s %s %v", c.Request().Method, c.Request().URL, c.Response().Status)
			return err
		}
	}
}
