package api

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// recoverer returns middleware that converts handler panics into internal server errors.
func recoverer(logger *zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					perr, ok := r.(error)
					if !ok {
						perr = fmt.Errorf("%v", r)
					}

					logger.Error().Err(perr).Str("stack", string(debug.Stack())).
						Msgf("recovered from panic serving %s", c.Request().URL.Path)
					err = respond(c, http.StatusInternalServerError, nil)
				}
			}()

			return next(c)
		}
	}
}

// requestLogging returns middleware that logs served requests and records their metrics.
func requestLogging(logger *zerolog.Logger, metrics HTTPMetrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			status := c.Response().Status
			latency := time.Since(start)

			logger.Debug().Msgf("[%s] %s %s - %d (%s)", req.Method, req.RequestURI, req.RemoteAddr,
				status, latency)

			if metrics != nil {
				route := c.Path()
				if route == "" {
					route = "unmatched"
				}
				metrics.RecordHTTPRequest(route, req.Method, status, latency)
			}

			return nil
		}
	}
}
