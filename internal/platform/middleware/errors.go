package middleware

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// errorBody is the webhook's error response shape.
func errorBody(reason string) map[string]string {
	return map[string]string{"status": "error", "reason": reason}
}

// ErrorHandler renders errors returned by handlers and middleware in the
// webhook's {"status":"error","reason":...} shape.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		reason := http.StatusText(code)
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			reason = fmt.Sprint(he.Message)
		} else {
			logger.Error().Err(err).Str("path", c.Request().URL.Path).Msg("unhandled error")
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(code)
		} else {
			werr = c.JSON(code, errorBody(reason))
		}
		if werr != nil {
			logger.Error().Err(werr).Msg("write error response")
		}
	}
}
