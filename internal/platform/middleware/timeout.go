package middleware

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout sets a deadline on each request context. The handler runs
// on the request goroutine and writes into a buffer; if the deadline passed
// by the time it returns, the buffered response is dropped and a 500 is sent
// instead so the push channel redelivers the notification. Handlers must
// observe the context so they return promptly once it is cancelled.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			res := c.Response()
			orig := res.Writer
			buf := newBufferedWriter(orig.Header())
			res.Writer = buf
			discard := func() {
				res.Writer = orig
				res.Committed = false
				res.Status = http.StatusOK
				res.Size = 0
			}
			defer func() {
				if p := recover(); p != nil {
					discard()
					panic(p)
				}
			}()

			err := next(c)

			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				discard()
				return c.JSON(http.StatusInternalServerError, errorBody("request timed out"))
			}
			res.Writer = orig
			buf.flushTo(orig)
			return err
		}
	}
}

// bufferedWriter holds a handler's response until the timeout middleware
// decides whether to send it.
type bufferedWriter struct {
	header      http.Header
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func newBufferedWriter(h http.Header) *bufferedWriter {
	return &bufferedWriter{header: h.Clone(), status: http.StatusOK}
}

func (w *bufferedWriter) Header() http.Header { return w.header }

func (w *bufferedWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.status = code
	w.wroteHeader = true
}

func (w *bufferedWriter) Write(p []byte) (int, error) {
	w.wroteHeader = true
	return w.body.Write(p)
}

func (w *bufferedWriter) flushTo(dst http.ResponseWriter) {
	h := dst.Header()
	for k, v := range w.header {
		h[k] = v
	}
	if !w.wroteHeader {
		return
	}
	dst.WriteHeader(w.status)
	_, _ = dst.Write(w.body.Bytes())
}
