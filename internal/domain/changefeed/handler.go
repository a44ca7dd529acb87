package changefeed

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hospigen/fhir-bridge/internal/platform/broker"
	"github.com/hospigen/fhir-bridge/internal/platform/telemetry"
)

// Handler exposes the router over HTTP.
type Handler struct {
	router    *Router
	publisher broker.Publisher
	metrics   *telemetry.Collector
}

// NewHandler creates a Handler. publisher is only used for the broker
// health check and metrics may be nil.
func NewHandler(router *Router, publisher broker.Publisher, metrics *telemetry.Collector) *Handler {
	return &Handler{router: router, publisher: publisher, metrics: metrics}
}

// RegisterRoutes mounts the webhook and health routes. pushMiddleware only
// wraps the webhook.
func (h *Handler) RegisterRoutes(e *echo.Echo, pushMiddleware ...echo.MiddlewareFunc) {
	e.POST("/pubsub/push", h.Push, pushMiddleware...)
	e.GET("/health", h.Health)
	e.GET("/health/broker", h.BrokerHealth)
	if h.metrics != nil {
		e.GET("/metrics", h.metrics.Handler())
	}
}

// Push handles POST /pubsub/push.
func (h *Handler) Push(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) {
			return err
		}
		out := rejected("unreadable request body")
		return c.JSON(out.HTTPStatus(), out.Response())
	}

	out := h.router.Handle(c.Request().Context(), Request{
		Body:  body,
		Trace: traceFrom(c.Request()),
	})
	return c.JSON(out.HTTPStatus(), out.Response())
}

// Health handles GET /health.
func (h *Handler) Health(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// BrokerHealth handles GET /health/broker.
func (h *Handler) BrokerHealth(c echo.Context) error {
	pinger, ok := h.publisher.(broker.Pinger)
	if !ok {
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy", "check": "none"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()
	if err := pinger.Ping(ctx); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}

func traceFrom(r *http.Request) string {
	if tp := r.Header.Get("traceparent"); tp != "" {
		return tp
	}
	return r.Header.Get("X-Cloud-Trace-Context")
}
