package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// runTimeout runs h behind RequestTimeout(d) and returns the recorder and
// the error the middleware chain produced.
func runTimeout(d time.Duration, h echo.HandlerFunc) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(http.MethodPost, "/pubsub/push", nil)
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)
	return rec, RequestTimeout(d)(h)(c)
}

func TestRequestTimeout_FastHandler(t *testing.T) {
	var deadline time.Time
	rec, err := runTimeout(30*time.Second, func(c echo.Context) error {
		deadline, _ = c.Request().Context().Deadline()
		return c.NoContent(http.StatusOK)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if deadline.IsZero() {
		t.Error("handler context carries no deadline")
	}
}

func TestRequestTimeout_SlowHandler(t *testing.T) {
	rec, err := runTimeout(20*time.Millisecond, func(c echo.Context) error {
		<-c.Request().Context().Done()
		return c.Request().Context().Err()
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 so the notification is redelivered", rec.Code)
	}

	var got map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if got["status"] != "error" || got["reason"] != "request timed out" {
		t.Errorf("body = %v", got)
	}
}

func TestRequestTimeout_HandlerErrorPassesThrough(t *testing.T) {
	_, err := runTimeout(time.Second, func(echo.Context) error {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid push token")
	})

	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusUnauthorized {
		t.Fatalf("err = %v, want HTTP 401", err)
	}
}

func TestRequestTimeout_LateWriteIsDiscarded(t *testing.T) {
	rec, err := runTimeout(10*time.Millisecond, func(c echo.Context) error {
		<-c.Request().Context().Done()
		c.Response().Header().Set("X-Late", "1")
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("late handler output leaked into response: %s", rec.Body.String())
	}
	if rec.Header().Get("X-Late") != "" {
		t.Error("late handler header leaked into response")
	}
}

func TestRequestTimeout_KeepsEarlierHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/pubsub/push", nil)
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)
	c.Response().Header().Set(RequestIDHeader, "rid-1")

	err := RequestTimeout(time.Second)(func(c echo.Context) error {
		c.Response().Header().Set("X-Handler", "yes")
		return c.String(http.StatusAccepted, "done")
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusAccepted || rec.Body.String() != "done" {
		t.Errorf("got %d %q, want 202 \"done\"", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(RequestIDHeader) != "rid-1" || rec.Header().Get("X-Handler") != "yes" {
		t.Errorf("headers = %v", rec.Header())
	}
}

// Each timed-out request must get its own timeout body even when handlers
// keep writing after cancellation. Run with -race.
func TestRequestTimeout_ConcurrentTimeouts(t *testing.T) {
	e := echo.New()
	e.Use(RequestTimeout(20 * time.Millisecond))
	e.POST("/pubsub/push", func(c echo.Context) error {
		<-c.Request().Context().Done()
		time.Sleep(5 * time.Millisecond)
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "id": c.QueryParam("id")})
	})

	const n = 50
	var wg sync.WaitGroup
	codes := make([]int, n)
	bodies := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/pubsub/push?id="+strconv.Itoa(i), nil)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			codes[i], bodies[i] = rec.Code, rec.Body.String()
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if codes[i] != http.StatusInternalServerError {
			t.Errorf("request %d: status = %d, want 500", i, codes[i])
		}
		if !strings.Contains(bodies[i], "request timed out") {
			t.Errorf("request %d: body = %s", i, bodies[i])
		}
	}
}

func TestRequestTimeout_PanicRestoresWriter(t *testing.T) {
	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler(zerolog.Nop())
	e.Use(Recovery(zerolog.Nop()))
	e.Use(RequestTimeout(time.Second))
	e.POST("/pubsub/push", func(c echo.Context) error {
		_ = c.String(http.StatusOK, "partial")
		panic("boom")
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/pubsub/push", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "partial") {
		t.Errorf("partial output leaked: %s", rec.Body.String())
	}
}
