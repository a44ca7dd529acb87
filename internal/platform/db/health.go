package db

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
		Healthy:         stat.TotalConns() > 0,
	}
}

// OutboxStats is the relay backlog: envelopes written but not yet forwarded.
type OutboxStats struct {
	Pending       int64   `json:"pending"`
	OldestPending string  `json:"oldest_pending,omitempty"`
	LagSeconds    float64 `json:"lag_seconds"`
}

// Querier is the part of *pgxpool.Pool the health check uses.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

const outboxBacklogSQL = `SELECT count(*), min(created_at) FROM bridge_outbox WHERE relayed_at IS NULL`

// OutboxBacklog counts unrelayed rows and measures how long the oldest has
// been waiting. It fails when the outbox table is missing.
func OutboxBacklog(ctx context.Context, q Querier, now time.Time) (*OutboxStats, error) {
	var (
		pending int64
		oldest  *time.Time
	)
	if err := q.QueryRow(ctx, outboxBacklogSQL).Scan(&pending, &oldest); err != nil {
		return nil, fmt.Errorf("outbox backlog: %w", err)
	}
	stats := &OutboxStats{Pending: pending}
	if oldest != nil {
		stats.OldestPending = oldest.UTC().Format(time.RFC3339)
		if lag := now.Sub(*oldest); lag > 0 {
			stats.LagSeconds = lag.Seconds()
		}
	}
	return stats, nil
}

// HealthReport is the body of GET /health/db.
type HealthReport struct {
	Status string       `json:"status"`
	Error  string       `json:"error,omitempty"`
	Pool   *PoolStats   `json:"pool,omitempty"`
	Outbox *OutboxStats `json:"outbox,omitempty"`
}

// HealthHandler serves GET /health/db for the outbox backend: pool
// statistics plus the relay backlog.
func HealthHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return healthHandler(pool, func() *PoolStats { return GetPoolStats(pool) }, time.Now)
}

func healthHandler(q Querier, poolStats func() *PoolStats, now func() time.Time) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		report := HealthReport{Status: "healthy"}
		if poolStats != nil {
			report.Pool = poolStats()
		}

		err := q.Ping(ctx)
		if err == nil {
			report.Outbox, err = OutboxBacklog(ctx, q, now())
		}
		if err != nil {
			report.Status = "unhealthy"
			report.Error = err.Error()
			if report.Pool != nil {
				report.Pool.Healthy = false
			}
			return c.JSON(http.StatusServiceUnavailable, report)
		}
		return c.JSON(http.StatusOK, report)
	}
}
