package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	// KeyPrefix is the Redis key prefix for instance snapshots.
	KeyPrefix = "metrics:"
	// DefaultReportInterval is used when no interval is configured.
	DefaultReportInterval = 30 * time.Second
)

// redisSetter is the part of redis.Cmdable the reporter needs.
type redisSetter interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// Reporter periodically writes the collector snapshot to Redis so a fleet
// of instances can be inspected in one place. Keys expire after a few
// missed reports.
type Reporter struct {
	collector *Collector
	redis     redisSetter
	interval  time.Duration
	logger    zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewReporter creates a reporter. A non-positive interval falls back to
// DefaultReportInterval.
func NewReporter(c *Collector, client redisSetter, interval time.Duration, logger zerolog.Logger) *Reporter {
	if interval <= 0 {
		interval = DefaultReportInterval
	}
	return &Reporter{
		collector: c,
		redis:     client,
		interval:  interval,
		logger:    logger.With().Str("component", "telemetry.reporter").Logger(),
		stopCh:    make(chan struct{}),
	}
}

// Key returns the Redis key for this instance.
func (r *Reporter) Key() string {
	return KeyPrefix + r.collector.service + ":" + r.collector.instance
}

// TTL is four report intervals.
func (r *Reporter) TTL() time.Duration {
	return 4 * r.interval
}

// Start begins periodic reporting until ctx is done or Stop is called. A
// final report is written on the way out.
func (r *Reporter) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				r.write(context.Background())
				return
			case <-r.stopCh:
				r.write(context.Background())
				return
			case <-ticker.C:
				r.write(ctx)
			}
		}
	}()
}

// Stop ends reporting and waits for the final write.
func (r *Reporter) Stop() {
	r.once.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// Report writes one snapshot.
func (r *Reporter) Report(ctx context.Context) error {
	data, err := json.Marshal(r.collector.Snapshot())
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := r.redis.Set(ctx, r.Key(), data, r.TTL()).Err(); err != nil {
		return fmt.Errorf("write %s: %w", r.Key(), err)
	}
	return nil
}

func (r *Reporter) write(ctx context.Context) {
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.Report(wctx); err != nil {
		r.logger.Warn().Err(err).Msg("metrics report failed")
	}
}

// NewRedisClient parses url (redis://...) and checks connectivity.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
