package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/defactra/defactra-inspection-service/internal/infra/metrics"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	DefaultRequestsPerMinute = 60

	keyPrefix = "defactra:ratelimit:"
)

// Connect initializes a Redis client from a redis:// URL or a host:port.
func Connect(ctx context.Context, redisURL string) (*goredis.Client, error) {
	var client *goredis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := goredis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = goredis.NewClient(opt)
	} else {
		client = goredis.NewClient(&goredis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

type windowCounter interface {
	incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

type redisCounter struct {
	client *goredis.Client
}

func (c redisCounter) incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var count *goredis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		count = p.Incr(ctx, key)
		p.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count.Val(), nil
}

// RateLimiter is a fixed-window limiter shared by every worker that points
// at the same Redis and uses the same name. Each Wait consumes one slot of
// the current minute; once the window is full it sleeps until the next one.
type RateLimiter struct {
	counter windowCounter
	name    string
	limit   int64
	window  time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

func NewRateLimiter(client *goredis.Client, name string, requestsPerMinute int, logger *zap.Logger) *RateLimiter {
	return newRateLimiter(redisCounter{client: client}, name, requestsPerMinute, time.Minute, time.Now, logger)
}

func newRateLimiter(counter windowCounter, name string, limit int, window time.Duration, now func() time.Time, logger *zap.Logger) *RateLimiter {
	if limit <= 0 {
		limit = DefaultRequestsPerMinute
	}
	return &RateLimiter{
		counter: counter,
		name:    name,
		limit:   int64(limit),
		window:  window,
		now:     now,
		logger:  logger,
	}
}

func (l *RateLimiter) Wait(ctx context.Context) error {
	start := l.now()
	defer func() {
		metrics.RateLimitWaitSeconds.Observe(l.now().Sub(start).Seconds())
	}()

	for {
		now := l.now()
		windowStart := now.Truncate(l.window)
		key := fmt.Sprintf("%s%s:%d", keyPrefix, l.name, windowStart.Unix())

		count, err := l.counter.incr(ctx, key, 2*l.window)
		if err != nil {
			return fmt.Errorf("rate limit counter: %w", err)
		}
		if count <= l.limit {
			return nil
		}

		delay := windowStart.Add(l.window).Sub(now)
		l.logger.Debug("classifier rate limit reached, waiting for next window",
			zap.String("limiter", l.name),
			zap.Int64("count", count),
			zap.Duration("delay", delay),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
