// internal/store/redis.go
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/aggregate"
	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/telemetry"
)

const (
	aggregateKeyPrefix = "aggregate:"
	eventsKey          = "anomalies:recent"
	// eventsCap bounds the retained anomaly list; the dashboard only ever
	// renders the recent tail.
	eventsCap = 5000
	// aggregateRetention keeps closed windows queryable long enough for the
	// monthly dashboard views.
	aggregateRetention = 90 * 24 * time.Hour
)

// RedisStore persists aggregates and anomaly events in Redis. Aggregates are
// JSON values under per-key entries; events live in a capped list.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

// RedisConfig carries the connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedis connects and verifies the server before returning. A nil clock
// falls back to time.Now.
func NewRedis(ctx context.Context, cfg RedisConfig, clock func() time.Time) (*RedisStore, error) {
	if clock == nil {
		clock = time.Now
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     50,
		MinIdleConns: 5,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &RedisStore{client: client, now: clock}, nil
}

func (s *RedisStore) GetAggregate(ctx context.Context, key aggregate.Key) (aggregate.WindowAggregate, error) {
	var w aggregate.WindowAggregate
	data, err := s.client.Get(ctx, aggregateKeyPrefix+key.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return w, ErrNotFound
	}
	if err != nil {
		return w, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return w, fmt.Errorf("decode aggregate %s: %w", key, err)
	}
	return w, nil
}

func (s *RedisStore) PutAggregate(ctx context.Context, w aggregate.WindowAggregate) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("encode aggregate: %w", err)
	}
	if err := s.client.Set(ctx, aggregateKeyPrefix+w.Key().String(), data, aggregateRetention).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) AppendEvent(ctx context.Context, ev telemetry.AnomalyEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	pipe := s.client.Pipeline()
	pipe.LPush(ctx, eventsKey, data)
	pipe.LTrim(ctx, eventsKey, 0, eventsCap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) RecentEvents(ctx context.Context, horizon time.Duration, limit int) ([]telemetry.AnomalyEvent, error) {
	if limit <= 0 || limit > eventsCap {
		limit = eventsCap
	}
	raw, err := s.client.LRange(ctx, eventsKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return decodeRecentEvents(raw, s.now(), horizon), nil
}

// decodeRecentEvents parses the stored list entries, dropping undecodable
// items and, when a horizon is set, events older than now-horizon.
func decodeRecentEvents(raw []string, now time.Time, horizon time.Duration) []telemetry.AnomalyEvent {
	cutoff := now.Add(-horizon)
	out := make([]telemetry.AnomalyEvent, 0, len(raw))
	for _, item := range raw {
		var ev telemetry.AnomalyEvent
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			continue
		}
		if horizon > 0 && ev.Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
