// internal/store/buffer_test.go
package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/aggregate"
	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/telemetry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// flakyStore is an in-memory Store whose availability tests can toggle.
type flakyStore struct {
	mu         sync.Mutex
	down       bool
	aggregates map[aggregate.Key]aggregate.WindowAggregate
	events     []telemetry.AnomalyEvent
}

func newFlakyStore() *flakyStore {
	return &flakyStore{aggregates: make(map[aggregate.Key]aggregate.WindowAggregate)}
}

func (s *flakyStore) setDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

func (s *flakyStore) GetAggregate(_ context.Context, key aggregate.Key) (aggregate.WindowAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return aggregate.WindowAggregate{}, fmt.Errorf("%w: connection refused", ErrUnavailable)
	}
	w, ok := s.aggregates[key]
	if !ok {
		return aggregate.WindowAggregate{}, ErrNotFound
	}
	return w, nil
}

func (s *flakyStore) PutAggregate(_ context.Context, w aggregate.WindowAggregate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return fmt.Errorf("%w: connection refused", ErrUnavailable)
	}
	s.aggregates[w.Key()] = w
	return nil
}

func (s *flakyStore) AppendEvent(_ context.Context, ev telemetry.AnomalyEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return fmt.Errorf("%w: connection refused", ErrUnavailable)
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *flakyStore) RecentEvents(_ context.Context, _ time.Duration, limit int) ([]telemetry.AnomalyEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return nil, fmt.Errorf("%w: connection refused", ErrUnavailable)
	}
	out := append([]telemetry.AnomalyEvent(nil), s.events...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *flakyStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return fmt.Errorf("%w: connection refused", ErrUnavailable)
	}
	return nil
}

func (s *flakyStore) Close() error { return nil }

func window(device string, count int64) aggregate.WindowAggregate {
	start := aggregate.KindHour.Start(time.Date(2025, 3, 12, 14, 0, 0, 0, time.UTC))
	return aggregate.WindowAggregate{
		DeviceID: device,
		Kind:     aggregate.KindHour,
		Start:    start,
		End:      aggregate.KindHour.End(start),
		Count:    count,
	}
}

func event(id string) telemetry.AnomalyEvent {
	return telemetry.AnomalyEvent{
		ID:        id,
		DeviceID:  "dev-1",
		Timestamp: time.Date(2025, 3, 12, 14, 0, 0, 0, time.UTC),
		Reason:    telemetry.ReasonStatistical,
		Severity:  telemetry.SeverityHigh,
	}
}

func TestWritesPassThroughWhenHealthy(t *testing.T) {
	inner := newFlakyStore()
	b := NewBuffered(inner, 10, discardLogger())

	if err := b.PutAggregate(context.Background(), window("dev-1", 3)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := b.AppendEvent(context.Background(), event("ev-1")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if b.Pending() != 0 {
		t.Fatalf("healthy writes parked: %d pending", b.Pending())
	}
	if len(inner.events) != 1 || len(inner.aggregates) != 1 {
		t.Fatalf("inner store missed writes: %d aggs, %d events", len(inner.aggregates), len(inner.events))
	}
}

func TestOutageParksWritesAndFlushDrains(t *testing.T) {
	inner := newFlakyStore()
	b := NewBuffered(inner, 10, discardLogger())
	inner.setDown(true)

	if err := b.PutAggregate(context.Background(), window("dev-1", 3)); err != nil {
		t.Fatalf("put during outage surfaced: %v", err)
	}
	if err := b.AppendEvent(context.Background(), event("ev-1")); err != nil {
		t.Fatalf("append during outage surfaced: %v", err)
	}
	if b.Pending() != 2 {
		t.Fatalf("pending: %d", b.Pending())
	}

	// Still down: flush drains nothing, loses nothing.
	if drained := b.Flush(context.Background()); drained != 0 {
		t.Fatalf("drained %d during outage", drained)
	}
	if b.Pending() != 2 {
		t.Fatalf("outage flush changed pending: %d", b.Pending())
	}

	inner.setDown(false)
	if drained := b.Flush(context.Background()); drained != 2 {
		t.Fatalf("drained %d after recovery, want 2", drained)
	}
	if b.Pending() != 0 {
		t.Fatalf("pending after drain: %d", b.Pending())
	}
	if len(inner.events) != 1 || inner.events[0].ID != "ev-1" {
		t.Fatalf("event did not reach the store: %v", inner.events)
	}
}

func TestParkedAggregateKeepsNewestVersion(t *testing.T) {
	inner := newFlakyStore()
	b := NewBuffered(inner, 10, discardLogger())
	inner.setDown(true)

	b.PutAggregate(context.Background(), window("dev-1", 3))
	b.PutAggregate(context.Background(), window("dev-1", 7))
	if b.Pending() != 1 {
		t.Fatalf("same-key writes parked separately: %d", b.Pending())
	}

	inner.setDown(false)
	b.Flush(context.Background())
	w := inner.aggregates[window("dev-1", 0).Key()]
	if w.Count != 7 {
		t.Fatalf("stale version persisted: count %d", w.Count)
	}
}

func TestEventBufferCapDropsOldest(t *testing.T) {
	inner := newFlakyStore()
	b := NewBuffered(inner, 3, discardLogger())
	inner.setDown(true)

	for i := 0; i < 5; i++ {
		b.AppendEvent(context.Background(), event(fmt.Sprintf("ev-%d", i)))
	}
	if b.Pending() != 3 {
		t.Fatalf("pending past cap: %d", b.Pending())
	}

	inner.setDown(false)
	b.Flush(context.Background())
	if len(inner.events) != 3 {
		t.Fatalf("persisted %d events", len(inner.events))
	}
	if inner.events[0].ID != "ev-2" {
		t.Fatalf("oldest not dropped: first persisted is %s", inner.events[0].ID)
	}
}

func TestNonTransportErrorsSurface(t *testing.T) {
	inner := newFlakyStore()
	b := NewBuffered(inner, 10, discardLogger())

	// ErrNotFound is a data answer, not an outage: it must pass through.
	_, err := b.GetAggregate(context.Background(), window("missing", 0).Key())
	if err != ErrNotFound {
		t.Fatalf("get: %v", err)
	}
}
