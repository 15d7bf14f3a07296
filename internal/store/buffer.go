// internal/store/buffer.go
package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/aggregate"
	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/telemetry"
)

// Buffered wraps a Store so writes survive outages: an aggregate or event
// that cannot reach the store is parked in memory and retried on Flush,
// which the coordinator calls from its periodic sweep and during shutdown.
// Reads pass straight through. Buffered is safe for concurrent use.
type Buffered struct {
	Store
	lg *slog.Logger

	// maxPending bounds memory during a long outage; beyond it the oldest
	// aggregates collapse into their newest version (same key overwrites),
	// events beyond the cap are counted as dropped and surfaced in logs.
	maxPending int

	mu         sync.Mutex
	aggregates map[aggregate.Key]aggregate.WindowAggregate
	events     []telemetry.AnomalyEvent
	dropped    int
}

// NewBuffered wraps inner with a retry buffer of at most maxPending events.
func NewBuffered(inner Store, maxPending int, lg *slog.Logger) *Buffered {
	if maxPending <= 0 {
		maxPending = 10000
	}
	return &Buffered{
		Store:      inner,
		lg:         lg,
		maxPending: maxPending,
		aggregates: make(map[aggregate.Key]aggregate.WindowAggregate),
	}
}

// PutAggregate attempts the write and parks it on store unavailability.
// Later versions of the same window overwrite earlier parked ones, so the
// buffer stays proportional to the number of open windows.
func (b *Buffered) PutAggregate(ctx context.Context, w aggregate.WindowAggregate) error {
	err := b.Store.PutAggregate(ctx, w)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrUnavailable) {
		return err
	}
	b.mu.Lock()
	b.aggregates[w.Key()] = w
	pending := len(b.aggregates)
	b.mu.Unlock()
	b.lg.Warn("aggregate_write_buffered",
		slog.String("key", w.Key().String()),
		slog.Int("pending", pending))
	return nil
}

// AppendEvent attempts the write and parks the event on unavailability.
func (b *Buffered) AppendEvent(ctx context.Context, ev telemetry.AnomalyEvent) error {
	err := b.Store.AppendEvent(ctx, ev)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrUnavailable) {
		return err
	}
	b.mu.Lock()
	if len(b.events) >= b.maxPending {
		b.events = b.events[1:]
		b.dropped++
	}
	b.events = append(b.events, ev)
	pending := len(b.events)
	dropped := b.dropped
	b.mu.Unlock()
	b.lg.Warn("event_write_buffered",
		slog.String("event", ev.ID),
		slog.Int("pending", pending),
		slog.Int("dropped_total", dropped))
	return nil
}

// Flush retries every parked write. Items that still fail stay parked.
// Returns the number of writes that drained.
func (b *Buffered) Flush(ctx context.Context) int {
	b.mu.Lock()
	aggs := make([]aggregate.WindowAggregate, 0, len(b.aggregates))
	for _, w := range b.aggregates {
		aggs = append(aggs, w)
	}
	events := append([]telemetry.AnomalyEvent(nil), b.events...)
	b.mu.Unlock()

	if len(aggs) == 0 && len(events) == 0 {
		return 0
	}

	drained := 0
	for _, w := range aggs {
		if err := b.Store.PutAggregate(ctx, w); err != nil {
			continue
		}
		b.mu.Lock()
		delete(b.aggregates, w.Key())
		b.mu.Unlock()
		drained++
	}
	var remaining []telemetry.AnomalyEvent
	for i, ev := range events {
		if err := b.Store.AppendEvent(ctx, ev); err != nil {
			remaining = append(remaining, events[i:]...)
			break
		}
		drained++
	}
	b.mu.Lock()
	// New events may have arrived while flushing; keep them after the
	// still-parked prefix.
	b.events = append(append([]telemetry.AnomalyEvent(nil), remaining...), b.events[len(events):]...)
	b.mu.Unlock()

	if drained > 0 {
		b.lg.Info("store_buffer_drained", slog.Int("writes", drained))
	}
	return drained
}

// Pending reports how many writes are parked.
func (b *Buffered) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.aggregates) + len(b.events)
}
