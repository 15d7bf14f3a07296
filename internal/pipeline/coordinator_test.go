// internal/pipeline/coordinator_test.go
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/aggregate"
	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/cache"
	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/detect"
	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/recommend"
	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/store"
	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/telemetry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an always-available in-memory Store.
type memStore struct {
	mu         sync.Mutex
	aggregates map[aggregate.Key]aggregate.WindowAggregate
	events     []telemetry.AnomalyEvent
}

func newMemStore() *memStore {
	return &memStore{aggregates: make(map[aggregate.Key]aggregate.WindowAggregate)}
}

func (s *memStore) GetAggregate(_ context.Context, key aggregate.Key) (aggregate.WindowAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.aggregates[key]
	if !ok {
		return aggregate.WindowAggregate{}, store.ErrNotFound
	}
	return w, nil
}

func (s *memStore) PutAggregate(_ context.Context, w aggregate.WindowAggregate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aggregates[w.Key()] = w
	return nil
}

func (s *memStore) AppendEvent(_ context.Context, ev telemetry.AnomalyEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *memStore) RecentEvents(_ context.Context, _ time.Duration, limit int) ([]telemetry.AnomalyEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]telemetry.AnomalyEvent(nil), s.events...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) Ping(context.Context) error { return nil }
func (s *memStore) Close() error               { return nil }

func (s *memStore) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// recordingNotifier captures published events.
type recordingNotifier struct {
	mu     sync.Mutex
	events []telemetry.AnomalyEvent
}

func (n *recordingNotifier) Publish(_ context.Context, ev telemetry.AnomalyEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) Close() error { return nil }

func (n *recordingNotifier) published() []telemetry.AnomalyEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]telemetry.AnomalyEvent(nil), n.events...)
}

type staticAdvisor struct{}

func (staticAdvisor) Recommend(context.Context, recommend.FeatureSummary) recommend.Recommendation {
	return recommend.Recommendation{Text: "check the appliance"}
}

type harness struct {
	coord    *Coordinator
	store    *memStore
	notifier *recordingNotifier
	clock    *time.Time
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	now := time.Date(2025, 3, 12, 14, 0, 0, 0, time.UTC)
	clock := &now
	tick := func() time.Time { return *clock }

	mem := newMemStore()
	notifier := &recordingNotifier{}
	lg := discardLogger()

	coord := New(
		cfg,
		telemetry.NewNormalizer(telemetry.NormalizerConfig{}, tick),
		aggregate.New(aggregate.Config{Lateness: 10 * time.Minute}, lg, tick),
		detect.Config{},
		cache.New[aggregate.WindowAggregate](30*time.Second, nil, tick),
		store.NewBuffered(mem, 0, lg),
		notifier,
		staticAdvisor{},
		lg,
		tick,
	)
	return &harness{coord: coord, store: mem, notifier: notifier, clock: clock}
}

func (h *harness) raw(device string, v float64) telemetry.RawMessage {
	return telemetry.RawMessage{
		DeviceID:  device,
		Timestamp: h.clock.Format(time.RFC3339),
		Value:     v,
		Source:    telemetry.SourceMQTT,
	}
}

// warm seeds a credible baseline on the shard that owns the device.
func (h *harness) warm(device string, mean, variance float64) {
	p := h.coord.detectors[h.coord.shardFor(device)].Profile(device)
	p.Mean = mean
	p.Variance = variance
	p.Samples = 20
}

func TestProcessUpdatesWindowsAndCache(t *testing.T) {
	h := newHarness(t, Config{})

	msg := h.raw("dev-1", 2.5)
	h.coord.process(h.coord.shardFor("dev-1"), msg)

	w, err := h.coord.ReadAggregate(context.Background(), "dev-1", aggregate.KindHour)
	if err != nil {
		t.Fatalf("read aggregate: %v", err)
	}
	if w.Count != 1 || w.Sum != 2.5 {
		t.Fatalf("hour window: %+v", w)
	}
	if _, ok := h.coord.cache.Get(cacheKey("dev-1", aggregate.KindHour)); !ok {
		t.Fatalf("write-through cache entry missing")
	}
}

func TestProcessDropsInvalidAndDuplicate(t *testing.T) {
	h := newHarness(t, Config{})
	shard := h.coord.shardFor("dev-1")

	h.coord.process(shard, telemetry.RawMessage{DeviceID: "dev-1", Timestamp: h.clock.Format(time.RFC3339), Value: -4.0})
	if devices := h.coord.Devices(); len(devices) != 0 {
		t.Fatalf("invalid reading created state: %v", devices)
	}

	msg := h.raw("dev-1", 1.0)
	h.coord.process(shard, msg)
	h.coord.process(shard, msg) // redelivery
	w, _ := h.coord.ReadAggregate(context.Background(), "dev-1", aggregate.KindHour)
	if w.Count != 1 {
		t.Fatalf("duplicate counted: %d", w.Count)
	}
}

func TestAnomalyDispatchedToCollaborators(t *testing.T) {
	h := newHarness(t, Config{})
	h.warm("dev-1", 10, 0.64)

	h.coord.process(h.coord.shardFor("dev-1"), h.raw("dev-1", 50))

	published := h.notifier.published()
	if len(published) != 1 {
		t.Fatalf("published %d events", len(published))
	}
	ev := published[0]
	if ev.Reason != telemetry.ReasonStatistical || ev.Severity != telemetry.SeverityHigh {
		t.Fatalf("event: %+v", ev)
	}
	if ev.ID == "" {
		t.Fatalf("event missing id")
	}

	if h.store.eventCount() != 1 {
		t.Fatalf("event not persisted")
	}
	advice := h.coord.RecentAdvice(10)
	if len(advice) != 1 || advice[0].Recommendation.Text != "check the appliance" {
		t.Fatalf("advice: %+v", advice)
	}

	events, err := h.coord.RecentAnomalies(context.Background(), 10)
	if err != nil || len(events) != 1 {
		t.Fatalf("recent anomalies: %v %v", events, err)
	}
}

func TestSweepClosesWindowsAndPersists(t *testing.T) {
	h := newHarness(t, Config{CloseMargin: 10 * time.Minute})

	h.coord.process(h.coord.shardFor("dev-1"), h.raw("dev-1", 2.0))
	hourKey := aggregate.Key{DeviceID: "dev-1", Kind: aggregate.KindHour, Start: aggregate.KindHour.Start(*h.clock)}

	*h.clock = h.clock.Add(time.Hour + 11*time.Minute)
	h.coord.sweep(context.Background())

	w, err := h.store.GetAggregate(context.Background(), hourKey)
	if err != nil {
		t.Fatalf("closed window not persisted: %v", err)
	}
	if !w.Closed || w.Count != 1 {
		t.Fatalf("persisted window: %+v", w)
	}
	if _, ok := h.coord.cache.Get(cacheKey("dev-1", aggregate.KindHour)); ok {
		t.Fatalf("closed window still cached as current")
	}
}

func TestReadAggregateFallsBackToStore(t *testing.T) {
	h := newHarness(t, Config{})
	start := aggregate.KindDay.Start(*h.clock)
	persisted := aggregate.WindowAggregate{
		DeviceID: "dev-1",
		Kind:     aggregate.KindDay,
		Start:    start,
		End:      aggregate.KindDay.End(start),
		Count:    12,
		Sum:      30,
		Mean:     2.5,
	}
	if err := h.store.PutAggregate(context.Background(), persisted); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	w, err := h.coord.ReadAggregate(context.Background(), "dev-1", aggregate.KindDay)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if w.Count != 12 {
		t.Fatalf("store fallback returned %+v", w)
	}
	// The read re-seeds memory and cache.
	if _, ok := h.coord.cache.Get(cacheKey("dev-1", aggregate.KindDay)); !ok {
		t.Fatalf("fallback read did not refresh the cache")
	}
}

func TestInactiveDeviceAlertOncePerSilence(t *testing.T) {
	h := newHarness(t, Config{InactiveAfter: 2 * time.Hour})

	h.coord.process(h.coord.shardFor("dev-1"), h.raw("dev-1", 1.0))

	*h.clock = h.clock.Add(3 * time.Hour)
	h.coord.sweep(context.Background())
	h.coord.sweep(context.Background())

	var inactive []telemetry.AnomalyEvent
	for _, ev := range h.notifier.published() {
		if strings.Contains(ev.Message, "silent") {
			inactive = append(inactive, ev)
		}
	}
	if len(inactive) != 1 {
		t.Fatalf("inactive alerts: %d", len(inactive))
	}
	if inactive[0].Reason != telemetry.ReasonPattern {
		t.Fatalf("reason: %s", inactive[0].Reason)
	}

	// The device coming back clears the episode; a later silence alerts again.
	*h.clock = h.clock.Add(time.Minute)
	h.coord.process(h.coord.shardFor("dev-1"), h.raw("dev-1", 1.1))
	h.coord.sweep(context.Background())
	*h.clock = h.clock.Add(3 * time.Hour)
	h.coord.sweep(context.Background())

	inactive = inactive[:0]
	for _, ev := range h.notifier.published() {
		if strings.Contains(ev.Message, "silent") {
			inactive = append(inactive, ev)
		}
	}
	if len(inactive) != 2 {
		t.Fatalf("alerts after second silence: %d", len(inactive))
	}
}

func TestSubmitShardsAreSticky(t *testing.T) {
	h := newHarness(t, Config{Shards: 4})
	if a, b := h.coord.shardFor("dev-1"), h.coord.shardFor("dev-1"); a != b {
		t.Fatalf("device hashed to different shards: %d vs %d", a, b)
	}
}

func TestSubmitDuringShutdownNeverPanics(t *testing.T) {
	h := newHarness(t, Config{Shards: 4, QueueDepth: 8, SweepInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.coord.Run(ctx) }()

	// Producers hammer Submit while the coordinator tears down; a send on a
	// closed shard queue would panic and fail the test.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			device := fmt.Sprintf("dev-%d", n)
			for {
				select {
				case <-stop:
					return
				default:
					h.coord.Submit(h.raw(device, 1.0))
				}
			}
		}(i)
	}

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("coordinator did not stop")
	}

	close(stop)
	wg.Wait()
	if h.coord.Submit(h.raw("dev-0", 1.0)) {
		t.Fatalf("submit accepted after shutdown")
	}
}

func TestLateReadingNotServedAsCurrent(t *testing.T) {
	h := newHarness(t, Config{})

	// 14:30 wall clock, reading stamped 14:05: inside the current hour window
	// but past the 10m lateness tolerance.
	*h.clock = h.clock.Add(30 * time.Minute)
	msg := telemetry.RawMessage{
		DeviceID:  "dev-1",
		Timestamp: h.clock.Add(-25 * time.Minute).Format(time.RFC3339),
		Value:     42.0,
		Source:    telemetry.SourceMQTT,
	}
	h.coord.process(h.coord.shardFor("dev-1"), msg)

	w, err := h.coord.ReadAggregate(context.Background(), "dev-1", aggregate.KindHour)
	if err != nil {
		t.Fatalf("read aggregate: %v", err)
	}
	if w.Count != 0 || w.Sum != 0 {
		t.Fatalf("late reading served in the current view: %+v", w)
	}

	// It still reaches the historical record persisted at closure.
	*h.clock = h.clock.Add(time.Hour)
	h.coord.sweep(context.Background())
	hourKey := aggregate.Key{DeviceID: "dev-1", Kind: aggregate.KindHour, Start: aggregate.KindHour.Start(h.clock.Add(-85 * time.Minute))}
	full, err := h.store.GetAggregate(context.Background(), hourKey)
	if err != nil {
		t.Fatalf("historical window not persisted: %v", err)
	}
	if full.Count != 1 || full.LateCount != 1 || full.Sum != 42 {
		t.Fatalf("historical record: %+v", full)
	}
}

func TestRunDrainsQueuesOnShutdown(t *testing.T) {
	h := newHarness(t, Config{Shards: 2, QueueDepth: 64, SweepInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.coord.Run(ctx) }()

	const n = 40
	for i := 0; i < n; i++ {
		device := fmt.Sprintf("dev-%d", i%4)
		msg := telemetry.RawMessage{
			DeviceID:  device,
			Timestamp: h.clock.Add(time.Duration(i) * time.Second).Format(time.RFC3339),
			Value:     1.0,
			Source:    telemetry.SourceMQTT,
		}
		if !h.coord.Submit(msg) {
			t.Fatalf("submit %d rejected", i)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("coordinator did not stop")
	}

	if h.coord.Submit(h.raw("dev-9", 1.0)) {
		t.Fatalf("submit accepted after shutdown")
	}

	var total int64
	for i := 0; i < 4; i++ {
		w, err := h.coord.ReadAggregate(context.Background(), fmt.Sprintf("dev-%d", i), aggregate.KindHour)
		if err != nil {
			t.Fatalf("dev-%d: %v", i, err)
		}
		total += w.Count
	}
	if total != n {
		t.Fatalf("drained %d of %d readings", total, n)
	}
}
