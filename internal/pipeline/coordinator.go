// internal/pipeline/coordinator.go
// The coordinator owns the ingestion loop. Raw messages are hash-sharded by
// device id onto worker queues, so readings for one device are always
// processed in arrival order by a single goroutine while distinct devices
// run in parallel. A periodic sweep closes expired windows, evicts stale
// cache entries, drains the store write buffer, and raises device-inactive
// pattern events.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/aggregate"
	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/cache"
	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/detect"
	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/metrics"
	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/notify"
	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/recommend"
	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/store"
	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/telemetry"
)

// Config tunes the coordinator.
type Config struct {
	// Shards is the worker count; device id hashes pick the shard.
	Shards int
	// QueueDepth bounds each shard's intake queue.
	QueueDepth int
	// SweepInterval paces window closure, cache eviction, and buffer flush.
	SweepInterval time.Duration
	// CloseMargin delays window closure past the window end so late readings
	// inside the lateness tolerance still land.
	CloseMargin time.Duration
	// InactiveAfter raises a pattern anomaly when a known device stays
	// silent this long.
	InactiveAfter time.Duration
	// CacheTTL maps window kinds to lookaside TTLs.
	CacheTTL map[aggregate.Kind]time.Duration
	// EventHorizon bounds dashboard anomaly queries.
	EventHorizon time.Duration
	// RecommendTimeout bounds each advisor call.
	RecommendTimeout time.Duration
}

// DefaultConfig mirrors the production deployment values.
func DefaultConfig() Config {
	return Config{
		Shards:        8,
		QueueDepth:    1024,
		SweepInterval: 30 * time.Second,
		CloseMargin:   10 * time.Minute,
		InactiveAfter: 2 * time.Hour,
		CacheTTL: map[aggregate.Kind]time.Duration{
			aggregate.KindHour:  30 * time.Second,
			aggregate.KindDay:   5 * time.Minute,
			aggregate.KindWeek:  time.Hour,
			aggregate.KindMonth: 6 * time.Hour,
		},
		EventHorizon:     7 * 24 * time.Hour,
		RecommendTimeout: 5 * time.Second,
	}
}

// AdviceRecord pairs an anomaly with the recommendation produced for it;
// the dashboard renders the recent tail.
type AdviceRecord struct {
	Event          telemetry.AnomalyEvent   `json:"event"`
	Recommendation recommend.Recommendation `json:"recommendation"`
	At             time.Time                `json:"at"`
}

// Coordinator routes readings through normalize → aggregate → classify and
// dispatches the results. Construct with New, start with Run.
type Coordinator struct {
	cfg Config
	lg  *slog.Logger
	now func() time.Time

	normalizer *telemetry.Normalizer
	aggregator *aggregate.Aggregator
	// One detector per shard: profiles partition with devices, so shard
	// confinement gives per-device serialization without a global lock.
	detectors []*detect.Detector
	cache     *cache.Cache[aggregate.WindowAggregate]
	store     *store.Buffered
	notifier  notify.Notifier
	advisor   recommend.Advisor

	queues []chan telemetry.RawMessage
	// qmu serializes Submit's enqueue against queue closure during drain so a
	// producer can never send on a closed shard queue.
	qmu      sync.RWMutex
	draining bool
	wg       sync.WaitGroup

	mu            sync.Mutex
	advice        []AdviceRecord
	inactiveAlert map[string]time.Time
}

// New wires a coordinator. notifier and advisor may not be nil; use no-op
// implementations in tests.
func New(
	cfg Config,
	normalizer *telemetry.Normalizer,
	aggregator *aggregate.Aggregator,
	detectorCfg detect.Config,
	agCache *cache.Cache[aggregate.WindowAggregate],
	buffered *store.Buffered,
	notifier notify.Notifier,
	advisor recommend.Advisor,
	lg *slog.Logger,
	clock func() time.Time,
) *Coordinator {
	def := DefaultConfig()
	if cfg.Shards <= 0 {
		cfg.Shards = def.Shards
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = def.QueueDepth
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.CloseMargin <= 0 {
		cfg.CloseMargin = def.CloseMargin
	}
	if cfg.InactiveAfter <= 0 {
		cfg.InactiveAfter = def.InactiveAfter
	}
	if len(cfg.CacheTTL) == 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.EventHorizon <= 0 {
		cfg.EventHorizon = def.EventHorizon
	}
	if cfg.RecommendTimeout <= 0 {
		cfg.RecommendTimeout = def.RecommendTimeout
	}
	if clock == nil {
		clock = time.Now
	}

	c := &Coordinator{
		cfg:           cfg,
		lg:            lg,
		now:           clock,
		normalizer:    normalizer,
		aggregator:    aggregator,
		cache:         agCache,
		store:         buffered,
		notifier:      notifier,
		advisor:       advisor,
		inactiveAlert: make(map[string]time.Time),
	}
	c.detectors = make([]*detect.Detector, cfg.Shards)
	c.queues = make([]chan telemetry.RawMessage, cfg.Shards)
	for i := 0; i < cfg.Shards; i++ {
		c.detectors[i] = detect.New(detectorCfg, lg.With(slog.Int("shard", i)))
		c.queues[i] = make(chan telemetry.RawMessage, cfg.QueueDepth)
	}
	return c
}

// Submit enqueues a raw message for processing. Returns false when shutting
// down or when the target shard's queue is full; the caller drops the
// message either way.
func (c *Coordinator) Submit(msg telemetry.RawMessage) bool {
	c.qmu.RLock()
	defer c.qmu.RUnlock()
	if c.draining {
		return false
	}
	select {
	case c.queues[c.shardFor(msg.DeviceID)] <- msg:
		return true
	default:
		return false
	}
}

func (c *Coordinator) shardFor(deviceID any) int {
	h := fnv.New32a()
	fmt.Fprint(h, deviceID)
	return int(h.Sum32() % uint32(len(c.queues)))
}

// Run starts the shard workers and the sweep loop and blocks until ctx is
// cancelled. On cancellation intake stops, in-flight messages drain, the
// store buffer flushes, and the notifier closes.
func (c *Coordinator) Run(ctx context.Context) error {
	for i := range c.queues {
		c.wg.Add(1)
		go c.worker(i)
	}

	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		ticker := time.NewTicker(c.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sweep(context.Background())
			}
		}
	}()

	<-ctx.Done()
	c.lg.Info("pipeline_draining")
	c.qmu.Lock()
	c.draining = true
	for _, q := range c.queues {
		close(q)
	}
	c.qmu.Unlock()
	c.wg.Wait()
	<-sweepDone

	// Final sweep persists whatever closed during drain and flushes parked
	// writes before the process exits.
	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c.sweep(flushCtx)
	if err := c.notifier.Close(); err != nil {
		c.lg.Error("notifier_close", slog.Any("err", err))
	}
	c.lg.Info("pipeline_stopped")
	return ctx.Err()
}

func (c *Coordinator) worker(shard int) {
	defer c.wg.Done()
	for msg := range c.queues[shard] {
		c.process(shard, msg)
	}
}

func (c *Coordinator) process(shard int, msg telemetry.RawMessage) {
	started := time.Now()
	defer func() {
		metrics.ClassifyDuration.Observe(time.Since(started).Seconds())
	}()

	reading, err := c.normalizer.Normalize(msg)
	if err != nil {
		src := string(msg.Source)
		if src == "" {
			src = "unknown"
		}
		if errors.Is(err, telemetry.ErrDuplicate) {
			metrics.ReadingsTotal.WithLabelValues("duplicate", src).Inc()
			return
		}
		metrics.ReadingsTotal.WithLabelValues("rejected", src).Inc()
		c.lg.Warn("reading_rejected", slog.Any("err", err))
		return
	}

	upd := c.aggregator.Update(reading)
	outcome := "accepted"
	if upd.Late {
		outcome = "late"
	} else {
		// Late readings update historical windows but never refresh the
		// current-snapshot cache entries.
		for _, w := range upd.Touched {
			c.cache.SetTTL(cacheKey(w.DeviceID, w.Kind), w, c.cfg.CacheTTL[w.Kind])
		}
	}
	metrics.ReadingsTotal.WithLabelValues(outcome, string(reading.Source)).Inc()

	res := c.detectors[shard].Classify(reading)
	if res.LevelShift {
		metrics.LevelShiftsTotal.Inc()
	}
	if res.Event != nil {
		c.dispatch(*res.Event, upd.Touched)
	}
}

// dispatch persists and fans an anomaly out to the collaborators. Failures
// are logged and counted but never block or fail ingestion.
func (c *Coordinator) dispatch(ev telemetry.AnomalyEvent, recent []aggregate.WindowAggregate) {
	metrics.AnomaliesTotal.WithLabelValues(string(ev.Reason), string(ev.Severity)).Inc()
	c.lg.Info("anomaly_detected",
		slog.String("device", ev.DeviceID),
		slog.String("reason", string(ev.Reason)),
		slog.String("severity", string(ev.Severity)),
		slog.Float64("score", ev.Score))

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RecommendTimeout)
	defer cancel()

	if err := c.store.AppendEvent(ctx, ev); err != nil {
		c.lg.Error("event_append_failed", slog.String("event", ev.ID), slog.Any("err", err))
	}
	if err := c.notifier.Publish(ctx, ev); err != nil {
		// Publish already logged; the breaker-guarded writer retries on the
		// next event.
		_ = err
	}

	rec := c.advisor.Recommend(ctx, recommend.FeatureSummary{
		DeviceID:   ev.DeviceID,
		Reason:     ev.Reason,
		Severity:   ev.Severity,
		Value:      ev.Value,
		Score:      ev.Score,
		Timestamp:  ev.Timestamp,
		Aggregates: recent,
	})
	c.recordAdvice(AdviceRecord{Event: ev, Recommendation: rec, At: c.now()})
}

func (c *Coordinator) recordAdvice(rec AdviceRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advice = append(c.advice, rec)
	if len(c.advice) > 200 {
		c.advice = c.advice[len(c.advice)-200:]
	}
}

// sweep is the periodic housekeeping pass.
func (c *Coordinator) sweep(ctx context.Context) {
	closed := c.aggregator.CloseExpired(c.cfg.CloseMargin)
	for _, w := range closed {
		if err := c.store.PutAggregate(ctx, w); err != nil {
			c.lg.Error("aggregate_persist_failed", slog.String("key", w.Key().String()), slog.Any("err", err))
		}
		// A closed window is no longer the current snapshot for its kind.
		c.cache.Invalidate(cacheKey(w.DeviceID, w.Kind))
		metrics.WindowsClosed.Inc()
	}

	evicted := c.cache.Sweep()
	if evicted > 0 {
		c.lg.Debug("cache_swept", slog.Int("evicted", evicted))
	}

	c.store.Flush(ctx)
	metrics.StoreBufferPending.Set(float64(c.store.Pending()))

	c.checkInactive()
}

// checkInactive raises a pattern anomaly for devices silent past the
// threshold, at most once per silence episode.
func (c *Coordinator) checkInactive() {
	now := c.now()
	for shard, det := range c.detectors {
		for deviceID, last := range det.LastSeen() {
			silent := now.Sub(last)
			if silent < c.cfg.InactiveAfter {
				c.mu.Lock()
				delete(c.inactiveAlert, deviceID)
				c.mu.Unlock()
				continue
			}
			c.mu.Lock()
			_, alerted := c.inactiveAlert[deviceID]
			if !alerted {
				c.inactiveAlert[deviceID] = now
			}
			c.mu.Unlock()
			if alerted {
				continue
			}
			ev := telemetry.AnomalyEvent{
				ID:        uuid.NewString(),
				DeviceID:  deviceID,
				Timestamp: now,
				Score:     silent.Hours(),
				Reason:    telemetry.ReasonPattern,
				Severity:  telemetry.SeverityMedium,
				Message:   fmt.Sprintf("device silent for %.1f hours", silent.Hours()),
			}
			c.lg.Warn("device_inactive",
				slog.String("device", deviceID),
				slog.Int("shard", shard),
				slog.Duration("silent", silent))
			c.dispatch(ev, nil)
		}
	}
}

func cacheKey(deviceID string, kind aggregate.Kind) string {
	return deviceID + "|" + string(kind)
}

// ReadAggregate serves the dashboard: cache first, then the open in-memory
// window, then the persistent store (re-seeding memory on the way back).
func (c *Coordinator) ReadAggregate(ctx context.Context, deviceID string, kind aggregate.Kind) (aggregate.WindowAggregate, error) {
	key := cacheKey(deviceID, kind)
	if w, ok := c.cache.Get(key); ok {
		return w, nil
	}
	if w, ok := c.aggregator.Current(deviceID, kind); ok {
		c.cache.SetTTL(key, w, c.cfg.CacheTTL[kind])
		return w, nil
	}
	w, err := c.store.GetAggregate(ctx, aggregate.Key{
		DeviceID: deviceID,
		Kind:     kind,
		Start:    kind.Start(c.now()),
	})
	if err != nil {
		return aggregate.WindowAggregate{}, err
	}
	c.aggregator.Restore(w)
	c.cache.SetTTL(key, w, c.cfg.CacheTTL[kind])
	return w, nil
}

// RecentAnomalies serves the dashboard's anomaly feed from the store.
func (c *Coordinator) RecentAnomalies(ctx context.Context, limit int) ([]telemetry.AnomalyEvent, error) {
	return c.store.RecentEvents(ctx, c.cfg.EventHorizon, limit)
}

// RecentAdvice returns the newest recommendation records, newest last.
func (c *Coordinator) RecentAdvice(limit int) []AdviceRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	if limit <= 0 || limit > len(c.advice) {
		limit = len(c.advice)
	}
	out := make([]AdviceRecord, limit)
	copy(out, c.advice[len(c.advice)-limit:])
	return out
}

// Devices lists every device with live aggregate state.
func (c *Coordinator) Devices() []string {
	return c.aggregator.Devices()
}
