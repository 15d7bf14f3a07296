// internal/aggregate/aggregator.go
// Rolling per-device windowed statistics. One Update touches the hour, day,
// week and month windows containing the reading timestamp; variance uses
// Welford's online algorithm so long windows do not suffer catastrophic
// cancellation.
package aggregate

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/telemetry"
)

// WindowAggregate holds the running statistics for one (device, kind, start)
// bucket. Mutated only by the Aggregator; once Closed it is immutable.
type WindowAggregate struct {
	DeviceID string    `json:"deviceId"`
	Kind     Kind      `json:"kind"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`

	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
	M2    float64 `json:"m2"` // sum of squared deviations from the running mean
	Mean  float64 `json:"mean"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	// LateCount is how many of Count arrived past the lateness tolerance.
	LateCount int64 `json:"lateCount,omitempty"`

	Closed bool `json:"closed"`
}

// Variance returns the population variance of the window.
func (w WindowAggregate) Variance() float64 {
	if w.Count < 2 {
		return 0
	}
	return w.M2 / float64(w.Count)
}

// StdDev returns the population standard deviation of the window.
func (w WindowAggregate) StdDev() float64 {
	return math.Sqrt(w.Variance())
}

// Key returns the identifying key of this aggregate.
func (w WindowAggregate) Key() Key {
	return Key{DeviceID: w.DeviceID, Kind: w.Kind, Start: w.Start}
}

func (w *WindowAggregate) observe(v float64) {
	w.Count++
	delta := v - w.Mean
	w.Mean += delta / float64(w.Count)
	w.M2 += delta * (v - w.Mean)
	w.Sum += v
	if w.Count == 1 || v < w.Min {
		w.Min = v
	}
	if w.Count == 1 || v > w.Max {
		w.Max = v
	}
}

// openWindow pairs a window's full historical record with a timely view
// that excludes late arrivals. Reads of open windows serve the timely view;
// closure persists the full record.
type openWindow struct {
	full   WindowAggregate
	timely WindowAggregate
}

// Update is the result of folding one reading into the aggregator.
type Update struct {
	// Touched lists current-view snapshots of the windows the reading landed
	// in, one per kind. A late reading lands only in the full historical
	// records, so its snapshots here are unchanged.
	Touched []WindowAggregate
	// Late is set when the reading was older than the lateness tolerance. It
	// still updated its historical windows but is excluded from current
	// snapshots.
	Late bool
}

// Config bounds the aggregator's tolerance for stale input.
type Config struct {
	// Lateness is the maximum accepted delay between a reading timestamp and
	// its arrival before the reading counts as historical-only.
	Lateness time.Duration
}

// Aggregator maintains the open windows for every device. Callers must
// serialize updates per device; the coordinator does so by hash-sharding.
// Distinct devices may update concurrently.
type Aggregator struct {
	cfg Config
	lg  *slog.Logger
	now func() time.Time

	mu      sync.RWMutex
	windows map[Key]*openWindow
}

// New builds an aggregator; a nil clock falls back to time.Now.
func New(cfg Config, lg *slog.Logger, clock func() time.Time) *Aggregator {
	if clock == nil {
		clock = time.Now
	}
	if cfg.Lateness <= 0 {
		cfg.Lateness = 10 * time.Minute
	}
	return &Aggregator{
		cfg:     cfg,
		lg:      lg,
		now:     clock,
		windows: make(map[Key]*openWindow),
	}
}

// Update folds a validated reading into every window kind containing its
// timestamp and returns copies of the touched aggregates. Closed windows are
// never reopened; a reading aimed at one is dropped from that bucket only.
func (a *Aggregator) Update(r telemetry.Reading) Update {
	late := a.now().Sub(r.Timestamp) > a.cfg.Lateness

	a.mu.Lock()
	defer a.mu.Unlock()

	out := Update{Late: late, Touched: make([]WindowAggregate, 0, 4)}
	for _, kind := range Kinds() {
		start := kind.Start(r.Timestamp)
		key := Key{DeviceID: r.DeviceID, Kind: kind, Start: start}
		w, ok := a.windows[key]
		if !ok {
			base := WindowAggregate{
				DeviceID: r.DeviceID,
				Kind:     kind,
				Start:    start,
				End:      kind.End(start),
			}
			w = &openWindow{full: base, timely: base}
			a.windows[key] = w
		}
		if w.full.Closed {
			a.lg.Warn("reading_for_closed_window",
				slog.String("device", r.DeviceID),
				slog.String("kind", string(kind)),
				slog.Time("window_start", start))
			continue
		}
		w.full.observe(r.Value)
		if late {
			w.full.LateCount++
		} else {
			w.timely.observe(r.Value)
		}
		out.Touched = append(out.Touched, w.timely)
	}
	return out
}

// Get returns a copy of the full historical aggregate for key, if present.
func (a *Aggregator) Get(key Key) (WindowAggregate, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	w, ok := a.windows[key]
	if !ok {
		return WindowAggregate{}, false
	}
	return w.full, true
}

// Current returns the timely view of the open aggregate containing now for
// the given device and kind, creating nothing. Late arrivals are absent from
// this view; they appear only in the full record Get and closure return.
func (a *Aggregator) Current(deviceID string, kind Kind) (WindowAggregate, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	w, ok := a.windows[Key{DeviceID: deviceID, Kind: kind, Start: kind.Start(a.now())}]
	if !ok {
		return WindowAggregate{}, false
	}
	return w.timely, true
}

// CloseExpired marks every window whose end (plus the retention margin) has
// passed as closed and returns copies of the newly closed aggregates so the
// caller can persist and evict them. Closed windows older than the margin are
// dropped from memory.
func (a *Aggregator) CloseExpired(margin time.Duration) []WindowAggregate {
	now := a.now()

	a.mu.Lock()
	defer a.mu.Unlock()

	var closed []WindowAggregate
	for key, w := range a.windows {
		if !w.full.Closed && now.After(w.full.End.Add(margin)) {
			w.full.Closed = true
			w.timely.Closed = true
			closed = append(closed, w.full)
			continue
		}
		// Retain closed windows for one extra margin so late dashboard reads
		// can still hit memory, then evict.
		if w.full.Closed && now.After(w.full.End.Add(2*margin)) {
			delete(a.windows, key)
		}
	}
	if len(closed) > 0 {
		a.lg.Info("windows_closed", slog.Int("count", len(closed)))
	}
	return closed
}

// Devices returns the distinct device ids with at least one open window.
func (a *Aggregator) Devices() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for key := range a.windows {
		if _, ok := seen[key.DeviceID]; ok {
			continue
		}
		seen[key.DeviceID] = struct{}{}
		out = append(out, key.DeviceID)
	}
	sort.Strings(out)
	return out
}

// Restore seeds an aggregate recovered from the persistent store. Used when
// rebuilding in-memory state after a restart; existing entries win. The
// persisted record is the full historical one, so it seeds both views.
func (a *Aggregator) Restore(w WindowAggregate) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := w.Key()
	if _, ok := a.windows[key]; ok {
		return
	}
	a.windows[key] = &openWindow{full: w, timely: w}
}
