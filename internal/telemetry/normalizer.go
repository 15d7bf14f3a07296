// internal/telemetry/normalizer.go
package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Constraint names the specific validation rule a raw message violated.
type Constraint string

const (
	ConstraintDeviceID  Constraint = "device_id"
	ConstraintValue     Constraint = "value"
	ConstraintTimestamp Constraint = "timestamp"
	ConstraintSource    Constraint = "source"
)

// ValidationError tags a rejected message with the violated constraint so the
// caller can log and count it. Normalization failures never abort ingestion.
type ValidationError struct {
	Constraint Constraint
	Detail     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Constraint, e.Detail)
}

// IsValidation reports whether err (or anything it wraps) is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// RawMessage is the transport-agnostic inbound shape handed to the normalizer.
// Fields are `any` typed because upstream encoders disagree on number and
// timestamp representations.
type RawMessage struct {
	DeviceID  any    `json:"deviceId"`
	Timestamp any    `json:"timestamp"` // RFC3339(Nano), unix seconds or unix millis
	Value     any    `json:"value"`
	Source    Source `json:"source"`
}

// NormalizerConfig bounds what the normalizer accepts.
type NormalizerConfig struct {
	// MaxValue is the implausible-spike ceiling in the reading unit.
	MaxValue float64
	// MaxFutureSkew is how far a timestamp may sit ahead of wall clock.
	MaxFutureSkew time.Duration
	// DedupWindow is how long an identical (device, timestamp, value) triple
	// suppresses redelivery.
	DedupWindow time.Duration
}

// DefaultNormalizerConfig mirrors the plausibility bounds used in production.
func DefaultNormalizerConfig() NormalizerConfig {
	return NormalizerConfig{
		MaxValue:      100,
		MaxFutureSkew: 5 * time.Minute,
		DedupWindow:   2 * time.Minute,
	}
}

// Normalizer converts raw inbound messages into canonical readings and
// silently discards duplicates inside the dedup window. Safe for concurrent
// use.
type Normalizer struct {
	cfg NormalizerConfig
	now func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time // dedup key -> arrival time
}

// NewNormalizer builds a normalizer; a nil clock falls back to time.Now.
func NewNormalizer(cfg NormalizerConfig, clock func() time.Time) *Normalizer {
	if clock == nil {
		clock = time.Now
	}
	if cfg.MaxValue <= 0 {
		cfg.MaxValue = DefaultNormalizerConfig().MaxValue
	}
	if cfg.MaxFutureSkew <= 0 {
		cfg.MaxFutureSkew = DefaultNormalizerConfig().MaxFutureSkew
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultNormalizerConfig().DedupWindow
	}
	return &Normalizer{cfg: cfg, now: clock, seen: make(map[string]time.Time)}
}

// ErrDuplicate marks a message already accepted inside the dedup window.
var ErrDuplicate = errors.New("duplicate reading")

// Normalize validates a raw message and returns the canonical reading.
// Returns ErrDuplicate for redeliveries and *ValidationError for malformed
// input; both are drop-and-log conditions for the caller.
func (n *Normalizer) Normalize(raw RawMessage) (Reading, error) {
	var r Reading

	id, err := coerceString(raw.DeviceID)
	if err != nil || id == "" {
		return r, &ValidationError{Constraint: ConstraintDeviceID, Detail: "must be a non-empty string"}
	}

	val, err := coerceFloat(raw.Value)
	if err != nil {
		return r, &ValidationError{Constraint: ConstraintValue, Detail: err.Error()}
	}
	if val < 0 {
		return r, &ValidationError{Constraint: ConstraintValue, Detail: fmt.Sprintf("negative reading %.3f", val)}
	}
	if val > n.cfg.MaxValue {
		return r, &ValidationError{Constraint: ConstraintValue, Detail: fmt.Sprintf("%.3f exceeds ceiling %.3f", val, n.cfg.MaxValue)}
	}

	ts, err := coerceTime(raw.Timestamp)
	if err != nil {
		return r, &ValidationError{Constraint: ConstraintTimestamp, Detail: err.Error()}
	}
	if skew := ts.Sub(n.now()); skew > n.cfg.MaxFutureSkew {
		return r, &ValidationError{Constraint: ConstraintTimestamp, Detail: fmt.Sprintf("%.0fs in the future", skew.Seconds())}
	}

	src := raw.Source
	if src == "" {
		src = SourceMQTT
	}
	if !src.Valid() {
		return r, &ValidationError{Constraint: ConstraintSource, Detail: string(src)}
	}

	r = Reading{DeviceID: id, Timestamp: ts.UTC(), Value: val, Source: src}
	if n.isDuplicate(r) {
		return Reading{}, ErrDuplicate
	}
	return r, nil
}

func (n *Normalizer) isDuplicate(r Reading) bool {
	key := dedupKey(r)
	now := n.now()

	n.mu.Lock()
	defer n.mu.Unlock()

	if at, ok := n.seen[key]; ok && now.Sub(at) < n.cfg.DedupWindow {
		return true
	}
	n.seen[key] = now
	// Opportunistic pruning keeps the map bounded without a dedicated timer.
	if len(n.seen) > 4096 {
		for k, at := range n.seen {
			if now.Sub(at) >= n.cfg.DedupWindow {
				delete(n.seen, k)
			}
		}
	}
	return false
}

func dedupKey(r Reading) string {
	return r.DeviceID + "|" + strconv.FormatInt(r.Timestamp.UnixNano(), 10) + "|" + strconv.FormatFloat(r.Value, 'g', -1, 64)
}

func coerceString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t), nil
	case float64:
		// JSON numbers decode to float64; tolerate numeric device ids.
		return strconv.FormatInt(int64(t), 10), nil
	case nil:
		return "", errors.New("missing")
	default:
		b, _ := json.Marshal(t)
		return string(b), nil
	}
}

func coerceFloat(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case json.Number:
		return t.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(t), 64)
	case nil:
		return 0, errors.New("missing")
	default:
		return 0, fmt.Errorf("cannot parse float from %T", v)
	}
}

func coerceTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts, nil
		}
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts, nil
		}
		if n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64); err == nil {
			return unixAuto(n), nil
		}
		return time.Time{}, fmt.Errorf("bad timestamp string %q", t)
	case float64:
		return unixAuto(int64(t)), nil
	case int64:
		return unixAuto(t), nil
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return time.Time{}, err
		}
		return unixAuto(n), nil
	case nil:
		return time.Time{}, errors.New("missing")
	default:
		return time.Time{}, fmt.Errorf("cannot parse time from %T", v)
	}
}

// unixAuto treats values past the year-33658 seconds range as milliseconds.
func unixAuto(n int64) time.Time {
	if n > 1_000_000_000_000 {
		return time.Unix(0, n*int64(time.Millisecond))
	}
	return time.Unix(n, 0)
}
