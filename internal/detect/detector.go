// internal/detect/detector.go
// Three-layer anomaly classifier. Layers run in fixed order, cheapest first,
// and the first positive match wins:
//
//  1. statistical — z-score against the device's EWMA baseline
//  2. pattern     — rule checks that need no baseline (away usage, sustained ceiling)
//  3. model       — density score over the bounded recent-feature history
//
// A layer that lacks the history it needs reports a skip, not a failure.
package detect

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/telemetry"
)

// Verdict tags a single layer's opinion of a reading.
type Verdict int

const (
	// VerdictClear means the layer examined the reading and found it normal.
	VerdictClear Verdict = iota
	// VerdictSkip means the layer lacked the history to run; not an error.
	VerdictSkip
	// VerdictAnomaly means the layer flagged the reading.
	VerdictAnomaly
)

// layerResult is what each scoring function returns.
type layerResult struct {
	verdict  Verdict
	score    float64
	severity telemetry.Severity
	message  string
}

// AwayInterval declares a daily period when the household is absent and
// meaningful usage is itself suspicious. Hours are in UTC; an interval may
// wrap midnight (Start > End).
type AwayInterval struct {
	StartHour int
	EndHour   int
}

func (a AwayInterval) contains(t time.Time) bool {
	h := t.UTC().Hour()
	if a.StartHour <= a.EndHour {
		return h >= a.StartHour && h < a.EndHour
	}
	return h >= a.StartHour || h < a.EndHour
}

// Config carries every tunable of the classifier.
type Config struct {
	// ThresholdZ is the |z| beyond which the statistical layer flags.
	ThresholdZ float64
	// MinSamples gates the statistical layer until the baseline is credible.
	MinSamples int64
	// Alpha is the EWMA smoothing factor for baseline updates.
	Alpha float64
	// ShiftConfirm is k: consecutive agreeing anomalous readings that confirm
	// a baseline level-shift.
	ShiftConfirm int

	// Away lists declared absence periods; any usage above AwayFloor during
	// one is a pattern anomaly.
	Away      []AwayInterval
	AwayFloor float64
	// Ceiling and SustainedFor define the fixed-ceiling pattern rule: a
	// reading stream above Ceiling for at least SustainedFor flags.
	Ceiling      float64
	SustainedFor time.Duration
	// DropFraction: a warm device reading below this fraction of its baseline
	// mean is a sudden-drop pattern anomaly.
	DropFraction float64

	// MinHistory gates the model layer; DensityThreshold is the ratio of a
	// point's neighborhood distance to the history's typical spacing beyond
	// which the point sits in a sparse region.
	MinHistory       int
	DensityThreshold float64
	// HistoryCap bounds the per-device feature buffer.
	HistoryCap int
}

// DefaultConfig mirrors the production thresholds.
func DefaultConfig() Config {
	return Config{
		ThresholdZ:       3.0,
		MinSamples:       10,
		Alpha:            0.2,
		ShiftConfirm:     2,
		AwayFloor:        0.2,
		Ceiling:          5.0,
		SustainedFor:     15 * time.Minute,
		DropFraction:     0.1,
		MinHistory:       50,
		DensityThreshold: 2.5,
		HistoryCap:       256,
	}
}

// Result is the outcome of classifying one reading.
type Result struct {
	// Event is non-nil when some layer flagged the reading.
	Event *telemetry.AnomalyEvent
	// LevelShift is set when this reading confirmed a sustained baseline
	// change; the profile has been reset around the new level.
	LevelShift bool
}

// Detector owns the per-device profiles and classifies readings against
// them. Callers must serialize calls per device (the coordinator shards by
// device hash); the mutex only covers the map itself so the sweep goroutine
// can snapshot liveness concurrently.
type Detector struct {
	cfg Config
	lg  *slog.Logger

	mu       sync.Mutex
	profiles map[string]*DeviceProfile
}

// New builds a detector. Zero-valued config fields fall back to defaults.
func New(cfg Config, lg *slog.Logger) *Detector {
	def := DefaultConfig()
	if cfg.ThresholdZ <= 0 {
		cfg.ThresholdZ = def.ThresholdZ
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.Alpha <= 0 || cfg.Alpha >= 1 {
		cfg.Alpha = def.Alpha
	}
	if cfg.ShiftConfirm <= 0 {
		cfg.ShiftConfirm = def.ShiftConfirm
	}
	if cfg.AwayFloor <= 0 {
		cfg.AwayFloor = def.AwayFloor
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = def.Ceiling
	}
	if cfg.SustainedFor <= 0 {
		cfg.SustainedFor = def.SustainedFor
	}
	if cfg.DropFraction <= 0 || cfg.DropFraction >= 1 {
		cfg.DropFraction = def.DropFraction
	}
	if cfg.MinHistory <= 0 {
		cfg.MinHistory = def.MinHistory
	}
	if cfg.DensityThreshold <= 0 {
		cfg.DensityThreshold = def.DensityThreshold
	}
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = def.HistoryCap
	}
	return &Detector{cfg: cfg, lg: lg, profiles: make(map[string]*DeviceProfile)}
}

// Profile returns the profile for a device, creating it on first use.
func (d *Detector) Profile(deviceID string) *DeviceProfile {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.profileLocked(deviceID)
}

func (d *Detector) profileLocked(deviceID string) *DeviceProfile {
	p, ok := d.profiles[deviceID]
	if !ok {
		p = NewDeviceProfile(deviceID, d.cfg.HistoryCap)
		d.profiles[deviceID] = p
	}
	return p
}

// LastSeen snapshots each known device's most recent reading timestamp; the
// sweep uses it for inactivity checks.
func (d *Detector) LastSeen() map[string]time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]time.Time, len(d.profiles))
	for id, p := range d.profiles {
		out[id] = p.LastSeen
	}
	return out
}

// Classify scores a reading through the ordered layers. When no layer flags
// it the baseline absorbs the reading and Result.Event is nil. When flagged,
// the baseline is left untouched unless the reading confirms a level-shift.
func (d *Detector) Classify(r telemetry.Reading) Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.profileLocked(r.DeviceID)

	layers := []struct {
		reason telemetry.Reason
		score  func(telemetry.Reading, *DeviceProfile) layerResult
	}{
		{telemetry.ReasonStatistical, d.scoreStatistical},
		{telemetry.ReasonPattern, d.scorePattern},
		{telemetry.ReasonModel, d.scoreModel},
	}

	for _, layer := range layers {
		res := layer.score(r, p)
		switch res.verdict {
		case VerdictSkip:
			continue
		case VerdictClear:
			continue
		case VerdictAnomaly:
			out := Result{Event: &telemetry.AnomalyEvent{
				ID:        uuid.NewString(),
				DeviceID:  r.DeviceID,
				Timestamp: r.Timestamp,
				Value:     r.Value,
				Score:     res.score,
				Reason:    layer.reason,
				Severity:  res.severity,
				Message:   res.message,
			}}
			band := 2 * math.Max(p.StdDev(), d.cfg.AwayFloor)
			if p.recordAnomalous(r.Timestamp, r.Value, d.cfg.ShiftConfirm, band) {
				d.lg.Info("baseline_level_shift",
					slog.String("device", r.DeviceID),
					slog.Float64("new_level", p.shiftCenter))
				p.resetToLevel(r.Timestamp, p.shiftCenter)
				out.LevelShift = true
			}
			return out
		}
	}

	p.absorb(r.Timestamp, r.Value, d.cfg.Alpha)
	return Result{}
}

func (d *Detector) scoreStatistical(r telemetry.Reading, p *DeviceProfile) layerResult {
	if p.Samples < d.cfg.MinSamples {
		return layerResult{verdict: VerdictSkip}
	}
	sd := p.StdDev()
	if sd == 0 {
		return layerResult{verdict: VerdictSkip}
	}
	z := (r.Value - p.Mean) / sd
	if math.Abs(z) <= d.cfg.ThresholdZ {
		return layerResult{verdict: VerdictClear}
	}
	sev := telemetry.SeverityMedium
	if math.Abs(z) > d.cfg.ThresholdZ*1.5 {
		sev = telemetry.SeverityHigh
	}
	return layerResult{
		verdict:  VerdictAnomaly,
		score:    math.Abs(z),
		severity: sev,
		message:  fmt.Sprintf("unusual consumption %.2f (z-score %.2f, baseline %.2f)", r.Value, z, p.Mean),
	}
}

func (d *Detector) scorePattern(r telemetry.Reading, p *DeviceProfile) layerResult {
	for _, away := range d.cfg.Away {
		if away.contains(r.Timestamp) && r.Value > d.cfg.AwayFloor {
			return layerResult{
				verdict:  VerdictAnomaly,
				score:    r.Value / d.cfg.AwayFloor,
				severity: telemetry.SeverityHigh,
				message:  fmt.Sprintf("usage %.2f during declared away period %02d:00-%02d:00", r.Value, away.StartHour, away.EndHour),
			}
		}
	}

	// Sudden drop: a warm device reporting a fraction of its usual draw.
	if p.Samples >= d.cfg.MinSamples && p.Mean > d.cfg.AwayFloor && r.Value < d.cfg.DropFraction*p.Mean {
		return layerResult{
			verdict:  VerdictAnomaly,
			score:    (p.Mean - r.Value) / p.Mean,
			severity: telemetry.SeverityMedium,
			message:  fmt.Sprintf("consumption dropped to %.2f against baseline %.2f", r.Value, p.Mean),
		}
	}

	if r.Value > d.cfg.Ceiling {
		if !p.ceilingRun {
			p.ceilingRun = true
			p.ceilingSince = r.Timestamp
			return layerResult{verdict: VerdictClear}
		}
		if run := r.Timestamp.Sub(p.ceilingSince); run >= d.cfg.SustainedFor {
			sev := telemetry.SeverityMedium
			if r.Value > 2*d.cfg.Ceiling {
				sev = telemetry.SeverityHigh
			}
			return layerResult{
				verdict:  VerdictAnomaly,
				score:    r.Value / d.cfg.Ceiling,
				severity: sev,
				message:  fmt.Sprintf("sustained usage above %.2f for %s", d.cfg.Ceiling, run.Round(time.Second)),
			}
		}
		return layerResult{verdict: VerdictClear}
	}
	p.ceilingRun = false
	return layerResult{verdict: VerdictClear}
}

// scoreModel is a density-based outlier check: the candidate's mean distance
// to its nearest neighbors in standardized feature space, relative to the
// typical spacing of the history itself. Points in sparse regions score high.
func (d *Detector) scoreModel(r telemetry.Reading, p *DeviceProfile) layerResult {
	if len(p.history) < d.cfg.MinHistory {
		return layerResult{verdict: VerdictSkip}
	}

	rate := 0.0
	if p.hasLastValue {
		rate = r.Value - p.lastValue
	}
	candidate := featurePoint{
		Value:      r.Value,
		HourOfDay:  float64(r.Timestamp.UTC().Hour()),
		DayOfWeek:  float64(r.Timestamp.UTC().Weekday()),
		RateChange: rate,
	}

	scale := featureScale(p.history)
	dists := make([]float64, 0, len(p.history))
	for _, pt := range p.history {
		dists = append(dists, featureDistance(candidate, pt, scale))
	}
	sort.Float64s(dists)

	k := 5
	if k > len(dists) {
		k = len(dists)
	}
	var neighborhood float64
	for _, v := range dists[:k] {
		neighborhood += v
	}
	neighborhood /= float64(k)

	typical := typicalSpacing(p.history, scale, k)
	if typical <= 0 {
		return layerResult{verdict: VerdictSkip}
	}

	ratio := neighborhood / typical
	if ratio <= d.cfg.DensityThreshold {
		return layerResult{verdict: VerdictClear}
	}
	sev := telemetry.SeverityMedium
	if ratio > 2*d.cfg.DensityThreshold {
		sev = telemetry.SeverityHigh
	}
	return layerResult{
		verdict:  VerdictAnomaly,
		score:    ratio,
		severity: sev,
		message:  fmt.Sprintf("consumption pattern in sparse region (density score %.2f)", ratio),
	}
}

// featureScale returns per-dimension standard deviations used to standardize
// distances; degenerate dimensions get scale 1 so they do not dominate.
func featureScale(history []featurePoint) [4]float64 {
	var mean, m2 [4]float64
	n := float64(len(history))
	for _, pt := range history {
		for i, v := range pt.dims() {
			mean[i] += v
		}
	}
	for i := range mean {
		mean[i] /= n
	}
	for _, pt := range history {
		for i, v := range pt.dims() {
			m2[i] += (v - mean[i]) * (v - mean[i])
		}
	}
	var scale [4]float64
	for i := range m2 {
		sd := math.Sqrt(m2[i] / n)
		if sd < 1e-9 {
			sd = 1
		}
		scale[i] = sd
	}
	return scale
}

func (pt featurePoint) dims() [4]float64 {
	return [4]float64{pt.Value, pt.HourOfDay, pt.DayOfWeek, pt.RateChange}
}

func featureDistance(a, b featurePoint, scale [4]float64) float64 {
	ad, bd := a.dims(), b.dims()
	var sum float64
	for i := range ad {
		d := (ad[i] - bd[i]) / scale[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// typicalSpacing samples history points and averages their own k-nearest
// distances, giving the reference density the candidate is compared against.
func typicalSpacing(history []featurePoint, scale [4]float64, k int) float64 {
	// Sampling a subset keeps the sweep O(s*n) instead of O(n^2).
	stride := len(history) / 16
	if stride < 1 {
		stride = 1
	}
	var total float64
	var samples int
	for i := 0; i < len(history); i += stride {
		dists := make([]float64, 0, len(history)-1)
		for j, pt := range history {
			if j == i {
				continue
			}
			dists = append(dists, featureDistance(history[i], pt, scale))
		}
		sort.Float64s(dists)
		kk := k
		if kk > len(dists) {
			kk = len(dists)
		}
		if kk == 0 {
			continue
		}
		var sum float64
		for _, v := range dists[:kk] {
			sum += v
		}
		total += sum / float64(kk)
		samples++
	}
	if samples == 0 {
		return 0
	}
	return total / float64(samples)
}
