// internal/detect/profile.go
package detect

import (
	"math"
	"time"
)

// featurePoint is one entry of the bounded recent-reading history feeding the
// model layer: the reading plus the temporal context it occurred in.
type featurePoint struct {
	Value      float64
	HourOfDay  float64
	DayOfWeek  float64
	RateChange float64 // delta from the previous reading's value
}

// DeviceProfile is the per-device reference state the detector scores
// against: an exponentially-weighted baseline plus a bounded history buffer.
// The baseline absorbs only readings classified as non-anomalous, so a spike
// cannot mask itself in later comparisons.
type DeviceProfile struct {
	DeviceID string

	// EWMA baseline.
	Mean     float64
	Variance float64
	Samples  int64

	// LastSeen is the timestamp of the most recent accepted reading; the
	// coordinator sweep uses it to raise device-inactive pattern events.
	LastSeen time.Time

	lastValue    float64
	hasLastValue bool

	history []featurePoint
	histCap int

	// Level-shift confirmation: consecutive anomalous readings agreeing with
	// each other within shiftBand standard deviations.
	shiftCount  int
	shiftCenter float64

	// Sustained-ceiling tracking for the pattern layer.
	ceilingSince time.Time
	ceilingRun   bool
}

// NewDeviceProfile builds an empty profile with the given history capacity.
func NewDeviceProfile(deviceID string, historyCap int) *DeviceProfile {
	if historyCap <= 0 {
		historyCap = 64
	}
	return &DeviceProfile{DeviceID: deviceID, histCap: historyCap}
}

// StdDev returns the baseline standard deviation.
func (p *DeviceProfile) StdDev() float64 {
	if p.Variance <= 0 {
		return 0
	}
	return math.Sqrt(p.Variance)
}

// HistoryLen reports how many feature points the model layer can see.
func (p *DeviceProfile) HistoryLen() int { return len(p.history) }

// absorb folds a non-anomalous reading into the EWMA baseline and the model
// history, and clears any pending level-shift run.
func (p *DeviceProfile) absorb(ts time.Time, value, alpha float64) {
	if p.Samples == 0 {
		p.Mean = value
		p.Variance = 0
	} else {
		delta := value - p.Mean
		p.Mean += alpha * delta
		// EWMA variance update against the post-update mean.
		p.Variance = (1-alpha)*p.Variance + alpha*(value-p.Mean)*(value-p.Mean)
	}
	p.Samples++
	p.LastSeen = ts
	p.shiftCount = 0
	p.pushHistory(ts, value)
}

// recordAnomalous tracks a flagged reading for level-shift confirmation
// without touching the baseline. Returns true when k consecutive anomalous
// readings have agreed with each other, i.e. the device genuinely moved to a
// new level.
func (p *DeviceProfile) recordAnomalous(ts time.Time, value float64, k int, band float64) bool {
	p.LastSeen = ts
	if p.shiftCount == 0 || math.Abs(value-p.shiftCenter) > band {
		p.shiftCount = 1
		p.shiftCenter = value
		return false
	}
	p.shiftCount++
	// Running center keeps the confirmation tolerant of small jitter.
	p.shiftCenter += (value - p.shiftCenter) / float64(p.shiftCount)
	return p.shiftCount >= k
}

// resetToLevel re-seeds the baseline at a confirmed new level. History is kept
// so the model layer stays warm; variance restarts small to re-learn spread.
func (p *DeviceProfile) resetToLevel(ts time.Time, level float64) {
	p.Mean = level
	p.Variance = 0
	p.Samples = 1
	p.shiftCount = 0
	p.LastSeen = ts
	p.pushHistory(ts, level)
}

func (p *DeviceProfile) pushHistory(ts time.Time, value float64) {
	rate := 0.0
	if p.hasLastValue {
		rate = value - p.lastValue
	}
	p.lastValue = value
	p.hasLastValue = true

	pt := featurePoint{
		Value:      value,
		HourOfDay:  float64(ts.UTC().Hour()),
		DayOfWeek:  float64(ts.UTC().Weekday()),
		RateChange: rate,
	}
	p.history = append(p.history, pt)
	if len(p.history) > p.histCap {
		p.history = p.history[len(p.history)-p.histCap:]
	}
}
