// internal/telemetry/models.go
package telemetry

import (
	"time"
)

// Source identifies the transport a reading arrived on. The pipeline treats
// every source as the same normalized stream; the tag survives only for
// observability and dedup bookkeeping.
type Source string

const (
	SourceMQTT     Source = "mqtt"
	SourceManual   Source = "manual"
	SourcePlatform Source = "platform"
)

// Valid reports whether the source tag is one of the known transports.
func (s Source) Valid() bool {
	switch s {
	case SourceMQTT, SourceManual, SourcePlatform:
		return true
	}
	return false
}

// Reading is one validated device measurement. Immutable once created.
type Reading struct {
	DeviceID  string    `json:"deviceId"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"` // kWh for interval meters, W for instantaneous
	Source    Source    `json:"source"`
}

// Reason names the detector layer that flagged a reading.
type Reason string

const (
	ReasonStatistical Reason = "statistical"
	ReasonPattern     Reason = "pattern"
	ReasonModel       Reason = "model"
)

// Severity grades how far past its threshold the triggering layer scored.
type Severity string

const (
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// AnomalyEvent records one flagged reading. Never mutated after creation;
// consumers (notification, gamification) receive their own copy.
type AnomalyEvent struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"deviceId"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Score     float64   `json:"score"`
	Reason    Reason    `json:"reason"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message,omitempty"`
}
