// internal/ingest/source.go
// Transport adapters. Each source turns its wire format into RawMessage
// tuples and hands them to the coordinator; everything past that point is
// transport-agnostic.
package ingest

import (
	"context"
	"time"

	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/telemetry"
)

// Sink accepts raw messages for normalization. Submit reports false when the
// pipeline is shutting down or its intake queue is full; sources drop the
// message and keep running either way.
type Sink interface {
	Submit(msg telemetry.RawMessage) bool
}

// Source is a long-running feed. Run blocks until ctx is cancelled; feed
// failures are handled internally with backoff and never bubble up as
// pipeline-fatal errors.
type Source interface {
	Name() string
	Run(ctx context.Context) error
}

// backoff returns the delay before reconnect attempt n (1-based), doubling
// from base and capped at max.
func backoff(n int, base, max time.Duration) time.Duration {
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
