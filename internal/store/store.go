// internal/store/store.go
// Persistent store contract. The pipeline treats the store as
// eventually-consistent durable storage; its internals are not this
// repository's concern. Implementations must be safe for concurrent use.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/aggregate"
	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/telemetry"
)

// ErrNotFound marks a missing aggregate; callers recompute instead.
var ErrNotFound = errors.New("aggregate not found")

// ErrUnavailable wraps transport failures so callers can tell "no data" from
// "no store". Writes hitting it are buffered and retried, never dropped.
var ErrUnavailable = errors.New("store unavailable")

// Store is the read/write contract the pipeline depends on.
type Store interface {
	// GetAggregate loads a persisted window aggregate, or ErrNotFound.
	GetAggregate(ctx context.Context, key aggregate.Key) (aggregate.WindowAggregate, error)
	// PutAggregate persists a window aggregate, overwriting any prior value.
	PutAggregate(ctx context.Context, w aggregate.WindowAggregate) error
	// AppendEvent durably appends an anomaly event.
	AppendEvent(ctx context.Context, ev telemetry.AnomalyEvent) error
	// RecentEvents returns anomaly events newer than the horizon, newest
	// first, capped at limit. Serves the dashboard collaborator.
	RecentEvents(ctx context.Context, horizon time.Duration, limit int) ([]telemetry.AnomalyEvent, error)
	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
	// Close releases the underlying connection.
	Close() error
}
