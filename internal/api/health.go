// internal/api/health.go
package api

import "sync"

// HealthState tracks readiness for the HTTP surface. Liveness is always
// true while the process runs; readiness toggles once the pipeline and
// its sources are wired, and again during shutdown.
type HealthState struct {
	mu    sync.RWMutex
	ready bool
}

// NewHealthState constructs the tracker with readiness false so
// orchestration layers can see when the service accepts traffic.
func NewHealthState() *HealthState {
	return &HealthState{}
}

// SetReady flips the readiness flag.
func (h *HealthState) SetReady(value bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = value
}

// Ready reports the current readiness flag.
func (h *HealthState) Ready() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}
