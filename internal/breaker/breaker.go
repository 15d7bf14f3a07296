// internal/breaker/breaker.go
// Circuit breaker guarding downstream collaborators (Kafka publisher,
// recommendation HTTP client). Closed passes calls through and counts
// failures; after MaxFailures it opens and fast-fails until ResetTimeout,
// then a half-open probe decides whether to close again.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State is the breaker position.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

// ErrOpen is returned on fast-fail while the breaker is open.
var ErrOpen = errors.New("circuit breaker open")

// Config tunes the breaker thresholds.
type Config struct {
	// MaxFailures is the consecutive-failure count that opens the breaker.
	MaxFailures int
	// ResetTimeout is how long the breaker stays open before probing.
	ResetTimeout time.Duration
	// SuccessesToClose is how many half-open successes close the breaker.
	SuccessesToClose int
}

// DefaultConfig matches the production downstream tolerances.
func DefaultConfig() Config {
	return Config{MaxFailures: 5, ResetTimeout: 30 * time.Second, SuccessesToClose: 2}
}

// Breaker is safe for concurrent use.
type Breaker struct {
	name string
	cfg  Config
	lg   *slog.Logger
	now  func() time.Time

	mu          sync.Mutex
	state       State
	recentFails int
	halfOpenOKs int
	openedAt    time.Time
	// probing marks a half-open probe in flight; concurrent callers
	// fast-fail instead of piling onto a recovering downstream.
	probing bool
}

// New builds a breaker; a nil clock falls back to time.Now.
func New(name string, cfg Config, lg *slog.Logger, clock func() time.Time) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultConfig().MaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultConfig().ResetTimeout
	}
	if cfg.SuccessesToClose <= 0 {
		cfg.SuccessesToClose = DefaultConfig().SuccessesToClose
	}
	if clock == nil {
		clock = time.Now
	}
	return &Breaker{name: name, cfg: cfg, lg: lg, now: clock, state: Closed}
}

// State returns the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs op under breaker protection. While open and inside the reset
// timeout it fast-fails with ErrOpen; once the timeout elapses the next call
// probes half-open. Only one probe runs at a time; concurrent half-open
// callers get ErrOpen.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	isProbe := false
	b.mu.Lock()
	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			b.mu.Unlock()
			return ErrOpen
		}
		b.state = HalfOpen
		b.halfOpenOKs = 0
		b.probing = true
		isProbe = true
		b.lg.Info("breaker_half_open", slog.String("name", b.name))
	case HalfOpen:
		if b.probing {
			b.mu.Unlock()
			return ErrOpen
		}
		b.probing = true
		isProbe = true
	case Closed:
	}
	b.mu.Unlock()

	err := op(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if isProbe {
		b.probing = false
	}
	if err != nil {
		b.recentFails++
		if b.state == HalfOpen || b.recentFails >= b.cfg.MaxFailures {
			if b.state != Open {
				b.lg.Warn("breaker_opened",
					slog.String("name", b.name),
					slog.Int("failures", b.recentFails),
					slog.Any("err", err))
			}
			b.state = Open
			b.openedAt = b.now()
		}
		return err
	}

	switch b.state {
	case HalfOpen:
		b.halfOpenOKs++
		if b.halfOpenOKs >= b.cfg.SuccessesToClose {
			b.state = Closed
			b.recentFails = 0
			b.lg.Info("breaker_closed", slog.String("name", b.name))
		}
	case Closed:
		b.recentFails = 0
	}
	return nil
}
