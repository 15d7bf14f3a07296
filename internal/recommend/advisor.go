// internal/recommend/advisor.go
// Recommendation capability behind an interface with two implementations:
// the remote collaborator called over HTTP with a bounded timeout, and the
// deterministic local rule table keyed by anomaly reason. Selection is by
// call outcome, never by panic-driven control flow; the pipeline always gets
// an answer.
package recommend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/aggregate"
	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/breaker"
	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/metrics"
	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/telemetry"
)

// FeatureSummary is the request shape handed to the collaborator: the recent
// aggregates around the anomaly plus the anomaly itself.
type FeatureSummary struct {
	DeviceID   string                      `json:"deviceId"`
	Reason     telemetry.Reason            `json:"reason"`
	Severity   telemetry.Severity          `json:"severity"`
	Value      float64                     `json:"value"`
	Score      float64                     `json:"score"`
	Timestamp  time.Time                   `json:"timestamp"`
	Aggregates []aggregate.WindowAggregate `json:"aggregates,omitempty"`
}

// Recommendation is what either implementation produces.
type Recommendation struct {
	Text     string `json:"text"`
	Fallback bool   `json:"fallback"`
}

// Advisor produces a recommendation for an anomaly.
type Advisor interface {
	Recommend(ctx context.Context, sum FeatureSummary) Recommendation
}

// ruleTable is the deterministic fallback keyed by anomaly reason, mirroring
// the advice the remote collaborator gives for each class of anomaly.
var ruleTable = map[telemetry.Reason]string{
	telemetry.ReasonStatistical: "Consumption is well outside this device's usual range. Check whether the appliance was left running or switched to a high-power mode, and consider shifting heavy usage to off-peak hours.",
	telemetry.ReasonPattern:     "Usage occurred outside the expected schedule or stayed above the configured ceiling. Verify nobody is home when away mode is set, and unplug standby devices that draw phantom power.",
	telemetry.ReasonModel:       "The recent consumption pattern does not match this device's history. Review appliance settings and look for seasonal changes worth adjusting, such as thermostat schedules.",
}

const defaultAdvice = "Keep collecting readings so the system can learn this device's baseline and provide targeted advice."

// LocalAdvisor answers from the rule table only. Always succeeds.
type LocalAdvisor struct{}

func (LocalAdvisor) Recommend(_ context.Context, sum FeatureSummary) Recommendation {
	text, ok := ruleTable[sum.Reason]
	if !ok {
		text = defaultAdvice
	}
	return Recommendation{Text: text, Fallback: true}
}

// RemoteConfig configures the HTTP collaborator client.
type RemoteConfig struct {
	// URL is the collaborator endpoint, e.g. http://advisor:8090/recommendations.
	URL string
	// Timeout bounds each call; on expiry the local rule answers instead.
	Timeout time.Duration
}

// RemoteAdvisor calls the collaborator and falls back to the local rule
// table on timeout, transport failure, open breaker, or a malformed reply.
type RemoteAdvisor struct {
	cfg    RemoteConfig
	client *http.Client
	brk    *breaker.Breaker
	local  LocalAdvisor
	lg     *slog.Logger
}

// NewRemote builds the outcome-selected advisor pair.
func NewRemote(cfg RemoteConfig, brk *breaker.Breaker, lg *slog.Logger) *RemoteAdvisor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &RemoteAdvisor{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		brk:    brk,
		lg:     lg,
	}
}

type remoteResponse struct {
	Recommendation string `json:"recommendation"`
}

// Recommend never returns an error to the caller: every failure path lands
// on the deterministic local rule for the anomaly reason.
func (a *RemoteAdvisor) Recommend(ctx context.Context, sum FeatureSummary) Recommendation {
	if a.cfg.URL == "" {
		return a.fallback(sum, "no collaborator configured")
	}

	var rec Recommendation
	call := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()

		body, err := json.Marshal(sum)
		if err != nil {
			return fmt.Errorf("encode summary: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.URL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			_, _ = io.CopyN(io.Discard, resp.Body, 512)
			return fmt.Errorf("collaborator status %d", resp.StatusCode)
		}
		var parsed remoteResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		if parsed.Recommendation == "" {
			return fmt.Errorf("empty recommendation")
		}
		rec = Recommendation{Text: parsed.Recommendation}
		return nil
	}

	var err error
	if a.brk != nil {
		err = a.brk.Execute(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return a.fallback(sum, err.Error())
	}
	return rec
}

func (a *RemoteAdvisor) fallback(sum FeatureSummary, why string) Recommendation {
	metrics.RecommendationFallbacks.Inc()
	a.lg.Warn("recommendation_fallback",
		slog.String("device", sum.DeviceID),
		slog.String("reason", string(sum.Reason)),
		slog.String("cause", why))
	return a.local.Recommend(context.Background(), sum)
}
