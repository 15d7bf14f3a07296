// internal/api/server_test.go
package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/aggregate"
	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/pipeline"
	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/store"
	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/telemetry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakePipeline struct {
	aggregates map[string]aggregate.WindowAggregate
	anomalies  []telemetry.AnomalyEvent
	advice     []pipeline.AdviceRecord
	storeErr   error
}

func (f *fakePipeline) ReadAggregate(_ context.Context, deviceID string, kind aggregate.Kind) (aggregate.WindowAggregate, error) {
	if f.storeErr != nil {
		return aggregate.WindowAggregate{}, f.storeErr
	}
	w, ok := f.aggregates[deviceID+"|"+string(kind)]
	if !ok {
		return aggregate.WindowAggregate{}, store.ErrNotFound
	}
	return w, nil
}

func (f *fakePipeline) RecentAnomalies(_ context.Context, limit int) ([]telemetry.AnomalyEvent, error) {
	if f.storeErr != nil {
		return nil, f.storeErr
	}
	out := f.anomalies
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakePipeline) RecentAdvice(limit int) []pipeline.AdviceRecord {
	out := f.advice
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (f *fakePipeline) Devices() []string {
	out := make([]string, 0, len(f.aggregates))
	seen := make(map[string]struct{})
	for k := range f.aggregates {
		id := k[:len(k)-len("|hour")]
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

func newTestServer(t *testing.T, p Pipeline, ready bool) *httptest.Server {
	t.Helper()
	health := NewHealthState()
	health.SetReady(ready)
	srv := httptest.NewServer(NewRouter(p, health, discardLogger()))
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, body
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t, &fakePipeline{}, false)

	resp, body := get(t, srv.URL+"/health")
	if resp.StatusCode != http.StatusOK || string(body) != "OK" {
		t.Fatalf("live: %d %q", resp.StatusCode, body)
	}

	resp, _ = get(t, srv.URL+"/health/ready")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("not-ready probe: %d", resp.StatusCode)
	}
}

func TestAggregateEndpoint(t *testing.T) {
	start := time.Date(2025, 3, 12, 14, 0, 0, 0, time.UTC)
	p := &fakePipeline{aggregates: map[string]aggregate.WindowAggregate{
		"dev-1|hour": {DeviceID: "dev-1", Kind: aggregate.KindHour, Start: start, Count: 4, Sum: 10, Mean: 2.5},
	}}
	srv := newTestServer(t, p, true)

	resp, body := get(t, srv.URL+"/api/devices/dev-1/aggregates/hour")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	var w aggregate.WindowAggregate
	if err := json.Unmarshal(body, &w); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if w.Count != 4 || w.Mean != 2.5 {
		t.Fatalf("aggregate: %+v", w)
	}
}

func TestAggregateEndpointErrors(t *testing.T) {
	srv := newTestServer(t, &fakePipeline{aggregates: map[string]aggregate.WindowAggregate{}}, true)

	if resp, _ := get(t, srv.URL+"/api/devices/dev-1/aggregates/fortnight"); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown kind: %d", resp.StatusCode)
	}
	if resp, _ := get(t, srv.URL+"/api/devices/dev-1/aggregates/hour"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing aggregate: %d", resp.StatusCode)
	}

	down := newTestServer(t, &fakePipeline{storeErr: store.ErrUnavailable}, true)
	if resp, _ := get(t, down.URL+"/api/devices/dev-1/aggregates/hour"); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("store outage: %d", resp.StatusCode)
	}
}

func TestAnomaliesEndpointAppliesLimit(t *testing.T) {
	var events []telemetry.AnomalyEvent
	for i := 0; i < 10; i++ {
		events = append(events, telemetry.AnomalyEvent{ID: "ev", DeviceID: "dev-1", Reason: telemetry.ReasonStatistical})
	}
	srv := newTestServer(t, &fakePipeline{anomalies: events}, true)

	resp, body := get(t, srv.URL+"/api/anomalies?limit=3")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var parsed struct {
		Anomalies []telemetry.AnomalyEvent `json:"anomalies"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(parsed.Anomalies) != 3 {
		t.Fatalf("limit ignored: %d events", len(parsed.Anomalies))
	}
}

func TestRecommendationsEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakePipeline{advice: []pipeline.AdviceRecord{{
		Event: telemetry.AnomalyEvent{DeviceID: "dev-1", Reason: telemetry.ReasonPattern},
	}}}, true)

	resp, body := get(t, srv.URL+"/api/recommendations")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var parsed struct {
		Recommendations []pipeline.AdviceRecord `json:"recommendations"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(parsed.Recommendations) != 1 || parsed.Recommendations[0].Event.DeviceID != "dev-1" {
		t.Fatalf("recommendations: %+v", parsed.Recommendations)
	}
}

func TestMetricsEndpointExposed(t *testing.T) {
	srv := newTestServer(t, &fakePipeline{}, true)
	resp, body := get(t, srv.URL+"/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if len(body) == 0 {
		t.Fatalf("empty metrics exposition")
	}
}

func TestUnknownMethodRejected(t *testing.T) {
	srv := newTestServer(t, &fakePipeline{}, true)
	resp, err := http.Post(srv.URL+"/api/anomalies", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("POST status: %d", resp.StatusCode)
	}
}
