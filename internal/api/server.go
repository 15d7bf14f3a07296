// internal/api/server.go
// Read-only dashboard surface. The pipeline stays authoritative; handlers
// only query it.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/aggregate"
	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/pipeline"
	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/store"
	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/telemetry"
)

// Pipeline is the subset of the coordinator the handlers need. A small
// interface keeps the router testable with a fake.
type Pipeline interface {
	ReadAggregate(ctx context.Context, deviceID string, kind aggregate.Kind) (aggregate.WindowAggregate, error)
	RecentAnomalies(ctx context.Context, limit int) ([]telemetry.AnomalyEvent, error)
	RecentAdvice(limit int) []pipeline.AdviceRecord
	Devices() []string
}

// Config carries the HTTP server settings.
type Config struct {
	ListenAddress string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
}

// NewServer builds the http.Server with the full route table mounted.
func NewServer(cfg Config, p Pipeline, health *HealthState, lg *slog.Logger) *http.Server {
	return &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      NewRouter(p, health, lg),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
}

// NewRouter wires all HTTP routes exposed by the pipeline service.
func NewRouter(p Pipeline, health *HealthState, lg *slog.Logger) http.Handler {
	r := mux.NewRouter()
	r.Handle("/health", healthLiveHandler()).Methods(http.MethodGet)
	r.Handle("/health/ready", healthReadyHandler(health)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	apiRoutes := r.PathPrefix("/api").Subrouter()
	apiRoutes.Handle("/devices", devicesHandler(p)).Methods(http.MethodGet)
	apiRoutes.Handle("/devices/{id}/aggregates/{kind}", aggregateHandler(p, lg)).Methods(http.MethodGet)
	apiRoutes.Handle("/anomalies", anomaliesHandler(p, lg)).Methods(http.MethodGet)
	apiRoutes.Handle("/recommendations", recommendationsHandler(p)).Methods(http.MethodGet)

	var h http.Handler = r
	h = handlers.CompressHandler(h)
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(&recoveryLogger{lg: lg}))(h)
	h = wrapWithLogging(lg, h)
	return h
}

type recoveryLogger struct {
	lg *slog.Logger
}

func (r *recoveryLogger) Println(v ...interface{}) {
	r.lg.Error("handler_panic", slog.Any("detail", v))
}

func healthLiveHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
}

func healthReadyHandler(health *HealthState) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if !health.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("NOT_READY"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
}

func devicesHandler(p Pipeline) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		devices := p.Devices()
		if devices == nil {
			devices = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
	})
}

func aggregateHandler(p Pipeline, lg *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		kind := aggregate.Kind(vars["kind"])
		if !kind.Valid() {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown window kind"})
			return
		}
		agg, err := p.ReadAggregate(r.Context(), vars["id"], kind)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, agg)
		case errors.Is(err, store.ErrNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no data for device"})
		default:
			lg.Error("aggregate_query_failed",
				slog.String("device", vars["id"]),
				slog.String("kind", string(kind)),
				slog.Any("err", err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "store unavailable"})
		}
	})
}

func anomaliesHandler(p Pipeline, lg *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := queryLimit(r, 50, 500)
		events, err := p.RecentAnomalies(r.Context(), limit)
		if err != nil {
			lg.Error("anomaly_query_failed", slog.Any("err", err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "store unavailable"})
			return
		}
		if events == nil {
			events = []telemetry.AnomalyEvent{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"anomalies": events})
	})
}

func recommendationsHandler(p Pipeline) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recs := p.RecentAdvice(queryLimit(r, 50, 200))
		writeJSON(w, http.StatusOK, map[string]any{"recommendations": recs})
	})
}

func queryLimit(r *http.Request, def, max int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// wrapWithLogging records structured access logs with latency, method,
// path, and status code.
func wrapWithLogging(lg *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		lg.Info("http_request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rw.status),
			slog.String("duration", time.Since(start).String()),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
