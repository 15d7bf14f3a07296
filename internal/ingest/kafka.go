// internal/ingest/kafka.go
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/metrics"
	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/telemetry"
)

// KafkaConfig carries the consumer settings for the platform-sync feed.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	// FetchBackoffMax caps the doubling delay after fetch failures.
	FetchBackoffMax time.Duration
}

// KafkaSource consumes readings mirrored from the IoT platform. Messages are
// JSON-encoded raw tuples; undecodable messages are logged and committed so
// a poison message cannot wedge the partition.
type KafkaSource struct {
	cfg    KafkaConfig
	sink   Sink
	lg     *slog.Logger
	reader *kafka.Reader
}

// NewKafka builds the source; the reader connects lazily on first fetch.
func NewKafka(cfg KafkaConfig, sink Sink, lg *slog.Logger) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic must not be empty")
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "energy-pipeline"
	}
	if cfg.FetchBackoffMax <= 0 {
		cfg.FetchBackoffMax = time.Minute
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		GroupTopics: []string{cfg.Topic},
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
	})
	return &KafkaSource{cfg: cfg, sink: sink, lg: lg, reader: reader}, nil
}

func (s *KafkaSource) Name() string { return "kafka" }

// platformReading is the wire shape the platform sync job produces.
type platformReading struct {
	DeviceID  string  `json:"deviceId"`
	Timestamp any     `json:"timestamp"`
	Value     float64 `json:"value"`
}

// Run fetches until ctx is cancelled. Fetch failures back off with doubling
// delays and do not reset consumer-group offsets or pipeline state.
func (s *KafkaSource) Run(ctx context.Context) error {
	defer func() {
		if err := s.reader.Close(); err != nil {
			s.lg.Error("kafka_reader_close", slog.Any("err", err))
		}
	}()
	s.lg.Info("kafka_source_start",
		slog.String("topic", s.cfg.Topic),
		slog.String("group", s.cfg.GroupID))

	failures := 0
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || (errors.Is(err, io.EOF) && ctx.Err() != nil) {
				return ctx.Err()
			}
			failures++
			delay := backoff(failures, time.Second, s.cfg.FetchBackoffMax)
			metrics.SourceReconnects.WithLabelValues("kafka").Inc()
			s.lg.Warn("kafka_fetch_failed",
				slog.Int("failures", failures),
				slog.Duration("retry_in", delay),
				slog.Any("err", err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		failures = 0

		var pr platformReading
		if err := json.Unmarshal(msg.Value, &pr); err != nil {
			s.lg.Warn("kafka_undecodable_message",
				slog.Int64("offset", msg.Offset),
				slog.Any("err", err))
		} else {
			raw := telemetry.RawMessage{
				DeviceID:  pr.DeviceID,
				Timestamp: pr.Timestamp,
				Value:     pr.Value,
				Source:    telemetry.SourcePlatform,
			}
			if !s.sink.Submit(raw) {
				s.lg.Warn("kafka_message_dropped", slog.String("device", pr.DeviceID))
			}
		}

		if err := s.reader.CommitMessages(ctx, msg); err != nil {
			s.lg.Warn("kafka_commit_failed", slog.Int64("offset", msg.Offset), slog.Any("err", err))
		}
	}
}
