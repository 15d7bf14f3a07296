// internal/notify/kafka.go
// Anomaly event publisher. Events land on a Kafka topic; the notification
// and gamification collaborators consume it with their own delivery and
// retry policies. Publishing is fire-and-forget from the pipeline's point of
// view: a failed publish is logged and counted, never blocks ingestion.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/breaker"
	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/telemetry"
)

// Notifier receives anomaly events for downstream delivery.
type Notifier interface {
	Publish(ctx context.Context, ev telemetry.AnomalyEvent) error
	Close() error
}

// KafkaConfig carries the producer settings.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	// Timeout bounds a single publish attempt.
	Timeout time.Duration
}

// KafkaNotifier publishes events keyed by device id so one device's events
// stay ordered on a single partition.
type KafkaNotifier struct {
	writer *kafka.Writer
	brk    *breaker.Breaker
	lg     *slog.Logger
	cfg    KafkaConfig
}

// NewKafka builds the producer. The breaker may be nil to publish unguarded.
func NewKafka(cfg KafkaConfig, brk *breaker.Breaker, lg *slog.Logger) (*KafkaNotifier, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic must not be empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaNotifier{writer: w, brk: brk, lg: lg, cfg: cfg}, nil
}

func (n *KafkaNotifier) Publish(ctx context.Context, ev telemetry.AnomalyEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := kafka.Message{Key: []byte(ev.DeviceID), Value: payload}

	write := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
		defer cancel()
		return n.writer.WriteMessages(ctx, msg)
	}

	if n.brk != nil {
		err = n.brk.Execute(ctx, write)
	} else {
		err = write(ctx)
	}
	if err != nil {
		n.lg.Warn("anomaly_publish_failed",
			slog.String("event", ev.ID),
			slog.String("device", ev.DeviceID),
			slog.Any("err", err))
		return err
	}
	return nil
}

func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}
