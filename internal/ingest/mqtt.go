// internal/ingest/mqtt.go
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/metrics"
	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/telemetry"
)

// MQTTConfig carries the broker settings for the sensor feed.
type MQTTConfig struct {
	BrokerURL   string // e.g. tcp://mosquitto:1883
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string // topics look like <prefix>/<device>/consumption
	// ConnectRetryMax caps the doubling reconnect delay.
	ConnectRetryMax time.Duration
}

// MQTTSource subscribes to per-device consumption topics and feeds the sink.
// Connection loss triggers automatic reconnection with exponential backoff;
// accumulated pipeline state is untouched by reconnects.
type MQTTSource struct {
	cfg  MQTTConfig
	sink Sink
	lg   *slog.Logger

	client mqtt.Client
}

// NewMQTT builds the source; it does not connect until Run.
func NewMQTT(cfg MQTTConfig, sink Sink, lg *slog.Logger) (*MQTTSource, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("broker url must not be empty")
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "energy"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "energy-pipeline"
	}
	if cfg.ConnectRetryMax <= 0 {
		cfg.ConnectRetryMax = 2 * time.Minute
	}
	return &MQTTSource{cfg: cfg, sink: sink, lg: lg}, nil
}

func (s *MQTTSource) Name() string { return "mqtt" }

// Run connects, subscribes, and blocks until ctx is cancelled. The paho
// client handles mid-session reconnects; initial connection failures retry
// here with doubling delays.
func (s *MQTTSource) Run(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(s.cfg.BrokerURL).
		SetClientID(s.cfg.ClientID).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(s.cfg.ConnectRetryMax).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			metrics.SourceReconnects.WithLabelValues("mqtt").Inc()
			s.lg.Warn("mqtt_connection_lost", slog.Any("err", err))
		}).
		SetOnConnectHandler(func(c mqtt.Client) {
			s.subscribe(c)
		})
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}

	s.client = mqtt.NewClient(opts)
	for attempt := 1; ; attempt++ {
		token := s.client.Connect()
		token.Wait()
		if token.Error() == nil {
			break
		}
		delay := backoff(attempt, 2*time.Second, s.cfg.ConnectRetryMax)
		metrics.SourceReconnects.WithLabelValues("mqtt").Inc()
		s.lg.Warn("mqtt_connect_failed",
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", delay),
			slog.Any("err", token.Error()))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	s.lg.Info("mqtt_connected", slog.String("broker", s.cfg.BrokerURL))

	<-ctx.Done()
	s.client.Disconnect(250)
	s.lg.Info("mqtt_disconnected")
	return ctx.Err()
}

func (s *MQTTSource) subscribe(c mqtt.Client) {
	topic := s.cfg.TopicPrefix + "/+/consumption"
	token := c.Subscribe(topic, 1, s.onMessage)
	token.Wait()
	if token.Error() != nil {
		s.lg.Error("mqtt_subscribe_failed", slog.String("topic", topic), slog.Any("err", token.Error()))
		return
	}
	s.lg.Info("mqtt_subscribed", slog.String("topic", topic))
}

// consumptionPayload is the JSON shape devices publish; bare numeric
// payloads are also accepted for the simplest sensors.
type consumptionPayload struct {
	Value     *float64 `json:"value"`
	Timestamp any      `json:"timestamp"`
}

func (s *MQTTSource) onMessage(_ mqtt.Client, msg mqtt.Message) {
	// The prefix itself may contain slashes; parse relative to it.
	rest, ok := strings.CutPrefix(msg.Topic(), s.cfg.TopicPrefix+"/")
	parts := strings.Split(rest, "/")
	if !ok || len(parts) != 2 || parts[1] != "consumption" || parts[0] == "" {
		s.lg.Warn("mqtt_bad_topic", slog.String("topic", msg.Topic()))
		return
	}
	deviceID := parts[0]

	raw := telemetry.RawMessage{DeviceID: deviceID, Source: telemetry.SourceMQTT}

	var payload consumptionPayload
	if err := json.Unmarshal(msg.Payload(), &payload); err == nil && payload.Value != nil {
		raw.Value = *payload.Value
		raw.Timestamp = payload.Timestamp
	} else if v, err := strconv.ParseFloat(strings.TrimSpace(string(msg.Payload())), 64); err == nil {
		raw.Value = v
	} else {
		s.lg.Warn("mqtt_unparseable_payload",
			slog.String("device", deviceID),
			slog.String("payload", string(msg.Payload())))
		return
	}
	if raw.Timestamp == nil {
		raw.Timestamp = time.Now().UTC()
	}

	if !s.sink.Submit(raw) {
		s.lg.Warn("mqtt_message_dropped", slog.String("device", deviceID))
	}
}
