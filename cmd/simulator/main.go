// cmd/simulator/main.go
// Standalone device simulator. Publishes consumption readings for a fleet
// of synthetic devices over MQTT so the pipeline can be exercised without
// real hardware. Each device follows a diurnal load curve with noise, and
// occasional spikes are injected so the detector has something to find.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

type simConfig struct {
	BrokerURL   string
	TopicPrefix string
	Devices     int
	Interval    time.Duration
	SpikeOdds   float64
}

func buildConfig() simConfig {
	cfg := simConfig{
		BrokerURL:   "tcp://localhost:1883",
		TopicPrefix: "home/energy",
		Devices:     5,
		Interval:    2 * time.Second,
		SpikeOdds:   0.01,
	}
	if v := strings.TrimSpace(os.Getenv("SIM_BROKER_URL")); v != "" {
		cfg.BrokerURL = v
	}
	if v := strings.TrimSpace(os.Getenv("SIM_TOPIC_PREFIX")); v != "" {
		cfg.TopicPrefix = v
	}
	if v := strings.TrimSpace(os.Getenv("SIM_DEVICES")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Devices = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("SIM_INTERVAL_MS")); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.Interval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := strings.TrimSpace(os.Getenv("SIM_SPIKE_ODDS")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f < 1 {
			cfg.SpikeOdds = f
		}
	}
	return cfg
}

type device struct {
	id   string
	base float64
}

// load models a household diurnal curve: low overnight, morning and
// evening peaks, plus gaussian noise.
func (d device) load(at time.Time, rng *rand.Rand) float64 {
	hour := float64(at.Hour()) + float64(at.Minute())/60
	morning := 1.5 * math.Exp(-math.Pow(hour-7.5, 2)/4)
	evening := 2.5 * math.Exp(-math.Pow(hour-19, 2)/6)
	v := d.base + morning + evening + rng.NormFloat64()*0.15
	if v < 0.05 {
		v = 0.05
	}
	return v
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := buildConfig()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	devices := make([]device, cfg.Devices)
	for i := range devices {
		devices[i] = device{id: uuid.NewString(), base: 0.3 + rng.Float64()*0.7}
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID("energy-simulator-" + uuid.NewString()[:8]).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(30 * time.Second)
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		logger.Error("mqtt_connect_failed", slog.Any("err", token.Error()))
		os.Exit(1)
	}
	defer client.Disconnect(250)

	logger.Info("simulator_started",
		slog.String("broker", cfg.BrokerURL),
		slog.String("prefix", cfg.TopicPrefix),
		slog.Int("devices", cfg.Devices),
		slog.String("interval", cfg.Interval.String()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("simulator_stopped")
			return
		case now := <-ticker.C:
			for _, d := range devices {
				value := d.load(now, rng)
				if rng.Float64() < cfg.SpikeOdds {
					value *= 8 + rng.Float64()*12
					logger.Info("spike_injected", slog.String("device", d.id), slog.Float64("value", value))
				}
				payload, _ := json.Marshal(map[string]any{
					"value":     value,
					"timestamp": now.UTC().Format(time.RFC3339),
				})
				topic := fmt.Sprintf("%s/%s/consumption", cfg.TopicPrefix, d.id)
				token := client.Publish(topic, 1, false, payload)
				if token.WaitTimeout(5*time.Second) && token.Error() != nil {
					logger.Warn("publish_failed", slog.String("device", d.id), slog.Any("err", token.Error()))
				}
			}
		}
	}
}
