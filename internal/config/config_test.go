// internal/config/config_test.go
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PIPELINE_PROPERTIES_PATH", filepath.Join(t.TempDir(), "missing.properties"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":8087" {
		t.Fatalf("listen address: %s", cfg.ListenAddress)
	}
	if cfg.MQTTTopicPrefix != "home/energy" {
		t.Fatalf("mqtt prefix: %s", cfg.MQTTTopicPrefix)
	}
	if len(cfg.KafkaBrokers) != 1 || cfg.KafkaBrokers[0] != "kafka:9092" {
		t.Fatalf("brokers: %v", cfg.KafkaBrokers)
	}
	if cfg.Shards != 8 || cfg.QueueDepth != 1024 {
		t.Fatalf("pipeline defaults: shards=%d depth=%d", cfg.Shards, cfg.QueueDepth)
	}
	if cfg.Lateness != 10*time.Minute {
		t.Fatalf("lateness: %s", cfg.Lateness)
	}
}

func TestLoadPropertiesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.properties")
	content := `# pipeline settings
listen_address=:9999
mqtt_broker_url=tcp://broker.lan:1883
kafka_brokers = k1:9092, k2:9092
redis_db=3
sweep_interval_ms=5000

; trailing comment
unknown_key=ignored
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write properties: %v", err)
	}
	t.Setenv("PIPELINE_PROPERTIES_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":9999" {
		t.Fatalf("listen address: %s", cfg.ListenAddress)
	}
	if cfg.MQTTBrokerURL != "tcp://broker.lan:1883" {
		t.Fatalf("mqtt broker: %s", cfg.MQTTBrokerURL)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("brokers: %v", cfg.KafkaBrokers)
	}
	if cfg.RedisDB != 3 {
		t.Fatalf("redis db: %d", cfg.RedisDB)
	}
	if cfg.SweepInterval != 5*time.Second {
		t.Fatalf("sweep interval: %s", cfg.SweepInterval)
	}
}

func TestEnvOverridesProperties(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.properties")
	if err := os.WriteFile(path, []byte("listen_address=:9999\n"), 0o644); err != nil {
		t.Fatalf("write properties: %v", err)
	}
	t.Setenv("PIPELINE_PROPERTIES_PATH", path)
	t.Setenv("PIPELINE_LISTEN_ADDRESS", ":7777")
	t.Setenv("KAFKA_BROKERS", "env-broker:9092")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":7777" {
		t.Fatalf("env did not win: %s", cfg.ListenAddress)
	}
	if len(cfg.KafkaBrokers) != 1 || cfg.KafkaBrokers[0] != "env-broker:9092" {
		t.Fatalf("brokers: %v", cfg.KafkaBrokers)
	}
}

func TestServicePrefixedEnvWinsOverShared(t *testing.T) {
	t.Setenv("PIPELINE_PROPERTIES_PATH", filepath.Join(t.TempDir(), "missing.properties"))
	t.Setenv("KAFKA_BROKERS", "shared:9092")
	t.Setenv("PIPELINE_KAFKA_BROKERS", "dedicated:9092")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.KafkaBrokers) != 1 || cfg.KafkaBrokers[0] != "dedicated:9092" {
		t.Fatalf("brokers: %v", cfg.KafkaBrokers)
	}
}

func TestMalformedPropertiesRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.properties")
	if err := os.WriteFile(path, []byte("listen_address\n"), 0o644); err != nil {
		t.Fatalf("write properties: %v", err)
	}
	t.Setenv("PIPELINE_PROPERTIES_PATH", path)

	if _, err := Load(); err == nil {
		t.Fatalf("entry without '=' accepted")
	}
}

func TestInvalidDurationRejected(t *testing.T) {
	t.Setenv("PIPELINE_PROPERTIES_PATH", filepath.Join(t.TempDir(), "missing.properties"))
	t.Setenv("PIPELINE_SWEEP_INTERVAL_MS", "-5")

	if _, err := Load(); err == nil {
		t.Fatalf("negative duration accepted")
	}
}
