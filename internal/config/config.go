// internal/config/config.go
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config captures all runtime settings required by the pipeline service.
// Values can be provided by environment variables, a properties file, or
// fall back to sensible defaults so the service can boot with minimal
// setup.
type Config struct {
	// ListenAddress defines the TCP address used by the HTTP server.
	ListenAddress string
	// LogFilePath is the absolute or relative path to the log file.
	LogFilePath string
	// HTTPReadTimeout bounds the time to read incoming requests.
	HTTPReadTimeout time.Duration
	// HTTPWriteTimeout bounds the time to write responses.
	HTTPWriteTimeout time.Duration
	// ShutdownTimeout limits graceful shutdown attempts.
	ShutdownTimeout time.Duration
	// PropertiesPath records the path used to load property values.
	PropertiesPath string

	// MQTTBrokerURL is the broker endpoint for device telemetry.
	MQTTBrokerURL string
	// MQTTTopicPrefix roots the per-device consumption topics.
	MQTTTopicPrefix string
	// MQTTClientID identifies this consumer to the broker.
	MQTTClientID string

	// KafkaBrokers lists the bootstrap brokers.
	KafkaBrokers []string
	// PlatformTopic carries readings relayed by the platform backend.
	PlatformTopic string
	// PlatformGroupID is the consumer group identifier used for checkpointing.
	PlatformGroupID string
	// AnomalyTopic is where detected anomaly events are published.
	AnomalyTopic string

	// RedisAddr is the aggregate/event store endpoint.
	RedisAddr string
	// RedisPassword authenticates against the store; empty means none.
	RedisPassword string
	// RedisDB selects the logical database.
	RedisDB int

	// AdvisorURL is the recommendation collaborator endpoint; empty keeps
	// recommendations local.
	AdvisorURL string
	// AdvisorTimeout bounds each collaborator call.
	AdvisorTimeout time.Duration

	// Shards is the pipeline worker count.
	Shards int
	// QueueDepth bounds each worker's intake queue.
	QueueDepth int
	// SweepInterval paces the pipeline housekeeping pass.
	SweepInterval time.Duration
	// Lateness is the tolerance for out-of-order readings.
	Lateness time.Duration
	// InactiveAfter raises an alert for devices silent this long.
	InactiveAfter time.Duration
}

const (
	defaultListenAddress = ":8087"
	defaultLogFile       = "logs/pipeline.log"
	defaultReadTimeout   = 5 * time.Second
	defaultWriteTimeout  = 10 * time.Second
	defaultShutdown      = 10 * time.Second
	defaultPropsPath     = "pipeline.properties"
	defaultMQTTBroker    = "tcp://mqtt:1883"
	defaultMQTTPrefix    = "home/energy"
	defaultMQTTClientID  = "energy-pipeline"
	defaultKafkaBrokers  = "kafka:9092"
	defaultPlatformTopic = "platform.readings"
	defaultPlatformGroup = "energy-pipeline"
	defaultAnomalyTopic  = "energy.anomalies"
	defaultRedisAddr     = "redis:6379"
	defaultAdvisorTO     = 5 * time.Second
	defaultShards        = 8
	defaultQueueDepth    = 1024
	defaultSweep         = 30 * time.Second
	defaultLateness      = 10 * time.Minute
	defaultInactive      = 2 * time.Hour
)

// Load resolves configuration by layering defaults, an optional properties
// file, and finally environment variables. The properties file location can
// be overridden with PIPELINE_PROPERTIES_PATH.
func Load() (Config, error) {
	cfg := Config{
		ListenAddress:    defaultListenAddress,
		LogFilePath:      filepath.Clean(defaultLogFile),
		HTTPReadTimeout:  defaultReadTimeout,
		HTTPWriteTimeout: defaultWriteTimeout,
		ShutdownTimeout:  defaultShutdown,
		MQTTBrokerURL:    defaultMQTTBroker,
		MQTTTopicPrefix:  defaultMQTTPrefix,
		MQTTClientID:     defaultMQTTClientID,
		KafkaBrokers:     splitAndTrim(defaultKafkaBrokers),
		PlatformTopic:    defaultPlatformTopic,
		PlatformGroupID:  defaultPlatformGroup,
		AnomalyTopic:     defaultAnomalyTopic,
		RedisAddr:        defaultRedisAddr,
		AdvisorTimeout:   defaultAdvisorTO,
		Shards:           defaultShards,
		QueueDepth:       defaultQueueDepth,
		SweepInterval:    defaultSweep,
		Lateness:         defaultLateness,
		InactiveAfter:    defaultInactive,
	}

	propsPath := strings.TrimSpace(os.Getenv("PIPELINE_PROPERTIES_PATH"))
	if propsPath == "" {
		propsPath = defaultPropsPath
	}
	cfg.PropertiesPath = propsPath

	if err := applyProperties(&cfg, propsPath); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func applyProperties(cfg *Config, path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		// Close errors are ignored because configuration loading has
		// already completed and there is no logger available at this
		// stage of initialization.
		_ = f.Close()
	}()

	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") || strings.HasPrefix(raw, ";") {
			continue
		}
		parts := strings.SplitN(raw, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid properties entry on line %d", line)
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if err := setProperty(cfg, key, value); err != nil {
			return fmt.Errorf("property %s: %w", key, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read properties: %w", err)
	}
	return nil
}

func setProperty(cfg *Config, key, value string) error {
	switch key {
	case "listen_address":
		if value == "" {
			return errors.New("listen_address cannot be empty")
		}
		cfg.ListenAddress = value
	case "log_path":
		if value == "" {
			return errors.New("log_path cannot be empty")
		}
		cfg.LogFilePath = filepath.Clean(value)
	case "http_read_timeout_ms":
		d, err := parsePositiveMillis(value)
		if err != nil {
			return err
		}
		cfg.HTTPReadTimeout = d
	case "http_write_timeout_ms":
		d, err := parsePositiveMillis(value)
		if err != nil {
			return err
		}
		cfg.HTTPWriteTimeout = d
	case "shutdown_timeout_ms":
		d, err := parsePositiveMillis(value)
		if err != nil {
			return err
		}
		cfg.ShutdownTimeout = d
	case "mqtt_broker_url":
		if value == "" {
			return errors.New("mqtt_broker_url cannot be empty")
		}
		cfg.MQTTBrokerURL = value
	case "mqtt_topic_prefix":
		if value == "" {
			return errors.New("mqtt_topic_prefix cannot be empty")
		}
		cfg.MQTTTopicPrefix = value
	case "mqtt_client_id":
		if value == "" {
			return errors.New("mqtt_client_id cannot be empty")
		}
		cfg.MQTTClientID = value
	case "kafka_brokers":
		brokers := splitAndTrim(value)
		if len(brokers) == 0 {
			return errors.New("kafka_brokers cannot be empty")
		}
		cfg.KafkaBrokers = brokers
	case "platform_topic":
		if value == "" {
			return errors.New("platform_topic cannot be empty")
		}
		cfg.PlatformTopic = value
	case "platform_group_id":
		if value == "" {
			return errors.New("platform_group_id cannot be empty")
		}
		cfg.PlatformGroupID = value
	case "anomaly_topic":
		if value == "" {
			return errors.New("anomaly_topic cannot be empty")
		}
		cfg.AnomalyTopic = value
	case "redis_addr":
		if value == "" {
			return errors.New("redis_addr cannot be empty")
		}
		cfg.RedisAddr = value
	case "redis_password":
		cfg.RedisPassword = value
	case "redis_db":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid redis_db: %w", err)
		}
		if n < 0 {
			return errors.New("redis_db cannot be negative")
		}
		cfg.RedisDB = n
	case "advisor_url":
		cfg.AdvisorURL = value
	case "advisor_timeout_ms":
		d, err := parsePositiveMillis(value)
		if err != nil {
			return err
		}
		cfg.AdvisorTimeout = d
	case "pipeline_shards":
		n, err := parsePositiveInt(value)
		if err != nil {
			return fmt.Errorf("invalid pipeline_shards: %w", err)
		}
		cfg.Shards = n
	case "pipeline_queue_depth":
		n, err := parsePositiveInt(value)
		if err != nil {
			return fmt.Errorf("invalid pipeline_queue_depth: %w", err)
		}
		cfg.QueueDepth = n
	case "sweep_interval_ms":
		d, err := parsePositiveMillis(value)
		if err != nil {
			return err
		}
		cfg.SweepInterval = d
	case "lateness_ms":
		d, err := parsePositiveMillis(value)
		if err != nil {
			return err
		}
		cfg.Lateness = d
	case "inactive_after_ms":
		d, err := parsePositiveMillis(value)
		if err != nil {
			return err
		}
		cfg.InactiveAfter = d
	default:
		// Unknown keys are ignored to keep the loader forward-compatible.
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v, ok := lookupEnvTrimmed("PIPELINE_LISTEN_ADDRESS"); ok {
		if v == "" {
			return errors.New("PIPELINE_LISTEN_ADDRESS cannot be empty")
		}
		cfg.ListenAddress = v
	}
	if v, ok := lookupEnvTrimmed("PIPELINE_LOG_PATH"); ok {
		if v == "" {
			return errors.New("PIPELINE_LOG_PATH cannot be empty")
		}
		cfg.LogFilePath = filepath.Clean(v)
	}
	if v, ok := lookupEnvTrimmed("PIPELINE_SHUTDOWN_TIMEOUT_MS"); ok {
		d, err := parsePositiveMillis(v)
		if err != nil {
			return fmt.Errorf("PIPELINE_SHUTDOWN_TIMEOUT_MS: %w", err)
		}
		cfg.ShutdownTimeout = d
	}
	if v, ok := lookupEnvTrimmed("PIPELINE_MQTT_BROKER_URL"); ok {
		if v == "" {
			return errors.New("PIPELINE_MQTT_BROKER_URL cannot be empty")
		}
		cfg.MQTTBrokerURL = v
	} else if v, ok := lookupEnvTrimmed("MQTT_BROKER_URL"); ok {
		if v == "" {
			return errors.New("MQTT_BROKER_URL cannot be empty")
		}
		cfg.MQTTBrokerURL = v
	}
	if v, ok := lookupEnvTrimmed("PIPELINE_MQTT_TOPIC_PREFIX"); ok {
		if v == "" {
			return errors.New("PIPELINE_MQTT_TOPIC_PREFIX cannot be empty")
		}
		cfg.MQTTTopicPrefix = v
	}
	if v, ok := lookupEnvTrimmed("PIPELINE_MQTT_CLIENT_ID"); ok {
		if v == "" {
			return errors.New("PIPELINE_MQTT_CLIENT_ID cannot be empty")
		}
		cfg.MQTTClientID = v
	}
	if v, ok := lookupEnvTrimmed("PIPELINE_KAFKA_BROKERS"); ok {
		brokers := splitAndTrim(v)
		if len(brokers) == 0 {
			return errors.New("PIPELINE_KAFKA_BROKERS cannot be empty")
		}
		cfg.KafkaBrokers = brokers
	} else if v, ok := lookupEnvTrimmed("KAFKA_BROKERS"); ok {
		brokers := splitAndTrim(v)
		if len(brokers) == 0 {
			return errors.New("KAFKA_BROKERS cannot be empty")
		}
		cfg.KafkaBrokers = brokers
	}
	if v, ok := lookupEnvTrimmed("PIPELINE_PLATFORM_TOPIC"); ok {
		if v == "" {
			return errors.New("PIPELINE_PLATFORM_TOPIC cannot be empty")
		}
		cfg.PlatformTopic = v
	}
	if v, ok := lookupEnvTrimmed("PIPELINE_PLATFORM_GROUP"); ok {
		if v == "" {
			return errors.New("PIPELINE_PLATFORM_GROUP cannot be empty")
		}
		cfg.PlatformGroupID = v
	}
	if v, ok := lookupEnvTrimmed("PIPELINE_ANOMALY_TOPIC"); ok {
		if v == "" {
			return errors.New("PIPELINE_ANOMALY_TOPIC cannot be empty")
		}
		cfg.AnomalyTopic = v
	}
	if v, ok := lookupEnvTrimmed("PIPELINE_REDIS_ADDR"); ok {
		if v == "" {
			return errors.New("PIPELINE_REDIS_ADDR cannot be empty")
		}
		cfg.RedisAddr = v
	} else if v, ok := lookupEnvTrimmed("REDIS_ADDR"); ok {
		if v == "" {
			return errors.New("REDIS_ADDR cannot be empty")
		}
		cfg.RedisAddr = v
	}
	if v, ok := lookupEnvTrimmed("PIPELINE_REDIS_PASSWORD"); ok {
		cfg.RedisPassword = v
	}
	if v, ok := lookupEnvTrimmed("PIPELINE_REDIS_DB"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PIPELINE_REDIS_DB: %w", err)
		}
		if n < 0 {
			return errors.New("PIPELINE_REDIS_DB cannot be negative")
		}
		cfg.RedisDB = n
	}
	if v, ok := lookupEnvTrimmed("PIPELINE_ADVISOR_URL"); ok {
		cfg.AdvisorURL = v
	}
	if v, ok := lookupEnvTrimmed("PIPELINE_ADVISOR_TIMEOUT_MS"); ok {
		d, err := parsePositiveMillis(v)
		if err != nil {
			return fmt.Errorf("PIPELINE_ADVISOR_TIMEOUT_MS: %w", err)
		}
		cfg.AdvisorTimeout = d
	}
	if v, ok := lookupEnvTrimmed("PIPELINE_SHARDS"); ok {
		n, err := parsePositiveInt(v)
		if err != nil {
			return fmt.Errorf("PIPELINE_SHARDS: %w", err)
		}
		cfg.Shards = n
	}
	if v, ok := lookupEnvTrimmed("PIPELINE_QUEUE_DEPTH"); ok {
		n, err := parsePositiveInt(v)
		if err != nil {
			return fmt.Errorf("PIPELINE_QUEUE_DEPTH: %w", err)
		}
		cfg.QueueDepth = n
	}
	if v, ok := lookupEnvTrimmed("PIPELINE_SWEEP_INTERVAL_MS"); ok {
		d, err := parsePositiveMillis(v)
		if err != nil {
			return fmt.Errorf("PIPELINE_SWEEP_INTERVAL_MS: %w", err)
		}
		cfg.SweepInterval = d
	}
	if v, ok := lookupEnvTrimmed("PIPELINE_LATENESS_MS"); ok {
		d, err := parsePositiveMillis(v)
		if err != nil {
			return fmt.Errorf("PIPELINE_LATENESS_MS: %w", err)
		}
		cfg.Lateness = d
	}
	if v, ok := lookupEnvTrimmed("PIPELINE_INACTIVE_AFTER_MS"); ok {
		d, err := parsePositiveMillis(v)
		if err != nil {
			return fmt.Errorf("PIPELINE_INACTIVE_AFTER_MS: %w", err)
		}
		cfg.InactiveAfter = d
	}
	return nil
}

func lookupEnvTrimmed(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func splitAndTrim(raw string) []string {
	fields := strings.Split(raw, ",")
	out := make([]string, 0, len(fields))
	for _, field := range fields {
		trimmed := strings.TrimSpace(field)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parsePositiveMillis(v string) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return 0, errors.New("value cannot be empty")
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer: %w", err)
	}
	if ms <= 0 {
		return 0, errors.New("value must be greater than zero")
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func parsePositiveInt(v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer: %w", err)
	}
	if n <= 0 {
		return 0, errors.New("value must be greater than zero")
	}
	return n, nil
}
