// internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"log/slog"

	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/aggregate"
	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/api"
	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/breaker"
	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/cache"
	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/config"
	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/detect"
	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/ingest"
	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/logging"
	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/metrics"
	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/notify"
	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/pipeline"
	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/recommend"
	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/store"
	"github.com/Ritesh-gupta1430/Energy-management-platform/internal/telemetry"
)

// Application wires configuration, logging, storage, ingestion, the
// pipeline coordinator, and the HTTP surface, and manages graceful
// shutdown across all of them.
type Application struct {
	cfg     config.Config
	logger  *slog.Logger
	logFile *os.File
	server  *http.Server
	health  *api.HealthState
	coord   *pipeline.Coordinator
	mqtt    *ingest.MQTTSource
	kafka   *ingest.KafkaSource
	store   *store.RedisStore
}

// New prepares a fully wired service instance using the supplied
// configuration. Store connectivity is verified up front; everything else
// starts in Run.
func New(ctx context.Context, cfg config.Config) (*Application, error) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		return nil, errors.New("listen address cannot be empty")
	}

	logger, logFile, err := logging.Open(cfg.LogFilePath)
	if err != nil {
		return nil, err
	}

	redisStore, err := store.NewRedis(ctx, store.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, nil)
	if err != nil {
		_ = logFile.Close()
		return nil, fmt.Errorf("store init: %w", err)
	}
	buffered := store.NewBuffered(redisStore, 0, logger.With(slog.String("component", "store_buffer")))

	notifier, err := notify.NewKafka(notify.KafkaConfig{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.AnomalyTopic,
	}, breaker.New("anomaly_publisher", breaker.Config{}, logger, nil),
		logger.With(slog.String("component", "notifier")))
	if err != nil {
		_ = redisStore.Close()
		_ = logFile.Close()
		return nil, fmt.Errorf("notifier init: %w", err)
	}

	var advisor recommend.Advisor = recommend.LocalAdvisor{}
	if cfg.AdvisorURL != "" {
		advisor = recommend.NewRemote(recommend.RemoteConfig{
			URL:     cfg.AdvisorURL,
			Timeout: cfg.AdvisorTimeout,
		}, breaker.New("advisor", breaker.Config{}, logger, nil),
			logger.With(slog.String("component", "advisor")))
	}
	logger.Info("advisor_configured", slog.Bool("remote", cfg.AdvisorURL != ""))

	normalizer := telemetry.NewNormalizer(telemetry.NormalizerConfig{}, nil)
	aggregator := aggregate.New(aggregate.Config{Lateness: cfg.Lateness},
		logger.With(slog.String("component", "aggregator")), nil)
	agCache := cache.New[aggregate.WindowAggregate](30*time.Second, metrics.CacheObserver{}, nil)

	coord := pipeline.New(
		pipeline.Config{
			Shards:           cfg.Shards,
			QueueDepth:       cfg.QueueDepth,
			SweepInterval:    cfg.SweepInterval,
			CloseMargin:      cfg.Lateness,
			InactiveAfter:    cfg.InactiveAfter,
			RecommendTimeout: cfg.AdvisorTimeout,
		},
		normalizer,
		aggregator,
		detect.Config{},
		agCache,
		buffered,
		notifier,
		advisor,
		logger.With(slog.String("component", "pipeline")),
		nil,
	)

	mqttSource, err := ingest.NewMQTT(ingest.MQTTConfig{
		BrokerURL:   cfg.MQTTBrokerURL,
		ClientID:    cfg.MQTTClientID,
		TopicPrefix: cfg.MQTTTopicPrefix,
	}, coord, logger.With(slog.String("component", "mqtt_source")))
	if err != nil {
		_ = redisStore.Close()
		_ = logFile.Close()
		return nil, fmt.Errorf("mqtt source init: %w", err)
	}

	kafkaSource, err := ingest.NewKafka(ingest.KafkaConfig{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.PlatformTopic,
		GroupID: cfg.PlatformGroupID,
	}, coord, logger.With(slog.String("component", "kafka_source")))
	if err != nil {
		_ = redisStore.Close()
		_ = logFile.Close()
		return nil, fmt.Errorf("kafka source init: %w", err)
	}

	logger.Info("sources_configured",
		slog.String("mqtt_broker", cfg.MQTTBrokerURL),
		slog.String("mqtt_prefix", cfg.MQTTTopicPrefix),
		slog.String("platform_topic", cfg.PlatformTopic),
		slog.String("brokers", strings.Join(cfg.KafkaBrokers, ",")),
	)

	health := api.NewHealthState()
	server := api.NewServer(api.Config{
		ListenAddress: cfg.ListenAddress,
		ReadTimeout:   cfg.HTTPReadTimeout,
		WriteTimeout:  cfg.HTTPWriteTimeout,
	}, coord, health, logger.With(slog.String("component", "http")))

	return &Application{
		cfg:     cfg,
		logger:  logger,
		logFile: logFile,
		server:  server,
		health:  health,
		coord:   coord,
		mqtt:    mqttSource,
		kafka:   kafkaSource,
		store:   redisStore,
	}, nil
}

// Logger exposes the configured slog logger so callers (such as main)
// can emit structured logs after initialization.
func (a *Application) Logger() *slog.Logger {
	return a.logger
}

// Run blocks until the context is cancelled or a component terminates
// unexpectedly, then drains everything in order: sources stop feeding,
// the pipeline drains its queues and flushes the store buffer, and the
// HTTP server shuts down last.
func (a *Application) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpCh := make(chan error, 1)
	go func() {
		a.health.SetReady(true)
		a.logger.Info("http_server_listen", slog.String("address", a.cfg.ListenAddress))
		httpCh <- a.server.ListenAndServe()
	}()

	pipeCh := make(chan error, 1)
	go func() {
		pipeCh <- a.coord.Run(ctx)
	}()

	mqttCh := make(chan error, 1)
	go func() {
		mqttCh <- a.mqtt.Run(ctx)
	}()

	kafkaCh := make(chan error, 1)
	go func() {
		kafkaCh <- a.kafka.Run(ctx)
	}()

	var firstErr error
	note := func(name string, err error) {
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error(name+"_error", slog.Any("err", err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	for {
		select {
		case err := <-httpCh:
			httpCh = nil
			note("http_server", err)
			cancel()
		case err := <-mqttCh:
			mqttCh = nil
			note("mqtt_source", err)
			cancel()
		case err := <-kafkaCh:
			kafkaCh = nil
			note("kafka_source", err)
			cancel()
		case err := <-pipeCh:
			pipeCh = nil
			note("pipeline", err)
			cancel()
		case <-ctx.Done():
			a.logger.Info("shutdown_signal")
			a.health.SetReady(false)

			// Sources stop first so the pipeline sees no new intake while
			// draining.
			if mqttCh != nil {
				note("mqtt_source", <-mqttCh)
			}
			if kafkaCh != nil {
				note("kafka_source", <-kafkaCh)
			}
			if pipeCh != nil {
				note("pipeline", <-pipeCh)
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
			if err := a.server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("server_shutdown_failed", slog.Any("err", err))
				if firstErr == nil {
					firstErr = fmt.Errorf("shutdown: %w", err)
				}
			}
			shutdownCancel()
			if httpCh != nil {
				note("http_server", <-httpCh)
			}

			if firstErr != nil {
				return firstErr
			}
			a.logger.Info("shutdown_complete")
			return nil
		}
	}
}

// Close releases resources owned by the application instance.
func (a *Application) Close() error {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			return err
		}
		a.store = nil
	}
	if a.logFile == nil {
		return nil
	}
	if err := a.logFile.Close(); err != nil {
		return err
	}
	a.logFile = nil
	return nil
}
