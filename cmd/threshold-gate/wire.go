package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hive-corporation/threshold-gate/internal/adapter/alertapi"
	"github.com/hive-corporation/threshold-gate/internal/adapter/consumer"
	"github.com/hive-corporation/threshold-gate/internal/adapter/emitter"
	"github.com/hive-corporation/threshold-gate/internal/adapter/metrics"
	"github.com/hive-corporation/threshold-gate/internal/adapter/repository"
	"github.com/hive-corporation/threshold-gate/internal/adapter/statestore"
	"github.com/hive-corporation/threshold-gate/internal/config"
	"github.com/hive-corporation/threshold-gate/internal/core/gate"
	"github.com/hive-corporation/threshold-gate/internal/core/ports"
	"github.com/hive-corporation/threshold-gate/internal/logger"
)

// components are the wired adapters. The gate closes the API client and
// state store itself when Run returns; close releases the rest.
type components struct {
	deps    gate.Deps
	store   *statestore.FileStore
	closers []func()
}

func (c *components) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

// wire builds every adapter from cfg. dryRun replaces the downstream
// emitters with the log emitter.
func wire(ctx context.Context, cfg config.Config, dryRun bool) (*components, error) {
	log := logger.WithComponent("main")
	c := &components{}

	recorder := metrics.InitMetrics(nil)
	c.deps.Metrics = recorder

	store, err := statestore.NewFileStore(cfg.DataRoot, statestore.WithLogger(logger.WithComponent("statestore")))
	if err != nil {
		return nil, err
	}
	c.store = store
	c.deps.Store = store
	log.Info().Str("path", store.Path()).Msg("state store ready")

	api, err := alertapi.NewClient(alertapi.Config{
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
		Timeout: cfg.APITimeout(),
		Resilience: alertapi.ResilientClientConfig{
			EnableCircuitBreaker: cfg.API.CircuitBreakerEnabled,
			MaxFailures:          uint32(cfg.API.CircuitMaxFailures),
			CircuitTimeout:       time.Duration(cfg.API.CircuitTimeoutSeconds) * time.Second,
			MaxAttempts:          cfg.API.MaxAttempts,
			BaseDelay:            time.Duration(cfg.API.RetryDelaySeconds) * time.Second,
		},
	}, logger.WithComponent("alertapi"))
	if err != nil {
		store.Close()
		return nil, err
	}
	c.deps.API = api

	fail := func(err error) (*components, error) {
		c.close()
		api.Close()
		store.Close()
		return nil, err
	}

	switch cfg.Source.Type {
	case config.SourceNATS:
		c.deps.Source = consumer.NATSDialer(consumer.NATSConfig{
			URL:     cfg.NATS.URL,
			Subject: cfg.NATS.Subject,
			Queue:   cfg.NATS.Queue,
		}, logger.WithComponent("consumer"))
	default:
		c.deps.Source = consumer.KafkaDialer(consumer.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.NotificationsTopic,
			GroupID: cfg.Kafka.GroupID,
		}, logger.WithComponent("consumer"))
	}
	log.Info().Str("source", cfg.Source.Type).Msg("notification source configured")

	emitters := emitter.Multi{emitter.NewLogEmitter(logger.WithComponent("emitter"))}
	if dryRun {
		log.Warn().Msg("dry run: triggers are only logged")
	} else {
		if cfg.Kafka.TriggersTopic != "" {
			k, err := emitter.NewKafkaEmitter(cfg.Kafka.Brokers, cfg.Kafka.TriggersTopic, logger.WithComponent("emitter"))
			if err != nil {
				return fail(err)
			}
			c.closers = append(c.closers, func() {
				if err := k.Close(); err != nil {
					log.Warn().Err(err).Msg("failed to close kafka emitter")
				}
			})
			emitters = append(emitters, k)
			log.Info().Str("topic", cfg.Kafka.TriggersTopic).Msg("kafka emitter enabled")
		}
		if cfg.Slack.BotToken != "" {
			emitters = append(emitters, emitter.NewSlackEmitter(cfg.Slack.BotToken, cfg.Slack.Channel))
			log.Info().Str("channel", cfg.Slack.Channel).Msg("slack emitter enabled")
		} else {
			log.Info().Msg("slack emitter disabled (no SLACK_BOT_TOKEN)")
		}
	}
	c.deps.Emitter = emitters

	if cfg.DatabaseURL != "" {
		repo, err := openRepository(ctx, cfg.DatabaseURL)
		if err != nil {
			return fail(err)
		}
		c.closers = append(c.closers, repo.close)
		c.deps.Triggers = repo.repo
		log.Info().Msg("trigger audit enabled")
	} else {
		log.Info().Msg("trigger audit disabled (no DATABASE_URL)")
	}

	return c, nil
}

type auditRepository struct {
	repo  ports.TriggerRepository
	close func()
}

func openRepository(ctx context.Context, dbURL string) (*auditRepository, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	repo := repository.NewPostgresRepository(pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &auditRepository{repo: repo, close: pool.Close}, nil
}
