package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"fadedreams/autofix/config"
	"fadedreams/autofix/domain"
	"fadedreams/autofix/kafka"
	"fadedreams/autofix/objects"
	"fadedreams/autofix/remote"
	"fadedreams/autofix/storage"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// cleanups stops background workers, then releases resources in reverse
// order of acquisition.
type cleanups struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
	steps  []cleanupStep
}

type cleanupStep struct {
	name string
	fn   func() error
}

func (c *cleanups) add(name string, fn func() error) {
	c.steps = append(c.steps, cleanupStep{name: name, fn: fn})
}

// spawn runs a worker until ctx ends.
func (c *cleanups) spawn(ctx context.Context, name string, logger *slog.Logger, fn func(context.Context) error) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Background worker stopped", "worker", name, "error", err)
		}
	}()
}

func (c *cleanups) run(logger *slog.Logger) {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	for i := len(c.steps) - 1; i >= 0; i-- {
		if err := c.steps[i].fn(); err != nil {
			logger.Error("Cleanup failed", "step", c.steps[i].name, "error", err)
		}
	}
}

func openKV(ctx context.Context, cfg *config.Config, logger *slog.Logger, c *cleanups) (domain.KVStore, error) {
	switch cfg.KVBackend {
	case "memory":
		logger.Warn("Using in-memory key-value store, nothing survives a restart")
		return storage.NewMemory(), nil
	case "redis":
		r, err := storage.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix, logger)
		if err != nil {
			return nil, err
		}
		c.add("redis", r.Close)
		return r, nil
	default:
		s, err := storage.NewSQLite(cfg.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		c.add("sqlite", s.Close)
		return s, nil
	}
}

// openRemote connects the remote backend and, for the kafka transport, swaps
// its change feed for the topic.
func openRemote(ctx context.Context, cfg *config.Config, logger *slog.Logger, c *cleanups) (domain.RemoteService, error) {
	useKafka := cfg.FeedTransport == "kafka"
	var (
		base domain.RemoteService
		mdb  *remote.Mongo
	)

	switch cfg.RemoteBackend {
	case "none":
		logger.Info("Running without a remote backend")
		return remote.Noop{}, nil
	case "memory":
		base = remote.NewMemory(logger)
	case "sqlite":
		s, err := remote.OpenSQLite(cfg.RemoteSQLite, logger)
		if err != nil {
			return nil, err
		}
		c.add("remote sqlite", s.Close)
		if err := s.Migrate(ctx); err != nil {
			return nil, err
		}
		base = s
	case "postgres":
		s, err := remote.OpenPostgres(cfg.PostgresDSN, logger)
		if err != nil {
			return nil, err
		}
		c.add("postgres", s.Close)
		if err := s.Migrate(ctx); err != nil {
			return nil, err
		}
		listener, err := remote.NewPGListener(cfg.PostgresDSN, s.Feed(), logger)
		if err != nil {
			return nil, err
		}
		c.add("postgres listener", listener.Close)
		c.spawn(ctx, "postgres listener", logger, listener.Start)
		base = s
	case "mongo":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
		}
		c.add("mongo", func() error { return client.Disconnect(context.Background()) })
		logger.Info("Connected to MongoDB", "database", cfg.MongoDatabase)
		mdb = remote.NewMongo(client, cfg.MongoDatabase, cfg.MongoOutbox || useKafka, logger)
		if err := mdb.EnsureCollections(ctx); err != nil {
			return nil, err
		}
		base = mdb
	}

	if !useKafka {
		return base, nil
	}

	producer, err := kafka.NewProducer(cfg.KafkaBootstrap, cfg.SchemaRegistry, cfg.KafkaTopic, logger)
	if err != nil {
		return nil, err
	}
	c.add("kafka producer", func() error { producer.Close(); return nil })
	if mdb != nil {
		c.spawn(ctx, "outbox processor", logger, kafka.NewOutboxProcessor(mdb, producer, logger).Start)
	} else {
		relay := kafka.NewRelay(base, producer, logger)
		if err := relay.Start(ctx, domain.CollectionRequests, domain.CollectionMessages, domain.CollectionNotifications); err != nil {
			return nil, err
		}
		c.add("kafka relay", relay.Stop)
	}

	kfeed, err := kafka.NewFeed(cfg.KafkaBootstrap, cfg.SchemaRegistry, cfg.KafkaTopic, cfg.KafkaGroupID, logger)
	if err != nil {
		return nil, err
	}
	c.add("kafka consumer", func() error { kfeed.Close(); return nil })
	c.spawn(ctx, "kafka consumer", logger, kfeed.Start)
	return remote.WithFeed(base, kfeed), nil
}

func openObjects(ctx context.Context, cfg *config.Config, logger *slog.Logger, c *cleanups) (domain.ObjectStore, error) {
	switch cfg.ObjectStore {
	case "memory":
		return objects.NewMemory(cfg.ObjectBaseURL), nil
	case "s3":
		return objects.NewS3(ctx, objects.S3Config{Bucket: cfg.S3Bucket, Region: cfg.S3Region, Endpoint: cfg.S3Endpoint}, logger)
	case "gcs":
		g, err := objects.NewGCS(ctx, cfg.GCSBucket, cfg.GCSCredentials, logger)
		if err != nil {
			return nil, err
		}
		c.add("gcs", g.Close)
		return g, nil
	default:
		return nil, nil
	}
}
