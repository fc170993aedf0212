package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Redis keeps every key under a namespace prefix so Clear never touches
// unrelated data in a shared database.
type Redis struct {
	client    *redis.Client
	namespace string
	tracer    trace.Tracer
	logger    *slog.Logger
}

func NewRedis(ctx context.Context, addr, password string, db int, namespace string, logger *slog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	logger.Info("Connected to redis key-value store", "addr", addr, "namespace", namespace)
	return &Redis{client: client, namespace: namespace, tracer: otel.Tracer("autofix-storage"), logger: logger}, nil
}

func (r *Redis) key(k string) string { return r.namespace + k }

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, span := r.tracer.Start(ctx, "RedisGet")
	defer span.End()
	span.SetAttributes(attribute.String("key", key))

	v, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to read key")
		return "", false, fmt.Errorf("failed to read key %q: %w", key, err)
	}
	return v, true, nil
}

func (r *Redis) Set(ctx context.Context, key, value string) error {
	ctx, span := r.tracer.Start(ctx, "RedisSet")
	defer span.End()
	span.SetAttributes(attribute.String("key", key), attribute.Int("bytes", len(value)))

	if err := r.client.Set(ctx, r.key(key), value, 0).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to write key")
		return fmt.Errorf("failed to write key %q: %w", key, err)
	}
	return nil
}

func (r *Redis) Remove(ctx context.Context, key string) error {
	ctx, span := r.tracer.Start(ctx, "RedisRemove")
	defer span.End()
	span.SetAttributes(attribute.String("key", key))

	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to remove key")
		return fmt.Errorf("failed to remove key %q: %w", key, err)
	}
	return nil
}

func (r *Redis) Clear(ctx context.Context) error {
	ctx, span := r.tracer.Start(ctx, "RedisClear")
	defer span.End()
	span.SetAttributes(attribute.String("namespace", r.namespace))

	var cursor uint64
	removed := 0
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.namespace+"*", 100).Result()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "Failed to scan namespace")
			return fmt.Errorf("failed to scan namespace %q: %w", r.namespace, err)
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "Failed to delete keys")
				return fmt.Errorf("failed to delete keys: %w", err)
			}
			removed += len(keys)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	span.SetAttributes(attribute.Int("removed", removed))
	r.logger.Info("Cleared redis key-value store", "namespace", r.namespace, "removed", removed)
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
