package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fadedreams/autofix/domain"
	"fadedreams/autofix/feed"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/hamba/avro/v2"
	"github.com/riferrei/srclient"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Feed consumes change events from a topic and fans them out to subscribers.
// It satisfies domain.ChangeFeed.
type Feed struct {
	kafkaConsumer *kafka.Consumer
	srClient      *srclient.SchemaRegistryClient
	topic         string
	broadcaster   *feed.Broadcaster
	logger        *slog.Logger
	tracer        trace.Tracer

	mu      sync.Mutex
	schemas map[int]avro.Schema
}

func NewFeed(bootstrapServers, schemaRegistryURL, topic, groupID string, logger *slog.Logger) (*Feed, error) {
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  bootstrapServers,
		"group.id":           groupID,
		"auto.offset.reset":  "latest",
		"enable.auto.commit": false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer: %w", err)
	}
	return &Feed{
		kafkaConsumer: c,
		srClient:      srclient.CreateSchemaRegistryClient(schemaRegistryURL),
		topic:         topic,
		broadcaster:   feed.NewBroadcaster(logger),
		logger:        logger,
		tracer:        otel.Tracer("autofix-kafka"),
		schemas:       make(map[int]avro.Schema),
	}, nil
}

func (f *Feed) Subscribe(ctx context.Context, spec domain.SubscriptionSpec, onEvent func(domain.ChangeEvent)) (domain.Subscription, error) {
	return f.broadcaster.Subscribe(ctx, spec, onEvent)
}

// Start consumes until ctx is cancelled.
func (f *Feed) Start(ctx context.Context) error {
	if err := f.kafkaConsumer.SubscribeTopics([]string{f.topic}, nil); err != nil {
		return fmt.Errorf("failed to subscribe to topic: %w", err)
	}
	f.logger.Info("Subscribed to Kafka topic", "topic", f.topic)

	for {
		select {
		case <-ctx.Done():
			f.logger.Info("Context canceled, stopping Kafka consumer")
			return ctx.Err()
		default:
		}

		msg, err := f.kafkaConsumer.ReadMessage(time.Second)
		if err != nil {
			var kerr kafka.Error
			if errors.As(err, &kerr) && kerr.Code() == kafka.ErrTimedOut {
				continue
			}
			f.logger.Error("Error reading Kafka message", "error", err)
			continue
		}
		f.handle(ctx, msg)
	}
}

func (f *Feed) handle(ctx context.Context, msg *kafka.Message) {
	_, span := f.tracer.Start(ctx, "ProcessKafkaMessage")
	defer span.End()
	span.SetAttributes(
		attribute.Int("partition", int(msg.TopicPartition.Partition)),
		attribute.Int64("offset", int64(msg.TopicPartition.Offset)),
	)

	ev, err := f.decode(msg.Value)
	if err != nil {
		// malformed messages are committed so they are not redelivered
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to decode message")
		f.logger.Error("Dropping malformed change message", "offset", msg.TopicPartition.Offset, "error", err)
	} else {
		f.broadcaster.Publish(ev)
	}

	if _, err := f.kafkaConsumer.CommitMessage(msg); err != nil {
		span.RecordError(err)
		f.logger.Error("Failed to commit Kafka offset", "offset", msg.TopicPartition.Offset, "error", err)
	}
}

func (f *Feed) decode(frame []byte) (domain.ChangeEvent, error) {
	schemaID, err := frameSchemaID(frame)
	if err != nil {
		return domain.ChangeEvent{}, err
	}
	schema, err := f.schemaFor(schemaID)
	if err != nil {
		return domain.ChangeEvent{}, err
	}
	return decodeFrame(schema, frame)
}

// schemaFor fetches and caches writer schemas by registry id.
func (f *Feed) schemaFor(id int) (avro.Schema, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.schemas[id]; ok {
		return s, nil
	}
	obj, err := f.srClient.GetSchema(id)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch schema %d: %w", id, err)
	}
	s, err := avro.Parse(obj.Schema())
	if err != nil {
		return nil, fmt.Errorf("failed to parse schema %d: %w", id, err)
	}
	f.schemas[id] = s
	return s, nil
}

func (f *Feed) Close() {
	f.logger.Info("Closing Kafka consumer")
	_ = f.kafkaConsumer.Close()
}
