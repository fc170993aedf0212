package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"fadedreams/autofix/domain"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/hamba/avro/v2"
	"github.com/riferrei/srclient"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Producer publishes change events to a topic in the schema registry wire
// format.
type Producer struct {
	kafkaProducer *kafka.Producer
	schema        avro.Schema
	SchemaID      int
	topic         string
	logger        *slog.Logger
	tracer        trace.Tracer
}

func NewProducer(bootstrapServers, schemaRegistryURL, topic string, logger *slog.Logger) (*Producer, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": bootstrapServers,
		"compression.type":  "snappy",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	schema, err := parseSchema()
	if err != nil {
		p.Close()
		return nil, err
	}

	srClient := srclient.CreateSchemaRegistryClient(schemaRegistryURL)
	schemaObj, err := srClient.CreateSchema(topic+"-value", changeEventSchema, srclient.Avro)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to register schema: %w", err)
	}
	logger.Info("Schema registered", "schemaID", schemaObj.ID(), "topic", topic)

	return &Producer{
		kafkaProducer: p,
		schema:        schema,
		SchemaID:      schemaObj.ID(),
		topic:         topic,
		logger:        logger,
		tracer:        otel.Tracer("autofix-kafka"),
	}, nil
}

// PublishChange produces ev and waits for its delivery report.
func (p *Producer) PublishChange(ctx context.Context, ev domain.ChangeEvent) error {
	_, span := p.tracer.Start(ctx, "PublishChange")
	defer span.End()
	span.SetAttributes(attribute.String("collection", ev.Collection), attribute.String("type", string(ev.Type)))

	value, err := encodeFrame(p.schema, p.SchemaID, ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to encode event")
		return err
	}

	deliveryChan := make(chan kafka.Event, 1)
	err = p.kafkaProducer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &p.topic, Partition: kafka.PartitionAny},
		Key:            messageKey(ev),
		Value:          value,
	}, deliveryChan)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to produce message")
		return fmt.Errorf("failed to produce message: %w", err)
	}

	var m *kafka.Message
	select {
	case <-ctx.Done():
		return ctx.Err()
	case e := <-deliveryChan:
		m = e.(*kafka.Message)
	}
	if m.TopicPartition.Error != nil {
		span.RecordError(m.TopicPartition.Error)
		span.SetStatus(codes.Error, "Delivery failed")
		return fmt.Errorf("delivery failed: %w", m.TopicPartition.Error)
	}
	span.SetAttributes(
		attribute.String("topic", *m.TopicPartition.Topic),
		attribute.Int("partition", int(m.TopicPartition.Partition)),
		attribute.Int64("offset", int64(m.TopicPartition.Offset)),
	)
	p.logger.Debug("Published change event",
		"collection", ev.Collection,
		"type", ev.Type,
		"partition", m.TopicPartition.Partition,
		"offset", m.TopicPartition.Offset)
	return nil
}

// PublishOutboxEvent relays a change event recorded in the outbox.
func (p *Producer) PublishOutboxEvent(ctx context.Context, event *domain.OutboxEvent) error {
	var ev domain.ChangeEvent
	if err := json.Unmarshal(event.Payload, &ev); err != nil {
		return fmt.Errorf("failed to decode outbox payload: %w", err)
	}
	return p.PublishChange(ctx, ev)
}

func (p *Producer) Close() {
	p.logger.Info("Closing Kafka producer")
	p.kafkaProducer.Flush(5000)
	p.kafkaProducer.Close()
}
