package kafka

import (
	"context"
	"log/slog"
	"time"

	"fadedreams/autofix/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// OutboxStore is the outbox side of a transactional remote backend.
type OutboxStore interface {
	GetUnprocessedOutboxEvents(ctx context.Context) ([]*domain.OutboxEvent, error)
	MarkOutboxEventProcessed(ctx context.Context, eventID string) error
}

type Publisher interface {
	PublishOutboxEvent(ctx context.Context, event *domain.OutboxEvent) error
}

// OutboxProcessor relays outbox events to the event bus on a fixed interval.
type OutboxProcessor struct {
	store     OutboxStore
	publisher Publisher
	interval  time.Duration
	logger    *slog.Logger
}

func NewOutboxProcessor(store OutboxStore, publisher Publisher, logger *slog.Logger) *OutboxProcessor {
	return &OutboxProcessor{
		store:     store,
		publisher: publisher,
		interval:  5 * time.Second,
		logger:    logger,
	}
}

func (p *OutboxProcessor) Start(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Stopping outbox processor")
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.processOutboxEvents(ctx); err != nil {
				p.logger.Error("Failed to process outbox events", "error", err)
			}
		}
	}
}

// processOutboxEvents publishes pending events and returns how many were
// marked processed. An event that fails is retried on the next tick.
func (p *OutboxProcessor) processOutboxEvents(ctx context.Context) (int, error) {
	ctx, span := otel.Tracer("autofix-kafka").Start(ctx, "ProcessOutboxEvents")
	defer span.End()

	events, err := p.store.GetUnprocessedOutboxEvents(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to get unprocessed outbox events")
		return 0, err
	}

	processed := 0
	for _, event := range events {
		if err := p.publisher.PublishOutboxEvent(ctx, event); err != nil {
			span.RecordError(err)
			p.logger.Error("Failed to publish outbox event", "eventID", event.ID, "error", err)
			continue
		}
		if err := p.store.MarkOutboxEventProcessed(ctx, event.ID); err != nil {
			span.RecordError(err)
			p.logger.Error("Failed to mark outbox event as processed", "eventID", event.ID, "error", err)
			continue
		}
		processed++
	}
	span.SetAttributes(attribute.Int("processedEventCount", processed))
	return processed, nil
}
