package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fadedreams/autofix/domain"
)

// ChangePublisher sends one change event to the topic.
type ChangePublisher interface {
	PublishChange(ctx context.Context, ev domain.ChangeEvent) error
}

// Relay forwards the change events a backend publishes natively onto the
// topic, for backends without an outbox.
type Relay struct {
	source    domain.ChangeFeed
	publisher ChangePublisher
	timeout   time.Duration
	logger    *slog.Logger
	subs      []domain.Subscription
}

func NewRelay(source domain.ChangeFeed, publisher ChangePublisher, logger *slog.Logger) *Relay {
	return &Relay{source: source, publisher: publisher, timeout: 5 * time.Second, logger: logger}
}

// Start subscribes to every collection. Events are published in delivery
// order; a failed publish is logged and the event dropped.
func (r *Relay) Start(ctx context.Context, collections ...string) error {
	for _, collection := range collections {
		sub, err := r.source.Subscribe(ctx, domain.SubscriptionSpec{Collection: collection}, func(ev domain.ChangeEvent) {
			r.forward(ctx, ev)
		})
		if err != nil {
			r.Stop()
			return fmt.Errorf("failed to subscribe to %s: %w", collection, err)
		}
		r.subs = append(r.subs, sub)
	}
	r.logger.Info("Relaying change events to Kafka", "collections", collections)
	return nil
}

func (r *Relay) forward(ctx context.Context, ev domain.ChangeEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	if err := r.publisher.PublishChange(ctx, ev); err != nil {
		r.logger.Error("Failed to relay change event", "collection", ev.Collection, "id", ev.New.String("id"), "error", err)
	}
}

func (r *Relay) Stop() error {
	var errs []error
	for _, sub := range r.subs {
		errs = append(errs, sub.Unsubscribe())
	}
	r.subs = nil
	return errors.Join(errs...)
}
