package feed

import (
	"context"
	"log/slog"
	"sync"

	"fadedreams/autofix/domain"
)

// Broadcaster fans change events out to in-process subscribers. Publish calls
// each matching subscriber synchronously, so one publisher's events reach a
// subscriber in publish order.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscription
	nextID uint64
	logger *slog.Logger
}

type subscription struct {
	id      uint64
	spec    domain.SubscriptionSpec
	onEvent func(domain.ChangeEvent)
	owner   *Broadcaster
	stop    func() bool
}

func (s *subscription) Unsubscribe() error {
	s.owner.mu.Lock()
	stop := s.stop
	delete(s.owner.subs, s.id)
	s.owner.mu.Unlock()
	if stop != nil {
		stop()
	}
	return nil
}

func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	return &Broadcaster{subs: make(map[uint64]*subscription), logger: logger}
}

// Subscribe registers onEvent for events matching spec. The subscription ends
// on Unsubscribe or when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, spec domain.SubscriptionSpec, onEvent func(domain.ChangeEvent)) (domain.Subscription, error) {
	b.mu.Lock()
	b.nextID++
	sub := &subscription{id: b.nextID, spec: spec, onEvent: onEvent, owner: b}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = sub.Unsubscribe() })
	b.mu.Lock()
	sub.stop = stop
	b.mu.Unlock()
	b.logger.Debug("Subscribed to change feed", "collection", spec.Collection, "subscriptionID", sub.id)
	return sub, nil
}

// Publish delivers ev to every matching subscriber.
func (b *Broadcaster) Publish(ev domain.ChangeEvent) {
	b.mu.RLock()
	targets := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.spec.Wants(ev) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		sub.onEvent(ev)
	}
}

// Len reports the number of live subscriptions.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
