package feed

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"fadedreams/autofix/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcasterFiltersAndUnsubscribes(t *testing.T) {
	b := NewBroadcaster(slog.New(slog.NewTextHandler(io.Discard, nil)))
	filter := domain.Eq("customer_id", "c1")

	var got []domain.ChangeEvent
	sub, err := b.Subscribe(context.Background(), domain.SubscriptionSpec{
		Collection: domain.CollectionRequests,
		Events:     []domain.EventType{domain.EventUpdate},
		Filter:     &filter,
	}, func(ev domain.ChangeEvent) { got = append(got, ev) })
	require.NoError(t, err)

	b.Publish(domain.ChangeEvent{Type: domain.EventUpdate, Collection: domain.CollectionRequests, New: domain.Row{"id": "1", "customer_id": "c1"}})
	b.Publish(domain.ChangeEvent{Type: domain.EventInsert, Collection: domain.CollectionRequests, New: domain.Row{"id": "2", "customer_id": "c1"}})
	b.Publish(domain.ChangeEvent{Type: domain.EventUpdate, Collection: domain.CollectionRequests, New: domain.Row{"id": "3", "customer_id": "c2"}})
	b.Publish(domain.ChangeEvent{Type: domain.EventUpdate, Collection: domain.CollectionMessages, New: domain.Row{"id": "4", "customer_id": "c1"}})

	require.Len(t, got, 1)
	assert.Equal(t, "1", got[0].New.String("id"))

	require.NoError(t, sub.Unsubscribe())
	b.Publish(domain.ChangeEvent{Type: domain.EventUpdate, Collection: domain.CollectionRequests, New: domain.Row{"id": "5", "customer_id": "c1"}})
	assert.Len(t, got, 1)
	assert.Equal(t, 0, b.Len())
}

func TestBroadcasterEndsSubscriptionWithContext(t *testing.T) {
	b := NewBroadcaster(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())

	_, err := b.Subscribe(ctx, domain.SubscriptionSpec{Collection: domain.CollectionRequests}, func(domain.ChangeEvent) {})
	require.NoError(t, err)
	assert.Equal(t, 1, b.Len())

	cancel()
	assert.Eventually(t, func() bool { return b.Len() == 0 }, time.Second, 5*time.Millisecond)
}
