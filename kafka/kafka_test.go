package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"fadedreams/autofix/domain"
	"fadedreams/autofix/feed"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	schema, err := parseSchema()
	require.NoError(t, err)

	at := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	ev := domain.ChangeEvent{
		Type:       domain.EventUpdate,
		Collection: domain.CollectionRequests,
		New:        domain.Row{"id": "r1", "status": "accepted", "mechanic_arrived": false},
		Old:        domain.Row{"id": "r1", "status": "pending"},
		CommitTime: at,
	}
	frame, err := encodeFrame(schema, 42, ev)
	require.NoError(t, err)

	id, err := frameSchemaID(frame)
	require.NoError(t, err)
	assert.Equal(t, 42, id)

	got, err := decodeFrame(schema, frame)
	require.NoError(t, err)
	assert.Equal(t, ev.Type, got.Type)
	assert.Equal(t, ev.Collection, got.Collection)
	assert.Equal(t, "accepted", got.New.String("status"))
	assert.Equal(t, false, got.New["mechanic_arrived"])
	assert.Equal(t, "pending", got.Old.String("status"))
	assert.True(t, at.Equal(got.CommitTime))
}

func TestFrameWithoutOldRow(t *testing.T) {
	schema, err := parseSchema()
	require.NoError(t, err)

	frame, err := encodeFrame(schema, 1, domain.ChangeEvent{
		Type:       domain.EventInsert,
		Collection: domain.CollectionMessages,
		New:        domain.Row{"id": "m1"},
		CommitTime: time.UnixMilli(1792324800000),
	})
	require.NoError(t, err)

	got, err := decodeFrame(schema, frame)
	require.NoError(t, err)
	assert.Nil(t, got.Old)
	assert.Equal(t, "m1", got.New.String("id"))
}

func TestFrameHeaderValidation(t *testing.T) {
	_, err := frameSchemaID([]byte{0, 0, 1})
	assert.Error(t, err)

	_, err = frameSchemaID([]byte{7, 0, 0, 0, 1})
	assert.Error(t, err)
}

func TestMessageKey(t *testing.T) {
	key := messageKey(domain.ChangeEvent{Collection: domain.CollectionRequests, New: domain.Row{"id": "r9"}})
	assert.Equal(t, "requests:r9", string(key))
}

type fakeOutbox struct {
	events    []*domain.OutboxEvent
	processed []string
}

func (f *fakeOutbox) GetUnprocessedOutboxEvents(context.Context) ([]*domain.OutboxEvent, error) {
	return f.events, nil
}

func (f *fakeOutbox) MarkOutboxEventProcessed(_ context.Context, id string) error {
	f.processed = append(f.processed, id)
	return nil
}

type fakePublisher struct {
	failFor   string
	published []domain.ChangeEvent
}

func (f *fakePublisher) PublishOutboxEvent(_ context.Context, event *domain.OutboxEvent) error {
	if event.ID == f.failFor {
		return errors.New("broker unavailable")
	}
	var ev domain.ChangeEvent
	if err := json.Unmarshal(event.Payload, &ev); err != nil {
		return err
	}
	f.published = append(f.published, ev)
	return nil
}

func outboxEvent(t *testing.T, id string, ev domain.ChangeEvent) *domain.OutboxEvent {
	t.Helper()
	payload, err := json.Marshal(ev)
	require.NoError(t, err)
	return &domain.OutboxEvent{ID: id, EventType: ev.Collection + "." + string(ev.Type), Payload: payload}
}

func TestOutboxProcessorMarksOnlyPublishedEvents(t *testing.T) {
	store := &fakeOutbox{events: []*domain.OutboxEvent{
		outboxEvent(t, "e1", domain.ChangeEvent{Type: domain.EventInsert, Collection: domain.CollectionRequests, New: domain.Row{"id": "r1"}}),
		outboxEvent(t, "e2", domain.ChangeEvent{Type: domain.EventUpdate, Collection: domain.CollectionRequests, New: domain.Row{"id": "r1"}}),
		outboxEvent(t, "e3", domain.ChangeEvent{Type: domain.EventInsert, Collection: domain.CollectionMessages, New: domain.Row{"id": "m1"}}),
	}}
	publisher := &fakePublisher{failFor: "e2"}
	p := NewOutboxProcessor(store, publisher, slog.New(slog.NewTextHandler(io.Discard, nil)))

	n, err := p.processOutboxEvents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"e1", "e3"}, store.processed)
	require.Len(t, publisher.published, 2)
	assert.Equal(t, domain.CollectionMessages, publisher.published[1].Collection)
}

func TestOutboxProcessorStopsWithContext(t *testing.T) {
	p := NewOutboxProcessor(&fakeOutbox{}, &fakePublisher{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.interval = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Start(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("processor did not stop")
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.ChangeEvent
}

func (p *recordingPublisher) PublishChange(_ context.Context, ev domain.ChangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ev.New.String("id") == "poison" {
		return errors.New("broker unavailable")
	}
	p.events = append(p.events, ev)
	return nil
}

func TestRelayForwardsSubscribedCollections(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	source := feed.NewBroadcaster(logger)
	pub := &recordingPublisher{}
	relay := NewRelay(source, pub, logger)
	require.NoError(t, relay.Start(context.Background(), domain.CollectionRequests, domain.CollectionMessages))

	source.Publish(domain.ChangeEvent{Type: domain.EventInsert, Collection: domain.CollectionRequests, New: domain.Row{"id": "r1"}})
	source.Publish(domain.ChangeEvent{Type: domain.EventInsert, Collection: domain.CollectionRequests, New: domain.Row{"id": "poison"}})
	source.Publish(domain.ChangeEvent{Type: domain.EventInsert, Collection: domain.CollectionProfiles, New: domain.Row{"id": "p1"}})
	source.Publish(domain.ChangeEvent{Type: domain.EventInsert, Collection: domain.CollectionMessages, New: domain.Row{"id": "msg1"}})

	require.Len(t, pub.events, 2)
	assert.Equal(t, "r1", pub.events[0].New.String("id"))
	assert.Equal(t, "msg1", pub.events[1].New.String("id"))

	require.NoError(t, relay.Stop())
	assert.Zero(t, source.Len())
}
