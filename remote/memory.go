package remote

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"fadedreams/autofix/domain"
	"fadedreams/autofix/feed"

	"github.com/google/uuid"
)

// Memory is an in-process remote service. Several agents sharing one Memory
// see each other's writes through its change feed, which makes it the backend
// for single-binary demos and for tests.
type Memory struct {
	mu     sync.RWMutex
	tables map[string][]domain.Row
	feed   *feed.Broadcaster
	clock  func() time.Time
	logger *slog.Logger
}

func NewMemory(logger *slog.Logger) *Memory {
	return &Memory{
		tables: make(map[string][]domain.Row),
		feed:   feed.NewBroadcaster(logger),
		clock:  time.Now,
		logger: logger,
	}
}

func (m *Memory) Select(_ context.Context, q domain.Query) ([]domain.Row, error) {
	if err := checkCollection(q.Collection); err != nil {
		return nil, err
	}
	m.mu.RLock()
	var out []domain.Row
	for _, row := range m.tables[q.Collection] {
		if domain.MatchesAll(q.Filters, row) {
			out = append(out, row.Clone())
		}
	}
	m.mu.RUnlock()

	sortRows(out, q.OrderBy, q.Descending)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *Memory) Insert(_ context.Context, collection string, row domain.Row) (domain.Row, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	stored := row.Clone()
	if stored.String("id") == "" {
		stored["id"] = uuid.NewString()
	}
	if _, ok := stored["created_at"]; !ok {
		stored["created_at"] = m.clock()
	}

	m.mu.Lock()
	m.tables[collection] = append(m.tables[collection], stored)
	m.mu.Unlock()

	m.feed.Publish(domain.ChangeEvent{
		Type:       domain.EventInsert,
		Collection: collection,
		New:        stored.Clone(),
		CommitTime: m.clock(),
	})
	return stored.Clone(), nil
}

func (m *Memory) Update(_ context.Context, collection string, filters []domain.Filter, fields domain.Row) (int64, error) {
	if err := checkCollection(collection); err != nil {
		return 0, err
	}
	var events []domain.ChangeEvent
	m.mu.Lock()
	rows := m.tables[collection]
	for i, row := range rows {
		if !domain.MatchesAll(filters, row) {
			continue
		}
		updated := applyFields(row, fields)
		rows[i] = updated
		events = append(events, domain.ChangeEvent{
			Type:       domain.EventUpdate,
			Collection: collection,
			New:        updated.Clone(),
			Old:        row.Clone(),
			CommitTime: m.clock(),
		})
	}
	m.mu.Unlock()

	for _, ev := range events {
		m.feed.Publish(ev)
	}
	return int64(len(events)), nil
}

func (m *Memory) Subscribe(ctx context.Context, spec domain.SubscriptionSpec, onEvent func(domain.ChangeEvent)) (domain.Subscription, error) {
	if err := checkCollection(spec.Collection); err != nil {
		return nil, err
	}
	return m.feed.Subscribe(ctx, spec, onEvent)
}

// Publish injects an event into the feed without touching the tables, as a
// redelivering transport would.
func (m *Memory) Publish(ev domain.ChangeEvent) {
	m.feed.Publish(ev)
}
