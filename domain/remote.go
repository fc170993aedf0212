package domain

import (
	"context"
	"fmt"
	"time"
)

// Remote collection names.
const (
	CollectionProfiles      = "profiles"
	CollectionRequests      = "requests"
	CollectionMessages      = "messages"
	CollectionNotifications = "notifications"
)

// Row is a record as it travels to and from the remote data service.
type Row map[string]any

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// String returns the value of key formatted as a string, or "" when absent.
func (r Row) String(key string) string {
	v, ok := r[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

type FilterOp string

const (
	OpEq      FilterOp = "eq"
	OpIn      FilterOp = "in"
	OpNotNull FilterOp = "not_null"
)

// Filter is a single column predicate.
type Filter struct {
	Field string
	Op    FilterOp
	Value any
}

func Eq(field string, value any) Filter { return Filter{Field: field, Op: OpEq, Value: value} }

func In(field string, values ...any) Filter { return Filter{Field: field, Op: OpIn, Value: values} }

func NotNull(field string) Filter { return Filter{Field: field, Op: OpNotNull} }

// Matches evaluates the filter against a row. Values are compared by their
// printed form so that backends returning different numeric or string types agree.
func (f Filter) Matches(row Row) bool {
	v, ok := row[f.Field]
	switch f.Op {
	case OpNotNull:
		return ok && v != nil
	case OpEq:
		return ok && v != nil && fmt.Sprint(v) == fmt.Sprint(f.Value)
	case OpIn:
		values, _ := f.Value.([]any)
		for _, candidate := range values {
			if ok && v != nil && fmt.Sprint(v) == fmt.Sprint(candidate) {
				return true
			}
		}
	}
	return false
}

// MatchesAll reports whether row satisfies every filter.
func MatchesAll(filters []Filter, row Row) bool {
	for _, f := range filters {
		if !f.Matches(row) {
			return false
		}
	}
	return true
}

// Query selects rows from one collection.
type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    string
	Descending bool
	Limit      int
}

type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
)

// ChangeEvent is one row-level change pushed by a change feed. Old is only set
// for updates.
type ChangeEvent struct {
	Type       EventType `json:"type"`
	Collection string    `json:"collection"`
	New        Row       `json:"new"`
	Old        Row       `json:"old,omitempty"`
	CommitTime time.Time `json:"commit_time"`
}

// Subscription is a live change-feed registration.
type Subscription interface {
	Unsubscribe() error
}

// SubscriptionSpec names what a subscriber wants to hear about.
type SubscriptionSpec struct {
	Collection string
	Events     []EventType
	Filter     *Filter
}

// Wants reports whether ev falls within the spec.
func (s SubscriptionSpec) Wants(ev ChangeEvent) bool {
	if ev.Collection != s.Collection {
		return false
	}
	if len(s.Events) > 0 {
		found := false
		for _, t := range s.Events {
			if t == ev.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if s.Filter != nil && !s.Filter.Matches(ev.New) {
		return false
	}
	return true
}

// ChangeFeed delivers row-level change events to subscribers, in commit order
// per subscription.
type ChangeFeed interface {
	Subscribe(ctx context.Context, spec SubscriptionSpec, onEvent func(ChangeEvent)) (Subscription, error)
}

// RemoteService is the shared backend holding profiles, requests, messages and
// notifications.
type RemoteService interface {
	Select(ctx context.Context, q Query) ([]Row, error)
	Insert(ctx context.Context, collection string, row Row) (Row, error)
	Update(ctx context.Context, collection string, filters []Filter, fields Row) (int64, error)
	ChangeFeed
}

// ObjectStore uploads binary objects and returns their public URL.
type ObjectStore interface {
	Upload(ctx context.Context, bucket, key, contentType string, data []byte) (string, error)
}
