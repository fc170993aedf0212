package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"fadedreams/autofix/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// State is the store lifecycle: Uninitialized until the first LoadAll, then Ready.
type State int32

const (
	Uninitialized State = iota
	Ready
)

func (s State) String() string {
	if s == Ready {
		return "ready"
	}
	return "uninitialized"
}

// Store is the local, persisted mirror of the user's collections. It is the
// only owner of that state; everything handed out is a copy.
type Store struct {
	kv     domain.KVStore
	logger *slog.Logger
	tracer trace.Tracer
	clock  func() time.Time

	state     atomic.Int32
	ready     chan struct{}
	readyOnce sync.Once
	lastID    atomic.Int64

	customers *collection[domain.Customer, *domain.Customer]
	mechanics *collection[domain.Mechanic, *domain.Mechanic]
	requests  *collection[domain.ServiceRequest, *domain.ServiceRequest]
	messages  *collection[domain.Message, *domain.Message]
	reviews   *collection[domain.Review, *domain.Review]

	userMu      sync.RWMutex
	userWriteMu sync.Mutex
	currentUser *domain.CurrentUser
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the wall clock used for id generation.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

func New(kv domain.KVStore, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		kv:        kv,
		logger:    logger,
		tracer:    otel.Tracer("autofix-store"),
		clock:     time.Now,
		ready:     make(chan struct{}),
		customers: newCollection[domain.Customer, *domain.Customer](domain.KeyCustomers, kv),
		mechanics: newCollection[domain.Mechanic, *domain.Mechanic](domain.KeyMechanics, kv),
		requests:  newCollection[domain.ServiceRequest, *domain.ServiceRequest](domain.KeyRequests, kv),
		messages:  newCollection[domain.Message, *domain.Message](domain.KeyMessages, kv),
		reviews:   newCollection[domain.Review, *domain.Review](domain.KeyReviews, kv),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) State() State { return State(s.state.Load()) }

func (s *Store) IsInitialized() bool { return s.State() == Ready }

// Ready is closed once the store has finished its first LoadAll.
func (s *Store) Ready() <-chan struct{} { return s.ready }

func (s *Store) requireReady() error {
	if !s.IsInitialized() {
		return domain.ErrNotInitialized
	}
	return nil
}

// NewID returns a wall-clock millisecond id, strictly increasing within this
// process so two records created in the same millisecond do not collide.
func (s *Store) NewID() string {
	for {
		last := s.lastID.Load()
		next := s.clock().UnixMilli()
		if next <= last {
			next = last + 1
		}
		if s.lastID.CompareAndSwap(last, next) {
			return strconv.FormatInt(next, 10)
		}
	}
}

// LoadAll reads every persisted collection and the current user. A failure in
// one collection leaves that collection empty and does not stop the others.
// The store becomes Ready regardless; the returned error joins the isolated
// failures for diagnostics.
func (s *Store) LoadAll(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "StoreLoadAll")
	defer span.End()

	errs := []error{
		loadCollection(ctx, s, s.customers),
		loadCollection(ctx, s, s.mechanics),
		loadCollection(ctx, s, s.requests),
		loadCollection(ctx, s, s.messages),
		loadCollection(ctx, s, s.reviews),
		s.loadCurrentUser(ctx),
	}
	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Some collections failed to load")
		s.logger.Error("Loaded store with failures", "error", err)
	}

	s.state.Store(int32(Ready))
	s.readyOnce.Do(func() { close(s.ready) })
	span.SetAttributes(
		attribute.Int("customers", len(s.customers.snapshot())),
		attribute.Int("mechanics", len(s.mechanics.snapshot())),
		attribute.Int("requests", len(s.requests.snapshot())),
	)
	s.logger.Info("Store ready",
		"customers", len(s.customers.snapshot()),
		"mechanics", len(s.mechanics.snapshot()),
		"requests", len(s.requests.snapshot()),
		"messages", len(s.messages.snapshot()),
		"reviews", len(s.reviews.snapshot()),
		"signedIn", s.CurrentUser() != nil)
	return err
}

func loadCollection[T any, P record[T]](ctx context.Context, s *Store, c *collection[T, P]) error {
	raw, found, err := s.kv.Get(ctx, c.key)
	if err != nil {
		_ = c.replace(ctx, nil, false)
		return domain.PersistenceError("load "+c.key, err)
	}
	if !found {
		return c.replace(ctx, nil, false)
	}

	verdict, err := CheckIntegrity([]byte(raw))
	if err != nil {
		_ = c.replace(ctx, nil, false)
		return domain.PersistenceError("load "+c.key, err)
	}
	if verdict == Corrupt {
		s.logger.Warn("Discarding corrupt persisted collection", "key", c.key)
		return c.replace(ctx, nil, true)
	}

	var items []T
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		_ = c.replace(ctx, nil, false)
		return domain.PersistenceError("load "+c.key, fmt.Errorf("failed to decode collection: %w", err))
	}
	return c.replace(ctx, items, false)
}

func (s *Store) loadCurrentUser(ctx context.Context) error {
	raw, found, err := s.kv.Get(ctx, domain.KeyCurrentUser)
	if err != nil {
		return domain.PersistenceError("load "+domain.KeyCurrentUser, err)
	}
	var user *domain.CurrentUser
	if found {
		if err := json.Unmarshal([]byte(raw), &user); err != nil {
			return domain.PersistenceError("load "+domain.KeyCurrentUser, fmt.Errorf("failed to decode current user: %w", err))
		}
		if err := user.Validate(); err != nil {
			return domain.PersistenceError("load "+domain.KeyCurrentUser, err)
		}
	}
	s.userMu.Lock()
	s.currentUser = user
	s.userMu.Unlock()
	return nil
}

// RefreshMechanics re-reads the persisted mechanics collection through the
// integrity guard.
func (s *Store) RefreshMechanics(ctx context.Context) error {
	if err := s.requireReady(); err != nil {
		return err
	}
	return loadCollection(ctx, s, s.mechanics)
}

// SetCurrentUser replaces the signed-in user. nil signs out and removes the
// persisted session.
func (s *Store) SetCurrentUser(ctx context.Context, user *domain.CurrentUser) error {
	ctx, span := s.tracer.Start(ctx, "StoreSetCurrentUser")
	defer span.End()

	if err := s.requireReady(); err != nil {
		return err
	}
	if err := user.Validate(); err != nil {
		return domain.ValidationError("setCurrentUser", err.Error())
	}

	s.userWriteMu.Lock()
	defer s.userWriteMu.Unlock()

	user = user.Clone()
	s.userMu.Lock()
	s.currentUser = user
	s.userMu.Unlock()

	var err error
	if user == nil {
		err = s.kv.Remove(ctx, domain.KeyCurrentUser)
	} else {
		var blob []byte
		blob, err = json.Marshal(user)
		if err == nil {
			err = s.kv.Set(ctx, domain.KeyCurrentUser, string(blob))
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to persist current user")
		return domain.PersistenceError("setCurrentUser", err)
	}
	span.SetAttributes(attribute.String("userID", user.ID()))
	return nil
}

func (s *Store) CurrentUser() *domain.CurrentUser {
	s.userMu.RLock()
	defer s.userMu.RUnlock()
	return s.currentUser.Clone()
}

// Clear wipes the key-value store and resets every collection and the session.
func (s *Store) Clear(ctx context.Context) error {
	return s.traced(ctx, "StoreClear", nil, func(ctx context.Context) error {
		if err := s.kv.Clear(ctx); err != nil {
			return domain.PersistenceError("clear", err)
		}
		_ = s.customers.replace(ctx, nil, false)
		_ = s.mechanics.replace(ctx, nil, false)
		_ = s.requests.replace(ctx, nil, false)
		_ = s.messages.replace(ctx, nil, false)
		_ = s.reviews.replace(ctx, nil, false)
		s.userMu.Lock()
		s.currentUser = nil
		s.userMu.Unlock()
		s.logger.Info("Cleared local storage")
		return nil
	})
}

// traced wraps a mutation in a span and records a failure on it.
func (s *Store) traced(ctx context.Context, name string, attrs []attribute.KeyValue, fn func(context.Context) error) error {
	ctx, span := s.tracer.Start(ctx, name)
	defer span.End()
	span.SetAttributes(attrs...)
	if err := s.requireReady(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Store not ready")
		return err
	}
	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("Store mutation failed", "op", name, "error", err)
		return err
	}
	return nil
}
