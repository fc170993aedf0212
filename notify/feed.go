package notify

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"fadedreams/autofix/domain"

	"github.com/google/uuid"
)

// Feed keeps each user's notifications in memory, newest first, and pushes
// new ones to live listeners.
type Feed struct {
	mu        sync.RWMutex
	byUser    map[string][]domain.Notification
	listeners map[string]map[chan domain.Notification]struct{}
	clock     func() time.Time
	logger    *slog.Logger
}

func NewFeed(logger *slog.Logger) *Feed {
	return &Feed{
		byUser:    make(map[string][]domain.Notification),
		listeners: make(map[string]map[chan domain.Notification]struct{}),
		clock:     time.Now,
		logger:    logger,
	}
}

func (f *Feed) Notify(_ context.Context, n domain.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = f.clock()
	}

	f.mu.Lock()
	f.byUser[n.UserID] = append([]domain.Notification{n}, f.byUser[n.UserID]...)
	targets := make([]chan domain.Notification, 0, len(f.listeners[n.UserID]))
	for ch := range f.listeners[n.UserID] {
		targets = append(targets, ch)
	}
	f.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- n:
		default:
			f.logger.Warn("Notification listener is full, dropping push", "userID", n.UserID, "notificationID", n.ID)
		}
	}
	f.logger.Info("Notification raised", "userID", n.UserID, "type", n.Type, "requestID", n.RequestID)
	return nil
}

// Seed merges notifications loaded from elsewhere into the user's list without
// pushing them to listeners. Known ids keep their local copy.
func (f *Feed) Seed(userID string, notes []domain.Notification) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	known := make(map[string]struct{}, len(f.byUser[userID]))
	for _, n := range f.byUser[userID] {
		known[n.ID] = struct{}{}
	}
	merged := append([]domain.Notification{}, f.byUser[userID]...)
	added := 0
	for _, n := range notes {
		if _, ok := known[n.ID]; ok || n.ID == "" {
			continue
		}
		known[n.ID] = struct{}{}
		merged = append(merged, n)
		added++
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].CreatedAt.After(merged[j].CreatedAt) })
	f.byUser[userID] = merged
	return added
}

// List returns a copy of the user's notifications, newest first.
func (f *Feed) List(userID string) []domain.Notification {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]domain.Notification{}, f.byUser[userID]...)
}

func (f *Feed) Unread(userID string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	count := 0
	for _, n := range f.byUser[userID] {
		if !n.Read {
			count++
		}
	}
	return count
}

// MarkRead flags one notification as read. It reports whether it was found.
func (f *Feed) MarkRead(userID, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, n := range f.byUser[userID] {
		if n.ID == id {
			f.byUser[userID][i].Read = true
			return true
		}
	}
	return false
}

// Listen returns a channel receiving the user's new notifications until the
// returned cancel func is called.
func (f *Feed) Listen(userID string) (<-chan domain.Notification, func()) {
	ch := make(chan domain.Notification, 16)
	f.mu.Lock()
	if f.listeners[userID] == nil {
		f.listeners[userID] = make(map[chan domain.Notification]struct{})
	}
	f.listeners[userID][ch] = struct{}{}
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.listeners[userID], ch)
			if len(f.listeners[userID]) == 0 {
				delete(f.listeners, userID)
			}
			f.mu.Unlock()
		})
	}
}
