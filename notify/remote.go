package notify

import (
	"context"
	"log/slog"

	"fadedreams/autofix/domain"

	"github.com/google/uuid"
)

// loadLimit caps how many recorded notifications are read back per user.
const loadLimit = 50

// RemoteSink records notifications in the remote notifications table and then
// raises them on the local feed.
type RemoteSink struct {
	remote domain.RemoteService
	local  *Feed
	logger *slog.Logger
}

func NewRemoteSink(remote domain.RemoteService, local *Feed, logger *slog.Logger) *RemoteSink {
	return &RemoteSink{remote: remote, local: local, logger: logger}
}

// Notify always raises the local notification. A failed remote write is
// returned after that.
func (s *RemoteSink) Notify(ctx context.Context, n domain.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.local.clock()
	}
	_, remoteErr := s.remote.Insert(ctx, domain.CollectionNotifications, n.Row())
	if remoteErr != nil {
		s.logger.Error("Failed to record notification remotely", "notificationID", n.ID, "error", remoteErr)
	}
	if err := s.local.Notify(ctx, n); err != nil {
		return err
	}
	if remoteErr != nil {
		return domain.RemoteRequestError("notify", "Failed to record notification", remoteErr)
	}
	return nil
}

// Load reads the user's recorded notifications, newest first, into the local
// feed and returns how many were new to it.
func (s *RemoteSink) Load(ctx context.Context, userID string) (int, error) {
	rows, err := s.remote.Select(ctx, domain.Query{
		Collection: domain.CollectionNotifications,
		Filters:    []domain.Filter{domain.Eq("user_id", userID)},
		OrderBy:    "created_at",
		Descending: true,
		Limit:      loadLimit,
	})
	if err != nil {
		return 0, domain.RemoteRequestError("loadNotifications", "Failed to load notifications", err)
	}
	notes := make([]domain.Notification, 0, len(rows))
	for _, row := range rows {
		var n domain.Notification
		if err := domain.DecodeRow(row, &n); err != nil || n.ID == "" {
			s.logger.Warn("Skipping unreadable notification row", "notificationID", row.String("id"), "error", err)
			continue
		}
		notes = append(notes, n)
	}
	added := s.local.Seed(userID, notes)
	s.logger.Info("Loaded recorded notifications", "userID", userID, "count", len(notes), "new", added)
	return added, nil
}

// MarkRead flags the notification read locally and remotely. One that is only
// recorded remotely is still found.
func (s *RemoteSink) MarkRead(ctx context.Context, userID, id string) error {
	local := s.local.MarkRead(userID, id)
	affected, err := s.remote.Update(ctx, domain.CollectionNotifications,
		[]domain.Filter{domain.Eq("id", id), domain.Eq("user_id", userID)},
		domain.Row{"read": true})
	if err != nil {
		return domain.RemoteRequestError("markNotificationRead", "Failed to update notification", err)
	}
	if !local && affected == 0 {
		return domain.ValidationError("markNotificationRead", "Notification not found")
	}
	return nil
}
