package service

import (
	"context"
	"fmt"

	"fadedreams/autofix/domain"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	avatarBucket      = "avatars"
	avatarContentType = "image/jpeg"
)

// UploadAvatar stores an avatar image for userID and returns its public URL.
func (s *Service) UploadAvatar(ctx context.Context, userID string, data []byte) (string, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceUploadAvatar")
	defer span.End()

	if s.objects == nil {
		return "", domain.RemoteRequestError("uploadAvatar", "Image upload is not available", fmt.Errorf("no object store configured"))
	}
	if len(data) == 0 {
		return "", domain.ValidationError("uploadAvatar", "Image is empty")
	}
	key := fmt.Sprintf("avatar_%s_%d.jpg", userID, s.clock().UnixMilli())
	span.SetAttributes(attribute.String("key", key), attribute.Int("size", len(data)))

	ctx, cancel := s.remoteCtx(ctx)
	defer cancel()
	url, err := s.objects.Upload(ctx, avatarBucket, key, avatarContentType, data)
	if err != nil {
		return "", s.fail(span, "Failed to upload avatar", domain.RemoteRequestError("uploadAvatar", "Failed to upload image", err))
	}
	s.logger.Info("Uploaded avatar", "userID", userID, "key", key)
	return url, nil
}

// ChangeAvatar uploads a new avatar for the signed-in user and points their
// profile at it.
func (s *Service) ChangeAvatar(ctx context.Context, data []byte) (string, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceChangeAvatar")
	defer span.End()

	user, err := s.requireUser("changeAvatar", "")
	if err != nil {
		return "", err
	}
	url, err := s.UploadAvatar(ctx, user.ID(), data)
	if err != nil {
		return "", err
	}
	return url, s.updateProfile(ctx, span, "changeAvatar", user, domain.Row{"avatar_url": url})
}

// updateProfile writes fields to the user's remote profile, their local record
// and the session.
func (s *Service) updateProfile(ctx context.Context, span trace.Span, op string, user *domain.CurrentUser, fields domain.Row) error {
	if _, err := s.update(ctx, domain.CollectionProfiles, []domain.Filter{domain.Eq("id", user.ID())}, fields); err != nil {
		return s.fail(span, "Failed to update profile", domain.RemoteRequestError(op, "Failed to update profile", err))
	}

	next := user.Clone()
	switch user.Role {
	case domain.RoleCustomer:
		if _, _, err := s.store.UpdateCustomer(ctx, user.ID(), fields); err != nil {
			return s.fail(span, "Failed to store profile", err)
		}
		if err := domain.Merge(next.Customer, fields); err != nil {
			return err
		}
	case domain.RoleMechanic:
		if _, _, err := s.store.UpdateMechanic(ctx, user.ID(), fields); err != nil {
			return s.fail(span, "Failed to store profile", err)
		}
		if err := domain.Merge(next.Mechanic, fields); err != nil {
			return err
		}
	}
	return s.store.SetCurrentUser(ctx, next)
}

// Notifications lists the signed-in user's notifications, newest first.
func (s *Service) Notifications() ([]domain.Notification, error) {
	user, err := s.requireUser("notifications", "")
	if err != nil {
		return nil, err
	}
	return s.notes.List(user.ID()), nil
}

func (s *Service) MarkNotificationRead(ctx context.Context, id string) error {
	user, err := s.requireUser("markNotificationRead", "")
	if err != nil {
		return err
	}
	if s.remoteNote != nil {
		return s.remoteNote.MarkRead(ctx, user.ID(), id)
	}
	if !s.notes.MarkRead(user.ID(), id) {
		return domain.ValidationError("markNotificationRead", "Notification not found")
	}
	return nil
}
