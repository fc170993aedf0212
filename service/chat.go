package service

import (
	"context"
	"strings"

	"fadedreams/autofix/domain"

	"go.opentelemetry.io/otel/attribute"
)

// SendMessage posts a chat message from the signed-in user on a request they
// are a party to.
func (s *Service) SendMessage(ctx context.Context, requestID, text string) (domain.Message, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceSendMessage")
	defer span.End()
	span.SetAttributes(attribute.String("requestID", requestID))

	user, err := s.requireUser("sendMessage", "")
	if err != nil {
		return domain.Message{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.Message{}, domain.ValidationError("sendMessage", "Message is required")
	}
	req, ok := s.store.Request(requestID)
	if !ok {
		return domain.Message{}, domain.ValidationError("sendMessage", "Request not found")
	}
	if req.CustomerID != user.ID() && req.MechanicID != user.ID() {
		return domain.Message{}, domain.ValidationError("sendMessage", "You are not part of this request")
	}

	sender := user.ID()
	msg := domain.Message{
		ID:        newRemoteID(),
		RequestID: requestID,
		SenderID:  &sender,
		Text:      text,
		Type:      domain.MessageText,
		CreatedAt: s.clock().UTC(),
	}
	return s.postMessage(ctx, "sendMessage", msg)
}

// SendSystemMessage posts a message without a sender on a request's chat.
func (s *Service) SendSystemMessage(ctx context.Context, requestID, text string) (domain.Message, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceSendSystemMessage")
	defer span.End()
	span.SetAttributes(attribute.String("requestID", requestID))

	msg := domain.Message{
		ID:              newRemoteID(),
		RequestID:       requestID,
		Text:            text,
		Type:            domain.MessageSystem,
		IsSystemMessage: true,
		CreatedAt:       s.clock().UTC(),
	}
	return s.postMessage(ctx, "sendSystemMessage", msg)
}

func (s *Service) postMessage(ctx context.Context, op string, msg domain.Message) (domain.Message, error) {
	if _, err := s.insert(ctx, domain.CollectionMessages, msg.Row()); err != nil {
		return domain.Message{}, domain.RemoteRequestError(op, "Failed to send message", err)
	}
	// the change feed may have delivered the message already
	if _, err := s.store.IngestMessage(ctx, msg); err != nil {
		return msg, err
	}
	s.logger.Debug("Message posted", "requestID", msg.RequestID, "messageID", msg.ID, "system", msg.IsSystemMessage)
	return msg, nil
}

// SyncMessages fetches a request's chat, oldest first, into the store and
// returns the local copy. Messages posted afterwards arrive through the
// reconciler.
func (s *Service) SyncMessages(ctx context.Context, requestID string) ([]domain.Message, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceSyncMessages")
	defer span.End()
	span.SetAttributes(attribute.String("requestID", requestID))

	rows, err := s.query(ctx, domain.Query{
		Collection: domain.CollectionMessages,
		Filters:    []domain.Filter{domain.Eq("request_id", requestID)},
		OrderBy:    "created_at",
	})
	if err != nil {
		return nil, s.fail(span, "Failed to fetch messages", domain.RemoteRequestError("syncMessages", "Failed to load messages", err))
	}
	for _, row := range rows {
		var m domain.Message
		if err := domain.DecodeRow(row, &m); err != nil || m.ID == "" {
			s.logger.Warn("Skipping unreadable message row", "messageID", m.ID, "error", err)
			continue
		}
		if _, err := s.store.IngestMessage(ctx, m); err != nil {
			return nil, s.fail(span, "Failed to store message", err)
		}
	}
	return s.store.MessagesFor(requestID), nil
}

// AddReview records the signed-in customer's review of a completed request.
func (s *Service) AddReview(ctx context.Context, form ReviewForm) (domain.Review, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceAddReview")
	defer span.End()

	user, err := s.requireUser("addReview", domain.RoleCustomer)
	if err != nil {
		return domain.Review{}, err
	}
	if err := s.validateForm("addReview", form); err != nil {
		return domain.Review{}, err
	}
	req, ok := s.store.Request(form.RequestID)
	if !ok || req.CustomerID != user.ID() {
		return domain.Review{}, domain.ValidationError("addReview", "Request not found")
	}
	if req.Status != domain.StatusCompleted && !req.ServiceCompleted {
		return domain.Review{}, domain.ValidationError("addReview", "Only completed requests can be reviewed")
	}

	review, err := s.store.AddReview(ctx, domain.Review{
		RequestID:    req.ID,
		CustomerID:   user.ID(),
		MechanicID:   req.MechanicID,
		CustomerName: user.FullName(),
		Rating:       form.Rating,
		Comment:      form.Comment,
		CreatedAt:    s.clock().UTC(),
	})
	if err != nil {
		return review, s.fail(span, "Failed to store review", err)
	}
	s.logger.Info("Review added", "requestID", req.ID, "rating", review.Rating)
	return review, nil
}
