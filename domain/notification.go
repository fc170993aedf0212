package domain

import "time"

type NotificationType string

const (
	NotifyRequestReceived NotificationType = "request-received"
	NotifyAcceptance      NotificationType = "acceptance"
	NotifyRejection       NotificationType = "rejection"
	NotifyArrival         NotificationType = "arrival"
	NotifyCompletion      NotificationType = "completion"
)

// Notification is a user-facing alert derived from a request transition.
type Notification struct {
	ID        string           `json:"id"`
	UserID    string           `json:"user_id"`
	RequestID string           `json:"request_id"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Read      bool             `json:"read"`
	CreatedAt time.Time        `json:"created_at"`
}

func (n Notification) Row() Row {
	return Row{
		"id":         n.ID,
		"user_id":    n.UserID,
		"request_id": n.RequestID,
		"type":       string(n.Type),
		"title":      n.Title,
		"message":    n.Message,
		"read":       n.Read,
		"created_at": n.CreatedAt,
	}
}
