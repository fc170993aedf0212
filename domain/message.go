package domain

import "time"

type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageLocation MessageType = "location"
	MessageSystem   MessageType = "system"
)

// Message is a chat entry on a request. System messages have no sender.
type Message struct {
	ID              string      `json:"id"`
	RequestID       string      `json:"request_id"`
	SenderID        *string     `json:"sender_id"`
	Text            string      `json:"message"`
	Type            MessageType `json:"type"`
	ImageURL        string      `json:"image_url,omitempty"`
	IsSystemMessage bool        `json:"is_system_message"`
	Read            bool        `json:"read"`
	CreatedAt       time.Time   `json:"created_at"`
}

func (m *Message) Key() string      { return m.ID }
func (m *Message) SetKey(id string) { m.ID = id }

func (m Message) Row() Row {
	var sender any
	if m.SenderID != nil {
		sender = *m.SenderID
	}
	return Row{
		"id":                m.ID,
		"request_id":        m.RequestID,
		"sender_id":         sender,
		"message":           m.Text,
		"type":              string(m.Type),
		"image_url":         m.ImageURL,
		"is_system_message": m.IsSystemMessage,
		"read":              m.Read,
		"created_at":        m.CreatedAt,
	}
}

// Review is a customer's rating of a completed request. Reviews are local only.
type Review struct {
	ID           string    `json:"id"`
	RequestID    string    `json:"request_id"`
	CustomerID   string    `json:"customer_id"`
	MechanicID   string    `json:"mechanic_id"`
	CustomerName string    `json:"customer_name"`
	Rating       int       `json:"rating"`
	Comment      string    `json:"comment,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func (r *Review) Key() string      { return r.ID }
func (r *Review) SetKey(id string) { r.ID = id }
