package domain

import "time"

// OutboxEvent is a change event recorded in the same transaction as the write
// that produced it, waiting to be relayed to the event bus.
type OutboxEvent struct {
	ID          string     `bson:"_id" json:"id"`
	EventType   string     `bson:"event_type" json:"event_type"`
	Payload     []byte     `bson:"payload" json:"payload"`
	CreatedAt   time.Time  `bson:"created_at" json:"created_at"`
	Processed   bool       `bson:"processed" json:"processed"`
	ProcessedAt *time.Time `bson:"processed_at,omitempty" json:"processed_at,omitempty"`
}
