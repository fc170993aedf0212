package store

import (
	"context"

	"fadedreams/autofix/domain"

	"go.opentelemetry.io/otel/attribute"
)

func (s *Store) AddCustomer(ctx context.Context, c domain.Customer) (domain.Customer, error) {
	err := s.traced(ctx, "StoreAddCustomer", []attribute.KeyValue{attribute.String("customerID", c.ID)}, func(ctx context.Context) error {
		var err error
		c, err = s.customers.add(ctx, c, s.NewID)
		return err
	})
	return c, err
}

func (s *Store) UpdateCustomer(ctx context.Context, id string, fields domain.Row) (domain.Customer, bool, error) {
	var (
		out   domain.Customer
		found bool
	)
	err := s.traced(ctx, "StoreUpdateCustomer", []attribute.KeyValue{attribute.String("customerID", id)}, func(ctx context.Context) error {
		var err error
		out, found, err = s.customers.update(ctx, id, fields)
		return err
	})
	return out, found, err
}

// IngestCustomer stores a customer profile fetched from the remote service.
func (s *Store) IngestCustomer(ctx context.Context, c domain.Customer) error {
	return s.traced(ctx, "StoreIngestCustomer", []attribute.KeyValue{attribute.String("customerID", c.ID)}, func(ctx context.Context) error {
		if s.customers.has(c.ID) {
			_, _, err := s.customers.update(ctx, c.ID, c.Row())
			return err
		}
		_, err := s.customers.add(ctx, c, s.NewID)
		return err
	})
}

func (s *Store) AddMechanic(ctx context.Context, m domain.Mechanic) (domain.Mechanic, error) {
	err := s.traced(ctx, "StoreAddMechanic", []attribute.KeyValue{attribute.String("mechanicID", m.ID)}, func(ctx context.Context) error {
		var err error
		m, err = s.mechanics.add(ctx, m, s.NewID)
		return err
	})
	return m, err
}

func (s *Store) UpdateMechanic(ctx context.Context, id string, fields domain.Row) (domain.Mechanic, bool, error) {
	var (
		out   domain.Mechanic
		found bool
	)
	err := s.traced(ctx, "StoreUpdateMechanic", []attribute.KeyValue{attribute.String("mechanicID", id)}, func(ctx context.Context) error {
		var err error
		out, found, err = s.mechanics.update(ctx, id, fields)
		return err
	})
	return out, found, err
}

// IngestMechanic stores a mechanic fetched from the remote service, merging
// into an existing record with the same id.
func (s *Store) IngestMechanic(ctx context.Context, m domain.Mechanic) error {
	return s.traced(ctx, "StoreIngestMechanic", []attribute.KeyValue{attribute.String("mechanicID", m.ID)}, func(ctx context.Context) error {
		if s.mechanics.has(m.ID) {
			_, _, err := s.mechanics.update(ctx, m.ID, m.Row())
			return err
		}
		_, err := s.mechanics.add(ctx, m, s.NewID)
		return err
	})
}

func (s *Store) AddRequest(ctx context.Context, r domain.ServiceRequest) (domain.ServiceRequest, error) {
	err := s.traced(ctx, "StoreAddRequest", []attribute.KeyValue{attribute.String("requestID", r.ID)}, func(ctx context.Context) error {
		var err error
		r, err = s.requests.add(ctx, r, s.NewID)
		return err
	})
	return r, err
}

// UpdateRequest merges fields into the request with id. found is false, and
// nothing is written, when no such request exists.
func (s *Store) UpdateRequest(ctx context.Context, id string, fields domain.Row) (domain.ServiceRequest, bool, error) {
	var (
		out   domain.ServiceRequest
		found bool
	)
	err := s.traced(ctx, "StoreUpdateRequest", []attribute.KeyValue{attribute.String("requestID", id)}, func(ctx context.Context) error {
		var err error
		out, found, err = s.requests.update(ctx, id, fields)
		return err
	})
	return out, found, err
}

// IngestRequest prepends a request that arrived from the change feed. A request
// already present is left as is and added reports false.
func (s *Store) IngestRequest(ctx context.Context, r domain.ServiceRequest) (bool, error) {
	var added bool
	err := s.traced(ctx, "StoreIngestRequest", []attribute.KeyValue{attribute.String("requestID", r.ID)}, func(ctx context.Context) error {
		if r.ID == "" {
			return domain.ValidationError("ingestRequest", "request id is required")
		}
		var err error
		added, err = s.requests.prepend(ctx, r)
		return err
	})
	return added, err
}

func (s *Store) AddMessage(ctx context.Context, m domain.Message) (domain.Message, error) {
	err := s.traced(ctx, "StoreAddMessage", []attribute.KeyValue{attribute.String("requestID", m.RequestID)}, func(ctx context.Context) error {
		var err error
		m, err = s.messages.add(ctx, m, s.NewID)
		return err
	})
	return m, err
}

func (s *Store) UpdateMessage(ctx context.Context, id string, fields domain.Row) (domain.Message, bool, error) {
	var (
		out   domain.Message
		found bool
	)
	err := s.traced(ctx, "StoreUpdateMessage", []attribute.KeyValue{attribute.String("messageID", id)}, func(ctx context.Context) error {
		var err error
		out, found, err = s.messages.update(ctx, id, fields)
		return err
	})
	return out, found, err
}

// IngestMessage appends a message fetched from the remote service or the
// change feed unless it is already known.
func (s *Store) IngestMessage(ctx context.Context, m domain.Message) (bool, error) {
	var added bool
	err := s.traced(ctx, "StoreIngestMessage", []attribute.KeyValue{attribute.String("messageID", m.ID)}, func(ctx context.Context) error {
		if m.ID == "" {
			return domain.ValidationError("ingestMessage", "message id is required")
		}
		var err error
		added, err = s.messages.appendNew(ctx, m)
		return err
	})
	return added, err
}

func (s *Store) AddReview(ctx context.Context, r domain.Review) (domain.Review, error) {
	err := s.traced(ctx, "StoreAddReview", []attribute.KeyValue{attribute.String("requestID", r.RequestID)}, func(ctx context.Context) error {
		var err error
		r, err = s.reviews.add(ctx, r, s.NewID)
		return err
	})
	return r, err
}

func (s *Store) UpdateReview(ctx context.Context, id string, fields domain.Row) (domain.Review, bool, error) {
	var (
		out   domain.Review
		found bool
	)
	err := s.traced(ctx, "StoreUpdateReview", []attribute.KeyValue{attribute.String("reviewID", id)}, func(ctx context.Context) error {
		var err error
		out, found, err = s.reviews.update(ctx, id, fields)
		return err
	})
	return out, found, err
}

// Read-only accessors. Each returns a copy.

func (s *Store) Customers() []domain.Customer      { return s.customers.snapshot() }
func (s *Store) Mechanics() []domain.Mechanic      { return s.mechanics.snapshot() }
func (s *Store) Requests() []domain.ServiceRequest { return s.requests.snapshot() }
func (s *Store) Messages() []domain.Message        { return s.messages.snapshot() }
func (s *Store) Reviews() []domain.Review          { return s.reviews.snapshot() }

func (s *Store) Customer(id string) (domain.Customer, bool)      { return s.customers.find(id) }
func (s *Store) Mechanic(id string) (domain.Mechanic, bool)      { return s.mechanics.find(id) }
func (s *Store) Request(id string) (domain.ServiceRequest, bool) { return s.requests.find(id) }

// MessagesFor returns the messages of one request in stored order.
func (s *Store) MessagesFor(requestID string) []domain.Message {
	var out []domain.Message
	for _, m := range s.messages.snapshot() {
		if m.RequestID == requestID {
			out = append(out, m)
		}
	}
	return out
}
