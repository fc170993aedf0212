package service

import (
	"context"
	"fmt"
	"math"

	"fadedreams/autofix/domain"

	"go.opentelemetry.io/otel/attribute"
)

// arrivalRadiusKm is how close a mechanic must be to confirm arrival.
const arrivalRadiusKm = 0.1

// CreateRequest raises a pending request from the signed-in customer to a
// mechanic.
func (s *Service) CreateRequest(ctx context.Context, form RequestForm) (domain.ServiceRequest, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceCreateRequest")
	defer span.End()

	user, err := s.requireUser("createRequest", domain.RoleCustomer)
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	if err := s.validateForm("createRequest", form); err != nil {
		return domain.ServiceRequest{}, err
	}

	req := domain.ServiceRequest{
		ID:            newRemoteID(),
		CustomerID:    user.ID(),
		MechanicID:    form.MechanicID,
		CarType:       form.CarType,
		ServiceType:   form.ServiceType,
		Description:   form.Description,
		Status:        domain.StatusPending,
		Urgency:       form.Urgency,
		PaymentStatus: domain.PaymentPending,
		EstimatedCost: form.EstimatedCost,
		CustomerNotes: form.CustomerNotes,
		CreatedAt:     s.clock().UTC(),
	}
	if req.CarType == "" {
		req.CarType = user.Customer.CarType
	}
	if req.Urgency == "" {
		req.Urgency = domain.UrgencyMedium
	}
	loc, ok := user.Customer.Location()
	if form.Location != nil {
		loc, ok = *form.Location, true
	}
	if ok {
		req.Latitude, req.Longitude = &loc.Latitude, &loc.Longitude
	}
	if m, ok := s.store.Mechanic(form.MechanicID); ok {
		req.Mechanic = mechanicProfile(m)
	}
	span.SetAttributes(attribute.String("requestID", req.ID), attribute.String("mechanicID", req.MechanicID))

	if _, err := s.insert(ctx, domain.CollectionRequests, req.Row()); err != nil {
		return domain.ServiceRequest{}, s.fail(span, "Failed to create request", domain.RemoteRequestError("createRequest", "Failed to send request", err))
	}
	// the change feed may have delivered the row already
	added, err := s.store.IngestRequest(ctx, req)
	if err != nil {
		return req, s.fail(span, "Failed to store request", err)
	}
	if !added {
		if _, _, err := s.store.UpdateRequest(ctx, req.ID, req.Row()); err != nil {
			return req, s.fail(span, "Failed to store request", err)
		}
	}
	s.logger.Info("Created request", "requestID", req.ID, "customerID", req.CustomerID, "mechanicID", req.MechanicID)
	stored, _ := s.store.Request(req.ID)
	return stored, nil
}

func mechanicProfile(m domain.Mechanic) *domain.Profile {
	return &domain.Profile{
		ID:          m.ID,
		Role:        domain.RoleMechanic,
		FullName:    m.FullName,
		Phone:       m.Phone,
		AvatarURL:   m.AvatarURL,
		ServiceType: m.ServiceType,
		Rating:      m.Rating,
		Latitude:    m.Latitude,
		Longitude:   m.Longitude,
	}
}

// mechanicAction applies a lifecycle change the assigned mechanic makes to a
// request, then posts a system message on its chat.
func (s *Service) mechanicAction(ctx context.Context, op, requestID string, check func(domain.ServiceRequest) error, fields domain.Row, note func(name string) string) (domain.ServiceRequest, error) {
	ctx, span := s.tracer.Start(ctx, "Service"+op)
	defer span.End()
	span.SetAttributes(attribute.String("requestID", requestID))

	user, err := s.requireUser(op, domain.RoleMechanic)
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	req, ok := s.store.Request(requestID)
	if !ok {
		return domain.ServiceRequest{}, domain.ValidationError(op, "Request not found")
	}
	if req.MechanicID != user.ID() {
		return domain.ServiceRequest{}, domain.ValidationError(op, "Only the assigned mechanic can update this request")
	}
	if err := check(req); err != nil {
		return domain.ServiceRequest{}, err
	}

	if _, err := s.update(ctx, domain.CollectionRequests, []domain.Filter{domain.Eq("id", requestID)}, fields); err != nil {
		return domain.ServiceRequest{}, s.fail(span, "Failed to update request", domain.RemoteRequestError(op, "Failed to update request", err))
	}
	updated, _, err := s.store.UpdateRequest(ctx, requestID, fields)
	if err != nil {
		return updated, s.fail(span, "Failed to store request", err)
	}
	if _, err := s.SendSystemMessage(ctx, requestID, note(user.FullName())); err != nil {
		s.logger.Warn("Failed to post system message", "requestID", requestID, "error", err)
	}
	s.logger.Info("Request updated", "op", op, "requestID", requestID, "status", updated.Status)
	return updated, nil
}

func requireStatus(op string, want domain.RequestStatus) func(domain.ServiceRequest) error {
	return func(r domain.ServiceRequest) error {
		if r.Status != want {
			return domain.ValidationError(op, fmt.Sprintf("Request is %s, not %s", r.Status, want))
		}
		return nil
	}
}

func (s *Service) AcceptRequest(ctx context.Context, requestID string) (domain.ServiceRequest, error) {
	return s.mechanicAction(ctx, "AcceptRequest", requestID,
		requireStatus("AcceptRequest", domain.StatusPending),
		domain.Row{"status": string(domain.StatusAccepted), "accepted_at": s.clock().UTC()},
		func(name string) string { return fmt.Sprintf("%s accepted the request and is on the way.", name) })
}

func (s *Service) RejectRequest(ctx context.Context, requestID string) (domain.ServiceRequest, error) {
	return s.mechanicAction(ctx, "RejectRequest", requestID,
		requireStatus("RejectRequest", domain.StatusPending),
		domain.Row{"status": string(domain.StatusRejected)},
		func(name string) string { return fmt.Sprintf("%s declined the request.", name) })
}

// MarkArrived confirms the mechanic reached the customer. When both the
// mechanic position and the customer location are known they must be within
// arrivalRadiusKm of each other.
func (s *Service) MarkArrived(ctx context.Context, requestID string, at *domain.Location) (domain.ServiceRequest, error) {
	const op = "MarkArrived"
	check := func(r domain.ServiceRequest) error {
		if r.Status != domain.StatusAccepted {
			return domain.ValidationError(op, "Request must be accepted before arrival")
		}
		if r.MechanicArrived {
			return domain.ValidationError(op, "Arrival was already confirmed")
		}
		target, ok := customerLocation(r)
		if at == nil || !ok {
			return nil
		}
		if d := Haversine(*at, target); d > arrivalRadiusKm {
			return domain.ValidationError(op, fmt.Sprintf("You are %d meters away from the customer's location. Please get closer to confirm arrival.", int(math.Round(d*1000))))
		}
		return nil
	}
	return s.mechanicAction(ctx, op, requestID, check,
		domain.Row{"mechanic_arrived": true},
		func(name string) string { return fmt.Sprintf("%s has arrived at your location.", name) })
}

func customerLocation(r domain.ServiceRequest) (domain.Location, bool) {
	if r.Latitude != nil && r.Longitude != nil {
		return domain.Location{Latitude: *r.Latitude, Longitude: *r.Longitude}, true
	}
	if r.Customer != nil && r.Customer.Latitude != nil && r.Customer.Longitude != nil {
		return domain.Location{Latitude: *r.Customer.Latitude, Longitude: *r.Customer.Longitude}, true
	}
	return domain.Location{}, false
}

func (s *Service) CompleteRequest(ctx context.Context, requestID string) (domain.ServiceRequest, error) {
	const op = "CompleteRequest"
	check := func(r domain.ServiceRequest) error {
		if !r.MechanicArrived {
			return domain.ValidationError(op, "Confirm arrival before completing the service")
		}
		if r.ServiceCompleted {
			return domain.ValidationError(op, "Service was already completed")
		}
		return nil
	}
	return s.mechanicAction(ctx, op, requestID, check,
		domain.Row{"service_completed": true, "status": string(domain.StatusCompleted), "completed_at": s.clock().UTC()},
		func(name string) string { return fmt.Sprintf("Service completed by %s.", name) })
}

// RefreshRequests re-reads the signed-in user's requests, newest first, and
// merges them into the store.
func (s *Service) RefreshRequests(ctx context.Context) ([]domain.ServiceRequest, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceRefreshRequests")
	defer span.End()

	user, err := s.requireUser("refreshRequests", "")
	if err != nil {
		return nil, err
	}
	field, other := "customer_id", "mechanic_id"
	if user.Role == domain.RoleMechanic {
		field, other = "mechanic_id", "customer_id"
	}
	rows, err := s.query(ctx, domain.Query{
		Collection: domain.CollectionRequests,
		Filters:    []domain.Filter{domain.Eq(field, user.ID())},
		OrderBy:    "created_at",
		Descending: true,
	})
	if err != nil {
		return nil, s.fail(span, "Failed to fetch requests", domain.RemoteRequestError("refreshRequests", "Failed to load requests", err))
	}

	profiles := s.profilesFor(ctx, rows, other)
	// oldest first so that prepending leaves the newest at the front
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		id := row.String("id")
		if _, ok := s.store.Request(id); ok {
			if _, _, err := s.store.UpdateRequest(ctx, id, row); err != nil {
				return nil, s.fail(span, "Failed to store request", err)
			}
			continue
		}
		var req domain.ServiceRequest
		if err := domain.DecodeRow(row, &req); err != nil || id == "" {
			s.logger.Warn("Skipping unreadable request row", "requestID", id, "error", err)
			continue
		}
		if p, ok := profiles[row.String(other)]; ok {
			if user.Role == domain.RoleMechanic {
				req.Customer = p
			} else {
				req.Mechanic = p
			}
		}
		if _, err := s.store.IngestRequest(ctx, req); err != nil {
			return nil, s.fail(span, "Failed to store request", err)
		}
	}
	span.SetAttributes(attribute.Int("requestCount", len(rows)))
	return s.MyRequests()
}

// MyRequests lists the stored requests the signed-in user is a party to, in
// store order.
func (s *Service) MyRequests() ([]domain.ServiceRequest, error) {
	user, err := s.requireUser("myRequests", "")
	if err != nil {
		return nil, err
	}
	mine := []domain.ServiceRequest{}
	for _, r := range s.store.Requests() {
		if (user.Role == domain.RoleMechanic && r.MechanicID == user.ID()) || (user.Role == domain.RoleCustomer && r.CustomerID == user.ID()) {
			mine = append(mine, r)
		}
	}
	return mine, nil
}

// profilesFor fetches the counterpart profiles referenced by rows in one
// query. A failed lookup yields no profiles.
func (s *Service) profilesFor(ctx context.Context, rows []domain.Row, field string) map[string]*domain.Profile {
	out := make(map[string]*domain.Profile)
	var ids []any
	seen := make(map[string]bool)
	for _, row := range rows {
		id := row.String(field)
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return out
	}
	found, err := s.query(ctx, domain.Query{
		Collection: domain.CollectionProfiles,
		Filters:    []domain.Filter{domain.In("id", ids...)},
	})
	if err != nil {
		s.logger.Warn("Failed to fetch counterpart profiles", "error", err)
		return out
	}
	for _, row := range found {
		var p domain.Profile
		if err := domain.DecodeRow(row, &p); err == nil {
			out[p.ID] = &p
		}
	}
	return out
}
