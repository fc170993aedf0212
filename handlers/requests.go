package handlers

import (
	"context"
	"net/http"
	"strconv"

	"fadedreams/autofix/domain"
	"fadedreams/autofix/service"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
)

func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	_, span := h.tracer.Start(r.Context(), "ListRequests")
	defer span.End()

	requests, err := h.service.MyRequests()
	if err != nil {
		h.fail(w, span, "listRequests", err)
		return
	}
	span.SetAttributes(attribute.Int("requestCount", len(requests)))
	writeJSON(w, http.StatusOK, requests)
}

func (h *Handler) RefreshRequests(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "RefreshRequests")
	defer span.End()

	requests, err := h.service.RefreshRequests(ctx)
	if err != nil {
		h.fail(w, span, "refreshRequests", err)
		return
	}
	writeJSON(w, http.StatusOK, requests)
}

func (h *Handler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CreateRequest")
	defer span.End()

	var form service.RequestForm
	if !h.decode(w, r, span, &form) {
		return
	}
	req, err := h.service.CreateRequest(ctx, form)
	if err != nil {
		h.fail(w, span, "createRequest", err)
		return
	}
	h.logger.Info("Created request", "requestID", req.ID, "mechanicID", req.MechanicID)
	writeJSON(w, http.StatusCreated, req)
}

// transition adapts a request lifecycle action to a handler.
func (h *Handler) transition(name string, action func(ctx context.Context, requestID string) (domain.ServiceRequest, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := h.tracer.Start(r.Context(), name)
		defer span.End()

		requestID := mux.Vars(r)["requestID"]
		span.SetAttributes(attribute.String("requestID", requestID))
		req, err := action(ctx, requestID)
		if err != nil {
			h.fail(w, span, name, err)
			return
		}
		writeJSON(w, http.StatusOK, req)
	}
}

func (h *Handler) AcceptRequest(w http.ResponseWriter, r *http.Request) {
	h.transition("AcceptRequest", h.service.AcceptRequest)(w, r)
}

func (h *Handler) RejectRequest(w http.ResponseWriter, r *http.Request) {
	h.transition("RejectRequest", h.service.RejectRequest)(w, r)
}

func (h *Handler) CompleteRequest(w http.ResponseWriter, r *http.Request) {
	h.transition("CompleteRequest", h.service.CompleteRequest)(w, r)
}

// MarkArrived takes the mechanic's current position as an optional body.
func (h *Handler) MarkArrived(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "MarkArrived")
	defer span.End()

	requestID := mux.Vars(r)["requestID"]
	span.SetAttributes(attribute.String("requestID", requestID))
	var at *domain.Location
	if r.ContentLength > 0 {
		var loc domain.Location
		if !h.decode(w, r, span, &loc) {
			return
		}
		at = &loc
	}
	req, err := h.service.MarkArrived(ctx, requestID, at)
	if err != nil {
		h.fail(w, span, "markArrived", err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *Handler) Messages(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "Messages")
	defer span.End()

	requestID := mux.Vars(r)["requestID"]
	msgs, err := h.service.SyncMessages(ctx, requestID)
	if err != nil {
		h.fail(w, span, "messages", err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "SendMessage")
	defer span.End()

	requestID := mux.Vars(r)["requestID"]
	var input struct {
		Message string `json:"message"`
	}
	if !h.decode(w, r, span, &input) {
		return
	}
	msg, err := h.service.SendMessage(ctx, requestID, input.Message)
	if err != nil {
		h.fail(w, span, "sendMessage", err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *Handler) AddReview(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "AddReview")
	defer span.End()

	var form service.ReviewForm
	if !h.decode(w, r, span, &form) {
		return
	}
	review, err := h.service.AddReview(ctx, form)
	if err != nil {
		h.fail(w, span, "addReview", err)
		return
	}
	writeJSON(w, http.StatusCreated, review)
}

func (h *Handler) NearbyMechanics(w http.ResponseWriter, r *http.Request) {
	_, span := h.tracer.Start(r.Context(), "NearbyMechanics")
	defer span.End()

	q := r.URL.Query()
	lat, latErr := strconv.ParseFloat(q.Get("lat"), 64)
	lng, lngErr := strconv.ParseFloat(q.Get("lng"), 64)
	if latErr != nil || lngErr != nil {
		h.fail(w, span, "nearbyMechanics", domain.ValidationError("nearbyMechanics", "lat and lng are required"))
		return
	}
	radius := 0.0
	if v := q.Get("radius_km"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			h.fail(w, span, "nearbyMechanics", domain.ValidationError("nearbyMechanics", "radius_km must be a number"))
			return
		}
		radius = parsed
	}
	nearby := h.service.NearbyMechanics(domain.Location{Latitude: lat, Longitude: lng}, radius)
	if nearby == nil {
		nearby = []service.NearbyMechanic{}
	}
	span.SetAttributes(attribute.Int("mechanicCount", len(nearby)))
	writeJSON(w, http.StatusOK, nearby)
}

func (h *Handler) RefreshMechanics(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "RefreshMechanics")
	defer span.End()

	mechanics, err := h.service.RefreshMechanics(ctx)
	if err != nil {
		h.fail(w, span, "refreshMechanics", err)
		return
	}
	writeJSON(w, http.StatusOK, mechanics)
}
