package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"fadedreams/autofix/domain"
	"fadedreams/autofix/notify"
	"fadedreams/autofix/service"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Handler serves the agent's local HTTP API.
type Handler struct {
	service *service.Service
	notes   *notify.Feed
	tracer  trace.Tracer
	logger  *slog.Logger
}

func NewHandler(svc *service.Service, notes *notify.Feed, logger *slog.Logger) *Handler {
	return &Handler{
		service: svc,
		notes:   notes,
		tracer:  otel.Tracer("autofix-handlers"),
		logger:  logger,
	}
}

// Router builds the instrumented route table.
func (h *Handler) Router(serviceName string) *mux.Router {
	r := mux.NewRouter()
	r.Use(otelmux.Middleware(serviceName))

	r.HandleFunc("/health", h.HealthCheck).Methods("GET")

	r.HandleFunc("/session", h.Session).Methods("GET")
	r.HandleFunc("/signup/customer", h.SignupCustomer).Methods("POST")
	r.HandleFunc("/signup/mechanic", h.SignupMechanic).Methods("POST")
	r.HandleFunc("/login", h.Login).Methods("POST")
	r.HandleFunc("/logout", h.Logout).Methods("POST")
	r.HandleFunc("/storage", h.ClearStorage).Methods("DELETE")

	r.HandleFunc("/requests", h.ListRequests).Methods("GET")
	r.HandleFunc("/requests", h.CreateRequest).Methods("POST")
	r.HandleFunc("/requests/refresh", h.RefreshRequests).Methods("POST")
	r.HandleFunc("/requests/{requestID}/accept", h.AcceptRequest).Methods("POST")
	r.HandleFunc("/requests/{requestID}/reject", h.RejectRequest).Methods("POST")
	r.HandleFunc("/requests/{requestID}/arrive", h.MarkArrived).Methods("POST")
	r.HandleFunc("/requests/{requestID}/complete", h.CompleteRequest).Methods("POST")
	r.HandleFunc("/requests/{requestID}/messages", h.Messages).Methods("GET")
	r.HandleFunc("/requests/{requestID}/messages", h.SendMessage).Methods("POST")
	r.HandleFunc("/reviews", h.AddReview).Methods("POST")

	r.HandleFunc("/mechanics/nearby", h.NearbyMechanics).Methods("GET")
	r.HandleFunc("/mechanics/refresh", h.RefreshMechanics).Methods("POST")
	r.HandleFunc("/profile/location", h.UpdateLocation).Methods("PUT")
	r.HandleFunc("/profile/avatar", h.ChangeAvatar).Methods("PUT")

	r.HandleFunc("/notifications", h.Notifications).Methods("GET")
	r.HandleFunc("/notifications/{notificationID}/read", h.MarkNotificationRead).Methods("POST")
	r.HandleFunc("/ws", h.NotificationStream).Methods("GET")
	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	_, span := h.tracer.Start(r.Context(), "HealthCheck")
	defer span.End()

	if !h.service.Store().IsInitialized() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	switch {
	case domain.IsKind(err, domain.KindValidation):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.KindNotReady):
		return http.StatusServiceUnavailable
	case domain.IsKind(err, domain.KindRemoteRequest):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// fail records err on span, logs it and writes the user-facing notice.
func (h *Handler) fail(w http.ResponseWriter, span trace.Span, op string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", "op", op, "error", err)
	} else {
		h.logger.Info("Request rejected", "op", op, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": domain.Notice(err, "Something went wrong")})
}

// decode reads a JSON body into v, answering 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, span trace.Span, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Invalid request body")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body: " + err.Error()})
		return false
	}
	return true
}
