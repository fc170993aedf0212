package handlers

import (
	"io"
	"net/http"

	"fadedreams/autofix/domain"

	"github.com/gorilla/mux"
)

// maxAvatarBytes caps avatar uploads.
const maxAvatarBytes = 5 << 20

func (h *Handler) UpdateLocation(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "UpdateLocation")
	defer span.End()

	var loc domain.Location
	if !h.decode(w, r, span, &loc) {
		return
	}
	if err := h.service.UpdateLocation(ctx, loc); err != nil {
		h.fail(w, span, "updateLocation", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": h.service.CurrentUser()})
}

// ChangeAvatar takes the raw JPEG as the request body.
func (h *Handler) ChangeAvatar(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ChangeAvatar")
	defer span.End()

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAvatarBytes))
	if err != nil {
		h.fail(w, span, "changeAvatar", domain.ValidationError("changeAvatar", "Image is too large"))
		return
	}
	url, err := h.service.ChangeAvatar(ctx, data)
	if err != nil {
		h.fail(w, span, "changeAvatar", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"avatar_url": url})
}

func (h *Handler) Notifications(w http.ResponseWriter, r *http.Request) {
	_, span := h.tracer.Start(r.Context(), "Notifications")
	defer span.End()

	list, err := h.service.Notifications()
	if err != nil {
		h.fail(w, span, "notifications", err)
		return
	}
	if list == nil {
		list = []domain.Notification{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "MarkNotificationRead")
	defer span.End()

	if err := h.service.MarkNotificationRead(ctx, mux.Vars(r)["notificationID"]); err != nil {
		h.fail(w, span, "markNotificationRead", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
