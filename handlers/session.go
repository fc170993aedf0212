package handlers

import (
	"net/http"

	"fadedreams/autofix/service"
)

func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	_, span := h.tracer.Start(r.Context(), "Session")
	defer span.End()

	user := h.service.CurrentUser()
	if user == nil {
		writeJSON(w, http.StatusOK, map[string]any{"user": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (h *Handler) SignupCustomer(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "SignupCustomer")
	defer span.End()

	var form service.CustomerSignup
	if !h.decode(w, r, span, &form) {
		return
	}
	c, err := h.service.SignupCustomer(ctx, form)
	if err != nil {
		h.fail(w, span, "signupCustomer", err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *Handler) SignupMechanic(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "SignupMechanic")
	defer span.End()

	var form service.MechanicSignup
	if !h.decode(w, r, span, &form) {
		return
	}
	m, err := h.service.SignupMechanic(ctx, form)
	if err != nil {
		h.fail(w, span, "signupMechanic", err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "Login")
	defer span.End()

	var input struct {
		ProfileID string `json:"profile_id"`
	}
	if !h.decode(w, r, span, &input) {
		return
	}
	user, err := h.service.Login(ctx, input.ProfileID)
	if err != nil {
		h.fail(w, span, "login", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "Logout")
	defer span.End()

	if err := h.service.Logout(ctx); err != nil {
		h.fail(w, span, "logout", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ClearStorage(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ClearStorage")
	defer span.End()

	if err := h.service.ClearStorage(ctx); err != nil {
		h.fail(w, span, "clearStorage", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
