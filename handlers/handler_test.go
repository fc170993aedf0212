package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fadedreams/autofix/domain"
	"fadedreams/autofix/notify"
	"fadedreams/autofix/reconciler"
	"fadedreams/autofix/remote"
	"fadedreams/autofix/service"
	"fadedreams/autofix/storage"
	"fadedreams/autofix/store"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testAgent struct {
	server *httptest.Server
	notes  *notify.Feed
	svc    *service.Service
}

func newTestAgent(t *testing.T) *testAgent {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	backend := remote.NewMemory(logger)
	st := store.New(storage.NewMemory(), logger)
	notes := notify.NewFeed(logger)
	svc := service.New(service.Deps{
		Store:         st,
		Remote:        backend,
		Reconciler:    reconciler.New(st, backend, notes, logger),
		Notifications: notes,
		Logger:        logger,
	})
	require.NoError(t, svc.Init(context.Background()))
	t.Cleanup(svc.Teardown)

	server := httptest.NewServer(NewHandler(svc, notes, logger).Router("autofix-test"))
	t.Cleanup(server.Close)
	return &testAgent{server: server, notes: notes, svc: svc}
}

func (a *testAgent) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, a.server.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, raw
}

func errorMessage(t *testing.T, raw []byte) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(raw, &body))
	return body["error"]
}

func customerBody() map[string]any {
	return map[string]any{
		"full_name": "Ama Owusu",
		"phone":     "+233200000001",
		"email":     "ama@example.com",
		"password":  "secret1",
		"car_type":  "Toyota Corolla",
		"location":  map[string]float64{"latitude": 5.6037, "longitude": -0.1870},
	}
}

func TestHealth(t *testing.T) {
	a := newTestAgent(t)
	status, raw := a.do(t, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status":"ok"}`, string(raw))
}

func TestSignupAndRequestFlow(t *testing.T) {
	a := newTestAgent(t)

	invalid := customerBody()
	invalid["full_name"] = ""
	status, raw := a.do(t, "POST", "/signup/customer", invalid)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Full name is required", errorMessage(t, raw))

	status, raw = a.do(t, "POST", "/signup/customer", customerBody())
	require.Equal(t, http.StatusCreated, status, string(raw))
	var customer domain.Customer
	require.NoError(t, json.Unmarshal(raw, &customer))
	assert.NotEmpty(t, customer.ID)

	status, raw = a.do(t, "GET", "/session", nil)
	require.Equal(t, http.StatusOK, status)
	var session struct {
		User domain.CurrentUser `json:"user"`
	}
	require.NoError(t, json.Unmarshal(raw, &session))
	assert.Equal(t, domain.RoleCustomer, session.User.Role)

	status, raw = a.do(t, "POST", "/requests", map[string]any{"mechanic_id": "m1", "service_type": "engine"})
	require.Equal(t, http.StatusCreated, status, string(raw))

	status, raw = a.do(t, "GET", "/requests", nil)
	require.Equal(t, http.StatusOK, status)
	var requests []domain.ServiceRequest
	require.NoError(t, json.Unmarshal(raw, &requests))
	require.Len(t, requests, 1)
	assert.Equal(t, domain.StatusPending, requests[0].Status)

	status, raw = a.do(t, "POST", "/requests/"+requests[0].ID+"/accept", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Only a mechanic can do this", errorMessage(t, raw))

	status, _ = a.do(t, "POST", "/logout", nil)
	assert.Equal(t, http.StatusNoContent, status)
	status, raw = a.do(t, "GET", "/requests", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Please log in first", errorMessage(t, raw))
}

func TestInvalidBody(t *testing.T) {
	a := newTestAgent(t)
	req, err := http.NewRequest("POST", a.server.URL+"/login", strings.NewReader("{"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestNearbyMechanicsNeedsCoordinates(t *testing.T) {
	a := newTestAgent(t)
	status, raw := a.do(t, "GET", "/mechanics/nearby?lat=5.6", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "lat and lng are required", errorMessage(t, raw))

	status, raw = a.do(t, "GET", "/mechanics/nearby?lat=5.6&lng=-0.18&radius_km=10", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `[]`, string(raw))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ValidationError("op", "bad"), http.StatusBadRequest},
		{domain.ErrNotInitialized, http.StatusServiceUnavailable},
		{domain.RemoteRequestError("op", "down", errors.New("timeout")), http.StatusBadGateway},
		{domain.PersistenceError("op", errors.New("disk full")), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestNotificationStream(t *testing.T) {
	a := newTestAgent(t)
	status, raw := a.do(t, "POST", "/signup/customer", customerBody())
	require.Equal(t, http.StatusCreated, status, string(raw))
	userID := a.svc.CurrentUser().ID()
	ctx := context.Background()
	require.NoError(t, a.notes.Notify(ctx, domain.Notification{UserID: userID, Type: domain.NotifyAcceptance, Title: "Request accepted"}))

	url := "ws" + strings.TrimPrefix(a.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var first domain.Notification
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, domain.NotifyAcceptance, first.Type)

	require.NoError(t, a.notes.Notify(ctx, domain.Notification{UserID: userID, Type: domain.NotifyArrival, Title: "Mechanic arrived"}))
	var second domain.Notification
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, domain.NotifyArrival, second.Type)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestNotificationStreamRequiresSession(t *testing.T) {
	a := newTestAgent(t)
	url := "ws" + strings.TrimPrefix(a.server.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
