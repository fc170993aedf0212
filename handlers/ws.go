package handlers

import (
	"net/http"
	"time"

	"fadedreams/autofix/domain"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// the agent only listens locally
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NotificationStream pushes the signed-in user's notifications over a
// WebSocket: first the ones already raised, oldest first, then new ones as
// they arrive.
func (h *Handler) NotificationStream(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "NotificationStream")
	user := h.service.CurrentUser()
	if user == nil {
		h.fail(w, span, "notificationStream", domain.ValidationError("notificationStream", "Please log in first"))
		span.End()
		return
	}
	userID := user.ID()
	span.SetAttributes(attribute.String("userID", userID))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		span.RecordError(err)
		span.End()
		h.logger.Error("Failed to upgrade connection", "error", err)
		return
	}
	span.End()
	defer conn.Close()

	updates, cancel := h.notes.Listen(userID)
	defer cancel()

	closed := make(chan struct{})
	go h.readPump(conn, closed)

	sent := make(map[string]bool)
	backlog := h.notes.List(userID)
	for i := len(backlog) - 1; i >= 0; i-- {
		if err := writeNotification(conn, backlog[i]); err != nil {
			return
		}
		sent[backlog[i].ID] = true
	}
	h.logger.Info("Notification stream opened", "userID", userID, "backlog", len(backlog))

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			h.logger.Info("Notification stream closed", "userID", userID)
			return
		case n := <-updates:
			if sent[n.ID] {
				continue
			}
			if err := writeNotification(conn, n); err != nil {
				h.logger.Warn("Failed to push notification", "userID", userID, "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeNotification(conn *websocket.Conn, n domain.Notification) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(n)
}

// readPump discards client frames and reports when the connection goes away.
func (h *Handler) readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("Notification stream read failed", "error", err)
			}
			return
		}
	}
}
