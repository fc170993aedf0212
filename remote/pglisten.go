package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fadedreams/autofix/domain"
	"fadedreams/autofix/feed"

	"github.com/lib/pq"
)

// PGListener turns Postgres NOTIFY payloads from the change triggers into
// change events on a broadcaster.
type PGListener struct {
	listener *pq.Listener
	feed     *feed.Broadcaster
	logger   *slog.Logger
}

func NewPGListener(dsn string, b *feed.Broadcaster, logger *slog.Logger) (*PGListener, error) {
	l := pq.NewListener(dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Error("Postgres listener event", "event", ev, "error", err)
		}
	})
	if err := l.Listen(changeChannel); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", changeChannel, err)
	}
	logger.Info("Listening for postgres change notifications", "channel", changeChannel)
	return &PGListener{listener: l, feed: b, logger: logger}, nil
}

// Start relays notifications until ctx is cancelled.
func (p *PGListener) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Stopping postgres listener")
			return ctx.Err()
		case n := <-p.listener.Notify:
			if n == nil {
				// connection was re-established; events in the gap are lost
				p.logger.Warn("Postgres listener reconnected")
				continue
			}
			ev, err := decodeNotification(n.Extra)
			if err != nil {
				p.logger.Error("Dropping malformed change notification", "error", err)
				continue
			}
			p.feed.Publish(ev)
		case <-time.After(90 * time.Second):
			go func() {
				if err := p.listener.Ping(); err != nil {
					p.logger.Error("Postgres listener ping failed", "error", err)
				}
			}()
		}
	}
}

func (p *PGListener) Close() error {
	return p.listener.Close()
}

type pgNotification struct {
	Type  string     `json:"type"`
	Table string     `json:"table"`
	New   domain.Row `json:"new"`
	Old   domain.Row `json:"old"`
}

func decodeNotification(payload string) (domain.ChangeEvent, error) {
	var n pgNotification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return domain.ChangeEvent{}, fmt.Errorf("failed to decode notification: %w", err)
	}
	if n.Table == "" || n.New == nil {
		return domain.ChangeEvent{}, errors.New("notification is missing table or row")
	}
	ev := domain.ChangeEvent{
		Type:       domain.EventType(n.Type),
		Collection: n.Table,
		New:        n.New,
		Old:        n.Old,
		CommitTime: time.Now(),
	}
	if ev.Type != domain.EventInsert && ev.Type != domain.EventUpdate {
		return domain.ChangeEvent{}, fmt.Errorf("unsupported operation %q", n.Type)
	}
	return ev, nil
}
