package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"fadedreams/autofix/domain"
	"fadedreams/autofix/remote"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFeedOrdersNewestFirst(t *testing.T) {
	f := NewFeed(quietLogger())
	ctx := context.Background()
	require.NoError(t, f.Notify(ctx, domain.Notification{UserID: "c1", Type: domain.NotifyAcceptance}))
	require.NoError(t, f.Notify(ctx, domain.Notification{UserID: "c1", Type: domain.NotifyArrival}))
	require.NoError(t, f.Notify(ctx, domain.Notification{UserID: "m1", Type: domain.NotifyRequestReceived}))

	list := f.List("c1")
	require.Len(t, list, 2)
	assert.Equal(t, domain.NotifyArrival, list[0].Type)
	assert.NotEmpty(t, list[0].ID)
	assert.False(t, list[0].CreatedAt.IsZero())
	assert.Equal(t, 2, f.Unread("c1"))

	assert.True(t, f.MarkRead("c1", list[1].ID))
	assert.False(t, f.MarkRead("c1", "missing"))
	assert.Equal(t, 1, f.Unread("c1"))
}

func TestFeedListen(t *testing.T) {
	f := NewFeed(quietLogger())
	ch, cancel := f.Listen("c1")

	require.NoError(t, f.Notify(context.Background(), domain.Notification{UserID: "c1", Title: "Request accepted"}))
	n := <-ch
	assert.Equal(t, "Request accepted", n.Title)

	cancel()
	cancel()
	require.NoError(t, f.Notify(context.Background(), domain.Notification{UserID: "c1"}))
	assert.Len(t, ch, 0)
}

type failingRemote struct {
	remote.Noop
}

func (failingRemote) Insert(context.Context, string, domain.Row) (domain.Row, error) {
	return nil, errors.New("offline")
}

func TestRemoteSinkRecordsRemotely(t *testing.T) {
	backend := remote.NewMemory(quietLogger())
	local := NewFeed(quietLogger())
	sink := NewRemoteSink(backend, local, quietLogger())
	ctx := context.Background()

	require.NoError(t, sink.Notify(ctx, domain.Notification{UserID: "c1", RequestID: "r1", Type: domain.NotifyCompletion}))
	rows, err := backend.Select(ctx, domain.Query{Collection: domain.CollectionNotifications, Filters: []domain.Filter{domain.Eq("user_id", "c1")}})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	id := local.List("c1")[0].ID
	assert.Equal(t, id, rows[0].String("id"))
	require.NoError(t, sink.MarkRead(ctx, "c1", id))
	assert.True(t, local.List("c1")[0].Read)
	assert.True(t, domain.IsKind(sink.MarkRead(ctx, "c1", "missing"), domain.KindValidation))
}

func TestRemoteSinkStillNotifiesLocallyWhenRemoteFails(t *testing.T) {
	local := NewFeed(quietLogger())
	sink := NewRemoteSink(failingRemote{}, local, quietLogger())

	err := sink.Notify(context.Background(), domain.Notification{UserID: "c1"})
	assert.True(t, domain.IsKind(err, domain.KindRemoteRequest))
	assert.Len(t, local.List("c1"), 1)
}

func TestRemoteSinkLoadsRecordedNotificationsAfterRestart(t *testing.T) {
	backend := remote.NewMemory(quietLogger())
	ctx := context.Background()
	first := NewRemoteSink(backend, NewFeed(quietLogger()), quietLogger())
	at := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	require.NoError(t, first.Notify(ctx, domain.Notification{UserID: "c1", Type: domain.NotifyAcceptance, CreatedAt: at}))
	require.NoError(t, first.Notify(ctx, domain.Notification{UserID: "c1", Type: domain.NotifyArrival, CreatedAt: at.Add(time.Minute)}))
	require.NoError(t, first.Notify(ctx, domain.Notification{UserID: "m1", Type: domain.NotifyRequestReceived, CreatedAt: at}))

	local := NewFeed(quietLogger())
	sink := NewRemoteSink(backend, local, quietLogger())
	added, err := sink.Load(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	list := local.List("c1")
	require.Len(t, list, 2)
	assert.Equal(t, domain.NotifyArrival, list[0].Type)
	assert.Equal(t, domain.NotifyAcceptance, list[1].Type)

	added, err = sink.Load(ctx, "c1")
	require.NoError(t, err)
	assert.Zero(t, added)
	assert.Len(t, local.List("c1"), 2)

	require.NoError(t, sink.MarkRead(ctx, "c1", list[1].ID))
	assert.Equal(t, 1, local.Unread("c1"))
}

func TestRemoteSinkMarksRemoteOnlyNotificationRead(t *testing.T) {
	backend := remote.NewMemory(quietLogger())
	ctx := context.Background()
	recorder := NewRemoteSink(backend, NewFeed(quietLogger()), quietLogger())
	require.NoError(t, recorder.Notify(ctx, domain.Notification{ID: "n1", UserID: "c1", Type: domain.NotifyCompletion}))

	sink := NewRemoteSink(backend, NewFeed(quietLogger()), quietLogger())
	require.NoError(t, sink.MarkRead(ctx, "c1", "n1"))

	rows, err := backend.Select(ctx, domain.Query{Collection: domain.CollectionNotifications, Filters: []domain.Filter{domain.Eq("id", "n1")}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, true, rows[0]["read"])
}

func TestFeedSeedKeepsLocalCopies(t *testing.T) {
	f := NewFeed(quietLogger())
	at := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	require.NoError(t, f.Notify(context.Background(), domain.Notification{ID: "n2", UserID: "c1", CreatedAt: at.Add(time.Minute)}))
	require.True(t, f.MarkRead("c1", "n2"))

	added := f.Seed("c1", []domain.Notification{
		{ID: "n2", UserID: "c1", CreatedAt: at.Add(time.Minute)},
		{ID: "n1", UserID: "c1", CreatedAt: at},
		{ID: "n3", UserID: "c1", CreatedAt: at.Add(2 * time.Minute)},
	})

	assert.Equal(t, 2, added)
	list := f.List("c1")
	require.Len(t, list, 3)
	assert.Equal(t, []string{"n3", "n2", "n1"}, []string{list[0].ID, list[1].ID, list[2].ID})
	assert.True(t, list[1].Read)
}
