package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"fadedreams/autofix/domain"
	"fadedreams/autofix/notify"
	"fadedreams/autofix/objects"
	"fadedreams/autofix/reconciler"
	"fadedreams/autofix/remote"
	"fadedreams/autofix/storage"
	"fadedreams/autofix/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type client struct {
	svc   *Service
	rec   *reconciler.Reconciler
	store *store.Store
	notes *notify.Feed
	kv    *storage.Memory
}

func newClient(t *testing.T, backend domain.RemoteService, objs domain.ObjectStore) *client {
	t.Helper()
	return newClientWithKV(t, backend, objs, storage.NewMemory())
}

func newClientWithKV(t *testing.T, backend domain.RemoteService, objs domain.ObjectStore, kv *storage.Memory) *client {
	t.Helper()
	logger := quietLogger()
	st := store.New(kv, logger)
	notes := notify.NewFeed(logger)
	rec := reconciler.New(st, backend, notes, logger)
	svc := New(Deps{
		Store:         st,
		Remote:        backend,
		Objects:       objs,
		Reconciler:    rec,
		Notifications: notes,
		Logger:        logger,
	})
	require.NoError(t, svc.Init(context.Background()))
	t.Cleanup(svc.Teardown)
	return &client{svc: svc, rec: rec, store: st, notes: notes, kv: kv}
}

// newRecordingClient records notifications in the remote service as well.
func newRecordingClient(t *testing.T, backend domain.RemoteService, kv *storage.Memory) (*client, *notify.RemoteSink) {
	t.Helper()
	logger := quietLogger()
	st := store.New(kv, logger)
	notes := notify.NewFeed(logger)
	sink := notify.NewRemoteSink(backend, notes, logger)
	rec := reconciler.New(st, backend, sink, logger)
	svc := New(Deps{
		Store:               st,
		Remote:              backend,
		Reconciler:          rec,
		Notifications:       notes,
		RemoteNotifications: sink,
		Logger:              logger,
	})
	require.NoError(t, svc.Init(context.Background()))
	t.Cleanup(svc.Teardown)
	return &client{svc: svc, rec: rec, store: st, notes: notes, kv: kv}, sink
}

// settle waits until the client has applied every change event already
// delivered to it.
func (c *client) settle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.rec.Flush(ctx))
}

func customerForm() CustomerSignup {
	lat, lng := 5.6037, -0.1870
	return CustomerSignup{
		FullName: "Ama Owusu",
		Phone:    "+233200000001",
		Email:    "ama@example.com",
		Password: "secret1",
		CarType:  "Toyota Corolla",
		Location: &domain.Location{Latitude: lat, Longitude: lng},
	}
}

func mechanicForm() MechanicSignup {
	return MechanicSignup{
		FullName:    "Kwame Mensah",
		Phone:       "+233200000002",
		Email:       "kwame@example.com",
		Password:    "secret2",
		ServiceType: "engine",
		HourlyRate:  40,
		Location:    &domain.Location{Latitude: 5.6040, Longitude: -0.1875},
	}
}

func TestCustomerRequestIsAcceptedAcrossClients(t *testing.T) {
	ctx := context.Background()
	backend := remote.NewMemory(quietLogger())
	customer := newClient(t, backend, nil)
	mechanic := newClient(t, backend, nil)

	m, err := mechanic.svc.SignupMechanic(ctx, mechanicForm())
	require.NoError(t, err)
	c, err := customer.svc.SignupCustomer(ctx, customerForm())
	require.NoError(t, err)
	assert.Equal(t, c.ID, customer.svc.CurrentUser().ID())

	req, err := customer.svc.CreateRequest(ctx, RequestForm{MechanicID: m.ID, ServiceType: "engine", Description: "Engine will not start"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, req.Status)
	assert.Equal(t, "Toyota Corolla", req.CarType)

	require.Eventually(t, func() bool {
		_, ok := mechanic.store.Request(req.ID)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	onMechanic, _ := mechanic.store.Request(req.ID)
	assert.Equal(t, domain.StatusPending, onMechanic.Status)
	require.NotNil(t, onMechanic.Customer)
	assert.Equal(t, "Ama Owusu", onMechanic.Customer.FullName)
	require.Eventually(t, func() bool { return len(mechanic.notes.List(m.ID)) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.NotifyRequestReceived, mechanic.notes.List(m.ID)[0].Type)

	_, err = mechanic.svc.AcceptRequest(ctx, req.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		r, _ := customer.store.Request(req.ID)
		return r.Status == domain.StatusAccepted && len(customer.notes.List(c.ID)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return len(customer.notes.List(c.ID)) > 1 }, 100*time.Millisecond, 10*time.Millisecond)
	note := customer.notes.List(c.ID)[0]
	assert.Equal(t, domain.NotifyAcceptance, note.Type)
	assert.Contains(t, note.Message, "Kwame Mensah")

	msgs, err := customer.svc.SyncMessages(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsSystemMessage)
	assert.Nil(t, msgs[0].SenderID)
}

func TestChatMessagesReachTheOtherPartyLive(t *testing.T) {
	ctx := context.Background()
	backend := remote.NewMemory(quietLogger())
	customer := newClient(t, backend, nil)
	mechanic := newClient(t, backend, nil)

	m, err := mechanic.svc.SignupMechanic(ctx, mechanicForm())
	require.NoError(t, err)
	_, err = customer.svc.SignupCustomer(ctx, customerForm())
	require.NoError(t, err)
	req, err := customer.svc.CreateRequest(ctx, RequestForm{MechanicID: m.ID, ServiceType: "engine"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := mechanic.store.Request(req.ID)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	sent, err := mechanic.svc.SendMessage(ctx, req.ID, "Leaving the workshop now")
	require.NoError(t, err)
	mechanic.settle(t)
	customer.settle(t)

	got := customer.store.MessagesFor(req.ID)
	require.Len(t, got, 1)
	assert.Equal(t, sent.ID, got[0].ID)
	assert.Equal(t, "Leaving the workshop now", got[0].Text)
	assert.Len(t, mechanic.store.MessagesFor(req.ID), 1)
}

func TestFullLifecycleWithGuards(t *testing.T) {
	ctx := context.Background()
	backend := remote.NewMemory(quietLogger())
	customer := newClient(t, backend, nil)
	mechanic := newClient(t, backend, nil)

	m, err := mechanic.svc.SignupMechanic(ctx, mechanicForm())
	require.NoError(t, err)
	c, err := customer.svc.SignupCustomer(ctx, customerForm())
	require.NoError(t, err)
	req, err := customer.svc.CreateRequest(ctx, RequestForm{MechanicID: m.ID, ServiceType: "engine"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := mechanic.store.Request(req.ID)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	_, err = mechanic.svc.MarkArrived(ctx, req.ID, nil)
	assert.True(t, domain.IsKind(err, domain.KindValidation), "arrival before acceptance")
	_, err = mechanic.svc.CompleteRequest(ctx, req.ID)
	assert.True(t, domain.IsKind(err, domain.KindValidation), "completion before arrival")
	_, err = customer.svc.AcceptRequest(ctx, req.ID)
	assert.True(t, domain.IsKind(err, domain.KindValidation), "customers cannot accept")

	_, err = mechanic.svc.AcceptRequest(ctx, req.ID)
	require.NoError(t, err)
	mechanic.settle(t)
	_, err = mechanic.svc.RejectRequest(ctx, req.ID)
	assert.True(t, domain.IsKind(err, domain.KindValidation), "reject after accept")

	far := domain.Location{Latitude: 5.70, Longitude: -0.19}
	_, err = mechanic.svc.MarkArrived(ctx, req.ID, &far)
	require.Error(t, err)
	assert.Contains(t, domain.Notice(err, ""), "meters away")

	near := domain.Location{Latitude: 5.6038, Longitude: -0.1871}
	_, err = mechanic.svc.MarkArrived(ctx, req.ID, &near)
	require.NoError(t, err)
	mechanic.settle(t)
	done, err := mechanic.svc.CompleteRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, done.Status)
	assert.NotNil(t, done.CompletedAt)

	require.Eventually(t, func() bool {
		return len(customer.notes.List(c.ID)) == 3
	}, 2*time.Second, 5*time.Millisecond)
	var kinds []domain.NotificationType
	for _, n := range customer.notes.List(c.ID) {
		kinds = append(kinds, n.Type)
	}
	assert.Equal(t, []domain.NotificationType{domain.NotifyCompletion, domain.NotifyArrival, domain.NotifyAcceptance}, kinds)

	review, err := customer.svc.AddReview(ctx, ReviewForm{RequestID: req.ID, Rating: 5, Comment: "Quick and friendly"})
	require.NoError(t, err)
	assert.NotEmpty(t, review.ID)
	assert.Equal(t, "Ama Owusu", review.CustomerName)
	assert.Len(t, customer.store.Reviews(), 1)

	msgs, err := mechanic.svc.SyncMessages(ctx, req.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 3)
}

func TestSignupValidation(t *testing.T) {
	svc := newClient(t, remote.Noop{}, nil).svc
	ctx := context.Background()

	form := customerForm()
	form.FullName = ""
	_, err := svc.SignupCustomer(ctx, form)
	assert.True(t, domain.IsKind(err, domain.KindValidation))
	assert.Equal(t, "Full name is required", domain.Notice(err, ""))

	form = customerForm()
	form.Password = "123"
	_, err = svc.SignupCustomer(ctx, form)
	assert.Equal(t, "Password must be at least 6 characters", domain.Notice(err, ""))

	form = customerForm()
	form.Email = "not-an-email"
	_, err = svc.SignupCustomer(ctx, form)
	assert.Equal(t, "Email must be a valid email address", domain.Notice(err, ""))

	mform := mechanicForm()
	mform.ServiceType = ""
	_, err = svc.SignupMechanic(ctx, mform)
	assert.Equal(t, "Service type is required", domain.Notice(err, ""))

	assert.Nil(t, svc.CurrentUser())
}

type failingObjects struct{}

func (failingObjects) Upload(context.Context, string, string, string, []byte) (string, error) {
	return "", errors.New("bucket unavailable")
}

func TestSignupSurvivesAvatarFailure(t *testing.T) {
	svc := newClient(t, remote.NewMemory(quietLogger()), failingObjects{}).svc
	form := customerForm()
	form.Avatar = []byte{0xff, 0xd8, 0xff}

	c, err := svc.SignupCustomer(context.Background(), form)
	require.NoError(t, err)
	assert.Empty(t, c.AvatarURL)
	assert.NotNil(t, svc.CurrentUser())
}

func TestSignupUploadsAvatar(t *testing.T) {
	objs := objects.NewMemory("https://cdn.example.com/")
	svc := newClient(t, remote.NewMemory(quietLogger()), objs).svc
	form := mechanicForm()
	form.Avatar = []byte{0xff, 0xd8, 0xff}

	m, err := svc.SignupMechanic(context.Background(), form)
	require.NoError(t, err)
	prefix := "https://cdn.example.com/avatars/avatar_" + m.ID + "_"
	assert.True(t, strings.HasPrefix(m.AvatarURL, prefix), m.AvatarURL)
	assert.True(t, strings.HasSuffix(m.AvatarURL, ".jpg"))

	key := strings.TrimPrefix(m.AvatarURL, "https://cdn.example.com/avatars/")
	obj, ok := objs.Get("avatars", key)
	require.True(t, ok)
	assert.Equal(t, "image/jpeg", obj.ContentType)
}

type brokenRemote struct {
	remote.Noop
}

func (brokenRemote) Insert(context.Context, string, domain.Row) (domain.Row, error) {
	return nil, errors.New("connection refused")
}

func TestRemoteFailureIsReportedAndNothingIsStored(t *testing.T) {
	cl := newClient(t, brokenRemote{}, nil)
	_, err := cl.svc.SignupCustomer(context.Background(), customerForm())
	assert.True(t, domain.IsKind(err, domain.KindRemoteRequest))
	assert.Equal(t, "Signup failed", domain.Notice(err, ""))
	assert.Empty(t, cl.store.Customers())
	assert.Nil(t, cl.svc.CurrentUser())
}

func TestLocalOnlyModeAndSessionRestore(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	first := newClientWithKV(t, remote.Noop{}, nil, kv)

	c, err := first.svc.SignupCustomer(ctx, customerForm())
	require.NoError(t, err)
	_, err = first.svc.CreateRequest(ctx, RequestForm{MechanicID: "m-demo", ServiceType: "tyres", Urgency: domain.UrgencyHigh})
	require.NoError(t, err)
	first.svc.Teardown()

	second := newClientWithKV(t, remote.Noop{}, nil, kv)
	user := second.svc.CurrentUser()
	require.NotNil(t, user)
	assert.Equal(t, c.ID, user.ID())
	require.Len(t, second.store.Requests(), 1)
	assert.Equal(t, domain.UrgencyHigh, second.store.Requests()[0].Urgency)

	require.NoError(t, second.svc.Logout(ctx))
	assert.Nil(t, second.svc.CurrentUser())
	again, err := second.svc.Login(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleCustomer, again.Role)

	_, err = second.svc.Login(ctx, "nobody")
	assert.Equal(t, "No account found", domain.Notice(err, ""))
}

func TestLoginFromRemoteProfile(t *testing.T) {
	ctx := context.Background()
	backend := remote.NewMemory(quietLogger())
	m, err := newClient(t, backend, nil).svc.SignupMechanic(ctx, mechanicForm())
	require.NoError(t, err)

	other := newClient(t, backend, nil)
	user, err := other.svc.Login(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleMechanic, user.Role)
	assert.Equal(t, "Kwame Mensah", user.FullName())
	_, ok := other.store.Mechanic(m.ID)
	assert.True(t, ok)
}

func TestNearbyMechanicsAndRefresh(t *testing.T) {
	ctx := context.Background()
	backend := remote.NewMemory(quietLogger())
	near, far := 5.6040, 6.6885
	for _, m := range []domain.Mechanic{
		{ID: "m-near", FullName: "Near", Latitude: &near, Longitude: &near},
		{ID: "m-far", FullName: "Far", Latitude: &far, Longitude: &far},
		{ID: "m-nowhere", FullName: "Unknown"},
	} {
		_, err := backend.Insert(ctx, domain.CollectionProfiles, m.Row())
		require.NoError(t, err)
	}

	cl := newClient(t, backend, nil)
	mechanics, err := cl.svc.RefreshMechanics(ctx)
	require.NoError(t, err)
	assert.Len(t, mechanics, 2)

	from := domain.Location{Latitude: 5.6, Longitude: 5.6}
	all := cl.svc.NearbyMechanics(from, 0)
	require.Len(t, all, 2)
	assert.Equal(t, "m-near", all[0].Mechanic.ID)
	assert.Less(t, all[0].DistanceKm, all[1].DistanceKm)

	within := cl.svc.NearbyMechanics(from, 10)
	require.Len(t, within, 1)
	assert.Equal(t, "m-near", within[0].Mechanic.ID)
}

func TestUpdateLocation(t *testing.T) {
	ctx := context.Background()
	backend := remote.NewMemory(quietLogger())
	cl := newClient(t, backend, nil)
	c, err := cl.svc.SignupCustomer(ctx, customerForm())
	require.NoError(t, err)

	require.NoError(t, cl.svc.UpdateLocation(ctx, domain.Location{Latitude: 6.1, Longitude: -1.2}))
	stored, _ := cl.store.Customer(c.ID)
	loc, ok := stored.Location()
	require.True(t, ok)
	assert.Equal(t, 6.1, loc.Latitude)

	sessionLoc, ok := cl.svc.CurrentUser().Customer.Location()
	require.True(t, ok)
	assert.Equal(t, -1.2, sessionLoc.Longitude)

	rows, err := backend.Select(ctx, domain.Query{Collection: domain.CollectionProfiles, Filters: []domain.Filter{domain.Eq("id", c.ID)}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 6.1, rows[0]["latitude"])

	err = cl.svc.UpdateLocation(ctx, domain.Location{Latitude: 91})
	assert.True(t, domain.IsKind(err, domain.KindValidation))
}

func TestSendMessageRequiresParty(t *testing.T) {
	ctx := context.Background()
	backend := remote.NewMemory(quietLogger())
	cl := newClient(t, backend, nil)
	_, err := cl.svc.SignupCustomer(ctx, customerForm())
	require.NoError(t, err)
	req, err := cl.svc.CreateRequest(ctx, RequestForm{MechanicID: "m1", ServiceType: "battery"})
	require.NoError(t, err)

	_, err = cl.svc.SendMessage(ctx, req.ID, "   ")
	assert.Equal(t, "Message is required", domain.Notice(err, ""))

	msg, err := cl.svc.SendMessage(ctx, req.ID, "I'm by the fuel station")
	require.NoError(t, err)
	require.NotNil(t, msg.SenderID)
	assert.Len(t, cl.store.MessagesFor(req.ID), 1)

	_, err = cl.svc.SendMessage(ctx, "unknown", "hello")
	assert.True(t, domain.IsKind(err, domain.KindValidation))
}

func TestReviewRequiresCompletedRequest(t *testing.T) {
	ctx := context.Background()
	cl := newClient(t, remote.Noop{}, nil)
	_, err := cl.svc.SignupCustomer(ctx, customerForm())
	require.NoError(t, err)
	req, err := cl.svc.CreateRequest(ctx, RequestForm{MechanicID: "m1", ServiceType: "battery"})
	require.NoError(t, err)

	_, err = cl.svc.AddReview(ctx, ReviewForm{RequestID: req.ID, Rating: 4})
	assert.Equal(t, "Only completed requests can be reviewed", domain.Notice(err, ""))
	_, err = cl.svc.AddReview(ctx, ReviewForm{RequestID: req.ID, Rating: 9})
	assert.Equal(t, "Rating must be at most 5", domain.Notice(err, ""))
}

func TestNotificationsMarkRead(t *testing.T) {
	ctx := context.Background()
	cl := newClient(t, remote.Noop{}, nil)
	c, err := cl.svc.SignupCustomer(ctx, customerForm())
	require.NoError(t, err)
	require.NoError(t, cl.notes.Notify(ctx, domain.Notification{UserID: c.ID, Type: domain.NotifyArrival}))

	list, err := cl.svc.Notifications()
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.NoError(t, cl.svc.MarkNotificationRead(ctx, list[0].ID))
	assert.Equal(t, 0, cl.notes.Unread(c.ID))
	assert.Error(t, cl.svc.MarkNotificationRead(ctx, "missing"))
}

func TestClearStorage(t *testing.T) {
	ctx := context.Background()
	cl := newClient(t, remote.Noop{}, nil)
	_, err := cl.svc.SignupCustomer(ctx, customerForm())
	require.NoError(t, err)

	require.NoError(t, cl.svc.ClearStorage(ctx))
	assert.Nil(t, cl.svc.CurrentUser())
	assert.Empty(t, cl.store.Customers())
	_, found, err := cl.kv.Get(ctx, domain.KeyCustomers)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestHaversine(t *testing.T) {
	accra := domain.Location{Latitude: 5.6037, Longitude: -0.1870}
	kumasi := domain.Location{Latitude: 6.6885, Longitude: -1.6244}
	assert.InDelta(t, 200, Haversine(accra, kumasi), 5)
	assert.Zero(t, Haversine(accra, accra))
}

func TestRecordedNotificationsAreListedAfterRestartAndLogin(t *testing.T) {
	ctx := context.Background()
	backend := remote.NewMemory(quietLogger())
	kv := storage.NewMemory()
	first, sink := newRecordingClient(t, backend, kv)
	c, err := first.svc.SignupCustomer(ctx, customerForm())
	require.NoError(t, err)
	require.NoError(t, sink.Notify(ctx, domain.Notification{UserID: c.ID, RequestID: "r1", Type: domain.NotifyAcceptance, Title: "Request accepted"}))
	first.svc.Teardown()

	restarted, _ := newRecordingClient(t, backend, kv)
	list, err := restarted.svc.Notifications()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, domain.NotifyAcceptance, list[0].Type)
	require.NoError(t, restarted.svc.MarkNotificationRead(ctx, list[0].ID))

	elsewhere, _ := newRecordingClient(t, backend, storage.NewMemory())
	_, err = elsewhere.svc.Login(ctx, c.ID)
	require.NoError(t, err)
	list, err = elsewhere.svc.Notifications()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Read)
}
