package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"fadedreams/autofix/domain"
	"fadedreams/autofix/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Notifier receives notifications derived from request transitions.
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification) error
}

type envelope struct {
	gen     uint64
	ev      domain.ChangeEvent
	barrier chan struct{}
}

// Reconciler applies change events for the current user's requests and their
// chat messages to the local store. Events from every subscription are funnelled into one loop,
// so they are applied one at a time in delivery order.
type Reconciler struct {
	store    *store.Store
	remote   domain.RemoteService
	notifier Notifier
	logger   *slog.Logger
	tracer   trace.Tracer

	events    chan envelope
	stop      chan struct{}
	done      chan struct{}
	started   atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once

	switchMu sync.Mutex // serializes SetUser

	mu      sync.Mutex
	gen     uint64
	genDone chan struct{}
	user    *domain.CurrentUser
	subs    []domain.Subscription
	seen    map[string]*deliveries
}

// maxDeliveries bounds the fingerprints remembered per request.
const maxDeliveries = 32

// deliveries remembers the most recent update fingerprints seen for one
// request, oldest evicted first.
type deliveries struct {
	order []string
	set   map[string]struct{}
}

// remember records fp and reports whether it had not been seen before.
func (d *deliveries) remember(fp string) bool {
	if _, ok := d.set[fp]; ok {
		return false
	}
	if len(d.order) == maxDeliveries {
		delete(d.set, d.order[0])
		d.order = d.order[1:]
	}
	d.order = append(d.order, fp)
	d.set[fp] = struct{}{}
	return true
}

func New(s *store.Store, remote domain.RemoteService, notifier Notifier, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:    s,
		remote:   remote,
		notifier: notifier,
		logger:   logger,
		tracer:   otel.Tracer("autofix-reconciler"),
		events:   make(chan envelope, 64),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		seen:     make(map[string]*deliveries),
	}
}

// Start runs the reconciliation loop until ctx is cancelled or Close is called.
func (r *Reconciler) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		r.started.Store(true)
		go r.loop(ctx)
	})
}

func (r *Reconciler) loop(ctx context.Context) {
	defer close(r.done)
	r.logger.Info("Reconciler started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Stopping reconciler", "reason", ctx.Err())
			return
		case <-r.stop:
			r.logger.Info("Stopping reconciler")
			return
		case env := <-r.events:
			if env.barrier != nil {
				close(env.barrier)
				continue
			}
			r.apply(ctx, env)
		}
	}
}

// SetUser tears down the subscriptions of the previous user and, for a
// non-nil user, subscribes to the requests they are a party to and to new chat
// messages. Messages are kept only for requests already in the store.
func (r *Reconciler) SetUser(ctx context.Context, user *domain.CurrentUser) error {
	r.switchMu.Lock()
	defer r.switchMu.Unlock()

	r.mu.Lock()
	old := r.subs
	if r.genDone != nil {
		close(r.genDone)
	}
	r.gen++
	gen := r.gen
	genDone := make(chan struct{})
	r.genDone = genDone
	r.user = user.Clone()
	r.subs = nil
	r.seen = make(map[string]*deliveries)
	r.mu.Unlock()

	for _, sub := range old {
		if err := sub.Unsubscribe(); err != nil {
			r.logger.Error("Failed to unsubscribe from change feed", "error", err)
		}
	}
	if user == nil {
		r.logger.Info("Change feed subscriptions cleared")
		return nil
	}
	if err := user.Validate(); err != nil {
		return domain.ValidationError("subscribe", err.Error())
	}

	field := "customer_id"
	if user.Role == domain.RoleMechanic {
		field = "mechanic_id"
	}
	filter := domain.Eq(field, user.ID())
	deliver := func(ev domain.ChangeEvent) { r.enqueue(gen, genDone, ev) }
	// the subscriptions live until the next SetUser, not until ctx ends
	subCtx := context.WithoutCancel(ctx)
	requests, err := r.remote.Subscribe(subCtx, domain.SubscriptionSpec{
		Collection: domain.CollectionRequests,
		Events:     []domain.EventType{domain.EventInsert, domain.EventUpdate},
		Filter:     &filter,
	}, deliver)
	if err != nil {
		return domain.RemoteRequestError("subscribe", "Failed to subscribe to request updates", err)
	}
	messages, err := r.remote.Subscribe(subCtx, domain.SubscriptionSpec{
		Collection: domain.CollectionMessages,
		Events:     []domain.EventType{domain.EventInsert},
	}, deliver)
	if err != nil {
		if uerr := requests.Unsubscribe(); uerr != nil {
			r.logger.Error("Failed to unsubscribe from change feed", "error", uerr)
		}
		return domain.RemoteRequestError("subscribe", "Failed to subscribe to chat messages", err)
	}

	r.mu.Lock()
	r.subs = append(r.subs, requests, messages)
	r.mu.Unlock()
	r.logger.Info("Subscribed to request updates", "userID", user.ID(), "role", user.Role, "filter", field)
	return nil
}

// enqueue hands ev to the loop. It gives up once the generation is replaced
// or the reconciler is closed so that a transport blocked on delivery can be
// unsubscribed.
func (r *Reconciler) enqueue(gen uint64, genDone <-chan struct{}, ev domain.ChangeEvent) {
	select {
	case r.events <- envelope{gen: gen, ev: ev}:
	case <-genDone:
	case <-r.stop:
	}
}

// Flush waits until every event queued before the call has been applied.
func (r *Reconciler) Flush(ctx context.Context) error {
	barrier := make(chan struct{})
	select {
	case r.events <- envelope{barrier: barrier}:
	case <-r.stop:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-barrier:
		return nil
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reconciler) current(gen uint64) (*domain.CurrentUser, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.gen || r.user == nil {
		return nil, false
	}
	return r.user, true
}

func (r *Reconciler) apply(ctx context.Context, env envelope) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Dropping change event that could not be applied", "collection", env.ev.Collection, "panic", p)
		}
	}()

	user, ok := r.current(env.gen)
	if !ok {
		r.logger.Debug("Dropping change event for a previous user", "collection", env.ev.Collection)
		return
	}
	if env.ev.Collection != domain.CollectionRequests && env.ev.Collection != domain.CollectionMessages {
		return
	}

	ctx, span := r.tracer.Start(ctx, "ReconcileChange")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", env.ev.Collection),
		attribute.String("type", string(env.ev.Type)),
		attribute.String("id", env.ev.New.String("id")),
	)

	var err error
	switch {
	case env.ev.Collection == domain.CollectionMessages && env.ev.Type == domain.EventInsert:
		err = r.applyMessage(ctx, user, env.ev)
	case env.ev.Collection == domain.CollectionMessages:
		return
	case env.ev.Type == domain.EventInsert:
		err = r.applyInsert(ctx, user, env.ev)
	case env.ev.Type == domain.EventUpdate:
		err = r.applyUpdate(ctx, user, env.ev)
	default:
		err = domain.MalformedEventError("reconcile", fmt.Sprintf("unsupported event type %q", env.ev.Type))
	}
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "Failed to apply change event")
	if domain.IsKind(err, domain.KindMalformedEvent) {
		r.logger.Warn("Dropping malformed change event", "type", env.ev.Type, "error", err)
		return
	}
	r.logger.Error("Failed to apply change event", "type", env.ev.Type, "error", err)
}

func decodeRequest(row domain.Row) (domain.ServiceRequest, error) {
	var req domain.ServiceRequest
	if row == nil || row.String("id") == "" {
		return req, domain.MalformedEventError("reconcile", "request row is missing its id")
	}
	if err := domain.DecodeRow(row, &req); err != nil {
		return req, domain.MalformedEventError("reconcile", err.Error())
	}
	return req, nil
}

func involves(user *domain.CurrentUser, req domain.ServiceRequest) bool {
	if user.Role == domain.RoleMechanic {
		return req.MechanicID == user.ID()
	}
	return req.CustomerID == user.ID()
}

func (r *Reconciler) applyInsert(ctx context.Context, user *domain.CurrentUser, ev domain.ChangeEvent) error {
	req, err := decodeRequest(ev.New)
	if err != nil {
		return err
	}
	if !involves(user, req) {
		return nil
	}
	if _, exists := r.store.Request(req.ID); exists {
		// our own insert echoed back, or a redelivery
		_, _, err := r.store.UpdateRequest(ctx, req.ID, ev.New)
		return err
	}

	r.attachCounterpart(ctx, user.Role, &req)
	added, err := r.store.IngestRequest(ctx, req)
	if added && user.Role == domain.RoleMechanic {
		name := "A customer"
		if req.Customer != nil && req.Customer.FullName != "" {
			name = req.Customer.FullName
		}
		r.notify(ctx, domain.Notification{
			UserID:    user.ID(),
			RequestID: req.ID,
			Type:      domain.NotifyRequestReceived,
			Title:     "New service request",
			Message:   fmt.Sprintf("%s needs help with %s.", name, req.ServiceType),
		})
	}
	return err
}

func (r *Reconciler) applyUpdate(ctx context.Context, user *domain.CurrentUser, ev domain.ChangeEvent) error {
	next, err := decodeRequest(ev.New)
	if err != nil {
		return err
	}
	current, exists := r.store.Request(next.ID)
	if !exists {
		r.logger.Debug("Ignoring update for unknown request", "requestID", next.ID)
		return nil
	}

	prev := current
	if ev.Old != nil {
		if prev, err = decodeRequest(ev.Old); err != nil {
			return err
		}
	}

	fp, err := fingerprint(ev)
	if err != nil {
		return domain.MalformedEventError("reconcile", err.Error())
	}
	_, _, storeErr := r.store.UpdateRequest(ctx, next.ID, ev.New)
	if storeErr != nil {
		r.logger.Error("Failed to persist reconciled request", "requestID", next.ID, "error", storeErr)
	}

	r.mu.Lock()
	d, ok := r.seen[next.ID]
	if !ok {
		d = &deliveries{set: make(map[string]struct{})}
		r.seen[next.ID] = d
	}
	duplicate := !d.remember(fp)
	r.mu.Unlock()
	if duplicate {
		r.logger.Debug("Skipping duplicate update delivery", "requestID", next.ID)
		return storeErr
	}

	rule, ok := matchRule(prev, next)
	if !ok || user.Role != domain.RoleCustomer || next.CustomerID != user.ID() {
		return storeErr
	}
	r.notify(ctx, domain.Notification{
		UserID:    user.ID(),
		RequestID: next.ID,
		Type:      rule.kind,
		Title:     rule.title,
		Message:   rule.message(r.mechanicName(ctx, next.ID, next.MechanicID)),
	})
	return storeErr
}

// applyMessage stores a chat message posted on one of the user's requests.
func (r *Reconciler) applyMessage(ctx context.Context, user *domain.CurrentUser, ev domain.ChangeEvent) error {
	if ev.New == nil || ev.New.String("id") == "" || ev.New.String("request_id") == "" {
		return domain.MalformedEventError("reconcile", "message row is missing its id or request")
	}
	var msg domain.Message
	if err := domain.DecodeRow(ev.New, &msg); err != nil {
		return domain.MalformedEventError("reconcile", err.Error())
	}
	req, ok := r.store.Request(msg.RequestID)
	if !ok || !involves(user, req) {
		return nil
	}
	added, err := r.store.IngestMessage(ctx, msg)
	if added {
		r.logger.Debug("Chat message received", "requestID", msg.RequestID, "messageID", msg.ID)
	}
	return err
}

// fingerprint identifies one delivery of an old/new pair.
func fingerprint(ev domain.ChangeEvent) (string, error) {
	b, err := json.Marshal(struct {
		Old domain.Row `json:"old"`
		New domain.Row `json:"new"`
	}{ev.Old, ev.New})
	if err != nil {
		return "", fmt.Errorf("failed to fingerprint event: %w", err)
	}
	return string(b), nil
}

func (r *Reconciler) notify(ctx context.Context, n domain.Notification) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Notify(ctx, n); err != nil {
		r.logger.Error("Failed to deliver notification", "type", n.Type, "requestID", n.RequestID, "error", err)
	}
}

func (r *Reconciler) fetchProfile(ctx context.Context, id string) (*domain.Profile, error) {
	rows, err := r.remote.Select(ctx, domain.Query{
		Collection: domain.CollectionProfiles,
		Filters:    []domain.Filter{domain.Eq("id", id)},
		Limit:      1,
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	var p domain.Profile
	if err := domain.DecodeRow(rows[0], &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// attachCounterpart fills in the other party's profile. A failed lookup leaves
// it unset.
func (r *Reconciler) attachCounterpart(ctx context.Context, role domain.Role, req *domain.ServiceRequest) {
	id := req.MechanicID
	if role == domain.RoleMechanic {
		id = req.CustomerID
	}
	if id == "" {
		return
	}
	p, err := r.fetchProfile(ctx, id)
	if err != nil {
		r.logger.Warn("Failed to fetch counterpart profile", "profileID", id, "error", err)
		return
	}
	if p == nil {
		return
	}
	if role == domain.RoleMechanic {
		req.Customer = p
	} else {
		req.Mechanic = p
	}
}

func (r *Reconciler) mechanicName(ctx context.Context, requestID, mechanicID string) string {
	if req, ok := r.store.Request(requestID); ok && req.Mechanic != nil && req.Mechanic.FullName != "" {
		return req.Mechanic.FullName
	}
	if p, err := r.fetchProfile(ctx, mechanicID); err == nil && p != nil && p.FullName != "" {
		return p.FullName
	}
	return "Your mechanic"
}

// Close stops the loop and drops the current subscriptions.
func (r *Reconciler) Close() {
	r.closeOnce.Do(func() {
		close(r.stop)
		_ = r.SetUser(context.Background(), nil)
		if r.started.Load() {
			<-r.done
		}
	})
}
