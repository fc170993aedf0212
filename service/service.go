package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"fadedreams/autofix/domain"
	"fadedreams/autofix/notify"
	"fadedreams/autofix/reconciler"
	"fadedreams/autofix/remote"
	"fadedreams/autofix/store"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Deps are the collaborators of a Service. Remote defaults to a no-op backend
// when nil; Objects and RemoteNotifications are optional.
type Deps struct {
	Store               *store.Store
	Remote              domain.RemoteService
	Objects             domain.ObjectStore
	Reconciler          *reconciler.Reconciler
	Notifications       *notify.Feed
	RemoteNotifications *notify.RemoteSink
	Logger              *slog.Logger
	// Timeout bounds each remote call. Zero means no timeout.
	Timeout time.Duration
}

// Service implements the client use cases on top of the local store, keeping
// the remote service and the local copy in step.
type Service struct {
	store      *store.Store
	remote     domain.RemoteService
	objects    domain.ObjectStore
	reconciler *reconciler.Reconciler
	notes      *notify.Feed
	remoteNote *notify.RemoteSink
	validate   *validator.Validate
	tracer     trace.Tracer
	logger     *slog.Logger
	timeout    time.Duration
	clock      func() time.Time
}

func New(d Deps) *Service {
	if d.Remote == nil {
		d.Remote = remote.Noop{}
	}
	return &Service{
		store:      d.Store,
		remote:     d.Remote,
		objects:    d.Objects,
		reconciler: d.Reconciler,
		notes:      d.Notifications,
		remoteNote: d.RemoteNotifications,
		validate:   newValidator(),
		tracer:     otel.Tracer("autofix-service"),
		logger:     d.Logger,
		timeout:    d.Timeout,
		clock:      time.Now,
	}
}

// Init loads the persisted state, starts reconciliation and restores the
// subscription of a persisted session. Load failures are logged; the store is
// ready either way.
func (s *Service) Init(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "ServiceInit")
	defer span.End()

	if err := s.store.LoadAll(ctx); err != nil {
		span.RecordError(err)
		s.logger.Warn("Some collections failed to load", "error", err)
	}
	s.reconciler.Start(ctx)

	user := s.store.CurrentUser()
	if user == nil {
		s.logger.Info("Initialized without a session")
		return nil
	}
	if err := s.reconciler.SetUser(ctx, user); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to restore subscription")
		return fmt.Errorf("failed to restore subscription: %w", err)
	}
	if _, err := s.RefreshRequests(ctx); err != nil {
		s.logger.Warn("Failed to refresh requests on start", "error", err)
	}
	s.loadNotifications(ctx, user)
	s.logger.Info("Restored session", "userID", user.ID(), "role", user.Role)
	return nil
}

// Teardown stops reconciliation and drops the subscriptions.
func (s *Service) Teardown() {
	s.reconciler.Close()
	s.logger.Info("Service torn down")
}

func (s *Service) Store() *store.Store { return s.store }

func (s *Service) CurrentUser() *domain.CurrentUser { return s.store.CurrentUser() }

// remoteCtx applies the configured timeout to one remote call.
func (s *Service) remoteCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Service) insert(ctx context.Context, collection string, row domain.Row) (domain.Row, error) {
	ctx, cancel := s.remoteCtx(ctx)
	defer cancel()
	return s.remote.Insert(ctx, collection, row)
}

func (s *Service) update(ctx context.Context, collection string, filters []domain.Filter, fields domain.Row) (int64, error) {
	ctx, cancel := s.remoteCtx(ctx)
	defer cancel()
	return s.remote.Update(ctx, collection, filters, fields)
}

func (s *Service) query(ctx context.Context, q domain.Query) ([]domain.Row, error) {
	ctx, cancel := s.remoteCtx(ctx)
	defer cancel()
	return s.remote.Select(ctx, q)
}

// fail records err on span and logs it.
func (s *Service) fail(span trace.Span, msg string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
	s.logger.Error(msg, "error", err)
	return err
}

func newRemoteID() string { return uuid.NewString() }

// requireUser returns the signed-in user, optionally of a given role.
func (s *Service) requireUser(op string, role domain.Role) (*domain.CurrentUser, error) {
	user := s.store.CurrentUser()
	if user == nil {
		return nil, domain.ValidationError(op, "Please log in first")
	}
	if role != "" && user.Role != role {
		return nil, domain.ValidationError(op, fmt.Sprintf("Only a %s can do this", role))
	}
	return user, nil
}

// startSession makes user current and subscribes to their requests.
func (s *Service) startSession(ctx context.Context, user *domain.CurrentUser) error {
	if err := s.store.SetCurrentUser(ctx, user); err != nil {
		return err
	}
	if err := s.reconciler.SetUser(ctx, user); err != nil {
		return err
	}
	s.loadNotifications(ctx, user)
	return nil
}

// loadNotifications reads back notifications recorded remotely for user. A
// failure leaves the local feed as it is.
func (s *Service) loadNotifications(ctx context.Context, user *domain.CurrentUser) {
	if s.remoteNote == nil {
		return
	}
	ctx, cancel := s.remoteCtx(ctx)
	defer cancel()
	if _, err := s.remoteNote.Load(ctx, user.ID()); err != nil {
		s.logger.Warn("Failed to load notifications", "userID", user.ID(), "error", err)
	}
}

// SignupCustomer creates the customer's profile remotely, stores it locally
// and signs them in. A failed avatar upload does not block signup.
func (s *Service) SignupCustomer(ctx context.Context, form CustomerSignup) (domain.Customer, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceSignupCustomer")
	defer span.End()

	if err := s.validateForm("signup", form); err != nil {
		return domain.Customer{}, err
	}
	c := domain.Customer{
		ID:           newRemoteID(),
		FullName:     form.FullName,
		Phone:        form.Phone,
		Email:        form.Email,
		CarType:      form.CarType,
		LicensePlate: form.LicensePlate,
		CreatedAt:    s.clock().UTC(),
	}
	if form.Location != nil {
		lat, lng := form.Location.Latitude, form.Location.Longitude
		c.Latitude, c.Longitude = &lat, &lng
	}
	span.SetAttributes(attribute.String("customerID", c.ID))
	c.AvatarURL = s.signupAvatar(ctx, c.ID, form.Avatar)

	if _, err := s.insert(ctx, domain.CollectionProfiles, c.Row()); err != nil {
		return domain.Customer{}, s.fail(span, "Failed to create customer profile", domain.RemoteRequestError("signup", "Signup failed", err))
	}
	c, err := s.store.AddCustomer(ctx, c)
	if err != nil {
		return c, s.fail(span, "Failed to store customer", err)
	}
	if err := s.startSession(ctx, domain.CurrentCustomer(c)); err != nil {
		return c, s.fail(span, "Failed to start session", err)
	}
	s.logger.Info("Customer signed up", "customerID", c.ID)
	return c, nil
}

func (s *Service) SignupMechanic(ctx context.Context, form MechanicSignup) (domain.Mechanic, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceSignupMechanic")
	defer span.End()

	if err := s.validateForm("signup", form); err != nil {
		return domain.Mechanic{}, err
	}
	m := domain.Mechanic{
		ID:                 newRemoteID(),
		FullName:           form.FullName,
		Phone:              form.Phone,
		Email:              form.Email,
		ServiceType:        form.ServiceType,
		Description:        form.Description,
		IsAvailable:        true,
		HourlyRate:         form.HourlyRate,
		Experience:         form.Experience,
		VerificationStatus: "pending",
		CreatedAt:          s.clock().UTC(),
	}
	if form.Location != nil {
		lat, lng := form.Location.Latitude, form.Location.Longitude
		m.Latitude, m.Longitude = &lat, &lng
	}
	span.SetAttributes(attribute.String("mechanicID", m.ID))
	m.AvatarURL = s.signupAvatar(ctx, m.ID, form.Avatar)

	if _, err := s.insert(ctx, domain.CollectionProfiles, m.Row()); err != nil {
		return domain.Mechanic{}, s.fail(span, "Failed to create mechanic profile", domain.RemoteRequestError("signup", "Signup failed", err))
	}
	m, err := s.store.AddMechanic(ctx, m)
	if err != nil {
		return m, s.fail(span, "Failed to store mechanic", err)
	}
	if err := s.startSession(ctx, domain.CurrentMechanic(m)); err != nil {
		return m, s.fail(span, "Failed to start session", err)
	}
	s.logger.Info("Mechanic signed up", "mechanicID", m.ID)
	return m, nil
}

func (s *Service) signupAvatar(ctx context.Context, userID string, data []byte) string {
	if len(data) == 0 {
		return ""
	}
	url, err := s.UploadAvatar(ctx, userID, data)
	if err != nil {
		s.logger.Warn("Avatar upload failed, continuing signup", "userID", userID, "error", err)
		return ""
	}
	return url
}

// Login signs in the user with profileID. The profile is read from the remote
// service, falling back to the local collections when the remote has none.
func (s *Service) Login(ctx context.Context, profileID string) (*domain.CurrentUser, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceLogin")
	defer span.End()
	span.SetAttributes(attribute.String("profileID", profileID))

	if profileID == "" {
		return nil, domain.ValidationError("login", "Account id is required")
	}
	rows, err := s.query(ctx, domain.Query{
		Collection: domain.CollectionProfiles,
		Filters:    []domain.Filter{domain.Eq("id", profileID)},
		Limit:      1,
	})
	if err != nil {
		return nil, s.fail(span, "Failed to fetch profile", domain.RemoteRequestError("login", "Login failed", err))
	}

	var user *domain.CurrentUser
	switch {
	case len(rows) > 0:
		user, err = s.userFromRow(ctx, rows[0])
		if err != nil {
			return nil, s.fail(span, "Failed to read profile", err)
		}
	default:
		if c, ok := s.store.Customer(profileID); ok {
			user = domain.CurrentCustomer(c)
		} else if m, ok := s.store.Mechanic(profileID); ok {
			user = domain.CurrentMechanic(m)
		} else {
			return nil, domain.ValidationError("login", "No account found")
		}
	}

	if err := s.startSession(ctx, user); err != nil {
		return nil, s.fail(span, "Failed to start session", err)
	}
	if _, err := s.RefreshRequests(ctx); err != nil {
		s.logger.Warn("Failed to refresh requests after login", "error", err)
	}
	s.logger.Info("User logged in", "userID", user.ID(), "role", user.Role)
	return user, nil
}

func (s *Service) userFromRow(ctx context.Context, row domain.Row) (*domain.CurrentUser, error) {
	switch domain.Role(row.String("role")) {
	case domain.RoleCustomer:
		var c domain.Customer
		if err := domain.DecodeRow(row, &c); err != nil {
			return nil, domain.RemoteRequestError("login", "Login failed", err)
		}
		if err := s.store.IngestCustomer(ctx, c); err != nil {
			return nil, err
		}
		return domain.CurrentCustomer(c), nil
	case domain.RoleMechanic:
		var m domain.Mechanic
		if err := domain.DecodeRow(row, &m); err != nil {
			return nil, domain.RemoteRequestError("login", "Login failed", err)
		}
		if err := s.store.IngestMechanic(ctx, m); err != nil {
			return nil, err
		}
		return domain.CurrentMechanic(m), nil
	}
	return nil, domain.ValidationError("login", "Account has no role")
}

// Logout clears the session and its subscription.
func (s *Service) Logout(ctx context.Context) error {
	if err := s.reconciler.SetUser(ctx, nil); err != nil {
		return err
	}
	if err := s.store.SetCurrentUser(ctx, nil); err != nil {
		return err
	}
	s.logger.Info("User logged out")
	return nil
}

// ClearStorage wipes everything persisted on this device.
func (s *Service) ClearStorage(ctx context.Context) error {
	if err := s.reconciler.SetUser(ctx, nil); err != nil {
		return err
	}
	return s.store.Clear(ctx)
}
