package domain

import (
	"errors"
	"time"
)

// Role distinguishes the two kinds of signed-in users.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleMechanic Role = "mechanic"
)

// Location is a point on the map in decimal degrees.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Customer is a user who raises service requests.
type Customer struct {
	ID           string    `json:"id"`
	FullName     string    `json:"full_name"`
	Phone        string    `json:"phone"`
	Email        string    `json:"email"`
	AvatarURL    string    `json:"avatar_url,omitempty"`
	CarType      string    `json:"car_type"`
	LicensePlate string    `json:"license_plate,omitempty"`
	Latitude     *float64  `json:"latitude,omitempty"`
	Longitude    *float64  `json:"longitude,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func (c *Customer) Key() string      { return c.ID }
func (c *Customer) SetKey(id string) { c.ID = id }

// Location returns the customer's last known position, if any.
func (c Customer) Location() (Location, bool) {
	return locationOf(c.Latitude, c.Longitude)
}

// Row renders the customer as a profiles row.
func (c Customer) Row() Row {
	return Row{
		"id":            c.ID,
		"role":          string(RoleCustomer),
		"full_name":     c.FullName,
		"phone":         c.Phone,
		"email":         c.Email,
		"avatar_url":    c.AvatarURL,
		"car_type":      c.CarType,
		"license_plate": c.LicensePlate,
		"latitude":      floatOrNil(c.Latitude),
		"longitude":     floatOrNil(c.Longitude),
		"created_at":    c.CreatedAt,
	}
}

// Mechanic is a user who fulfils service requests.
type Mechanic struct {
	ID                 string    `json:"id"`
	FullName           string    `json:"full_name"`
	Phone              string    `json:"phone"`
	Email              string    `json:"email"`
	AvatarURL          string    `json:"avatar_url,omitempty"`
	ServiceType        string    `json:"service_type"`
	Description        string    `json:"description,omitempty"`
	Latitude           *float64  `json:"latitude,omitempty"`
	Longitude          *float64  `json:"longitude,omitempty"`
	IsAvailable        bool      `json:"is_available"`
	Rating             float64   `json:"rating"`
	HourlyRate         float64   `json:"hourly_rate"`
	Experience         int       `json:"experience"`
	TotalJobs          int       `json:"total_jobs"`
	VerificationStatus string    `json:"verification_status"`
	CreatedAt          time.Time `json:"created_at"`
}

func (m *Mechanic) Key() string      { return m.ID }
func (m *Mechanic) SetKey(id string) { m.ID = id }

func (m Mechanic) Location() (Location, bool) {
	return locationOf(m.Latitude, m.Longitude)
}

// Row renders the mechanic as a profiles row.
func (m Mechanic) Row() Row {
	return Row{
		"id":                  m.ID,
		"role":                string(RoleMechanic),
		"full_name":           m.FullName,
		"phone":               m.Phone,
		"email":               m.Email,
		"avatar_url":          m.AvatarURL,
		"service_type":        m.ServiceType,
		"description":         m.Description,
		"latitude":            floatOrNil(m.Latitude),
		"longitude":           floatOrNil(m.Longitude),
		"is_available":        m.IsAvailable,
		"rating":              m.Rating,
		"hourly_rate":         m.HourlyRate,
		"experience":          m.Experience,
		"total_jobs":          m.TotalJobs,
		"verification_status": m.VerificationStatus,
		"created_at":          m.CreatedAt,
	}
}

// Profile is the public view of either party, as read from the profiles collection.
type Profile struct {
	ID          string   `json:"id"`
	Role        Role     `json:"role"`
	FullName    string   `json:"full_name"`
	Phone       string   `json:"phone"`
	AvatarURL   string   `json:"avatar_url,omitempty"`
	CarType     string   `json:"car_type,omitempty"`
	ServiceType string   `json:"service_type,omitempty"`
	Rating      float64  `json:"rating,omitempty"`
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
}

// CurrentUser is the signed-in user: exactly one of Customer or Mechanic is set,
// matching Role.
type CurrentUser struct {
	Role     Role      `json:"role"`
	Customer *Customer `json:"customer,omitempty"`
	Mechanic *Mechanic `json:"mechanic,omitempty"`
}

var ErrInvalidUser = errors.New("current user must carry exactly one customer or mechanic record matching its role")

func CurrentCustomer(c Customer) *CurrentUser {
	return &CurrentUser{Role: RoleCustomer, Customer: &c}
}

func CurrentMechanic(m Mechanic) *CurrentUser {
	return &CurrentUser{Role: RoleMechanic, Mechanic: &m}
}

// Validate checks that exactly the record matching Role is set.
func (u *CurrentUser) Validate() error {
	switch {
	case u == nil:
		return nil
	case u.Role == RoleCustomer && u.Customer != nil && u.Mechanic == nil:
		return nil
	case u.Role == RoleMechanic && u.Mechanic != nil && u.Customer == nil:
		return nil
	}
	return ErrInvalidUser
}

func (u *CurrentUser) ID() string {
	switch {
	case u == nil:
		return ""
	case u.Customer != nil:
		return u.Customer.ID
	case u.Mechanic != nil:
		return u.Mechanic.ID
	}
	return ""
}

func (u *CurrentUser) FullName() string {
	switch {
	case u == nil:
		return ""
	case u.Customer != nil:
		return u.Customer.FullName
	case u.Mechanic != nil:
		return u.Mechanic.FullName
	}
	return ""
}

// Clone returns a deep copy so callers cannot mutate store-held state.
func (u *CurrentUser) Clone() *CurrentUser {
	if u == nil {
		return nil
	}
	out := &CurrentUser{Role: u.Role}
	if u.Customer != nil {
		c := *u.Customer
		c.Latitude, c.Longitude = copyFloat(c.Latitude), copyFloat(c.Longitude)
		out.Customer = &c
	}
	if u.Mechanic != nil {
		m := *u.Mechanic
		m.Latitude, m.Longitude = copyFloat(m.Latitude), copyFloat(m.Longitude)
		out.Mechanic = &m
	}
	return out
}

func locationOf(lat, lng *float64) (Location, bool) {
	if lat == nil || lng == nil {
		return Location{}, false
	}
	return Location{Latitude: *lat, Longitude: *lng}, true
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func floatOrNil(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func timeOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
