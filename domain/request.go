package domain

import "time"

type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusAccepted   RequestStatus = "accepted"
	StatusRejected   RequestStatus = "rejected"
	StatusInProgress RequestStatus = "in_progress"
	StatusCompleted  RequestStatus = "completed"
	StatusCancelled  RequestStatus = "cancelled"
)

type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentRefunded PaymentStatus = "refunded"
)

// ServiceRequest is a customer's request for help from a mechanic.
// Customer and Mechanic hold the counterpart profile attached for display;
// they never travel to the remote service.
type ServiceRequest struct {
	ID               string        `json:"id"`
	CustomerID       string        `json:"customer_id"`
	MechanicID       string        `json:"mechanic_id"`
	CarType          string        `json:"car_type"`
	ServiceType      string        `json:"service_type"`
	Description      string        `json:"description"`
	Status           RequestStatus `json:"status"`
	Urgency          Urgency       `json:"urgency"`
	PaymentStatus    PaymentStatus `json:"payment_status"`
	Latitude         *float64      `json:"latitude,omitempty"`
	Longitude        *float64      `json:"longitude,omitempty"`
	EstimatedCost    *float64      `json:"estimated_cost,omitempty"`
	FinalCost        *float64      `json:"final_cost,omitempty"`
	CustomerNotes    string        `json:"customer_notes,omitempty"`
	MechanicNotes    string        `json:"mechanic_notes,omitempty"`
	MechanicArrived  bool          `json:"mechanic_arrived"`
	ServiceCompleted bool          `json:"service_completed"`
	CreatedAt        time.Time     `json:"created_at"`
	AcceptedAt       *time.Time    `json:"accepted_at,omitempty"`
	CompletedAt      *time.Time    `json:"completed_at,omitempty"`

	Customer *Profile `json:"customer,omitempty"`
	Mechanic *Profile `json:"mechanic,omitempty"`
}

func (r *ServiceRequest) Key() string      { return r.ID }
func (r *ServiceRequest) SetKey(id string) { r.ID = id }

// Row renders the request as a requests row, without the attached profiles.
func (r ServiceRequest) Row() Row {
	return Row{
		"id":                r.ID,
		"customer_id":       r.CustomerID,
		"mechanic_id":       r.MechanicID,
		"car_type":          r.CarType,
		"service_type":      r.ServiceType,
		"description":       r.Description,
		"status":            string(r.Status),
		"urgency":           string(r.Urgency),
		"payment_status":    string(r.PaymentStatus),
		"latitude":          floatOrNil(r.Latitude),
		"longitude":         floatOrNil(r.Longitude),
		"estimated_cost":    floatOrNil(r.EstimatedCost),
		"final_cost":        floatOrNil(r.FinalCost),
		"customer_notes":    r.CustomerNotes,
		"mechanic_notes":    r.MechanicNotes,
		"mechanic_arrived":  r.MechanicArrived,
		"service_completed": r.ServiceCompleted,
		"created_at":        r.CreatedAt,
		"accepted_at":       timeOrNil(r.AcceptedAt),
		"completed_at":      timeOrNil(r.CompletedAt),
	}
}

// Counterpart returns the profile of the other party relative to role.
func (r ServiceRequest) Counterpart(role Role) *Profile {
	if role == RoleMechanic {
		return r.Customer
	}
	return r.Mechanic
}
