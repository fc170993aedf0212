package service

import (
	"errors"
	"reflect"
	"strings"

	"fadedreams/autofix/domain"

	"github.com/go-playground/validator/v10"
)

// CustomerSignup is the customer registration form. Password is checked but
// never stored; authentication happens elsewhere.
type CustomerSignup struct {
	FullName     string           `json:"full_name" validate:"required"`
	Phone        string           `json:"phone" validate:"required"`
	Email        string           `json:"email" validate:"required,email"`
	Password     string           `json:"password" validate:"required,min=6"`
	CarType      string           `json:"car_type" validate:"required"`
	LicensePlate string           `json:"license_plate"`
	Location     *domain.Location `json:"location"`
	Avatar       []byte           `json:"avatar,omitempty"`
}

type MechanicSignup struct {
	FullName    string           `json:"full_name" validate:"required"`
	Phone       string           `json:"phone" validate:"required"`
	Email       string           `json:"email" validate:"required,email"`
	Password    string           `json:"password" validate:"required,min=6"`
	ServiceType string           `json:"service_type" validate:"required"`
	Description string           `json:"description"`
	HourlyRate  float64          `json:"hourly_rate" validate:"gte=0"`
	Experience  int              `json:"experience" validate:"gte=0"`
	Location    *domain.Location `json:"location"`
	Avatar      []byte           `json:"avatar,omitempty"`
}

type RequestForm struct {
	MechanicID    string           `json:"mechanic_id" validate:"required"`
	ServiceType   string           `json:"service_type" validate:"required"`
	Description   string           `json:"description"`
	CarType       string           `json:"car_type"`
	Urgency       domain.Urgency   `json:"urgency" validate:"omitempty,oneof=low medium high"`
	EstimatedCost *float64         `json:"estimated_cost" validate:"omitempty,gte=0"`
	CustomerNotes string           `json:"customer_notes"`
	Location      *domain.Location `json:"location"`
}

type ReviewForm struct {
	RequestID string `json:"request_id" validate:"required"`
	Rating    int    `json:"rating" validate:"required,min=1,max=5"`
	Comment   string `json:"comment" validate:"max=500"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

var fieldLabels = map[string]string{
	"full_name":    "Full name",
	"phone":        "Phone number",
	"email":        "Email",
	"password":     "Password",
	"car_type":     "Car type",
	"service_type": "Service type",
	"mechanic_id":  "Mechanic",
	"request_id":   "Request",
	"rating":       "Rating",
}

func label(field string) string {
	if l, ok := fieldLabels[field]; ok {
		return l
	}
	return strings.ReplaceAll(field, "_", " ")
}

// validateForm checks form and reports the first failure as a user-facing
// validation error.
func (s *Service) validateForm(op string, form any) error {
	err := s.validate.Struct(form)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return domain.ValidationError(op, "Invalid input data")
	}
	fe := verrs[0]
	field := label(fe.Field())
	var message string
	switch fe.Tag() {
	case "required":
		message = field + " is required"
	case "email":
		message = field + " must be a valid email address"
	case "min":
		if fe.Kind() == reflect.String {
			message = field + " must be at least " + fe.Param() + " characters"
		} else {
			message = field + " must be at least " + fe.Param()
		}
	case "max":
		message = field + " must be at most " + fe.Param()
	case "oneof":
		message = field + " must be one of: " + fe.Param()
	case "gte":
		message = field + " must not be negative"
	default:
		message = field + " is invalid"
	}
	return domain.ValidationError(op, message)
}
