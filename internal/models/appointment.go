package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	AppointmentStatusScheduled = "Scheduled"
	AppointmentStatusCompleted = "Completed"
	AppointmentStatusCancelled = "Cancelled"
)

type Appointment struct {
	ID          uuid.UUID       `json:"id"`
	TherapistID uuid.UUID       `json:"therapistId"`
	ClientID    uuid.UUID       `json:"clientId"`
	StartsAt    time.Time       `json:"startsAt"`
	Duration    int             `json:"durationMinutes"`
	Status      string          `json:"status"`
	Price       decimal.Decimal `json:"price"`
	Notes       string          `json:"notes,omitempty"`
}

// Page of a paginated listing endpoint
type Page[T any] struct {
	Items    []T `json:"items"`
	Page     int `json:"page"`
	PageSize int `json:"pageSize"`
	Total    int `json:"totalCount"`
}

// Request to book an appointment with a therapist
type BookRequest struct {
	TherapistID uuid.UUID `json:"therapistId" validate:"required"`
	StartsAt    time.Time `json:"startsAt" validate:"required"`
	Duration    int       `json:"durationMinutes" validate:"required,min=15,max=180"`
	Notes       string    `json:"notes,omitempty" validate:"max=500"`
}
