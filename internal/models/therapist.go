package models

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Therapist struct {
	ID              uuid.UUID       `json:"id"`
	FirstName       string          `json:"firstName"`
	LastName        string          `json:"lastName"`
	Specializations []string        `json:"specializations"`
	HourlyRate      decimal.Decimal `json:"hourlyRate"`
}

func (t Therapist) FullName() string {
	return t.FirstName + " " + t.LastName
}

type Profile struct {
	ID       uuid.UUID `json:"id"`
	Email    string    `json:"email"`
	Username string    `json:"username"`
	Roles    []string  `json:"roles"`
}
