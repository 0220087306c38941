package models

import (
	"slices"
	"time"
)

// User as seen by the client, derived from access token claims
type UserInfo struct {
	ID        string
	Email     string
	Username  string
	Roles     []string
	ExpiresAt time.Time
}

func NewUserInfo(c Claims) *UserInfo {
	return &UserInfo{
		ID:        c.SubjectID,
		Email:     c.Email,
		Username:  c.Username,
		Roles:     slices.Clone(c.Roles),
		ExpiresAt: c.ExpiresAt,
	}
}

func (u *UserInfo) HasRole(role string) bool {
	return slices.Contains(u.Roles, role)
}

type Credentials struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type Registration struct {
	Email     string `json:"email" validate:"required,email"`
	Username  string `json:"username" validate:"required,min=2,max=50"`
	Password  string `json:"password" validate:"required,min=8"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
}
