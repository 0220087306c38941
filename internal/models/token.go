package models

import (
	"time"
)

// Claims decoded from an access token
type Claims struct {
	SubjectID string
	Email     string
	Username  string
	Roles     []string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Pair of tokens as issued by the backend on login, registration or refresh.
// Refresh may be empty when the backend does not rotate it
type TokenPair struct {
	Access  string
	Refresh string
}
