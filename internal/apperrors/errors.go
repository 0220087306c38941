package apperrors

import (
	"errors"
)

var (
	// Access token could not be parsed into the expected claims
	ErrDecode = errors.New("token decode failed")

	ErrNoRefreshToken  = errors.New("no refresh token")
	ErrRefreshNetwork  = errors.New("refresh request failed")
	ErrRefreshRejected = errors.New("refresh rejected")

	// Session could not be renewed; user has to log in again
	ErrSessionExpired = errors.New("session expired, please log in again")

	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidCredentials = errors.New("invalid credentials")

	ErrStoreNotMigrated = errors.New("token store schema is not migrated")
	ErrUnknownStore     = errors.New("unknown token store")
)
