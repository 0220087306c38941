// Package token decodes access tokens on the client side.
//
// The client never holds signing keys: tokens are parsed without signature
// verification and used only to learn who the user is and when the token
// stops being usable. The backend stays the authority on validity.
package token

import (
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nkiryanov/therapyclient/internal/apperrors"
	"github.com/nkiryanov/therapyclient/internal/models"
)

// Claims as they appear in the token payload.
// ClaimStrings accepts both a single string and an array
type accessClaims struct {
	jwt.RegisteredClaims
	Email      string           `json:"email,omitempty"`
	Username   string           `json:"username,omitempty"`
	UniqueName string           `json:"unique_name,omitempty"`
	Role       jwt.ClaimStrings `json:"role,omitempty"`
	Roles      jwt.ClaimStrings `json:"roles,omitempty"`
}

var parser = jwt.NewParser()

// Decode parses token into claims.
// Returned error always wraps apperrors.ErrDecode
func Decode(token string) (models.Claims, error) {
	var claims accessClaims

	if token == "" {
		return models.Claims{}, fmt.Errorf("empty token: %w", apperrors.ErrDecode)
	}

	_, _, err := parser.ParseUnverified(token, &claims)
	if err != nil {
		return models.Claims{}, fmt.Errorf("%w: %w", apperrors.ErrDecode, err)
	}

	switch {
	case claims.Subject == "":
		return models.Claims{}, fmt.Errorf("claim 'sub' is missing: %w", apperrors.ErrDecode)
	case claims.ExpiresAt == nil:
		return models.Claims{}, fmt.Errorf("claim 'exp' is missing: %w", apperrors.ErrDecode)
	}

	username := claims.Username
	if username == "" {
		username = claims.UniqueName
	}

	var issuedAt time.Time
	if claims.IssuedAt != nil {
		issuedAt = claims.IssuedAt.Time
	}

	return models.Claims{
		SubjectID: claims.Subject,
		Email:     claims.Email,
		Username:  username,
		Roles:     normalizeRoles(claims.Role, claims.Roles),
		IssuedAt:  issuedAt,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Merge 'role' and 'roles' into one list without duplicates, order preserved
func normalizeRoles(lists ...jwt.ClaimStrings) []string {
	var roles []string
	for _, list := range lists {
		for _, role := range list {
			if role != "" && !slices.Contains(roles, role) {
				roles = append(roles, role)
			}
		}
	}
	return roles
}

// IsExpired reports whether token is unusable at now.
// The token is expired exactly at its expiry instant
func IsExpired(c models.Claims, now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// IsExpiringSoon reports whether token expires within window from now
func IsExpiringSoon(c models.Claims, now time.Time, window time.Duration) bool {
	return !now.Add(window).Before(c.ExpiresAt)
}
