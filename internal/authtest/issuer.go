package authtest

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/nkiryanov/therapyclient/internal/models"
)

const (
	defaultAccessTTL     = 15 * time.Minute
	defaultRefreshTTL    = 24 * time.Hour
	defaultSigningMethod = "HS256"
)

var (
	ErrRefreshNotFound = errors.New("refresh token not found")
	ErrRefreshUsed     = errors.New("refresh token already used")
	ErrRefreshExpired  = errors.New("refresh token expired")
)

type accessClaims struct {
	jwt.RegisteredClaims
	Email    string   `json:"email,omitempty"`
	Username string   `json:"username,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

type IssuerConfig struct {
	// Secret key to sign access token. Random one is generated if empty
	SecretKey string

	// Access and refresh token lifetimes
	// If not set than default is used
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

type refreshEntry struct {
	subject   string
	expiresAt time.Time
	used      bool
}

// Issuer mints token pairs the way the booking backend does:
// signed JWT access tokens and opaque single use refresh tokens
type Issuer struct {
	key        []byte
	alg        jwt.SigningMethod
	accessTTL  time.Duration
	refreshTTL time.Duration

	mu       sync.Mutex
	refresh  map[string]*refreshEntry
	issuedID []string
}

func NewIssuer(cfg IssuerConfig) (*Issuer, error) {
	key := []byte(cfg.SecretKey)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("error while generating secret key. Err: %w", err)
		}
	}

	setDefaultDuration := func(field *time.Duration, def time.Duration) {
		if *field == 0 {
			*field = def
		}
	}
	setDefaultDuration(&cfg.AccessTTL, defaultAccessTTL)
	setDefaultDuration(&cfg.RefreshTTL, defaultRefreshTTL)

	return &Issuer{
		key:        key,
		alg:        jwt.GetSigningMethod(defaultSigningMethod),
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		refresh:    make(map[string]*refreshEntry),
	}, nil
}

// Encode signs claims as is. Zero IssuedAt is set to now
func (i *Issuer) Encode(c models.Claims) (string, error) {
	if c.IssuedAt.IsZero() {
		c.IssuedAt = time.Now()
	}

	id := uuid.NewString()
	token := jwt.NewWithClaims(i.alg, accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id,
			Subject:   c.SubjectID,
			IssuedAt:  jwt.NewNumericDate(c.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(c.ExpiresAt),
		},
		Email:    c.Email,
		Username: c.Username,
		Roles:    c.Roles,
	})

	signed, err := token.SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("error while signing access token. Err: %w", err)
	}

	i.mu.Lock()
	i.issuedID = append(i.issuedID, id)
	i.mu.Unlock()

	return signed, nil
}

// EncodeMap signs arbitrary claims. Useful to produce tokens other backends would issue
func (i *Issuer) EncodeMap(claims jwt.MapClaims) (string, error) {
	return jwt.NewWithClaims(i.alg, claims).SignedString(i.key)
}

// IssuePair creates access token for user valid for accessTTL (issuer default if zero) and new refresh token
func (i *Issuer) IssuePair(u User, accessTTL time.Duration) (models.TokenPair, error) {
	if accessTTL == 0 {
		accessTTL = i.accessTTL
	}
	now := time.Now().Truncate(time.Second)

	access, err := i.Encode(models.Claims{
		SubjectID: u.ID.String(),
		Email:     u.Email,
		Username:  u.Username,
		Roles:     u.Roles,
		IssuedAt:  now,
		ExpiresAt: now.Add(accessTTL),
	})
	if err != nil {
		return models.TokenPair{}, err
	}

	// Generate random refresh token 16 bytes length
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return models.TokenPair{}, fmt.Errorf("error while generate refresh token. Err: %w", err)
	}
	refresh := hex.EncodeToString(b)

	i.mu.Lock()
	i.refresh[refresh] = &refreshEntry{subject: u.ID.String(), expiresAt: now.Add(i.refreshTTL)}
	i.mu.Unlock()

	return models.TokenPair{Access: access, Refresh: refresh}, nil
}

// UseRefresh returns token subject and marks token used.
// If rotate is false token stays usable
func (i *Issuer) UseRefresh(refresh string, rotate bool) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	entry, ok := i.refresh[refresh]
	switch {
	case !ok:
		return "", ErrRefreshNotFound
	case entry.used:
		return "", ErrRefreshUsed
	case entry.expiresAt.Before(time.Now()):
		return "", ErrRefreshExpired
	}

	if rotate {
		entry.used = true
	}
	return entry.subject, nil
}

// ParseAccess verifies signature and expiration of access token
func (i *Issuer) ParseAccess(access string) (id string, subject string, err error) {
	claims := &accessClaims{}

	_, err = jwt.ParseWithClaims(
		access,
		claims,
		func(t *jwt.Token) (any, error) {
			return i.key, nil
		},
		jwt.WithValidMethods([]string{i.alg.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", "", fmt.Errorf("error while parsing or validating token. Err: %w", err)
	}

	return claims.ID, claims.Subject, nil
}

// Ids of every access token issued so far
func (i *Issuer) issuedIDs() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.issuedID...)
}
