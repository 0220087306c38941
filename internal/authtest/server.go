// Package authtest runs an in-process booking backend for tests.
//
// The backend issues real signed tokens, rotates single use refresh tokens
// and exposes knobs to slow down or break the refresh endpoint.
package authtest

import (
	"crypto/sha256"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/nkiryanov/therapyclient/internal/logger"
	"github.com/nkiryanov/therapyclient/internal/models"
)

const (
	LoginPath        = "/api/auth/login"
	RegisterPath     = "/api/auth/register"
	RefreshPath      = "/api/auth/refresh"
	ProfilePath      = "/api/profile/me"
	TherapistsPath   = "/api/therapists"
	AppointmentsPath = "/api/appointments"
	EchoPath         = "/api/echo"
)

type User struct {
	ID        uuid.UUID
	Email     string
	Username  string
	Roles     []string
	FirstName string
	LastName  string

	passwordHash []byte
}

func (u User) Profile() models.Profile {
	return models.Profile{ID: u.ID, Email: u.Email, Username: u.Username, Roles: u.Roles}
}

// Request as the backend saw it
type RecordedRequest struct {
	Method        string
	Path          string
	Authorization string
	RequestID     string
}

type Server struct {
	URL string

	srv    *httptest.Server
	issuer *Issuer
	logger logger.Logger

	mu                sync.Mutex
	users             map[string]*User
	therapists        []models.Therapist
	appointments      []models.Appointment
	revoked           map[string]struct{}
	rejectAll         bool
	refreshDelay      time.Duration
	refreshFailStatus int
	keepRefresh       bool
	bearerOnly        bool
	requests          []RecordedRequest

	refreshCalls atomic.Int64
}

// NewServer starts backend and stops it on test cleanup
func NewServer(t testing.TB) *Server {
	t.Helper()

	issuer, err := NewIssuer(IssuerConfig{})
	if err != nil {
		t.Fatalf("issuer could not be created: %v", err)
	}

	s := &Server{
		issuer:     issuer,
		logger:     logger.NewNoOpLogger(),
		users:      make(map[string]*User),
		revoked:    make(map[string]struct{}),
		therapists: seedTherapists(),
	}

	s.srv = httptest.NewServer(s.router())
	s.URL = s.srv.URL
	t.Cleanup(s.srv.Close)

	return s
}

func (s *Server) Issuer() *Issuer {
	return s.issuer
}

// Client without any session handling, talks to the backend directly
func (s *Server) Client() *http.Client {
	return s.srv.Client()
}

// AddUser registers user with password. Username is the local part of email
func (s *Server) AddUser(t testing.TB, email string, password string, roles ...string) User {
	t.Helper()

	u, err := s.createUser(models.Registration{
		Email:    email,
		Username: strings.SplitN(email, "@", 2)[0],
		Password: password,
	}, roles)
	if err != nil {
		t.Fatalf("user could not be created: %v", err)
	}
	return u
}

// IssuePair for registered user. Zero accessTTL means issuer default, negative one gives expired access token
func (s *Server) IssuePair(t testing.TB, email string, accessTTL time.Duration) models.TokenPair {
	t.Helper()

	s.mu.Lock()
	u, ok := s.users[email]
	s.mu.Unlock()
	if !ok {
		t.Fatalf("user %s not found", email)
	}

	pair, err := s.issuer.IssuePair(*u, accessTTL)
	if err != nil {
		t.Fatalf("pair could not be issued: %v", err)
	}
	return pair
}

// RevokeAccessTokens makes every access token issued so far rejected even if not expired
func (s *Server) RevokeAccessTokens() {
	ids := s.issuer.issuedIDs()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.revoked[id] = struct{}{}
	}
}

// RejectAll makes protected endpoints answer 401 whatever token is sent
func (s *Server) RejectAll(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectAll = reject
}

func (s *Server) SetRefreshDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshDelay = d
}

// FailRefresh makes refresh endpoint answer with status. Zero restores normal behaviour
func (s *Server) FailRefresh(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshFailStatus = status
}

// KeepRefreshToken disables refresh token rotation: refresh answers with access token only
func (s *Server) KeepRefreshToken(keep bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keepRefresh = keep
}

// BearerOnly makes issuing endpoints send access token in Authorization header instead of X-Access-Token
func (s *Server) BearerOnly(bearer bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bearerOnly = bearer
}

func (s *Server) RefreshCalls() int {
	return int(s.refreshCalls.Load())
}

// Requests recorded for path. Empty path returns all of them
func (s *Server) Requests(path string) []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []RecordedRequest
	for _, r := range s.requests {
		if path == "" || r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

func (s *Server) Therapists() []models.Therapist {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Therapist(nil), s.therapists...)
}

func (s *Server) router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.recorderMiddleware)

	r.HandleFunc(LoginPath, s.login).Methods(http.MethodPost)
	r.HandleFunc(RegisterPath, s.register).Methods(http.MethodPost)
	r.HandleFunc(RefreshPath, s.refresh).Methods(http.MethodPost)

	protected := r.NewRoute().Subrouter()
	protected.Use(s.authMiddleware)
	protected.HandleFunc(ProfilePath, s.me).Methods(http.MethodGet)
	protected.HandleFunc(TherapistsPath, s.listTherapists).Methods(http.MethodGet)
	protected.HandleFunc(AppointmentsPath, s.listAppointments).Methods(http.MethodGet)
	protected.HandleFunc(AppointmentsPath, s.bookAppointment).Methods(http.MethodPost)
	protected.HandleFunc(AppointmentsPath+"/{id}", s.cancelAppointment).Methods(http.MethodDelete)
	protected.HandleFunc(EchoPath, s.echo).Methods(http.MethodPost, http.MethodPut)

	return r
}

func (s *Server) createUser(reg models.Registration, roles []string) (User, error) {
	// Passwords hashed the way the backend does: sha256 first to overcome bcrypt 72 bytes limit
	sum := sha256.Sum256([]byte(reg.Password))
	hash, err := bcrypt.GenerateFromPassword(sum[:], bcrypt.MinCost)
	if err != nil {
		return User{}, err
	}

	if len(roles) == 0 {
		roles = []string{"Client"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[reg.Email]; ok {
		return User{}, errUserExists
	}

	u := &User{
		ID:           uuid.New(),
		Email:        reg.Email,
		Username:     reg.Username,
		Roles:        roles,
		FirstName:    reg.FirstName,
		LastName:     reg.LastName,
		passwordHash: hash,
	}
	s.users[u.Email] = u
	return *u, nil
}

func (s *Server) authenticate(email string, password string) (User, bool) {
	s.mu.Lock()
	u, ok := s.users[email]
	s.mu.Unlock()
	if !ok {
		return User{}, false
	}

	sum := sha256.Sum256([]byte(password))
	if bcrypt.CompareHashAndPassword(u.passwordHash, sum[:]) != nil {
		return User{}, false
	}
	return *u, true
}

func (s *Server) userByID(id string) (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.ID.String() == id {
			return *u, true
		}
	}
	return User{}, false
}

func seedTherapists() []models.Therapist {
	return []models.Therapist{
		{ID: uuid.New(), FirstName: "Anna", LastName: "Berg", Specializations: []string{"CBT", "Anxiety"}, HourlyRate: decimal.RequireFromString("90")},
		{ID: uuid.New(), FirstName: "Omar", LastName: "Haddad", Specializations: []string{"Family"}, HourlyRate: decimal.RequireFromString("120")},
		{ID: uuid.New(), FirstName: "Lena", LastName: "Novak", Specializations: []string{"Trauma", "EMDR"}, HourlyRate: decimal.RequireFromString("105.50")},
	}
}
