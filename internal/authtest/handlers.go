package authtest

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/nkiryanov/therapyclient/internal/models"
)

var errUserExists = errors.New("user already exists")

const (
	defaultPageSize = 10
	maxPageSize     = 50
)

type authResponse struct {
	Message string         `json:"message"`
	Profile models.Profile `json:"profile"`
}

func (s *Server) setTokens(w http.ResponseWriter, pair models.TokenPair) {
	s.mu.Lock()
	bearerOnly := s.bearerOnly
	s.mu.Unlock()

	if bearerOnly {
		w.Header().Set("Authorization", "Bearer "+pair.Access)
	} else {
		w.Header().Set("X-Access-Token", pair.Access)
	}
	if pair.Refresh != "" {
		w.Header().Set("X-Refresh-Token", pair.Refresh)
	}
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	creds, ok := bindAndValidate[models.Credentials](w, r)
	if !ok {
		return
	}

	u, ok := s.authenticate(creds.Email, creds.Password)
	if !ok {
		renderError(w, "Invalid email or password", http.StatusUnauthorized)
		return
	}

	pair, err := s.issuer.IssuePair(u, 0)
	if err != nil {
		renderError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	s.setTokens(w, pair)
	renderJSON(w, authResponse{Message: "User logged in successfully", Profile: u.Profile()}, http.StatusOK)
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	reg, ok := bindAndValidate[models.Registration](w, r)
	if !ok {
		return
	}

	u, err := s.createUser(reg, nil)
	if err != nil {
		switch {
		case errors.Is(err, errUserExists):
			renderError(w, "User already exists", http.StatusConflict)
		default:
			renderError(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}

	pair, err := s.issuer.IssuePair(u, 0)
	if err != nil {
		renderError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	s.setTokens(w, pair)
	renderJSON(w, authResponse{Message: "User registered successfully", Profile: u.Profile()}, http.StatusCreated)
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	s.refreshCalls.Add(1)

	s.mu.Lock()
	delay, failStatus, keep := s.refreshDelay, s.refreshFailStatus, s.keepRefresh
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	if failStatus != 0 {
		renderError(w, "Refresh failed", failStatus)
		return
	}

	refresh := r.Header.Get("X-Refresh-Token")
	if refresh == "" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		refresh = body.RefreshToken
	}
	if refresh == "" {
		renderError(w, "Refresh token not found", http.StatusUnauthorized)
		return
	}

	subject, err := s.issuer.UseRefresh(refresh, !keep)
	if err != nil {
		renderError(w, err.Error(), http.StatusUnauthorized)
		return
	}

	u, ok := s.userByID(subject)
	if !ok {
		renderError(w, "User not found", http.StatusUnauthorized)
		return
	}

	pair, err := s.issuer.IssuePair(u, 0)
	if err != nil {
		renderError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if keep {
		pair.Refresh = ""
	}

	s.setTokens(w, pair)
	renderJSON(w, struct {
		Message string `json:"message"`
	}{Message: "Tokens refreshed successfully"}, http.StatusOK)
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	renderJSON(w, userFromContext(r.Context()).Profile(), http.StatusOK)
}

func (s *Server) listTherapists(w http.ResponseWriter, r *http.Request) {
	page, size := pageParams(r)
	renderJSON(w, paginate(s.Therapists(), page, size), http.StatusOK)
}

func (s *Server) listAppointments(w http.ResponseWriter, r *http.Request) {
	u := userFromContext(r.Context())
	page, size := pageParams(r)

	s.mu.Lock()
	var own []models.Appointment
	for _, a := range s.appointments {
		if a.ClientID == u.ID {
			own = append(own, a)
		}
	}
	s.mu.Unlock()

	renderJSON(w, paginate(own, page, size), http.StatusOK)
}

func (s *Server) bookAppointment(w http.ResponseWriter, r *http.Request) {
	req, ok := bindAndValidate[models.BookRequest](w, r)
	if !ok {
		return
	}
	u := userFromContext(r.Context())

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := slices.IndexFunc(s.therapists, func(t models.Therapist) bool { return t.ID == req.TherapistID })
	if idx < 0 {
		renderError(w, "Therapist not found", http.StatusNotFound)
		return
	}
	therapist := s.therapists[idx]

	for _, a := range s.appointments {
		if a.TherapistID == req.TherapistID && a.Status == models.AppointmentStatusScheduled && a.StartsAt.Equal(req.StartsAt) {
			renderError(w, "Time slot already booked", http.StatusConflict)
			return
		}
	}

	a := models.Appointment{
		ID:          uuid.New(),
		TherapistID: therapist.ID,
		ClientID:    u.ID,
		StartsAt:    req.StartsAt.UTC(),
		Duration:    req.Duration,
		Status:      models.AppointmentStatusScheduled,
		Price:       therapist.HourlyRate.Mul(decimal.NewFromInt(int64(req.Duration))).Div(decimal.NewFromInt(60)).Round(2),
		Notes:       req.Notes,
	}
	s.appointments = append(s.appointments, a)

	renderJSON(w, a, http.StatusCreated)
}

func (s *Server) cancelAppointment(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		renderError(w, "Invalid appointment id", http.StatusBadRequest)
		return
	}
	u := userFromContext(r.Context())

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, a := range s.appointments {
		if a.ID != id || a.ClientID != u.ID {
			continue
		}
		if a.Status == models.AppointmentStatusCancelled {
			renderError(w, "Appointment already cancelled", http.StatusConflict)
			return
		}
		s.appointments[i].Status = models.AppointmentStatusCancelled
		w.WriteHeader(http.StatusNoContent)
		return
	}

	renderError(w, "Appointment not found", http.StatusNotFound)
}

// Sends request body back, useful to check body replay
func (s *Server) echo(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		renderError(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", r.Header.Get("Content-Type"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func pageParams(r *http.Request) (page int, size int) {
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 1 {
		page = 1
	}
	size, err = strconv.Atoi(r.URL.Query().Get("pageSize"))
	if err != nil || size < 1 {
		size = defaultPageSize
	}
	return page, min(size, maxPageSize)
}

func paginate[T any](items []T, page int, size int) models.Page[T] {
	start := min((page-1)*size, len(items))
	end := min(start+size, len(items))

	return models.Page[T]{
		Items:    append([]T{}, items[start:end]...),
		Page:     page,
		PageSize: size,
		Total:    len(items),
	}
}
