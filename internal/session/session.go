// Package session keeps the in-memory view of who is logged in.
//
// State is derived from the token store and recomputed after every write to
// it. Readers get immutable snapshots; watchers subscribe to a channel of
// snapshots, one per session change.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/nkiryanov/therapyclient/internal/clock"
	"github.com/nkiryanov/therapyclient/internal/logger"
	"github.com/nkiryanov/therapyclient/internal/models"
	"github.com/nkiryanov/therapyclient/internal/token"
	"github.com/nkiryanov/therapyclient/internal/tokenstore"
)

type Event string

const (
	EventRestored       Event = "restored"
	EventLoggedIn       Event = "logged_in"
	EventRefreshed      Event = "refreshed"
	EventLoggedOut      Event = "logged_out"
	EventSessionExpired Event = "session_expired"
)

// Snapshot of the session at ComputedAt.
// CurrentUser is set only if access token was present, decodable and not expired at that moment
type Snapshot struct {
	AccessToken  string
	RefreshToken string
	CurrentUser  *models.UserInfo
	ComputedAt   time.Time
	Event        Event
}

// IsAuthenticated does not check expiry again, use State.IsTokenValid for a live check
func (s Snapshot) IsAuthenticated() bool {
	return s.AccessToken != "" && s.CurrentUser != nil
}

func (s Snapshot) empty() bool {
	return s.AccessToken == "" && s.RefreshToken == "" && s.CurrentUser == nil
}

type State struct {
	store  tokenstore.Store
	clock  clock.Clock
	logger logger.Logger

	// Serializes recompute and reset so snapshots are applied in store order
	update sync.Mutex

	mu      sync.RWMutex
	current Snapshot
	subs    map[int]chan Snapshot
	nextSub int
}

func New(store tokenstore.Store, c clock.Clock, l logger.Logger) *State {
	if c == nil {
		c = clock.SystemClock{}
	}
	if l == nil {
		l = logger.NewNoOpLogger()
	}

	return &State{
		store:  store,
		clock:  c,
		logger: l,
		subs:   make(map[int]chan Snapshot),
	}
}

// Recompute snapshot from the store and notify watchers with event.
// Store read and decode failures are logged and treated as absent tokens
func (s *State) Recompute(ctx context.Context, event Event) Snapshot {
	s.update.Lock()
	defer s.update.Unlock()

	snap := Snapshot{
		AccessToken:  s.read(ctx, tokenstore.AccessTokenKey),
		RefreshToken: s.read(ctx, tokenstore.RefreshTokenKey),
		ComputedAt:   s.clock.Now(),
		Event:        event,
	}

	if snap.AccessToken != "" {
		claims, err := token.Decode(snap.AccessToken)
		switch {
		case err != nil:
			s.logger.Ctx(ctx).Warn("Stored access token could not be decoded", "error", err)
		case token.IsExpired(claims, snap.ComputedAt):
			s.logger.Ctx(ctx).Debug("Stored access token expired", "expires_at", claims.ExpiresAt)
		default:
			snap.CurrentUser = models.NewUserInfo(claims)
		}
	}

	s.apply(snap)
	return snap
}

// Reset to logged out snapshot. Watchers are notified only if the session actually changed
func (s *State) Reset(event Event) bool {
	s.update.Lock()
	defer s.update.Unlock()

	s.mu.RLock()
	wasEmpty := s.current.empty()
	s.mu.RUnlock()

	if wasEmpty {
		return false
	}

	s.apply(Snapshot{ComputedAt: s.clock.Now(), Event: event})
	return true
}

func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *State) CurrentUser() *models.UserInfo {
	return s.Snapshot().CurrentUser
}

func (s *State) IsAuthenticated() bool {
	return s.Snapshot().IsAuthenticated()
}

// IsTokenValid checks the current user token against the clock now
func (s *State) IsTokenValid() bool {
	u := s.CurrentUser()
	return u != nil && s.clock.Now().Before(u.ExpiresAt)
}

// Subscribe to snapshot changes. Slow watchers miss snapshots once buffer is full.
// Call cancel to stop watching; the channel is closed then
func (s *State) Subscribe(buffer int) (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, buffer)

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if _, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(ch)
			}
		})
	}

	return ch, cancel
}

// Close every watcher channel
func (s *State) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}

func (s *State) apply(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = snap
	for _, ch := range s.subs {
		select {
		case ch <- snap:
		default:
			s.logger.Warn("Session watcher is too slow, snapshot dropped", "event", snap.Event)
		}
	}
}

func (s *State) read(ctx context.Context, key string) string {
	value, ok, err := s.store.Get(ctx, key)
	if err != nil {
		s.logger.Error("Token store read failed", "key", key, "error", err)
		return ""
	}
	if !ok {
		return ""
	}
	return value
}
