package gatekeeper

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aadithya-v/gatekeeper/store"
)

// Plan is a subscription tier.
type Plan string

const (
	PlanBasic    Plan = "BASIC"
	PlanStandard Plan = "STANDARD"
	PlanPremium  Plan = "PREMIUM"
)

// MaxSessions returns the concurrent session limit of the plan.
// Unknown plans get the BASIC limit.
func (p Plan) MaxSessions() int {
	switch p {
	case PlanStandard:
		return 2
	case PlanPremium:
		return 4
	default:
		return 1
	}
}

// Session represents an active (user, device) binding.
type Session struct {
	UserID       string          `json:"user_id"`
	DeviceID     string          `json:"device_id"`
	Token        string          `json:"token"`
	IPAddress    string          `json:"ip_address"`
	UserAgent    string          `json:"user_agent"`
	TrustScore   int             `json:"trust_score"`
	Location     *LocationRecord `json:"location,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	LastActivity time.Time       `json:"last_activity"`
}

// ExpiresAt returns the time when this session expires.
func (s *Session) ExpiresAt(ttl time.Duration) time.Time {
	return s.CreatedAt.Add(ttl)
}

// SessionRegistry tracks active sessions in a keyed store. Each session
// lives under its own key with a TTL fixed at creation; a per-user set of
// device ids indexes them.
type SessionRegistry struct {
	store  store.KeyedStore
	ttl    time.Duration
	now    func() time.Time
	logger zerolog.Logger
	locks  *keyedMutex
}

// NewSessionRegistry creates a registry whose sessions expire ttl after creation.
func NewSessionRegistry(s store.KeyedStore, ttl time.Duration, now func() time.Time, logger zerolog.Logger) *SessionRegistry {
	if now == nil {
		now = time.Now
	}
	return &SessionRegistry{
		store:  s,
		ttl:    ttl,
		now:    now,
		logger: logger.With().Str("component", "sessions").Logger(),
		locks:  newKeyedMutex(),
	}
}

// Create stores the session, replacing any session for the same device.
// CreatedAt and LastActivity default to now.
func (r *SessionRegistry) Create(ctx context.Context, s *Session) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = r.now()
	}
	if s.LastActivity.IsZero() {
		s.LastActivity = s.CreatedAt
	}

	if err := setJSON(ctx, r.store, keySession(s.UserID, s.DeviceID), s, r.ttl); err != nil {
		return fmt.Errorf("gatekeeper: save session: %w", err)
	}
	if _, err := r.store.SAdd(ctx, keyUserSessions(s.UserID), r.ttl, s.DeviceID); err != nil {
		return fmt.Errorf("gatekeeper: index session: %w", err)
	}
	if _, err := r.store.SAdd(ctx, keyActiveUsers, 0, s.UserID); err != nil {
		return fmt.Errorf("gatekeeper: index session user: %w", err)
	}
	return nil
}

// Get returns the session for (userID, deviceID), or ErrSessionNotFound.
func (r *SessionRegistry) Get(ctx context.Context, userID, deviceID string) (*Session, error) {
	s, err := getJSON[Session](ctx, r.store, keySession(userID, deviceID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if !r.now().Before(s.ExpiresAt(r.ttl)) {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// ListActive returns the user's live sessions, oldest first. Index entries
// whose session has expired or vanished are removed on the way.
func (r *SessionRegistry) ListActive(ctx context.Context, userID string) ([]*Session, error) {
	sessions, stale, err := r.list(ctx, userID)
	if err != nil {
		return nil, err
	}

	if len(stale) > 0 {
		if err := r.store.SRem(ctx, keyUserSessions(userID), stale...); err != nil {
			r.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to prune session index")
		}
	}
	if len(sessions) == 0 {
		if err := r.store.SRem(ctx, keyActiveUsers, userID); err != nil {
			r.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to prune active users")
		}
	}
	return sessions, nil
}

// Live returns the same sessions as ListActive but leaves the indexes
// untouched.
func (r *SessionRegistry) Live(ctx context.Context, userID string) ([]*Session, error) {
	sessions, _, err := r.list(ctx, userID)
	return sessions, err
}

// list resolves the user's session index into live sessions, oldest first,
// and the device ids whose entries are stale.
func (r *SessionRegistry) list(ctx context.Context, userID string) ([]*Session, []string, error) {
	deviceIDs, err := r.store.SMembers(ctx, keyUserSessions(userID))
	if err != nil {
		return nil, nil, fmt.Errorf("gatekeeper: list sessions: %w", err)
	}

	sessions := make([]*Session, 0, len(deviceIDs))
	var stale []string
	for _, deviceID := range deviceIDs {
		s, err := r.Get(ctx, userID, deviceID)
		if errors.Is(err, ErrSessionNotFound) {
			stale = append(stale, deviceID)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		sessions = append(sessions, s)
	}

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].DeviceID < sessions[j].DeviceID
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions, stale, nil
}

// Delete removes the session. Deleting a missing session is not an error.
func (r *SessionRegistry) Delete(ctx context.Context, userID, deviceID string) error {
	if err := r.store.Delete(ctx, keySession(userID, deviceID)); err != nil {
		return fmt.Errorf("gatekeeper: delete session: %w", err)
	}
	if err := r.store.SRem(ctx, keyUserSessions(userID), deviceID); err != nil {
		return fmt.Errorf("gatekeeper: unindex session: %w", err)
	}
	return nil
}

// TouchActivity moves LastActivity forward to now. CreatedAt, the token and
// the expiry are left unchanged.
func (r *SessionRegistry) TouchActivity(ctx context.Context, userID, deviceID string) error {
	s, err := r.Get(ctx, userID, deviceID)
	if err != nil {
		return err
	}

	now := r.now()
	if now.After(s.LastActivity) {
		s.LastActivity = now
	}
	remaining := s.ExpiresAt(r.ttl).Sub(now)
	if remaining <= 0 {
		return ErrSessionNotFound
	}
	return setJSON(ctx, r.store, keySession(userID, deviceID), s, remaining)
}

// Validate reports whether a live session exists for (userID, deviceID)
// and carries token.
func (r *SessionRegistry) Validate(ctx context.Context, userID, deviceID, token string) (bool, error) {
	s, err := r.Get(ctx, userID, deviceID)
	if errors.Is(err, ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) == 1, nil
}

// Enforce evicts the user's oldest sessions, by creation time, until a new
// session for deviceID fits within the plan's limit. A session already held
// by deviceID is not counted since creating it again replaces it.
// It returns the evicted sessions.
func (r *SessionRegistry) Enforce(ctx context.Context, userID, deviceID string, plan Plan) ([]*Session, error) {
	active, err := r.ListActive(ctx, userID)
	if err != nil {
		return nil, err
	}

	others := active[:0]
	for _, s := range active {
		if s.DeviceID != deviceID {
			others = append(others, s)
		}
	}

	var evicted []*Session
	for limit := plan.MaxSessions(); len(others) >= limit; {
		oldest := others[0]
		if err := r.Delete(ctx, oldest.UserID, oldest.DeviceID); err != nil {
			return evicted, err
		}
		r.logger.Info().
			Str("user_id", userID).
			Str("device_id", oldest.DeviceID).
			Str("plan", string(plan)).
			Msg("session evicted by plan limit")
		evicted = append(evicted, oldest)
		others = others[1:]
	}
	return evicted, nil
}

// CreateWithLimit runs Enforce and Create under a per-user lock, so logins
// racing within this process cannot exceed the plan's limit.
func (r *SessionRegistry) CreateWithLimit(ctx context.Context, s *Session, plan Plan) ([]*Session, error) {
	unlock := r.locks.Lock(s.UserID)
	defer unlock()

	evicted, err := r.Enforce(ctx, s.UserID, s.DeviceID, plan)
	if err != nil {
		return evicted, err
	}
	return evicted, r.Create(ctx, s)
}

// ActiveUsers returns the ids of users that may hold live sessions.
// Entries are pruned lazily by ListActive.
func (r *SessionRegistry) ActiveUsers(ctx context.Context) ([]string, error) {
	return r.store.SMembers(ctx, keyActiveUsers)
}

// keyedMutex hands out one mutex per key and forgets it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock blocks until key is held and returns the matching unlock func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
