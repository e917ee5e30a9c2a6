package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/aadithya-v/gatekeeper/store"
)

const minPasswordLength = 8

// RegisterRequest is the body of a signup.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Plan     Plan   `json:"plan"`
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validPlan(p Plan) bool {
	switch p {
	case PlanBasic, PlanStandard, PlanPremium:
		return true
	}
	return false
}

// Register creates a user. The plan defaults to BASIC.
func (g *Gatekeeper) Register(ctx context.Context, req RegisterRequest) (*store.User, error) {
	email := normalizeEmail(req.Email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: a valid email is required", ErrInvalidInput)
	}
	if len(req.Password) < minPasswordLength {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLength)
	}
	if req.Plan == "" {
		req.Plan = PlanBasic
	}
	if !validPlan(req.Plan) {
		return nil, fmt.Errorf("%w: unknown plan %q", ErrInvalidInput, req.Plan)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), g.config.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("gatekeeper: hash password: %w", err)
	}

	user := &store.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: string(hash),
		Plan:         string(req.Plan),
		CreatedAt:    g.config.Now(),
	}
	if err := g.repo.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("gatekeeper: create user: %w", err)
	}

	g.logger.Info().Str("user_id", user.ID).Str("plan", user.Plan).Msg("user registered")
	return user, nil
}

// ChangePassword replaces the user's password after checking the current one.
// The change is stamped so that a new device shortly after raises an alert.
func (g *Gatekeeper) ChangePassword(ctx context.Context, userID, current, next string) error {
	user, err := g.repo.UserByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrInvalidCredentials
	}
	if err != nil {
		return fmt.Errorf("gatekeeper: lookup user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(current)); err != nil {
		return ErrInvalidCredentials
	}
	if len(next) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(next), g.config.BcryptCost)
	if err != nil {
		return fmt.Errorf("gatekeeper: hash password: %w", err)
	}
	if err := g.repo.UpdatePassword(ctx, userID, string(hash), g.config.Now()); err != nil {
		return fmt.Errorf("gatekeeper: update password: %w", err)
	}
	return nil
}

// Authenticate resolves a session token to its live session and refreshes
// the session's last activity.
func (g *Gatekeeper) Authenticate(ctx context.Context, token string) (*Session, error) {
	claims, err := g.tokens.Parse(token)
	if err != nil {
		return nil, err
	}

	ok, err := g.sessions.Validate(ctx, claims.Subject, claims.DeviceID, token)
	if err != nil {
		return nil, fmt.Errorf("gatekeeper: validate session: %w", err)
	}
	if !ok {
		// The session was evicted, terminated or replaced by a newer login.
		return nil, ErrSessionNotFound
	}

	if err := g.sessions.TouchActivity(ctx, claims.Subject, claims.DeviceID); err != nil {
		return nil, err
	}
	return g.sessions.Get(ctx, claims.Subject, claims.DeviceID)
}

// Logout ends the session the token belongs to.
func (g *Gatekeeper) Logout(ctx context.Context, token string) error {
	s, err := g.Authenticate(ctx, token)
	if err != nil {
		return err
	}
	return g.sessions.Delete(ctx, s.UserID, s.DeviceID)
}

// SessionView is a session as shown to its owner, enriched with what is
// known about the device. The token is never included.
type SessionView struct {
	DeviceID     string          `json:"deviceId"`
	Current      bool            `json:"current"`
	IPAddress    string          `json:"ipAddress"`
	UserAgent    string          `json:"userAgent"`
	Browser      string          `json:"browser,omitempty"`
	OS           string          `json:"os,omitempty"`
	DeviceType   string          `json:"deviceType,omitempty"`
	Trusted      bool            `json:"trusted"`
	FirstSeen    time.Time       `json:"firstSeen,omitempty"`
	TrustScore   *TrustSummary   `json:"trustScore,omitempty"`
	Location     *LocationRecord `json:"location,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	LastActivity time.Time       `json:"lastActivity"`
}

// Sessions lists the user's live sessions, oldest first. currentDeviceID
// marks the caller's own session.
func (g *Gatekeeper) Sessions(ctx context.Context, userID, currentDeviceID string) ([]SessionView, error) {
	active, err := g.sessions.ListActive(ctx, userID)
	if err != nil {
		return nil, err
	}

	views := make([]SessionView, 0, len(active))
	for _, s := range active {
		view := SessionView{
			DeviceID:     s.DeviceID,
			Current:      s.DeviceID == currentDeviceID,
			IPAddress:    s.IPAddress,
			UserAgent:    s.UserAgent,
			TrustScore:   &TrustSummary{Score: s.TrustScore, Level: LevelFor(s.TrustScore)},
			Location:     s.Location,
			CreatedAt:    s.CreatedAt,
			LastActivity: s.LastActivity,
		}

		if device, err := g.repo.Device(ctx, userID, s.DeviceID); err == nil {
			view.Browser = device.Browser
			view.OS = device.OS
			view.DeviceType = device.DeviceType
			view.Trusted = device.Trusted
			view.FirstSeen = device.FirstSeen
		} else if !errors.Is(err, store.ErrNotFound) {
			g.logger.Warn().Err(err).Str("device_id", s.DeviceID).Msg("failed to look up device")
		}

		if cached, err := g.trust.Cached(ctx, userID, s.DeviceID); err == nil {
			view.TrustScore = summarize(*cached)
		}
		views = append(views, view)
	}
	return views, nil
}

// TerminateSession ends another of the user's sessions. Terminating the
// session the request comes from is rejected; use Logout for that.
func (g *Gatekeeper) TerminateSession(ctx context.Context, userID, currentDeviceID, targetDeviceID string) error {
	if targetDeviceID == currentDeviceID {
		return ErrCannotTerminateCurrent
	}
	if _, err := g.sessions.Get(ctx, userID, targetDeviceID); err != nil {
		return err
	}
	if err := g.sessions.Delete(ctx, userID, targetDeviceID); err != nil {
		return err
	}
	g.logger.Info().Str("user_id", userID).Str("device_id", targetDeviceID).Msg("session terminated")
	return nil
}
