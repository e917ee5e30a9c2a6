package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/aadithya-v/gatekeeper/store"
)

// LoginRequest is the body of a login attempt.
type LoginRequest struct {
	Email       string            `json:"email"`
	Password    string            `json:"password"`
	Fingerprint ClientFingerprint `json:"fingerprint"`
}

// TrustSummary is the part of a trust score shown to the client.
type TrustSummary struct {
	Score int        `json:"score"`
	Level TrustLevel `json:"level"`
}

func summarize(t TrustScore) *TrustSummary {
	return &TrustSummary{Score: t.Score, Level: t.Level}
}

// LoginResult is the outcome of a login that was not rejected. Either Token
// is set, or OTPRequired is true and VerifyOTP must complete the login.
type LoginResult struct {
	Token          string        `json:"token,omitempty"`
	DeviceID       string        `json:"deviceId"`
	TrustScore     *TrustSummary `json:"trustScore,omitempty"`
	ActiveSessions int           `json:"activeSessions,omitempty"`
	MaxSessions    int           `json:"maxSessions,omitempty"`
	EvictedDevices []string      `json:"evictedDevices,omitempty"`
	OTPRequired    bool          `json:"otpRequired,omitempty"`
	Reason         string        `json:"reason,omitempty"`
	Warnings       []string      `json:"warnings,omitempty"`
}

// Login runs one login attempt through the pipeline:
//
//	credentials → fingerprint → spoof check → geo check → trust score →
//	device decision → alert rules → session limit → token
//
// Rejections are returned as errors (ErrInvalidCredentials,
// ErrSuspiciousActivity). An OTP challenge is a result, not an error.
// Writes committed before a cancellation are not rolled back.
func (g *Gatekeeper) Login(ctx context.Context, r *http.Request, req LoginRequest) (*LoginResult, error) {
	fp := g.fingerprints.Generate(r, req.Fingerprint)
	ip := fp.Display.IP
	log := g.logger.With().Str("device_id", fp.DeviceID).Str("ip", ip).Logger()

	// Credentials
	user, err := g.checkCredentials(ctx, req.Email, req.Password, fp.DeviceID)
	if err != nil {
		log.Info().Err(err).Str("email", req.Email).Msg("login rejected")
		return nil, err
	}
	log = log.With().Str("user_id", user.ID).Logger()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Spoofing
	spoof := AssessSpoofing(fp.Components)
	if spoof.Blocked() {
		if err := suspendUser(ctx, g.store, user.ID, "spoofing", g.config.SuspensionDuration); err != nil {
			log.Error().Err(err).Msg("failed to suspend user")
		}
		log.Warn().Int("risk", spoof.RiskScore).Strs("warnings", spoof.Warnings).Msg("spoofed client blocked")
		return nil, &SuspiciousActivityError{Warnings: spoof.Warnings}
	}

	// Geo writes the user's location; trust only reads until Record.
	var (
		geo   GeoCheck
		trust TrustScore
		wg    sync.WaitGroup
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		geo = g.geo.Check(ctx, user.ID, ip)
	}()
	go func() {
		defer wg.Done()
		trust = g.trust.Score(ctx, user.ID, fp.DeviceID, ip)
	}()
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Device lookup happens before anything depends on whether it is new.
	known := g.isKnownDevice(ctx, log, user.ID, fp.DeviceID)

	challenge := otpChallenge{
		DeviceID:   fp.DeviceID,
		Display:    fp.Display,
		TrustScore: trust,
		Location:   geo.Current,
	}

	if geo.Impossible {
		ac := g.alertContext(ctx, log, user, fp.DeviceID, ip, geo, trust, !known)
		g.alerts.Evaluate(ctx, ac)

		challenge.Reason = "impossible travel"
		if err := g.issueOTP(ctx, user, challenge); err != nil {
			return nil, err
		}
		log.Warn().Str("reason", geo.Reason).Msg("login challenged")
		return &LoginResult{
			DeviceID:    fp.DeviceID,
			OTPRequired: true,
			Reason:      geo.Reason,
			Warnings:    spoof.Warnings,
		}, nil
	}

	// Trust score
	g.trust.Record(ctx, user.ID, fp.DeviceID, ip, trust)

	// Device decision
	now := g.config.Now()
	switch {
	case !known && trust.Score < g.config.TrustThreshold:
		challenge.Reason = "new device with low trust"
		if err := g.issueOTP(ctx, user, challenge); err != nil {
			return nil, err
		}
		log.Info().Int("trust", trust.Score).Msg("login challenged")
		return &LoginResult{
			DeviceID:    fp.DeviceID,
			TrustScore:  summarize(trust),
			OTPRequired: true,
			Reason:      challenge.Reason,
			Warnings:    spoof.Warnings,
		}, nil
	case !known:
		err := g.repo.SaveDevice(ctx, &store.Device{
			UserID:     user.ID,
			DeviceID:   fp.DeviceID,
			Trusted:    true,
			Browser:    fp.Display.Browser,
			OS:         fp.Display.OS,
			DeviceType: fp.Display.DeviceType,
			FirstSeen:  now,
			LastSeen:   now,
		})
		if err != nil {
			return nil, fmt.Errorf("gatekeeper: trust device: %w", err)
		}
	default:
		if err := g.repo.TouchDevice(ctx, user.ID, fp.DeviceID, now); err != nil {
			log.Warn().Err(err).Msg("failed to refresh device")
		}
	}

	// Alerts
	ac := g.alertContext(ctx, log, user, fp.DeviceID, ip, geo, trust, !known)
	g.alerts.Evaluate(ctx, ac)
	if err := g.checkSuspended(ctx, user.ID); err != nil {
		log.Warn().Msg("login blocked by alert rule")
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result, err := g.openSession(ctx, user, fp.DeviceID, fp.Display, trust, geo.Current)
	if err != nil {
		return nil, err
	}
	result.Warnings = spoof.Warnings
	return result, nil
}

// checkCredentials verifies the password and that the user is not suspended.
// A wrong password counts as a failed attempt against the device.
func (g *Gatekeeper) checkCredentials(ctx context.Context, email, password, deviceID string) (*store.User, error) {
	user, err := g.repo.UserByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("gatekeeper: lookup user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		if _, err := g.trust.RecordFailedAttempt(ctx, deviceID); err != nil {
			g.logger.Warn().Err(err).Str("device_id", deviceID).Msg("failed to record failed attempt")
		}
		return nil, ErrInvalidCredentials
	}

	if err := g.checkSuspended(ctx, user.ID); err != nil {
		return nil, err
	}
	return user, nil
}

// checkSuspended returns ErrSuspiciousActivity while the user is under a
// temporary block. A store failure does not block the user.
func (g *Gatekeeper) checkSuspended(ctx context.Context, userID string) error {
	suspended, err := isSuspended(ctx, g.store, userID)
	if err != nil {
		g.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to read suspension")
		return nil
	}
	if suspended {
		return ErrSuspiciousActivity
	}
	return nil
}

// isKnownDevice reports whether the user has already trusted the device.
// A repository failure treats the device as unknown.
func (g *Gatekeeper) isKnownDevice(ctx context.Context, log zerolog.Logger, userID, deviceID string) bool {
	device, err := g.repo.Device(ctx, userID, deviceID)
	if errors.Is(err, store.ErrNotFound) {
		return false
	}
	if err != nil {
		log.Warn().Err(err).Msg("failed to look up device")
		return false
	}
	return device.Trusted
}

// alertContext gathers what the rules inspect. Lookups that fail leave their
// field at zero.
func (g *Gatekeeper) alertContext(
	ctx context.Context,
	log zerolog.Logger,
	user *store.User,
	deviceID, ip string,
	geo GeoCheck,
	trust TrustScore,
	isNewDevice bool,
) *AlertContext {
	plan := Plan(user.Plan)
	ac := &AlertContext{
		UserID:      user.ID,
		Email:       user.Email,
		DeviceID:    deviceID,
		IPAddress:   ip,
		Geo:         geo,
		Trust:       trust,
		Location:    geo.Current,
		IsNewDevice: isNewDevice,
		MaxSessions: plan.MaxSessions(),
		IsVPN:       IsPrivateIP(ip),
		PasswordChanged: !user.PasswordChangedAt.IsZero() &&
			g.config.Now().Sub(user.PasswordChangedAt) < PasswordChangeWindow,
	}

	var err error
	if ac.DeviceUserCount, err = g.trust.DeviceUserCount(ctx, deviceID); err != nil {
		log.Warn().Err(err).Msg("failed to count device users")
	}
	if ac.FailedAttempts, err = g.trust.FailedAttempts(ctx, deviceID); err != nil {
		log.Warn().Err(err).Msg("failed to read failed attempts")
	}
	if ac.LocationChangeCount, err = g.geo.LocationChangeCount(ctx, user.ID, LocationChangeWindow); err != nil {
		log.Warn().Err(err).Msg("failed to count location changes")
	}
	if active, err := g.sessions.ListActive(ctx, user.ID); err != nil {
		log.Warn().Err(err).Msg("failed to list sessions")
	} else {
		for _, s := range active {
			if s.DeviceID != deviceID {
				ac.ActiveSessions++
			}
		}
	}
	return ac
}

// openSession enforces the plan limit, creates the session and issues its
// token. It is the terminal step of both Login and VerifyOTP.
func (g *Gatekeeper) openSession(
	ctx context.Context,
	user *store.User,
	deviceID string,
	display DeviceInfo,
	trust TrustScore,
	loc *LocationRecord,
) (*LoginResult, error) {
	log := g.logger.With().Str("user_id", user.ID).Str("device_id", deviceID).Logger()
	plan := Plan(user.Plan)

	token, err := g.tokens.Issue(user.ID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("gatekeeper: issue token: %w", err)
	}

	session := &Session{
		UserID:     user.ID,
		DeviceID:   deviceID,
		Token:      token,
		IPAddress:  display.IP,
		UserAgent:  display.UserAgent,
		TrustScore: trust.Score,
		Location:   loc,
	}
	evicted, err := g.sessions.CreateWithLimit(ctx, session, plan)
	if err != nil {
		return nil, fmt.Errorf("gatekeeper: create session: %w", err)
	}

	if err := g.trust.RecordLogin(ctx, deviceID); err != nil {
		log.Warn().Err(err).Msg("failed to record login")
	}
	if err := g.trust.ResetFailedAttempts(ctx, deviceID); err != nil {
		log.Warn().Err(err).Msg("failed to reset failed attempts")
	}

	record := &store.SessionRecord{
		UserID:     user.ID,
		DeviceID:   deviceID,
		IPAddress:  display.IP,
		UserAgent:  display.UserAgent,
		TrustScore: trust.Score,
		CreatedAt:  session.CreatedAt,
	}
	if loc != nil {
		record.Country = loc.Country
		record.City = loc.City
	}
	if err := g.repo.SaveSession(ctx, record); err != nil {
		log.Warn().Err(err).Msg("failed to back up session")
	}

	active, err := g.sessions.ListActive(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("gatekeeper: list sessions: %w", err)
	}

	result := &LoginResult{
		Token:          token,
		DeviceID:       deviceID,
		TrustScore:     summarize(trust),
		ActiveSessions: len(active),
		MaxSessions:    plan.MaxSessions(),
	}
	for _, s := range evicted {
		result.EvictedDevices = append(result.EvictedDevices, s.DeviceID)
	}

	log.Info().
		Int("trust", trust.Score).
		Int("active_sessions", result.ActiveSessions).
		Int("evicted", len(evicted)).
		Msg("login succeeded")
	return result, nil
}
