package gatekeeper

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/aadithya-v/gatekeeper/notify"
	"github.com/aadithya-v/gatekeeper/store"
)

const (
	otpDigits      = 6
	maxOTPAttempts = 5
)

// otpChallenge is a login held back until the user proves control of their
// email. It carries what is needed to open the session once verified.
type otpChallenge struct {
	CodeHash   string          `json:"code_hash"`
	Reason     string          `json:"reason"`
	Attempts   int             `json:"attempts"`
	IssuedAt   time.Time       `json:"issued_at"`
	DeviceID   string          `json:"device_id"`
	Display    DeviceInfo      `json:"display"`
	TrustScore TrustScore      `json:"trust_score"`
	Location   *LocationRecord `json:"location,omitempty"`
}

// generateOTP returns a random numeric code.
func generateOTP() (string, error) {
	b := make([]byte, otpDigits)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	code := make([]byte, otpDigits)
	for i := range code {
		code[i] = '0' + b[i]%10
	}
	return string(code), nil
}

func hashOTP(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// issueOTP stores a challenge for (user, device) and emails the code to the
// user. Delivery is queued; a full queue is logged, not returned.
func (g *Gatekeeper) issueOTP(ctx context.Context, user *store.User, c otpChallenge) error {
	code, err := generateOTP()
	if err != nil {
		return fmt.Errorf("gatekeeper: generate otp: %w", err)
	}
	c.CodeHash = hashOTP(code)
	c.IssuedAt = g.config.Now()

	if err := setJSON(ctx, g.store, keyOTP(user.ID, c.DeviceID), c, g.config.OTPTTL); err != nil {
		return fmt.Errorf("gatekeeper: save otp: %w", err)
	}

	err = g.dispatcher.Enqueue(notify.Message{
		Channel: notify.ChannelEmail,
		To:      user.Email,
		Subject: "Your verification code",
		Body: fmt.Sprintf("Your verification code is %s. It expires in %s.\n\nWe asked for it because: %s.",
			code, g.config.OTPTTL, c.Reason),
		Tag: "otp",
	})
	if err != nil {
		g.logger.Error().Err(err).Str("user_id", user.ID).Msg("failed to queue otp email")
	}
	return nil
}

// VerifyOTPRequest completes a challenged login.
type VerifyOTPRequest struct {
	Email    string `json:"email"`
	DeviceID string `json:"deviceId"`
	Code     string `json:"code"`
}

// VerifyOTP checks the code of a pending challenge. On success the device is
// trusted and the login completes as if it had passed the device decision.
// After maxOTPAttempts wrong codes the challenge is discarded.
func (g *Gatekeeper) VerifyOTP(ctx context.Context, req VerifyOTPRequest) (*LoginResult, error) {
	user, err := g.repo.UserByEmail(ctx, normalizeEmail(req.Email))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidOTP
	}
	if err != nil {
		return nil, fmt.Errorf("gatekeeper: lookup user: %w", err)
	}
	if err := g.checkSuspended(ctx, user.ID); err != nil {
		return nil, err
	}

	key := keyOTP(user.ID, req.DeviceID)
	c, err := getJSON[otpChallenge](ctx, g.store, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidOTP
	}
	if err != nil {
		return nil, fmt.Errorf("gatekeeper: read otp: %w", err)
	}

	if subtle.ConstantTimeCompare([]byte(hashOTP(req.Code)), []byte(c.CodeHash)) != 1 {
		c.Attempts++
		remaining := c.IssuedAt.Add(g.config.OTPTTL).Sub(g.config.Now())
		if c.Attempts >= maxOTPAttempts || remaining <= 0 {
			if err := g.store.Delete(ctx, key); err != nil {
				g.logger.Warn().Err(err).Str("user_id", user.ID).Msg("failed to discard otp")
			}
		} else if err := setJSON(ctx, g.store, key, c, remaining); err != nil {
			g.logger.Warn().Err(err).Str("user_id", user.ID).Msg("failed to record otp attempt")
		}
		return nil, ErrInvalidOTP
	}

	if err := g.store.Delete(ctx, key); err != nil {
		return nil, fmt.Errorf("gatekeeper: consume otp: %w", err)
	}

	now := g.config.Now()
	if err := g.repo.SaveDevice(ctx, &store.Device{
		UserID:     user.ID,
		DeviceID:   c.DeviceID,
		Trusted:    true,
		Browser:    c.Display.Browser,
		OS:         c.Display.OS,
		DeviceType: c.Display.DeviceType,
		FirstSeen:  now,
		LastSeen:   now,
	}); err != nil {
		return nil, fmt.Errorf("gatekeeper: trust device: %w", err)
	}

	// A challenge raised for impossible travel never recorded trust history.
	g.trust.Record(ctx, user.ID, c.DeviceID, c.Display.IP, c.TrustScore)

	g.logger.Info().Str("user_id", user.ID).Str("device_id", c.DeviceID).Msg("device verified by otp")
	return g.openSession(ctx, user, c.DeviceID, c.Display, c.TrustScore, c.Location)
}
