package gatekeeper

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/aadithya-v/gatekeeper/store"
)

// TrustLevel buckets a trust score.
type TrustLevel string

const (
	TrustHigh     TrustLevel = "HIGH"
	TrustMedium   TrustLevel = "MEDIUM"
	TrustLow      TrustLevel = "LOW"
	TrustCritical TrustLevel = "CRITICAL"
)

const baseTrustScore = 50

// LevelFor maps a score to its level.
func LevelFor(score int) TrustLevel {
	switch {
	case score >= 80:
		return TrustHigh
	case score >= 60:
		return TrustMedium
	case score >= 40:
		return TrustLow
	default:
		return TrustCritical
	}
}

// TrustFactor is one named contribution to a trust score.
type TrustFactor struct {
	Name         string `json:"name"`
	Contribution int    `json:"contribution"`
}

// TrustScore is the confidence, 0 to 100, that a (user, device, network)
// combination is legitimate.
type TrustScore struct {
	Score      int           `json:"score"`
	Level      TrustLevel    `json:"level"`
	Factors    []TrustFactor `json:"factors"`
	ComputedAt time.Time     `json:"computed_at"`
}

// TrustScorer combines device history into a trust score.
//
// Each factor reads its own keys; a store failure zeroes that factor and is
// logged, so an unavailable store yields the base score rather than an error.
type TrustScorer struct {
	store    store.KeyedStore
	repo     store.Repository
	geo      Geolocator
	cacheTTL time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

// NewTrustScorer creates a scorer. geo may be nil, in which case the
// geo-consistency factor is always zero.
func NewTrustScorer(s store.KeyedStore, repo store.Repository, geo Geolocator, cacheTTL time.Duration, now func() time.Time, logger zerolog.Logger) *TrustScorer {
	if now == nil {
		now = time.Now
	}
	return &TrustScorer{
		store:    s,
		repo:     repo,
		geo:      geo,
		cacheTTL: cacheTTL,
		now:      now,
		logger:   logger.With().Str("component", "trust").Logger(),
	}
}

// Score computes a fresh trust score. It only reads: the user, the country
// of ip and the cached result are written by Record once the login is
// allowed to proceed past the geo check.
func (t *TrustScorer) Score(ctx context.Context, userID, deviceID, ip string) TrustScore {
	now := t.now()
	factors := []TrustFactor{
		{"login_frequency", t.loginFrequency(ctx, deviceID)},
		{"device_age", t.deviceAge(ctx, userID, deviceID, now)},
		{"geo_consistency", t.geoConsistency(ctx, deviceID, ip)},
		{"failed_attempts", t.failedAttempts(ctx, deviceID)},
		{"unusual_hour", unusualHour(now)},
		{"device_sharing", t.deviceSharing(ctx, userID, deviceID)},
		{"network_origin", networkOrigin(ip)},
	}

	score := baseTrustScore
	for _, f := range factors {
		score += f.Contribution
	}
	score = clamp(score, 0, 100)

	return TrustScore{
		Score:      score,
		Level:      LevelFor(score),
		Factors:    factors,
		ComputedAt: now,
	}
}

// Record adds userID and the country of ip to the device history and
// caches score. Failures are logged; the login goes on without them.
func (t *TrustScorer) Record(ctx context.Context, userID, deviceID, ip string, score TrustScore) {
	if country := t.country(ip); country != "" {
		if _, err := t.store.SAdd(ctx, keyDeviceCountries(deviceID), deviceSetTTL, country); err != nil {
			t.logger.Warn().Err(err).Str("device_id", deviceID).Msg("failed to record device country")
		}
	}
	if _, err := t.store.SAdd(ctx, keyDeviceUsers(deviceID), deviceSetTTL, userID); err != nil {
		t.logger.Warn().Err(err).Str("device_id", deviceID).Msg("failed to record device user")
	}
	if err := setJSON(ctx, t.store, keyTrustCache(userID, deviceID), score, t.cacheTTL); err != nil {
		t.logger.Warn().Err(err).Str("device_id", deviceID).Msg("failed to cache trust score")
	}
}

// Cached returns the last computed score for (userID, deviceID), or
// store.ErrNotFound when it has expired or was never computed.
func (t *TrustScorer) Cached(ctx context.Context, userID, deviceID string) (*TrustScore, error) {
	return getJSON[TrustScore](ctx, t.store, keyTrustCache(userID, deviceID))
}

// RecordLogin counts a successful login on the device.
func (t *TrustScorer) RecordLogin(ctx context.Context, deviceID string) error {
	_, err := t.store.Incr(ctx, keyDeviceLogins(deviceID), 0)
	return err
}

// RecordFailedAttempt counts a failed login on the device and returns the
// number of failures in the current window.
func (t *TrustScorer) RecordFailedAttempt(ctx context.Context, deviceID string) (int64, error) {
	return t.store.Incr(ctx, keyDeviceFailed(deviceID), failedAttemptsTTL)
}

// ResetFailedAttempts clears the device's failure window.
func (t *TrustScorer) ResetFailedAttempts(ctx context.Context, deviceID string) error {
	return t.store.Delete(ctx, keyDeviceFailed(deviceID))
}

// FailedAttempts returns the failures in the device's current window.
func (t *TrustScorer) FailedAttempts(ctx context.Context, deviceID string) (int64, error) {
	return readCounter(ctx, t.store, keyDeviceFailed(deviceID))
}

// DeviceUserCount returns how many distinct users were seen on the device.
func (t *TrustScorer) DeviceUserCount(ctx context.Context, deviceID string) (int64, error) {
	return t.store.SCard(ctx, keyDeviceUsers(deviceID))
}

// DeviceUsers returns the distinct users seen on the device.
func (t *TrustScorer) DeviceUsers(ctx context.Context, deviceID string) ([]string, error) {
	return t.store.SMembers(ctx, keyDeviceUsers(deviceID))
}

func (t *TrustScorer) loginFrequency(ctx context.Context, deviceID string) int {
	logins, err := readCounter(ctx, t.store, keyDeviceLogins(deviceID))
	if err != nil {
		t.degraded(err, "login_frequency", deviceID)
		return 0
	}
	switch {
	case logins < 5:
		return 0
	case logins < 15:
		return 5
	case logins < 30:
		return 10
	case logins < 50:
		return 15
	default:
		return 20
	}
}

func (t *TrustScorer) deviceAge(ctx context.Context, userID, deviceID string, now time.Time) int {
	if t.repo == nil {
		return 0
	}
	device, err := t.repo.Device(ctx, userID, deviceID)
	if errors.Is(err, store.ErrNotFound) {
		return 0
	}
	if err != nil {
		t.degraded(err, "device_age", deviceID)
		return 0
	}

	const day = 24 * time.Hour
	age := now.Sub(device.FirstSeen)
	switch {
	case age < 7*day:
		return 0
	case age < 30*day:
		return 4
	case age < 90*day:
		return 8
	case age < 180*day:
		return 12
	default:
		return 15
	}
}

func (t *TrustScorer) country(ip string) string {
	if t.geo == nil {
		return ""
	}
	loc, err := t.geo.Lookup(ip)
	if err != nil || loc == nil {
		return ""
	}
	return loc.countryKey()
}

// geoConsistency rewards devices that stay in few countries. The country of
// ip counts as seen once Record has stored it.
func (t *TrustScorer) geoConsistency(ctx context.Context, deviceID, ip string) int {
	country := t.country(ip)
	if country == "" {
		return 0
	}

	known, err := t.store.SMembers(ctx, keyDeviceCountries(deviceID))
	if err != nil {
		t.degraded(err, "geo_consistency", deviceID)
		return 0
	}

	if !slices.Contains(known, country) {
		switch {
		case len(known) == 0:
			return 10
		case len(known) > 3:
			return -10
		default:
			return 0
		}
	}
	switch len(known) {
	case 1:
		return 25
	case 2:
		return 15
	default:
		return 5
	}
}

func (t *TrustScorer) failedAttempts(ctx context.Context, deviceID string) int {
	failed, err := t.FailedAttempts(ctx, deviceID)
	if err != nil {
		t.degraded(err, "failed_attempts", deviceID)
		return 0
	}
	switch {
	case failed == 0:
		return 0
	case failed <= 2:
		return -5
	case failed <= 5:
		return -15
	default:
		return -30
	}
}

func (t *TrustScorer) deviceSharing(ctx context.Context, userID, deviceID string) int {
	users, err := t.store.SMembers(ctx, keyDeviceUsers(deviceID))
	if err != nil {
		t.degraded(err, "device_sharing", deviceID)
		return 0
	}
	n := len(users)
	if !slices.Contains(users, userID) {
		n++
	}
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return -10
	default:
		return -25
	}
}

func (t *TrustScorer) degraded(err error, factor, deviceID string) {
	t.logger.Warn().Err(err).Str("factor", factor).Str("device_id", deviceID).Msg("trust factor unavailable")
}

func unusualHour(now time.Time) int {
	if h := now.Hour(); h >= 2 && h <= 6 {
		return -10
	}
	return 0
}

// networkOrigin penalizes private and internal ranges. This is a stand-in
// for an IP reputation lookup.
func networkOrigin(ip string) int {
	if IsPrivateIP(ip) {
		return -15
	}
	return 0
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
