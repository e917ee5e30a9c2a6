package gatekeeper

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/aadithya-v/gatekeeper/notify"
	"github.com/aadithya-v/gatekeeper/store"
)

// Config contains configuration options for Gatekeeper.
type Config struct {
	// SessionTTL is how long sessions remain active after creation.
	// Default: 24 hours.
	SessionTTL time.Duration

	// TrustCacheTTL is how long a computed trust score stays cached.
	// Default: 24 hours.
	TrustCacheTTL time.Duration

	// TrustThreshold is the minimum trust score at which an unknown device is
	// trusted without an OTP challenge.
	// Default: 60.
	TrustThreshold int

	// OTPTTL is how long an issued OTP code stays valid.
	// Default: 10 minutes.
	OTPTTL time.Duration

	// SuspensionDuration is how long a temporary block lasts.
	// Default: 1 hour.
	SuspensionDuration time.Duration

	// FlagTTL is how long a user stays flagged for manual review.
	// Default: 30 days.
	FlagTTL time.Duration

	// AlertRetention is how long alert records are kept.
	// Default: 7 days.
	AlertRetention time.Duration

	// AlertIndexSize caps the recency index of alerts.
	// Default: 1000.
	AlertIndexSize int64

	// TokenSecret signs issued session tokens (HS256). Required.
	TokenSecret []byte

	// TokenIssuer is the iss claim on issued tokens.
	// Default: "gatekeeper".
	TokenIssuer string

	// BcryptCost is the bcrypt cost for password hashes.
	// Default: bcrypt.DefaultCost.
	BcryptCost int

	// FingerprintExcludeIP leaves the client IP out of the device fingerprint.
	// Default: false (IP included).
	FingerprintExcludeIP bool

	// TrustedProxies are CIDRs or addresses of reverse proxies whose
	// X-Forwarded-For, X-Real-IP and CF-Connecting-IP headers are believed.
	// Default: none, the peer address is always used.
	TrustedProxies []string

	// PlanPrices is the monthly price per plan used for the revenue leakage estimate.
	// Default: BASIC 9.99, STANDARD 15.49, PREMIUM 22.99.
	PlanPrices map[Plan]float64

	// SecurityEmail receives alert emails.
	SecurityEmail string

	// GeoIPDatabasePath is the path to MaxMind GeoLite2-City.mmdb file.
	// Used only if Geolocator is nil.
	// Download from: https://dev.maxmind.com/geoip/geolite2-free-geolocation-data
	GeoIPDatabasePath string

	// Geolocator resolves IP addresses. Default: a GeoIPReader on
	// GeoIPDatabasePath, or no geolocation when neither is set.
	Geolocator Geolocator

	// Store holds counters, caches, sessions and alerts.
	// Default: in-memory store.
	Store store.KeyedStore

	// Repository persists users, devices and session backups.
	// Default: SQLite repository (creates gatekeeper.db in current directory).
	Repository store.Repository

	// DatabasePath is the path for the default SQLite database.
	// Only used if Repository is nil.
	// Default: "gatekeeper.db".
	DatabasePath string

	// Dispatcher delivers email, Slack, Discord and webhook messages.
	// Default: a dispatcher that only logs.
	Dispatcher *notify.Dispatcher

	// Rules is the alert rule table. Default: DefaultRules().
	Rules []AlertRule

	// Logger receives structured logs. Default: disabled.
	Logger *zerolog.Logger

	// Now returns the current time. Default: time.Now.
	Now func() time.Time
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SessionTTL:         24 * time.Hour,
		TrustCacheTTL:      24 * time.Hour,
		TrustThreshold:     60,
		OTPTTL:             10 * time.Minute,
		SuspensionDuration: time.Hour,
		FlagTTL:            30 * 24 * time.Hour,
		AlertRetention:     7 * 24 * time.Hour,
		AlertIndexSize:     1000,
		TokenIssuer:        "gatekeeper",
		PlanPrices: map[Plan]float64{
			PlanBasic:    9.99,
			PlanStandard: 15.49,
			PlanPremium:  22.99,
		},
		DatabasePath: "gatekeeper.db",
		Now:          time.Now,
	}
}

// applyDefaults fills in default values for zero-value fields.
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()

	if c.SessionTTL <= 0 {
		c.SessionTTL = defaults.SessionTTL
	}
	if c.TrustCacheTTL <= 0 {
		c.TrustCacheTTL = defaults.TrustCacheTTL
	}
	if c.TrustThreshold <= 0 {
		c.TrustThreshold = defaults.TrustThreshold
	}
	if c.OTPTTL <= 0 {
		c.OTPTTL = defaults.OTPTTL
	}
	if c.SuspensionDuration <= 0 {
		c.SuspensionDuration = defaults.SuspensionDuration
	}
	if c.FlagTTL <= 0 {
		c.FlagTTL = defaults.FlagTTL
	}
	if c.AlertRetention <= 0 {
		c.AlertRetention = defaults.AlertRetention
	}
	if c.AlertIndexSize <= 0 {
		c.AlertIndexSize = defaults.AlertIndexSize
	}
	if c.TokenIssuer == "" {
		c.TokenIssuer = defaults.TokenIssuer
	}
	if len(c.PlanPrices) == 0 {
		c.PlanPrices = defaults.PlanPrices
	}
	if c.DatabasePath == "" {
		c.DatabasePath = defaults.DatabasePath
	}
	if c.Rules == nil {
		c.Rules = DefaultRules()
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
	if c.Now == nil {
		c.Now = defaults.Now
	}
}
