package gatekeeper

import "time"

// Rule thresholds.
const (
	CriticalTrustThreshold = 40
	DeviceSharingThreshold = 3
	BruteForceThreshold    = 5
	RapidLocationThreshold = 3
)

// Windows over which recent activity is counted.
const (
	LocationChangeWindow = 24 * time.Hour
	PasswordChangeWindow = 24 * time.Hour
)

// DefaultRules returns the built-in rule table. Each call returns a fresh
// slice; the engine compiles it once at construction.
func DefaultRules() []AlertRule {
	return []AlertRule{
		{
			ID:        "geo_impossibility",
			Name:      "Impossible travel",
			Condition: func(c *AlertContext) bool { return c.Geo.Impossible },
			Severity:  SeverityCritical,
			Actions:   []ActionKind{ActionEmail, ActionSlack, ActionBlockSession, ActionLog},
			Message:   "User {{.Email}} logged in from {{with .Geo.Current}}{{.City}}, {{.Country}}{{end}}: {{.Geo.Reason}}",
		},
		{
			ID:        "critical_trust_score",
			Name:      "Critical trust score",
			Condition: func(c *AlertContext) bool { return c.Trust.Score < CriticalTrustThreshold },
			Severity:  SeverityHigh,
			Actions:   []ActionKind{ActionEmail, ActionFlag, ActionLog},
			Message:   "Trust score {{.Trust.Score}} ({{.Trust.Level}}) for {{.Email}} on device {{.DeviceID}}",
		},
		{
			ID:        "device_sharing",
			Name:      "Device sharing",
			Condition: func(c *AlertContext) bool { return c.DeviceUserCount >= DeviceSharingThreshold },
			Severity:  SeverityHigh,
			Actions:   []ActionKind{ActionSlack, ActionFlag},
			Message:   "Device {{.DeviceID}} has been used by {{.DeviceUserCount}} accounts, latest {{.Email}}",
		},
		{
			ID:        "session_limit_reached",
			Name:      "Session limit reached",
			Condition: func(c *AlertContext) bool { return c.MaxSessions > 0 && c.ActiveSessions >= c.MaxSessions },
			Severity:  SeverityMedium,
			Actions:   []ActionKind{ActionLog},
			Message:   "{{.Email}} is at {{.ActiveSessions}} of {{.MaxSessions}} sessions; the oldest will be evicted",
		},
		{
			ID:        "brute_force",
			Name:      "Brute force",
			Condition: func(c *AlertContext) bool { return c.FailedAttempts >= BruteForceThreshold },
			Severity:  SeverityHigh,
			Actions:   []ActionKind{ActionTemporaryBlock, ActionEmail},
			Message:   "{{.FailedAttempts}} failed logins for {{.Email}} from device {{.DeviceID}} in the last hour",
		},
		{
			ID:        "new_device_login",
			Name:      "New device login",
			Condition: func(c *AlertContext) bool { return c.IsNewDevice },
			Severity:  SeverityLow,
			Actions:   []ActionKind{ActionEmail, ActionLog},
			Message:   "{{.Email}} signed in from a new device at {{.IPAddress}}",
		},
		{
			ID:        "vpn_or_proxy",
			Name:      "VPN or proxy",
			Condition: func(c *AlertContext) bool { return c.IsVPN },
			Severity:  SeverityMedium,
			Actions:   []ActionKind{ActionLog},
			Message:   "{{.Email}} signed in through a private or proxied network ({{.IPAddress}})",
		},
		{
			ID:        "rapid_location_changes",
			Name:      "Rapid location changes",
			Condition: func(c *AlertContext) bool { return c.LocationChangeCount >= RapidLocationThreshold },
			Severity:  SeverityHigh,
			Actions:   []ActionKind{ActionFlag, ActionSlack},
			Message:   "{{.Email}} changed location {{.LocationChangeCount}} times in 24 hours",
		},
		{
			ID:        "password_change_new_device",
			Name:      "Password change followed by new device",
			Condition: func(c *AlertContext) bool { return c.PasswordChanged && c.IsNewDevice },
			Severity:  SeverityCritical,
			Actions:   []ActionKind{ActionEmail, ActionDiscord, ActionWebhook, ActionTemporaryBlock},
			Message:   "Password for {{.Email}} changed recently and a new device signed in from {{.IPAddress}}",
		},
	}
}
