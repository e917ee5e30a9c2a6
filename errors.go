package gatekeeper

import "errors"

var (
	// ErrInvalidCredentials is returned when the email or password is wrong.
	ErrInvalidCredentials = errors.New("gatekeeper: invalid credentials")

	// ErrRateLimited is returned when the caller exceeded the login rate.
	// The pipeline itself never returns it; the HTTP layer does.
	ErrRateLimited = errors.New("gatekeeper: too many requests")

	// ErrSuspiciousActivity is returned when a login looks automated or spoofed,
	// or when the account is temporarily suspended.
	ErrSuspiciousActivity = errors.New("gatekeeper: suspicious activity detected")

	// ErrSessionNotFound is returned when a session does not exist.
	ErrSessionNotFound = errors.New("gatekeeper: session not found")

	// ErrInvalidToken is returned when a token is malformed, expired or revoked.
	ErrInvalidToken = errors.New("gatekeeper: invalid token")

	// ErrCannotTerminateCurrent is returned when a user tries to terminate
	// the session they are calling from.
	ErrCannotTerminateCurrent = errors.New("gatekeeper: cannot terminate current session")

	// ErrUserExists is returned when registering an email that is already taken.
	ErrUserExists = errors.New("gatekeeper: user already exists")

	// ErrInvalidOTP is returned when an OTP code is wrong or expired.
	ErrInvalidOTP = errors.New("gatekeeper: invalid or expired OTP")

	// ErrInvalidInput is returned when a request is missing required fields.
	ErrInvalidInput = errors.New("gatekeeper: invalid input")

	// ErrGeoIPDatabaseNotConfigured is returned when GeoIP lookup is attempted
	// without configuring the GeoIP database path.
	ErrGeoIPDatabaseNotConfigured = errors.New("gatekeeper: GeoIP database path not configured")

	// ErrGeoIPLookupFailed is returned when IP geolocation lookup fails.
	ErrGeoIPLookupFailed = errors.New("gatekeeper: GeoIP lookup failed")

	// ErrInvalidIP is returned when an invalid IP address is provided.
	ErrInvalidIP = errors.New("gatekeeper: invalid IP address")
)

// SuspiciousActivityError carries the spoofing warnings behind an
// ErrSuspiciousActivity rejection.
type SuspiciousActivityError struct {
	Warnings []string
}

func (e *SuspiciousActivityError) Error() string {
	return ErrSuspiciousActivity.Error()
}

func (e *SuspiciousActivityError) Unwrap() error {
	return ErrSuspiciousActivity
}
