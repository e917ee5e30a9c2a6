package gatekeeper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aadithya-v/gatekeeper/store"
)

// Keyed store layout. Every piece of shared state the pipeline touches is
// named here; nothing else builds keys.
func keyDeviceLogins(deviceID string) string    { return "device:" + deviceID + ":logins" }
func keyDeviceFailed(deviceID string) string    { return "device:" + deviceID + ":failed" }
func keyDeviceCountries(deviceID string) string { return "device:" + deviceID + ":countries" }
func keyDeviceUsers(deviceID string) string     { return "device:" + deviceID + ":users" }
func keyTrustCache(userID, deviceID string) string {
	return "trust:" + userID + ":" + deviceID
}
func keyGeoLast(userID string) string    { return "geo:" + userID + ":last" }
func keyGeoHistory(userID string) string { return "geo:" + userID + ":history" }
func keySession(userID, deviceID string) string {
	return "session:" + userID + ":" + deviceID
}
func keyUserSessions(userID string) string { return "sessions:" + userID }

// Index keys live under their own root, apart from every per-user prefix.
const (
	keyActiveUsers  = "index:sessions:active"
	keyAlertIndex   = "index:alerts:recent"
	keyFlaggedUsers = "index:flagged"
)

func keyAlert(id string) string          { return "alert:" + id }
func keySuspended(userID string) string  { return "suspended:" + userID }
func keyFlagged(userID string) string    { return "flagged:" + userID }
func keyOTP(userID, deviceID string) string {
	return "otp:" + userID + ":" + deviceID
}

// Retention of keyed state.
const (
	deviceSetTTL        = 30 * 24 * time.Hour
	failedAttemptsTTL   = time.Hour
	locationHistoryTTL  = 30 * 24 * time.Hour
	locationHistorySize = 50
)

// getJSON decodes the value at key into a new T. It returns store.ErrNotFound
// unchanged so callers can tell absence from failure.
func getJSON[T any](ctx context.Context, s store.KeyedStore, key string) (*T, error) {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("gatekeeper: decode %s: %w", key, err)
	}
	return &v, nil
}

func setJSON(ctx context.Context, s store.KeyedStore, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gatekeeper: encode %s: %w", key, err)
	}
	return s.Set(ctx, key, raw, ttl)
}

// readCounter returns the counter at key, or zero when it does not exist.
func readCounter(ctx context.Context, s store.KeyedStore, key string) (int64, error) {
	raw, err := s.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("gatekeeper: counter %s: %w", key, err)
	}
	return n, nil
}
