package gatekeeper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aadithya-v/gatekeeper/store"
)

// Geo detection thresholds.
const (
	impossibleMinDistanceKM = 500.0
	longHaulDistanceKM      = 3000.0
	nearbyDistanceKM        = 100.0
)

// GeoCheck is the outcome of comparing a login's location with the user's
// previous one.
type GeoCheck struct {
	Impossible     bool            `json:"is_impossible"`
	Reason         string          `json:"reason"`
	RiskScore      int             `json:"risk_score"`
	Current        *LocationRecord `json:"current_location,omitempty"`
	Previous       *LocationRecord `json:"previous_location,omitempty"`
	DistanceKM     float64         `json:"distance_km"`
	ElapsedMinutes float64         `json:"elapsed_minutes"`
}

// GeoAnomalyDetector tracks the last known location of each user and flags
// travel that is faster than a commercial flight.
type GeoAnomalyDetector struct {
	store  store.KeyedStore
	geo    Geolocator
	now    func() time.Time
	logger zerolog.Logger
}

// NewGeoAnomalyDetector creates a detector. A nil geolocator makes every
// check return an unknown location.
func NewGeoAnomalyDetector(s store.KeyedStore, geo Geolocator, now func() time.Time, logger zerolog.Logger) *GeoAnomalyDetector {
	if now == nil {
		now = time.Now
	}
	return &GeoAnomalyDetector{
		store:  s,
		geo:    geo,
		now:    now,
		logger: logger.With().Str("component", "geo").Logger(),
	}
}

// Locate resolves ip, or returns nil when it cannot be resolved.
func (d *GeoAnomalyDetector) Locate(ip string) *LocationRecord {
	if d.geo == nil {
		return nil
	}
	loc, err := d.geo.Lookup(ip)
	if err != nil {
		d.logger.Debug().Err(err).Str("ip", ip).Msg("geolocation unavailable")
		return nil
	}
	return loc
}

// Check compares the location of ip with the user's last known location and
// then records ip's location as the new last known one, even when the travel
// is flagged. An unresolvable ip yields a zero-risk result and records nothing.
func (d *GeoAnomalyDetector) Check(ctx context.Context, userID, ip string) GeoCheck {
	current := d.Locate(ip)
	if current == nil {
		return GeoCheck{Reason: "location unknown"}
	}
	now := d.now()
	current.CapturedAt = now

	result := GeoCheck{Current: current, Reason: "first recorded location"}

	prev, err := getJSON[LocationRecord](ctx, d.store, keyGeoLast(userID))
	switch {
	case err == nil:
		result = evaluateTravel(*prev, *current)
	case !errors.Is(err, store.ErrNotFound):
		d.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to read last location")
	}

	if err := setJSON(ctx, d.store, keyGeoLast(userID), current, locationHistoryTTL); err != nil {
		d.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to record last location")
	}
	if err := d.appendHistory(ctx, userID, current); err != nil {
		d.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to append location history")
	}

	if result.Impossible {
		d.logger.Info().
			Str("user_id", userID).
			Float64("distance_km", result.DistanceKM).
			Float64("elapsed_minutes", result.ElapsedMinutes).
			Msg("impossible travel detected")
	}
	return result
}

// evaluateTravel scores the move from prev to current. Tiers are exclusive
// and the first match wins.
func evaluateTravel(prev, current LocationRecord) GeoCheck {
	distance := HaversineDistance(prev.Latitude, prev.Longitude, current.Latitude, current.Longitude)
	elapsed := current.CapturedAt.Sub(prev.CapturedAt)
	required := MinTravelTime(distance)

	result := GeoCheck{
		Current:        &current,
		Previous:       &prev,
		DistanceKM:     distance,
		ElapsedMinutes: elapsed.Minutes(),
	}

	switch {
	case elapsed < required && distance > impossibleMinDistanceKM:
		result.Impossible = true
		result.RiskScore = 95
		result.Reason = fmt.Sprintf("traveled %.0f km in %s, at least %s required",
			distance, elapsed.Round(time.Minute), required.Round(time.Minute))
	case distance > longHaulDistanceKM && elapsed < time.Hour:
		result.RiskScore = 75
		result.Reason = fmt.Sprintf("traveled %.0f km in under an hour", distance)
	case prev.countryKey() != current.countryKey():
		result.RiskScore = 40
		result.Reason = "country changed from " + prev.Country + " to " + current.Country
	case distance > nearbyDistanceKM:
		result.RiskScore = 20
		result.Reason = fmt.Sprintf("moved %.0f km", distance)
	default:
		result.Reason = "consistent location"
	}
	return result
}

func (d *GeoAnomalyDetector) appendHistory(ctx context.Context, userID string, loc *LocationRecord) error {
	raw, err := json.Marshal(loc)
	if err != nil {
		return err
	}
	key := keyGeoHistory(userID)
	if err := d.store.LPush(ctx, key, locationHistoryTTL, raw); err != nil {
		return err
	}
	return d.store.LTrim(ctx, key, 0, locationHistorySize-1)
}

// History returns the user's recorded locations, most recent first.
func (d *GeoAnomalyDetector) History(ctx context.Context, userID string) ([]LocationRecord, error) {
	raw, err := d.store.LRange(ctx, keyGeoHistory(userID), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("gatekeeper: read location history: %w", err)
	}
	history := make([]LocationRecord, 0, len(raw))
	for _, item := range raw {
		var loc LocationRecord
		if err := json.Unmarshal(item, &loc); err != nil {
			d.logger.Warn().Err(err).Str("user_id", userID).Msg("skipping corrupt location entry")
			continue
		}
		history = append(history, loc)
	}
	return history, nil
}

// LocationChangeCount counts moves of more than 100 km between consecutive
// recorded locations captured within the window.
func (d *GeoAnomalyDetector) LocationChangeCount(ctx context.Context, userID string, window time.Duration) (int, error) {
	history, err := d.History(ctx, userID)
	if err != nil {
		return 0, err
	}

	cutoff := d.now().Add(-window)
	changes := 0
	for i := 0; i+1 < len(history); i++ {
		newer, older := history[i], history[i+1]
		if older.CapturedAt.Before(cutoff) {
			break
		}
		if IsNewLocation(older, newer, nearbyDistanceKM) {
			changes++
		}
	}
	return changes, nil
}
