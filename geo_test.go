package gatekeeper

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aadithya-v/gatekeeper/store"
)

func TestHaversineDistance(t *testing.T) {
	tests := []struct {
		name       string
		lat1, lng1 float64
		lat2, lng2 float64
		expectedKM float64
		tolerance  float64 // relative
	}{
		{"same point", 40.7128, -74.0060, 40.7128, -74.0060, 0, 0},
		{"Delhi to New York", 28.70, 77.10, 40.71, -74.01, 11760, 0.01},
		{"New York to London", 40.7128, -74.0060, 51.5074, -0.1278, 5570, 0.01},
		{"Sydney to Tokyo", -33.8688, 151.2093, 35.6762, 139.6503, 7823, 0.01},
		{"pole to pole", 90, 0, -90, 0, 20015, 0.01},
		{"across the date line", 35.6762, 139.6503, 21.3069, -157.8583, 6199, 0.02},
		{"within a city", 40.7484, -73.9857, 40.7580, -73.9855, 1.07, 0.05},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := HaversineDistance(tt.lat1, tt.lng1, tt.lat2, tt.lng2)
			tolerance := math.Max(tt.expectedKM*tt.tolerance, 0.001)
			if math.Abs(got-tt.expectedKM) > tolerance {
				t.Errorf("HaversineDistance(%v, %v, %v, %v) = %v km, want ~%v km",
					tt.lat1, tt.lng1, tt.lat2, tt.lng2, got, tt.expectedKM)
			}

			reverse := HaversineDistance(tt.lat2, tt.lng2, tt.lat1, tt.lng1)
			if math.Abs(got-reverse) > 1e-6 {
				t.Errorf("distance not symmetric: %v vs %v", got, reverse)
			}
		})
	}
}

func TestMinTravelTime(t *testing.T) {
	d := HaversineDistance(28.70, 77.10, 40.71, -74.01)
	got := MinTravelTime(d)

	want := 13*time.Hour + 4*time.Minute
	assert.InDelta(t, want.Minutes(), got.Minutes(), 10)
	assert.Zero(t, MinTravelTime(0))
	assert.Equal(t, time.Hour, MinTravelTime(MaxTravelSpeedKMH))
}

func TestIsNewLocation(t *testing.T) {
	newYork := LocationRecord{City: "New York", Country: "United States", Latitude: 40.7128, Longitude: -74.0060}
	newark := LocationRecord{City: "Newark", Country: "United States", Latitude: 40.7357, Longitude: -74.1724}
	london := LocationRecord{City: "London", Country: "United Kingdom", Latitude: 51.5074, Longitude: -0.1278}

	tests := []struct {
		name        string
		prev, curr  LocationRecord
		thresholdKM float64
		want        bool
	}{
		{"same place", newYork, newYork, 100, false},
		{"neighboring city", newYork, newark, 100, false},
		{"other continent", newYork, london, 100, true},
		{"large threshold", newYork, london, 10000, false},
		{"no coordinates, same city", LocationRecord{City: "Tokyo", Country: "Japan"}, LocationRecord{City: "Tokyo", Country: "Japan"}, 100, false},
		{"no coordinates, other city", LocationRecord{City: "Tokyo", Country: "Japan"}, LocationRecord{City: "Osaka", Country: "Japan"}, 100, true},
		{"one side without coordinates", LocationRecord{City: "New York", Country: "United States"}, newYork, 100, false},
		{"empty records", LocationRecord{}, LocationRecord{}, 100, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNewLocation(tt.prev, tt.curr, tt.thresholdKM); got != tt.want {
				t.Errorf("IsNewLocation() = %v, want %v", got, tt.want)
			}
		})
	}
}

func newTestDetector(t *testing.T) (*GeoAnomalyDetector, *testClock, *store.MemoryStore) {
	t.Helper()
	clock := newTestClock(noon)
	mem := store.NewMemoryStore(store.WithClock(clock.Now))
	t.Cleanup(func() { _ = mem.Close() })
	return NewGeoAnomalyDetector(mem, testLocations, clock.Now, zerolog.Nop()), clock, mem
}

func TestGeoCheckImpossibleTravel(t *testing.T) {
	ctx := context.Background()
	d, clock, _ := newTestDetector(t)

	first := d.Check(ctx, "u1", ipDelhi)
	assert.False(t, first.Impossible)
	assert.Zero(t, first.RiskScore)
	require.NotNil(t, first.Current)
	assert.Equal(t, "New Delhi", first.Current.City)

	clock.Advance(2 * time.Hour)
	got := d.Check(ctx, "u1", ipNewYork)

	assert.True(t, got.Impossible)
	assert.Equal(t, 95, got.RiskScore)
	assert.InDelta(t, 11760, got.DistanceKM, 120)
	assert.InDelta(t, 120, got.ElapsedMinutes, 0.001)
	require.NotNil(t, got.Previous)
	assert.Equal(t, "New Delhi", got.Previous.City)

	// The flagged location still becomes the new baseline.
	clock.Advance(10 * time.Minute)
	next := d.Check(ctx, "u1", ipNewark)
	assert.False(t, next.Impossible)
	assert.Zero(t, next.RiskScore)
	assert.Equal(t, "New York", next.Previous.City)
}

func TestGeoCheckRiskTiers(t *testing.T) {
	at := func(loc LocationRecord, ts time.Time) LocationRecord {
		loc.CapturedAt = ts
		return loc
	}
	philadelphia := LocationRecord{City: "Philadelphia", Country: "United States", CountryCode: "US", Latitude: 39.95, Longitude: -75.17}

	tests := []struct {
		name       string
		prev, curr LocationRecord
		risk       int
		impossible bool
	}{
		{"impossible", at(testLocations[ipDelhi], noon), at(testLocations[ipNewYork], noon.Add(2*time.Hour)), 95, true},
		{"country changed", at(testLocations[ipNewYork], noon), at(testLocations[ipLondon], noon.Add(8*time.Hour)), 40, false},
		{"moved far within country", at(testLocations[ipNewYork], noon), at(philadelphia, noon.Add(3*time.Hour)), 20, false},
		{"nearby", at(testLocations[ipNewYork], noon), at(testLocations[ipNewark], noon.Add(time.Minute)), 0, false},
		{"far but slow", at(testLocations[ipDelhi], noon), at(testLocations[ipNewYork], noon.Add(14*time.Hour)), 40, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := evaluateTravel(tt.prev, tt.curr)
			assert.Equal(t, tt.risk, got.RiskScore)
			assert.Equal(t, tt.impossible, got.Impossible)
			assert.NotEmpty(t, got.Reason)
		})
	}
}

func TestGeoCheckUnknownLocation(t *testing.T) {
	ctx := context.Background()
	d, clock, _ := newTestDetector(t)

	d.Check(ctx, "u1", ipDelhi)
	clock.Advance(time.Hour)

	got := d.Check(ctx, "u1", "10.1.2.3")
	assert.False(t, got.Impossible)
	assert.Zero(t, got.RiskScore)
	assert.Nil(t, got.Current)

	// Nothing was recorded, so Delhi is still the baseline.
	history, err := d.History(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "New Delhi", history[0].City)

	mem := store.NewMemoryStore()
	t.Cleanup(func() { _ = mem.Close() })
	noGeo := NewGeoAnomalyDetector(mem, nil, nil, zerolog.Nop())
	assert.Equal(t, "location unknown", noGeo.Check(ctx, "u1", ipDelhi).Reason)
}

func TestGeoHistoryIsCapped(t *testing.T) {
	ctx := context.Background()
	d, clock, _ := newTestDetector(t)

	for i := 0; i < locationHistorySize+5; i++ {
		clock.Advance(time.Minute)
		d.Check(ctx, "u1", ipNewYork)
	}

	history, err := d.History(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, history, locationHistorySize)
	assert.True(t, history[0].CapturedAt.After(history[1].CapturedAt), "history must be most recent first")
}

func TestLocationChangeCount(t *testing.T) {
	ctx := context.Background()
	d, clock, _ := newTestDetector(t)

	// An old move outside the window is not counted.
	d.Check(ctx, "u1", ipLondon)
	clock.Advance(30 * time.Hour)

	for _, ip := range []string{ipDelhi, ipNewYork, ipNewark, ipLondon, ipNewYork} {
		d.Check(ctx, "u1", ip)
		clock.Advance(time.Hour)
	}

	got, err := d.LocationChangeCount(ctx, "u1", LocationChangeWindow)
	require.NoError(t, err)
	assert.Equal(t, 3, got, fmt.Sprintf("Delhi→New York, Newark→London, London→New York; Newark is within %v km of New York", nearbyDistanceKM))
}
