package gatekeeper

import (
	"math"
	"time"
)

const earthRadiusKM = 6371.0

// MaxTravelSpeedKMH approximates a commercial flight. Moving faster than
// this between two logins is treated as physically impossible.
const MaxTravelSpeedKMH = 900.0

// HaversineDistance calculates the distance in kilometers between two
// geographic coordinates using the Haversine formula.
func HaversineDistance(lat1, lng1, lat2, lng2 float64) float64 {
	// Convert degrees to radians
	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(dLng/2)*math.Sin(dLng/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKM * c
}

// MinTravelTime is the shortest time needed to cover distanceKM at
// MaxTravelSpeedKMH, truncated to the millisecond.
func MinTravelTime(distanceKM float64) time.Duration {
	ms := distanceKM / MaxTravelSpeedKMH * float64(time.Hour/time.Millisecond)
	return time.Duration(ms) * time.Millisecond
}

// IsNewLocation returns true if the distance between two locations
// exceeds the given threshold in kilometers. Records without coordinates
// are compared by city and country.
func IsNewLocation(prev, curr LocationRecord, thresholdKM float64) bool {
	if !prev.hasCoordinates() || !curr.hasCoordinates() {
		return prev.City != curr.City || prev.Country != curr.Country
	}

	distance := HaversineDistance(
		prev.Latitude, prev.Longitude,
		curr.Latitude, curr.Longitude,
	)

	return distance > thresholdKM
}
