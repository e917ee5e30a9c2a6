package gatekeeper

import (
	"fmt"
	"net"
	"time"

	"github.com/oschwald/geoip2-golang"
)

// LocationRecord is a coarse geolocation of an IP address at a point in time.
type LocationRecord struct {
	IP          string    `json:"ip"`
	City        string    `json:"city"`
	Country     string    `json:"country"`
	CountryCode string    `json:"country_code"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	CapturedAt  time.Time `json:"captured_at"`
}

func (l LocationRecord) hasCoordinates() bool {
	return l.Latitude != 0 || l.Longitude != 0
}

// countryKey identifies the country for set membership, preferring the ISO code.
func (l LocationRecord) countryKey() string {
	if l.CountryCode != "" {
		return l.CountryCode
	}
	return l.Country
}

// Geolocator resolves an IP address to a location.
type Geolocator interface {
	Lookup(ip string) (*LocationRecord, error)
}

// GeoIPReader provides IP geolocation using MaxMind GeoLite2 database.
type GeoIPReader struct {
	db   *geoip2.Reader
	path string
}

// NewGeoIPReader opens a MaxMind GeoLite2-City database.
func NewGeoIPReader(dbPath string) (*GeoIPReader, error) {
	if dbPath == "" {
		return nil, ErrGeoIPDatabaseNotConfigured
	}

	db, err := geoip2.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("geoip: failed to open database: %w", err)
	}

	return &GeoIPReader{
		db:   db,
		path: dbPath,
	}, nil
}

// Lookup returns location information for an IP address.
func (r *GeoIPReader) Lookup(ip string) (*LocationRecord, error) {
	if r == nil || r.db == nil {
		return nil, ErrGeoIPDatabaseNotConfigured
	}

	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidIP, ip)
	}

	record, err := r.db.City(parsed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGeoIPLookupFailed, err)
	}
	if record.Country.IsoCode == "" && record.Location.Latitude == 0 && record.Location.Longitude == 0 {
		// Reserved and private ranges resolve to an empty record.
		return nil, fmt.Errorf("%w: no data for %s", ErrGeoIPLookupFailed, ip)
	}

	return &LocationRecord{
		IP:          ip,
		City:        englishName(record.City.Names),
		Country:     englishName(record.Country.Names),
		CountryCode: record.Country.IsoCode,
		Latitude:    record.Location.Latitude,
		Longitude:   record.Location.Longitude,
	}, nil
}

// englishName prefers the English name and falls back to any available one.
func englishName(names map[string]string) string {
	if name, ok := names["en"]; ok {
		return name
	}
	for _, name := range names {
		return name
	}
	return ""
}

// Close closes the GeoIP database.
func (r *GeoIPReader) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// StaticGeolocator resolves addresses from a fixed table. It serves local
// development and tests where no MaxMind database is available.
type StaticGeolocator map[string]LocationRecord

// Lookup returns the table entry for ip.
func (s StaticGeolocator) Lookup(ip string) (*LocationRecord, error) {
	loc, ok := s[ip]
	if !ok {
		return nil, fmt.Errorf("%w: no entry for %s", ErrGeoIPLookupFailed, ip)
	}
	loc.IP = ip
	return &loc, nil
}
