package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key or record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when creating a record whose key already exists.
	ErrDuplicate = errors.New("store: duplicate record")
)

// KeyedStore is the set of data-structure primitives the risk pipeline is
// expressed in. Every counter, cache and index lives behind these calls.
// Implementations must be safe for concurrent use, and Incr and SAdd must be
// atomic with respect to concurrent callers on the same key.
//
// A ttl of zero means the key never expires. Where a ttl is passed to a
// collection write, it is (re)applied to the whole key.
type KeyedStore interface {
	// Set stores value under key with the given TTL, replacing any value.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Exists reports whether key holds a live value of any type.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes the given keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error

	// Incr atomically increments the counter at key and returns the new value.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// SAdd adds members to the set at key and returns how many were new.
	SAdd(ctx context.Context, key string, ttl time.Duration, members ...string) (int64, error)

	// SRem removes members from the set at key.
	SRem(ctx context.Context, key string, members ...string) error

	// SMembers returns all members of the set at key in unspecified order.
	SMembers(ctx context.Context, key string) ([]string, error)

	// SCard returns the number of members of the set at key.
	SCard(ctx context.Context, key string) (int64, error)

	// ZAdd inserts or updates member in the sorted index at key.
	ZAdd(ctx context.Context, key string, score float64, member string) error

	// ZRem removes members from the sorted index at key.
	ZRem(ctx context.Context, key string, members ...string) error

	// ZTrim keeps only the keep highest-scored members of the index at key.
	ZTrim(ctx context.Context, key string, keep int64) error

	// ZRevRange returns members ranked from highest score, inclusive bounds.
	// A negative stop counts from the end, as in Redis.
	ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// LPush prepends values to the list at key.
	LPush(ctx context.Context, key string, ttl time.Duration, values ...[]byte) error

	// LTrim keeps only the elements in the inclusive range [start, stop].
	LTrim(ctx context.Context, key string, start, stop int64) error

	// LRange returns the elements in the inclusive range [start, stop].
	LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)

	// Close releases any resources held by the store.
	Close() error
}

// User is a subscriber account.
type User struct {
	ID                string
	Email             string
	PasswordHash      string
	Plan              string
	CreatedAt         time.Time
	PasswordChangedAt time.Time
}

// Device is a (user, device) binding with its trust flag.
type Device struct {
	UserID     string
	DeviceID   string
	Trusted    bool
	Browser    string
	OS         string
	DeviceType string
	FirstSeen  time.Time
	LastSeen   time.Time
}

// SessionRecord is the durable backup copy of a session used for analytics.
type SessionRecord struct {
	UserID     string
	DeviceID   string
	IPAddress  string
	UserAgent  string
	TrustScore int
	Country    string
	City       string
	CreatedAt  time.Time
}

// Repository defines durable storage for users, devices and session backups.
// Implementations must be safe for concurrent use.
type Repository interface {
	// CreateUser persists a new user. Returns ErrDuplicate if the email is taken.
	CreateUser(ctx context.Context, user *User) error

	// UserByID returns the user with the given id, or ErrNotFound.
	UserByID(ctx context.Context, id string) (*User, error)

	// UserByEmail returns the user with the given email, or ErrNotFound.
	UserByEmail(ctx context.Context, email string) (*User, error)

	// UpdatePassword replaces the password hash and stamps PasswordChangedAt.
	UpdatePassword(ctx context.Context, userID, hash string, at time.Time) error

	// Device returns the device bound to the user, or ErrNotFound.
	Device(ctx context.Context, userID, deviceID string) (*Device, error)

	// SaveDevice inserts the device or replaces the existing binding.
	SaveDevice(ctx context.Context, device *Device) error

	// TouchDevice refreshes LastSeen of an existing binding.
	TouchDevice(ctx context.Context, userID, deviceID string, at time.Time) error

	// SaveSession appends a session backup record.
	SaveSession(ctx context.Context, session *SessionRecord) error

	// SessionsCreatedAfter returns session backups created after t, oldest first.
	SessionsCreatedAfter(ctx context.Context, t time.Time) ([]*SessionRecord, error)

	// Close releases any resources held by the repository.
	Close() error
}
