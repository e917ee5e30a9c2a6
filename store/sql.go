package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// sqlDialect carries the statements that differ between SQL backends.
type sqlDialect struct {
	name         string
	upsertDevice string
	isDuplicate  func(error) bool
}

// sqlRepository implements Repository over database/sql. Both SQL backends
// use "?" placeholders, so only upserts and duplicate detection differ.
type sqlRepository struct {
	db      *sql.DB
	dialect sqlDialect
}

func (s *sqlRepository) errorf(format string, err error) error {
	return fmt.Errorf("%s: "+format+": %w", s.dialect.name, err)
}

// CreateUser persists a new user.
func (s *sqlRepository) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash, plan, created_at, password_changed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		user.ID,
		user.Email,
		user.PasswordHash,
		user.Plan,
		user.CreatedAt.UTC(),
		nullTime(user.PasswordChangedAt),
	)
	if err != nil {
		if s.dialect.isDuplicate(err) {
			return ErrDuplicate
		}
		return s.errorf("failed to create user", err)
	}
	return nil
}

// UserByID returns the user with the given id.
func (s *sqlRepository) UserByID(ctx context.Context, id string) (*User, error) {
	return s.queryUser(ctx, "id", id)
}

// UserByEmail returns the user with the given email.
func (s *sqlRepository) UserByEmail(ctx context.Context, email string) (*User, error) {
	return s.queryUser(ctx, "email", email)
}

func (s *sqlRepository) queryUser(ctx context.Context, column, value string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, plan, created_at, password_changed_at
		FROM users WHERE `+column+` = ?`,
		value,
	)

	var (
		user    User
		changed sql.NullTime
	)
	err := row.Scan(&user.ID, &user.Email, &user.PasswordHash, &user.Plan, &user.CreatedAt, &changed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.errorf("failed to scan user", err)
	}
	if changed.Valid {
		user.PasswordChangedAt = changed.Time
	}
	return &user, nil
}

// UpdatePassword replaces the password hash of a user.
func (s *sqlRepository) UpdatePassword(ctx context.Context, userID, hash string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE users SET password_hash = ?, password_changed_at = ? WHERE id = ?",
		hash, at.UTC(), userID,
	)
	if err != nil {
		return s.errorf("failed to update password", err)
	}
	return requireAffected(res)
}

// Device returns the device bound to the user.
func (s *sqlRepository) Device(ctx context.Context, userID, deviceID string) (*Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, device_id, trusted, browser, os, device_type, first_seen, last_seen
		FROM devices WHERE user_id = ? AND device_id = ?`,
		userID, deviceID,
	)

	var device Device
	err := row.Scan(
		&device.UserID,
		&device.DeviceID,
		&device.Trusted,
		&device.Browser,
		&device.OS,
		&device.DeviceType,
		&device.FirstSeen,
		&device.LastSeen,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.errorf("failed to scan device", err)
	}
	return &device, nil
}

// SaveDevice inserts or replaces a device binding.
func (s *sqlRepository) SaveDevice(ctx context.Context, device *Device) error {
	_, err := s.db.ExecContext(ctx, s.dialect.upsertDevice,
		device.UserID,
		device.DeviceID,
		device.Trusted,
		device.Browser,
		device.OS,
		device.DeviceType,
		device.FirstSeen.UTC(),
		device.LastSeen.UTC(),
	)
	if err != nil {
		return s.errorf("failed to save device", err)
	}
	return nil
}

// TouchDevice refreshes the last-seen timestamp of a device binding.
func (s *sqlRepository) TouchDevice(ctx context.Context, userID, deviceID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE devices SET last_seen = ? WHERE user_id = ? AND device_id = ?",
		at.UTC(), userID, deviceID,
	)
	if err != nil {
		return s.errorf("failed to touch device", err)
	}
	return requireAffected(res)
}

// SaveSession appends a session backup record.
func (s *sqlRepository) SaveSession(ctx context.Context, session *SessionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_log (
			user_id, device_id, ip_address, user_agent, trust_score, country, city, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		session.UserID,
		session.DeviceID,
		session.IPAddress,
		session.UserAgent,
		session.TrustScore,
		session.Country,
		session.City,
		session.CreatedAt.UTC(),
	)
	if err != nil {
		return s.errorf("failed to save session", err)
	}
	return nil
}

// SessionsCreatedAfter returns session backups created after t, oldest first.
func (s *sqlRepository) SessionsCreatedAfter(ctx context.Context, t time.Time) ([]*SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, device_id, ip_address, user_agent, trust_score, country, city, created_at
		FROM session_log WHERE created_at > ? ORDER BY created_at ASC`,
		t.UTC(),
	)
	if err != nil {
		return nil, s.errorf("failed to query sessions", err)
	}
	defer rows.Close()

	var sessions []*SessionRecord
	for rows.Next() {
		var session SessionRecord
		err := rows.Scan(
			&session.UserID,
			&session.DeviceID,
			&session.IPAddress,
			&session.UserAgent,
			&session.TrustScore,
			&session.Country,
			&session.City,
			&session.CreatedAt,
		)
		if err != nil {
			return nil, s.errorf("failed to scan session", err)
		}
		sessions = append(sessions, &session)
	}

	if err := rows.Err(); err != nil {
		return nil, s.errorf("error iterating sessions", err)
	}

	return sessions, nil
}

// Close closes the database connection.
func (s *sqlRepository) Close() error {
	return s.db.Close()
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
