package store

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// memoryEntry holds one key of any supported type.
type memoryEntry struct {
	value     []byte
	set       map[string]struct{}
	zset      map[string]float64
	list      [][]byte
	expiresAt time.Time // zero means no expiry
}

// MemoryStore implements KeyedStore using in-memory maps.
// Expired entries are invisible immediately and cleaned up periodically.
// This is useful for tests and single-instance deployments.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time

	// For periodic cleanup
	stopCleanup chan struct{}
	closeOnce   sync.Once
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now, letting tests move TTLs forward.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore creates a new in-memory keyed store.
// It starts a background goroutine that periodically removes expired entries.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries:     make(map[string]*memoryEntry),
		now:         time.Now,
		stopCleanup: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop(time.Minute)

	return s
}

// live returns the entry for key if present and not expired. Caller holds mu.
func (s *MemoryStore) live(key string) *memoryEntry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return nil
	}
	return e
}

// entry returns the live entry for key, creating it if needed. Caller holds mu.
func (s *MemoryStore) entry(key string) *memoryEntry {
	if e := s.live(key); e != nil {
		return e
	}
	e := &memoryEntry{}
	s.entries[key] = e
	return e
}

func (s *MemoryStore) expire(e *memoryEntry, ttl time.Duration) {
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
}

// Set stores value under key.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := &memoryEntry{value: append([]byte(nil), value...)}
	s.expire(e, ttl)
	s.entries[key] = e
	return nil
}

// Get returns the value stored under key.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil || e.value == nil {
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

// Exists reports whether key holds a live value.
func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.live(key) != nil, nil
}

// Delete removes keys.
func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		delete(s.entries, key)
	}
	return nil
}

// Incr increments the counter at key.
func (s *MemoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(key)
	var n int64
	if e.value != nil {
		parsed, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, err
		}
		n = parsed
	}
	n++
	e.value = []byte(strconv.FormatInt(n, 10))
	s.expire(e, ttl)
	return n, nil
}

// SAdd adds members to the set at key.
func (s *MemoryStore) SAdd(_ context.Context, key string, ttl time.Duration, members ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(key)
	if e.set == nil {
		e.set = make(map[string]struct{})
	}
	var added int64
	for _, m := range members {
		if _, ok := e.set[m]; !ok {
			e.set[m] = struct{}{}
			added++
		}
	}
	s.expire(e, ttl)
	return added, nil
}

// SRem removes members from the set at key.
func (s *MemoryStore) SRem(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		return nil
	}
	for _, m := range members {
		delete(e.set, m)
	}
	if len(e.set) == 0 {
		delete(s.entries, key)
	}
	return nil
}

// SMembers returns the members of the set at key.
func (s *MemoryStore) SMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		return nil, nil
	}
	members := make([]string, 0, len(e.set))
	for m := range e.set {
		members = append(members, m)
	}
	return members, nil
}

// SCard returns the size of the set at key.
func (s *MemoryStore) SCard(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		return 0, nil
	}
	return int64(len(e.set)), nil
}

// ZAdd inserts member into the sorted index at key.
func (s *MemoryStore) ZAdd(_ context.Context, key string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(key)
	if e.zset == nil {
		e.zset = make(map[string]float64)
	}
	e.zset[member] = score
	return nil
}

// ZRem removes members from the sorted index at key.
func (s *MemoryStore) ZRem(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		return nil
	}
	for _, m := range members {
		delete(e.zset, m)
	}
	return nil
}

// ZTrim keeps only the keep highest-scored members.
func (s *MemoryStore) ZTrim(_ context.Context, key string, keep int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		return nil
	}
	ranked := e.ranked()
	for i := int(keep); i < len(ranked); i++ {
		delete(e.zset, ranked[i])
	}
	return nil
}

// ZRevRange returns members ranked from the highest score.
func (s *MemoryStore) ZRevRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		return nil, nil
	}
	ranked := e.ranked()
	lo, hi, ok := bounds(start, stop, len(ranked))
	if !ok {
		return nil, nil
	}
	return ranked[lo : hi+1], nil
}

// ranked sorts members by descending score; ties break by descending member like Redis.
func (e *memoryEntry) ranked() []string {
	members := make([]string, 0, len(e.zset))
	for m := range e.zset {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool {
		si, sj := e.zset[members[i]], e.zset[members[j]]
		if si != sj {
			return si > sj
		}
		return strings.Compare(members[i], members[j]) > 0
	})
	return members
}

// LPush prepends values to the list at key.
func (s *MemoryStore) LPush(_ context.Context, key string, ttl time.Duration, values ...[]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(key)
	for _, v := range values {
		e.list = append([][]byte{append([]byte(nil), v...)}, e.list...)
	}
	s.expire(e, ttl)
	return nil
}

// LTrim keeps only the elements in [start, stop].
func (s *MemoryStore) LTrim(_ context.Context, key string, start, stop int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		return nil
	}
	lo, hi, ok := bounds(start, stop, len(e.list))
	if !ok {
		delete(s.entries, key)
		return nil
	}
	e.list = e.list[lo : hi+1]
	return nil
}

// LRange returns the elements in [start, stop].
func (s *MemoryStore) LRange(_ context.Context, key string, start, stop int64) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		return nil, nil
	}
	lo, hi, ok := bounds(start, stop, len(e.list))
	if !ok {
		return nil, nil
	}
	out := make([][]byte, 0, hi-lo+1)
	for _, v := range e.list[lo : hi+1] {
		out = append(out, append([]byte(nil), v...))
	}
	return out, nil
}

// bounds resolves Redis-style inclusive indexes against a length n.
func bounds(start, stop int64, n int) (int, int, bool) {
	size := int64(n)
	if start < 0 {
		start += size
	}
	if stop < 0 {
		stop += size
	}
	if start < 0 {
		start = 0
	}
	if stop >= size {
		stop = size - 1
	}
	if start > stop || start >= size {
		return 0, 0, false
	}
	return int(start), int(stop), true
}

// Close stops the background cleanup goroutine.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() { close(s.stopCleanup) })
	return nil
}

// cleanupLoop periodically removes expired entries.
func (s *MemoryStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup removes all expired entries.
func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, e := range s.entries {
		if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
			delete(s.entries, key)
		}
	}
}

// MemoryRepository implements Repository using in-memory maps.
// This is useful for testing but not recommended for production.
type MemoryRepository struct {
	mu       sync.RWMutex
	users    map[string]*User   // userID -> User
	byEmail  map[string]string  // email -> userID
	devices  map[string]*Device // userID|deviceID -> Device
	sessions []*SessionRecord
}

// NewMemoryRepository creates a new in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:   make(map[string]*User),
		byEmail: make(map[string]string),
		devices: make(map[string]*Device),
	}
}

func deviceKey(userID, deviceID string) string {
	return userID + "|" + deviceID
}

// CreateUser persists a new user.
func (r *MemoryRepository) CreateUser(_ context.Context, user *User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.byEmail[user.Email]; taken {
		return ErrDuplicate
	}
	if _, taken := r.users[user.ID]; taken {
		return ErrDuplicate
	}
	u := *user
	r.users[u.ID] = &u
	r.byEmail[u.Email] = u.ID
	return nil
}

// UserByID returns the user with the given id.
func (r *MemoryRepository) UserByID(_ context.Context, id string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *u
	return &out, nil
}

// UserByEmail returns the user with the given email.
func (r *MemoryRepository) UserByEmail(ctx context.Context, email string) (*User, error) {
	r.mu.RLock()
	id, ok := r.byEmail[email]
	r.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	return r.UserByID(ctx, id)
}

// UpdatePassword replaces the password hash of a user.
func (r *MemoryRepository) UpdatePassword(_ context.Context, userID, hash string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = hash
	u.PasswordChangedAt = at
	return nil
}

// Device returns the device bound to the user.
func (r *MemoryRepository) Device(_ context.Context, userID, deviceID string) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[deviceKey(userID, deviceID)]
	if !ok {
		return nil, ErrNotFound
	}
	out := *d
	return &out, nil
}

// SaveDevice inserts or replaces a device binding.
func (r *MemoryRepository) SaveDevice(_ context.Context, device *Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d := *device
	key := deviceKey(d.UserID, d.DeviceID)
	if existing, ok := r.devices[key]; ok {
		d.FirstSeen = existing.FirstSeen
	}
	r.devices[key] = &d
	return nil
}

// TouchDevice refreshes the last-seen timestamp of a device binding.
func (r *MemoryRepository) TouchDevice(_ context.Context, userID, deviceID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[deviceKey(userID, deviceID)]
	if !ok {
		return ErrNotFound
	}
	d.LastSeen = at
	return nil
}

// SaveSession appends a session backup record.
func (r *MemoryRepository) SaveSession(_ context.Context, session *SessionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := *session
	r.sessions = append(r.sessions, &rec)
	return nil
}

// SessionsCreatedAfter returns session backups created after t, oldest first.
func (r *MemoryRepository) SessionsCreatedAfter(_ context.Context, t time.Time) ([]*SessionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*SessionRecord
	for _, s := range r.sessions {
		if s.CreatedAt.After(t) {
			rec := *s
			out = append(out, &rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Close is a no-op for the memory repository.
func (r *MemoryRepository) Close() error {
	return nil
}
