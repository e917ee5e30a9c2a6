package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aadithya-v/gatekeeper/store"
)

func newTestRegistry(t *testing.T, ttl time.Duration) (*SessionRegistry, *testClock) {
	t.Helper()
	clock := newTestClock(noon)
	mem := store.NewMemoryStore(store.WithClock(clock.Now))
	t.Cleanup(func() { _ = mem.Close() })
	return NewSessionRegistry(mem, ttl, clock.Now, zerolog.Nop()), clock
}

func TestPlanMaxSessions(t *testing.T) {
	tests := map[Plan]int{
		PlanBasic:    1,
		PlanStandard: 2,
		PlanPremium:  4,
		"ENTERPRISE": 1,
		"":           1,
	}
	for plan, want := range tests {
		if got := plan.MaxSessions(); got != want {
			t.Errorf("%q.MaxSessions() = %d, want %d", plan, got, want)
		}
	}
}

func TestSessionCreateAndGet(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t, time.Hour)

	s := &Session{UserID: "u1", DeviceID: "d1", Token: "tok", IPAddress: ipDelhi, TrustScore: 70}
	if err := r.Create(ctx, s); err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	if !s.CreatedAt.Equal(noon) || !s.LastActivity.Equal(noon) {
		t.Errorf("timestamps not defaulted to now: %v %v", s.CreatedAt, s.LastActivity)
	}

	got, err := r.Get(ctx, "u1", "d1")
	if err != nil {
		t.Fatalf("Failed to get session: %v", err)
	}
	if got.Token != "tok" || got.TrustScore != 70 {
		t.Errorf("unexpected session %+v", got)
	}

	if _, err := r.Get(ctx, "u1", "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrSessionNotFound", err)
	}
}

func TestBasicPlanEvictsOldest(t *testing.T) {
	ctx := context.Background()
	r, clock := newTestRegistry(t, time.Hour)

	evicted, err := r.CreateWithLimit(ctx, &Session{UserID: "u1", DeviceID: "d1", Token: "t1"}, PlanBasic)
	require.NoError(t, err)
	assert.Empty(t, evicted)

	clock.Advance(time.Minute)
	evicted, err = r.CreateWithLimit(ctx, &Session{UserID: "u1", DeviceID: "d2", Token: "t2"}, PlanBasic)
	require.NoError(t, err)
	require.Len(t, evicted, 1)
	assert.Equal(t, "d1", evicted[0].DeviceID)

	_, err = r.Get(ctx, "u1", "d1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	active, err := r.ListActive(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "d2", active[0].DeviceID)
}

func TestEnforceEvictsByCreationNotActivity(t *testing.T) {
	ctx := context.Background()
	r, clock := newTestRegistry(t, time.Hour)

	for _, d := range []string{"d1", "d2"} {
		_, err := r.CreateWithLimit(ctx, &Session{UserID: "u1", DeviceID: d}, PlanStandard)
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}
	// d1 is the most recently active but still the oldest.
	require.NoError(t, r.TouchActivity(ctx, "u1", "d1"))

	evicted, err := r.CreateWithLimit(ctx, &Session{UserID: "u1", DeviceID: "d3"}, PlanStandard)
	require.NoError(t, err)
	require.Len(t, evicted, 1)
	assert.Equal(t, "d1", evicted[0].DeviceID)
}

func TestSameDeviceReplacesSession(t *testing.T) {
	ctx := context.Background()
	r, clock := newTestRegistry(t, time.Hour)

	_, err := r.CreateWithLimit(ctx, &Session{UserID: "u1", DeviceID: "d1", Token: "old"}, PlanBasic)
	require.NoError(t, err)
	clock.Advance(time.Minute)

	evicted, err := r.CreateWithLimit(ctx, &Session{UserID: "u1", DeviceID: "d1", Token: "new"}, PlanBasic)
	require.NoError(t, err)
	assert.Empty(t, evicted)

	active, err := r.ListActive(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "new", active[0].Token)
}

func TestTouchActivity(t *testing.T) {
	ctx := context.Background()
	r, clock := newTestRegistry(t, time.Hour)

	require.NoError(t, r.Create(ctx, &Session{UserID: "u1", DeviceID: "d1", Token: "tok"}))

	clock.Advance(10 * time.Minute)
	require.NoError(t, r.TouchActivity(ctx, "u1", "d1"))

	got, err := r.Get(ctx, "u1", "d1")
	require.NoError(t, err)
	assert.Equal(t, noon, got.CreatedAt)
	assert.Equal(t, noon.Add(10*time.Minute), got.LastActivity)
	assert.Equal(t, "tok", got.Token)

	// The expiry stays anchored to creation.
	clock.Advance(50 * time.Minute)
	assert.ErrorIs(t, r.TouchActivity(ctx, "u1", "d1"), ErrSessionNotFound)
	assert.ErrorIs(t, r.TouchActivity(ctx, "u1", "missing"), ErrSessionNotFound)
}

func TestListActivePrunesExpired(t *testing.T) {
	ctx := context.Background()
	r, clock := newTestRegistry(t, time.Hour)

	require.NoError(t, r.Create(ctx, &Session{UserID: "u1", DeviceID: "d1"}))
	clock.Advance(30 * time.Minute)
	require.NoError(t, r.Create(ctx, &Session{UserID: "u1", DeviceID: "d2"}))

	users, err := r.ActiveUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, users)

	clock.Advance(45 * time.Minute)
	active, err := r.ListActive(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "d2", active[0].DeviceID)

	clock.Advance(time.Hour)
	active, err = r.ListActive(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, active)

	users, err = r.ActiveUsers(ctx)
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestValidate(t *testing.T) {
	ctx := context.Background()
	r, clock := newTestRegistry(t, time.Hour)
	require.NoError(t, r.Create(ctx, &Session{UserID: "u1", DeviceID: "d1", Token: "tok"}))

	tests := []struct {
		name     string
		deviceID string
		token    string
		want     bool
	}{
		{"matching token", "d1", "tok", true},
		{"wrong token", "d1", "other", false},
		{"empty token", "d1", "", false},
		{"unknown device", "d2", "tok", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := r.Validate(ctx, "u1", tt.deviceID, tt.token)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}

	clock.Advance(time.Hour)
	ok, err := r.Validate(ctx, "u1", "d1", "tok")
	require.NoError(t, err)
	assert.False(t, ok, "expired sessions never validate")
}

func TestDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t, time.Hour)
	require.NoError(t, r.Create(ctx, &Session{UserID: "u1", DeviceID: "d1"}))

	require.NoError(t, r.Delete(ctx, "u1", "d1"))
	require.NoError(t, r.Delete(ctx, "u1", "d1"))

	_, err := r.Get(ctx, "u1", "d1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestConcurrentSessionLimit(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t, time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := &Session{UserID: "u1", DeviceID: fmt.Sprintf("d%02d", i)}
			if _, err := r.CreateWithLimit(ctx, s, PlanPremium); err != nil {
				t.Errorf("CreateWithLimit: %v", err)
			}
		}(i)
	}
	wg.Wait()

	active, err := r.ListActive(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, active, PlanPremium.MaxSessions())
}

func TestKeyedMutexReleasesKeys(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("u1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		k.Lock("u1")()
	}()

	select {
	case <-done:
		t.Fatal("second Lock acquired while held")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	<-done

	k.mu.Lock()
	defer k.mu.Unlock()
	assert.Empty(t, k.locks)
}
