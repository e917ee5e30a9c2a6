package gatekeeper

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aadithya-v/gatekeeper/store"
)

// recorder counts executions per action kind.
type recorder struct {
	mu    sync.Mutex
	calls map[ActionKind][]string
}

func (r *recorder) action(kind ActionKind) Action {
	return ActionFunc(func(_ context.Context, a *Alert) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.calls == nil {
			r.calls = make(map[ActionKind][]string)
		}
		r.calls[kind] = append(r.calls[kind], a.RuleID)
		return nil
	})
}

func (r *recorder) count(kind ActionKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls[kind])
}

func (r *recorder) all() map[ActionKind]Action {
	actions := make(map[ActionKind]Action)
	for _, kind := range []ActionKind{
		ActionEmail, ActionSlack, ActionDiscord, ActionWebhook,
		ActionBlockSession, ActionTemporaryBlock, ActionFlag, ActionLog,
	} {
		actions[kind] = r.action(kind)
	}
	return actions
}

func newTestEngine(t *testing.T, mutate func(*AlertEngineConfig)) (*AlertRuleEngine, *recorder, *testClock, *store.MemoryStore) {
	t.Helper()
	clock := newTestClock(noon)
	mem := store.NewMemoryStore(store.WithClock(clock.Now))
	t.Cleanup(func() { _ = mem.Close() })

	rec := &recorder{}
	cfg := AlertEngineConfig{
		Store:   mem,
		Actions: rec.all(),
		Now:     clock.Now,
		Logger:  zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := NewAlertRuleEngine(cfg)
	require.NoError(t, err)
	return e, rec, clock, mem
}

// quietContext matches no default rule.
func quietContext() *AlertContext {
	return &AlertContext{
		UserID:      "u1",
		Email:       "alice@example.com",
		DeviceID:    "d1",
		IPAddress:   ipNewYork,
		Trust:       TrustScore{Score: 72, Level: TrustMedium},
		MaxSessions: 2,
	}
}

func ruleIDs(alerts []Alert) []string {
	ids := make([]string, 0, len(alerts))
	for _, a := range alerts {
		ids = append(ids, a.RuleID)
	}
	return ids
}

func TestDefaultRulesFire(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AlertContext)
		want   []string
	}{
		{"nothing", func(*AlertContext) {}, nil},
		{"impossible travel", func(c *AlertContext) { c.Geo.Impossible = true }, []string{"geo_impossibility"}},
		{"critical trust", func(c *AlertContext) { c.Trust.Score = 39 }, []string{"critical_trust_score"}},
		{"trust at threshold", func(c *AlertContext) { c.Trust.Score = CriticalTrustThreshold }, nil},
		{"shared device", func(c *AlertContext) { c.DeviceUserCount = 3 }, []string{"device_sharing"}},
		{"at session limit", func(c *AlertContext) { c.ActiveSessions = 2 }, []string{"session_limit_reached"}},
		{"no plan limit known", func(c *AlertContext) { c.ActiveSessions, c.MaxSessions = 2, 0 }, nil},
		{"brute force", func(c *AlertContext) { c.FailedAttempts = 5 }, []string{"brute_force"}},
		{"new device", func(c *AlertContext) { c.IsNewDevice = true }, []string{"new_device_login"}},
		{"private network", func(c *AlertContext) { c.IsVPN = true }, []string{"vpn_or_proxy"}},
		{"rapid moves", func(c *AlertContext) { c.LocationChangeCount = 3 }, []string{"rapid_location_changes"}},
		{"password change alone", func(c *AlertContext) { c.PasswordChanged = true }, nil},
		{
			"password change then new device",
			func(c *AlertContext) { c.PasswordChanged, c.IsNewDevice = true, true },
			[]string{"new_device_login", "password_change_new_device"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _, _, _ := newTestEngine(t, nil)
			ac := quietContext()
			tt.mutate(ac)

			got := ruleIDs(e.Evaluate(context.Background(), ac))
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestImpossibleTravelActionsRunOnce(t *testing.T) {
	e, rec, _, _ := newTestEngine(t, nil)

	ac := quietContext()
	ac.Geo = GeoCheck{
		Impossible: true,
		RiskScore:  95,
		Reason:     "11760 km in 120 minutes",
		Current:    &LocationRecord{City: "New York", Country: "United States"},
	}

	alerts := e.Evaluate(context.Background(), ac)
	require.Len(t, alerts, 1)
	assert.Equal(t, SeverityCritical, alerts[0].Severity)
	assert.Equal(t, "User alice@example.com logged in from New York, United States: 11760 km in 120 minutes", alerts[0].Message)

	assert.Equal(t, 1, rec.count(ActionEmail))
	assert.Equal(t, 1, rec.count(ActionSlack))
	assert.Equal(t, 1, rec.count(ActionBlockSession))
	assert.Equal(t, 1, rec.count(ActionLog))
	assert.Zero(t, rec.count(ActionFlag))
}

func TestMessageWithoutLocation(t *testing.T) {
	e, _, _, _ := newTestEngine(t, nil)

	ac := quietContext()
	ac.Geo = GeoCheck{Impossible: true, Reason: "r"}

	alerts := e.Evaluate(context.Background(), ac)
	require.Len(t, alerts, 1)
	assert.Equal(t, "User alice@example.com logged in from : r", alerts[0].Message)
}

func TestPanickingRuleIsIsolated(t *testing.T) {
	rules := []AlertRule{
		{
			ID:        "nil_location",
			Name:      "Dereferences a missing location",
			Condition: func(c *AlertContext) bool { return c.Location.City == "" },
			Severity:  SeverityLow,
			Actions:   []ActionKind{ActionLog},
			Message:   "unreachable",
		},
		{
			ID:        "always",
			Name:      "Always",
			Condition: func(*AlertContext) bool { return true },
			Severity:  SeverityLow,
			Actions:   []ActionKind{ActionLog},
			Message:   "fired for {{.Email}}",
		},
	}
	e, rec, _, _ := newTestEngine(t, func(c *AlertEngineConfig) { c.Rules = rules })

	var alerts []Alert
	assert.NotPanics(t, func() { alerts = e.Evaluate(context.Background(), quietContext()) })
	assert.Equal(t, []string{"always"}, ruleIDs(alerts))
	assert.Equal(t, 1, rec.count(ActionLog))
}

func TestFailingActionDoesNotStopOthers(t *testing.T) {
	var buf strings.Builder
	e, rec, _, _ := newTestEngine(t, func(c *AlertEngineConfig) {
		c.Logger = zerolog.New(&syncWriter{w: &buf})
		c.Actions[ActionEmail] = ActionFunc(func(context.Context, *Alert) error {
			return errors.New("smtp unavailable")
		})
		c.Actions[ActionSlack] = ActionFunc(func(context.Context, *Alert) error {
			panic("slack client not configured")
		})
	})

	ac := quietContext()
	ac.Geo.Impossible = true
	ac.IsNewDevice = true

	alerts := e.Evaluate(context.Background(), ac)
	assert.Equal(t, []string{"geo_impossibility", "new_device_login"}, ruleIDs(alerts))
	assert.Equal(t, 1, rec.count(ActionBlockSession))
	assert.Equal(t, 2, rec.count(ActionLog))
	assert.Contains(t, buf.String(), "smtp unavailable")
	assert.Contains(t, buf.String(), "slack client not configured")
}

func TestUnknownActionIsRejected(t *testing.T) {
	mem := store.NewMemoryStore()
	t.Cleanup(func() { _ = mem.Close() })

	_, err := NewAlertRuleEngine(AlertEngineConfig{
		Store: mem,
		Rules: []AlertRule{{ID: "r", Actions: []ActionKind{"pager"}}},
	})
	assert.ErrorContains(t, err, "pager")

	_, err = NewAlertRuleEngine(AlertEngineConfig{
		Store: mem,
		Rules: []AlertRule{{ID: "r", Message: "{{.Email"}},
	})
	assert.Error(t, err)
}

func TestAlertQueries(t *testing.T) {
	ctx := context.Background()
	e, _, clock, _ := newTestEngine(t, nil)

	raise := func(userID string, mutate func(*AlertContext)) {
		ac := quietContext()
		ac.UserID = userID
		mutate(ac)
		require.NotEmpty(t, e.Evaluate(ctx, ac))
		clock.Advance(time.Minute)
	}
	raise("u1", func(c *AlertContext) { c.IsNewDevice = true })
	raise("u2", func(c *AlertContext) { c.Geo.Impossible = true })
	raise("u1", func(c *AlertContext) { c.FailedAttempts = 7 })

	recent, err := e.Recent(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"brute_force", "geo_impossibility"}, ruleIDs(recent))

	critical, err := e.BySeverity(ctx, SeverityCritical, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"geo_impossibility"}, ruleIDs(critical))

	mine, err := e.ByUser(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"brute_force", "new_device_login"}, ruleIDs(mine))

	none, err := e.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestAlertIndexIsTrimmed(t *testing.T) {
	ctx := context.Background()
	e, _, clock, _ := newTestEngine(t, func(c *AlertEngineConfig) { c.IndexSize = 3 })

	for i := 0; i < 5; i++ {
		ac := quietContext()
		ac.IsVPN = true
		e.Evaluate(ctx, ac)
		clock.Advance(time.Second)
	}

	all, err := e.Recent(ctx, 100)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, noon.Add(4*time.Second), all[0].Timestamp.UTC())
}

func TestAlertRetention(t *testing.T) {
	ctx := context.Background()
	e, _, clock, _ := newTestEngine(t, func(c *AlertEngineConfig) { c.Retention = time.Hour })

	ac := quietContext()
	ac.IsVPN = true
	e.Evaluate(ctx, ac)

	clock.Advance(2 * time.Hour)
	recent, err := e.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, recent)
}

func TestAlertStats(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock(noon)
	mem := store.NewMemoryStore(store.WithClock(clock.Now))
	t.Cleanup(func() { _ = mem.Close() })

	rec := &recorder{}
	actions := rec.all()
	actions[ActionFlag] = &FlagAction{Store: mem, TTL: time.Hour}
	e, err := NewAlertRuleEngine(AlertEngineConfig{Store: mem, Actions: actions, Now: clock.Now, Logger: zerolog.Nop()})
	require.NoError(t, err)

	old := quietContext()
	old.Trust.Score = 10
	e.Evaluate(ctx, old)

	clock.Advance(25 * time.Hour)
	shared := quietContext()
	shared.UserID = "u2"
	shared.DeviceUserCount = 4
	e.Evaluate(ctx, shared)

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Last24h)
	assert.Equal(t, 2, stats.BySeverity[SeverityHigh])
	assert.Equal(t, 1, stats.ByRule["device_sharing"])
	assert.Equal(t, 1, stats.FlaggedUsers, "the flag on u1 has expired")

	flagged, err := e.FlaggedUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u2"}, flagged)

	// Flagging u2 dropped the expired u1 from the set.
	members, err := mem.SMembers(ctx, keyFlaggedUsers)
	require.NoError(t, err)
	assert.Equal(t, []string{"u2"}, members)

	// Reading never prunes.
	clock.Advance(2 * time.Hour)
	stats, err = e.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.FlaggedUsers)
	members, err = mem.SMembers(ctx, keyFlaggedUsers)
	require.NoError(t, err)
	assert.Equal(t, []string{"u2"}, members)
}

func TestRecentReadsPastMissingAlerts(t *testing.T) {
	ctx := context.Background()
	e, _, clock, mem := newTestEngine(t, nil)

	for i := 0; i < 3; i++ {
		ac := quietContext()
		ac.IsVPN = true
		e.Evaluate(ctx, ac)
		clock.Advance(time.Second)
	}
	all, err := e.Recent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, all, 3)

	require.NoError(t, mem.Delete(ctx, keyAlert(all[0].ID)))

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	ids, err := mem.ZRevRange(ctx, keyAlertIndex, 0, -1)
	require.NoError(t, err)
	assert.Len(t, ids, 3, "stats leaves the index alone")

	recent, err := e.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, all[1].ID, recent[0].ID)
	assert.Equal(t, all[2].ID, recent[1].ID)

	ids, err = mem.ZRevRange(ctx, keyAlertIndex, 0, -1)
	require.NoError(t, err)
	assert.Len(t, ids, 2, "listing prunes the missing entry")
}

func TestTemporaryBlockSuspends(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock(noon)
	mem := store.NewMemoryStore(store.WithClock(clock.Now))
	t.Cleanup(func() { _ = mem.Close() })

	a := &TemporaryBlockAction{Store: mem, Duration: 15 * time.Minute}
	require.NoError(t, a.Execute(ctx, &Alert{UserID: "u1", RuleID: "brute_force"}))

	blocked, err := isSuspended(ctx, mem, "u1")
	require.NoError(t, err)
	assert.True(t, blocked)

	clock.Advance(15 * time.Minute)
	blocked, err = isSuspended(ctx, mem, "u1")
	require.NoError(t, err)
	assert.False(t, blocked)
}

// syncWriter serializes writes from concurrent loggers.
type syncWriter struct {
	mu sync.Mutex
	w  *strings.Builder
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
