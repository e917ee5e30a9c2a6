package gatekeeper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"text/template"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aadithya-v/gatekeeper/store"
)

// Severity grades an alert.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// AlertContext is everything the rules may inspect about one login.
type AlertContext struct {
	UserID              string          `json:"user_id"`
	Email               string          `json:"email"`
	DeviceID            string          `json:"device_id"`
	IPAddress           string          `json:"ip_address"`
	Geo                 GeoCheck        `json:"geo"`
	Trust               TrustScore      `json:"trust"`
	Location            *LocationRecord `json:"location,omitempty"`
	IsNewDevice         bool            `json:"is_new_device"`
	DeviceUserCount     int64           `json:"device_user_count"`
	ActiveSessions      int             `json:"active_sessions"`
	MaxSessions         int             `json:"max_sessions"`
	FailedAttempts      int64           `json:"failed_attempts"`
	IsVPN               bool            `json:"is_vpn"`
	LocationChangeCount int             `json:"location_change_count"`
	PasswordChanged     bool            `json:"password_changed"`
}

// AlertRule is one row of the rule table. Message is a text/template
// executed against the AlertContext.
type AlertRule struct {
	ID        string
	Name      string
	Condition func(*AlertContext) bool
	Severity  Severity
	Actions   []ActionKind
	Message   string
}

// Alert is the persisted record of a triggered rule.
type Alert struct {
	ID        string       `json:"id"`
	RuleID    string       `json:"rule_id"`
	RuleName  string       `json:"rule_name"`
	Severity  Severity     `json:"severity"`
	Message   string       `json:"message"`
	UserID    string       `json:"user_id"`
	DeviceID  string       `json:"device_id"`
	Context   AlertContext `json:"context"`
	Timestamp time.Time    `json:"timestamp"`
}

// AlertStats aggregates the indexed alerts.
type AlertStats struct {
	Total        int              `json:"total"`
	BySeverity   map[Severity]int `json:"by_severity"`
	ByRule       map[string]int   `json:"by_rule"`
	Last24h      int              `json:"last_24h"`
	FlaggedUsers int              `json:"flagged_users"`
}

// AlertEngineConfig configures an AlertRuleEngine.
type AlertEngineConfig struct {
	Store store.KeyedStore

	// Rules is evaluated in order. Default: DefaultRules().
	Rules []AlertRule

	// Actions executes each action kind named by a rule.
	Actions map[ActionKind]Action

	// Retention is how long alert records are kept. Default: 7 days.
	Retention time.Duration

	// IndexSize caps the recency index. Default: 1000.
	IndexSize int64

	Now    func() time.Time
	Logger zerolog.Logger
}

type compiledRule struct {
	AlertRule
	tmpl *template.Template
}

// AlertRuleEngine evaluates the rule table against a login and runs the
// actions of every rule that fires.
type AlertRuleEngine struct {
	rules     []compiledRule
	actions   map[ActionKind]Action
	store     store.KeyedStore
	retention time.Duration
	indexSize int64
	now       func() time.Time
	logger    zerolog.Logger
}

// NewAlertRuleEngine compiles the rule templates. It fails when a template
// does not parse or a rule names an action with no handler.
func NewAlertRuleEngine(cfg AlertEngineConfig) (*AlertRuleEngine, error) {
	if cfg.Rules == nil {
		cfg.Rules = DefaultRules()
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if cfg.IndexSize <= 0 {
		cfg.IndexSize = 1000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	rules := make([]compiledRule, 0, len(cfg.Rules))
	for _, rule := range cfg.Rules {
		tmpl, err := template.New(rule.ID).Option("missingkey=zero").Parse(rule.Message)
		if err != nil {
			return nil, fmt.Errorf("gatekeeper: rule %s: %w", rule.ID, err)
		}
		for _, kind := range rule.Actions {
			if _, ok := cfg.Actions[kind]; !ok {
				return nil, fmt.Errorf("gatekeeper: rule %s: no handler for action %q", rule.ID, kind)
			}
		}
		rules = append(rules, compiledRule{AlertRule: rule, tmpl: tmpl})
	}

	return &AlertRuleEngine{
		rules:     rules,
		actions:   cfg.Actions,
		store:     cfg.Store,
		retention: cfg.Retention,
		indexSize: cfg.IndexSize,
		now:       cfg.Now,
		logger:    cfg.Logger.With().Str("component", "alerts").Logger(),
	}, nil
}

// Evaluate runs every rule against ac in table order and returns the alerts
// raised. A rule that panics is skipped; action and persistence failures are
// logged. Neither affects the other rules or the caller.
func (e *AlertRuleEngine) Evaluate(ctx context.Context, ac *AlertContext) []Alert {
	var raised []Alert
	for _, rule := range e.rules {
		if !e.matches(rule, ac) {
			continue
		}

		alert := Alert{
			ID:        uuid.NewString(),
			RuleID:    rule.ID,
			RuleName:  rule.Name,
			Severity:  rule.Severity,
			Message:   e.render(rule, ac),
			UserID:    ac.UserID,
			DeviceID:  ac.DeviceID,
			Context:   *ac,
			Timestamp: e.now(),
		}

		for _, kind := range rule.Actions {
			e.execute(ctx, kind, &alert)
		}
		if err := e.persist(ctx, &alert); err != nil {
			e.logger.Error().Err(err).Str("alert_id", alert.ID).Msg("failed to persist alert")
		}
		raised = append(raised, alert)
	}
	return raised
}

func (e *AlertRuleEngine) matches(rule compiledRule, ac *AlertContext) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Str("rule_id", rule.ID).Interface("panic", r).Msg("rule condition failed")
			ok = false
		}
	}()
	return rule.Condition != nil && rule.Condition(ac)
}

func (e *AlertRuleEngine) render(rule compiledRule, ac *AlertContext) string {
	var buf bytes.Buffer
	if err := rule.tmpl.Execute(&buf, ac); err != nil {
		e.logger.Warn().Err(err).Str("rule_id", rule.ID).Msg("failed to render alert message")
		return rule.Name
	}
	return buf.String()
}

func (e *AlertRuleEngine) execute(ctx context.Context, kind ActionKind, alert *Alert) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Str("action", string(kind)).Interface("panic", r).Msg("alert action failed")
		}
	}()
	if err := e.actions[kind].Execute(ctx, alert); err != nil {
		e.logger.Error().
			Err(err).
			Str("action", string(kind)).
			Str("rule_id", alert.RuleID).
			Str("user_id", alert.UserID).
			Msg("alert action failed")
	}
}

func (e *AlertRuleEngine) persist(ctx context.Context, alert *Alert) error {
	if err := setJSON(ctx, e.store, keyAlert(alert.ID), alert, e.retention); err != nil {
		return err
	}
	if err := e.store.ZAdd(ctx, keyAlertIndex, float64(alert.Timestamp.UnixMilli()), alert.ID); err != nil {
		return err
	}
	return e.store.ZTrim(ctx, keyAlertIndex, e.indexSize)
}

// Recent returns up to n alerts, newest first.
func (e *AlertRuleEngine) Recent(ctx context.Context, n int) ([]Alert, error) {
	if n <= 0 {
		return nil, nil
	}
	return e.load(ctx, true, func(*Alert) bool { return true }, n)
}

// BySeverity returns up to n alerts of the given severity, newest first.
func (e *AlertRuleEngine) BySeverity(ctx context.Context, severity Severity, n int) ([]Alert, error) {
	return e.load(ctx, true, func(a *Alert) bool { return a.Severity == severity }, n)
}

// ByUser returns up to n alerts raised for the user, newest first.
func (e *AlertRuleEngine) ByUser(ctx context.Context, userID string, n int) ([]Alert, error) {
	return e.load(ctx, true, func(a *Alert) bool { return a.UserID == userID }, n)
}

// load walks the recency index newest first, skipping entries whose record
// has expired, and keeps alerts that match keep until n are found (n <= 0
// means all). With prune, the skipped entries are removed from the index.
func (e *AlertRuleEngine) load(ctx context.Context, prune bool, keep func(*Alert) bool, n int) ([]Alert, error) {
	ids, err := e.store.ZRevRange(ctx, keyAlertIndex, 0, -1)
	if err != nil {
		return nil, fmt.Errorf("gatekeeper: read alert index: %w", err)
	}

	var (
		alerts []Alert
		stale  []string
	)
	for _, id := range ids {
		if n > 0 && len(alerts) >= n {
			break
		}
		alert, err := getJSON[Alert](ctx, e.store, keyAlert(id))
		if errors.Is(err, store.ErrNotFound) {
			stale = append(stale, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if keep(alert) {
			alerts = append(alerts, *alert)
		}
	}

	if prune && len(stale) > 0 {
		if err := e.store.ZRem(ctx, keyAlertIndex, stale...); err != nil {
			e.logger.Warn().Err(err).Msg("failed to prune alert index")
		}
	}
	return alerts, nil
}

// Stats aggregates the indexed alerts and counts users currently flagged
// for review. It does not modify the index.
func (e *AlertRuleEngine) Stats(ctx context.Context) (AlertStats, error) {
	stats := AlertStats{
		BySeverity: make(map[Severity]int),
		ByRule:     make(map[string]int),
	}

	alerts, err := e.load(ctx, false, func(*Alert) bool { return true }, 0)
	if err != nil {
		return stats, err
	}
	cutoff := e.now().Add(-24 * time.Hour)
	for _, a := range alerts {
		stats.Total++
		stats.BySeverity[a.Severity]++
		stats.ByRule[a.RuleID]++
		if a.Timestamp.After(cutoff) {
			stats.Last24h++
		}
	}

	flagged, err := e.FlaggedUsers(ctx)
	if err != nil {
		return stats, err
	}
	stats.FlaggedUsers = len(flagged)
	return stats, nil
}

// FlaggedUsers returns the users whose review flag is still live.
func (e *AlertRuleEngine) FlaggedUsers(ctx context.Context) ([]string, error) {
	live, _, err := flaggedUsers(ctx, e.store)
	if err != nil {
		return nil, fmt.Errorf("gatekeeper: read flagged users: %w", err)
	}
	return live, nil
}

// flaggedUsers splits the flagged set into users whose flag is live and
// users whose flag has expired.
func flaggedUsers(ctx context.Context, s store.KeyedStore) (live, stale []string, err error) {
	members, err := s.SMembers(ctx, keyFlaggedUsers)
	if err != nil {
		return nil, nil, err
	}
	for _, userID := range members {
		ok, err := s.Exists(ctx, keyFlagged(userID))
		if err != nil {
			return nil, nil, err
		}
		if ok {
			live = append(live, userID)
		} else {
			stale = append(stale, userID)
		}
	}
	return live, stale, nil
}
