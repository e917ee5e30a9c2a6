package gatekeeper

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aadithya-v/gatekeeper/notify"
	"github.com/aadithya-v/gatekeeper/store"
)

// ActionKind names a side effect a rule can trigger.
type ActionKind string

const (
	ActionEmail          ActionKind = "email"
	ActionSlack          ActionKind = "slack"
	ActionDiscord        ActionKind = "discord"
	ActionWebhook        ActionKind = "webhook"
	ActionBlockSession   ActionKind = "block_session"
	ActionTemporaryBlock ActionKind = "temporary_block"
	ActionFlag           ActionKind = "flag"
	ActionLog            ActionKind = "log"
)

// Action performs one side effect for a raised alert.
type Action interface {
	Execute(ctx context.Context, alert *Alert) error
}

// ActionFunc adapts a function to the Action interface.
type ActionFunc func(ctx context.Context, alert *Alert) error

// Execute calls f(ctx, alert).
func (f ActionFunc) Execute(ctx context.Context, alert *Alert) error {
	return f(ctx, alert)
}

// NotifyAction queues the alert on a notify channel. It never waits for
// delivery.
type NotifyAction struct {
	Dispatcher *notify.Dispatcher
	Channel    notify.Channel
	To         string
}

// Execute enqueues the alert message.
func (a *NotifyAction) Execute(_ context.Context, alert *Alert) error {
	return a.Dispatcher.Enqueue(notify.Message{
		Channel:  a.Channel,
		To:       a.To,
		Subject:  fmt.Sprintf("[%s] %s", alert.Severity, alert.RuleName),
		Body:     alert.Message,
		Severity: string(alert.Severity),
		Tag:      alert.RuleID,
		Fields: map[string]any{
			"alert_id":   alert.ID,
			"user_id":    alert.UserID,
			"device_id":  alert.DeviceID,
			"ip_address": alert.Context.IPAddress,
		},
		CreatedAt: alert.Timestamp,
	})
}

// BlockSessionAction deletes the session of the device that raised the alert.
type BlockSessionAction struct {
	Sessions *SessionRegistry
}

// Execute deletes the session.
func (a *BlockSessionAction) Execute(ctx context.Context, alert *Alert) error {
	return a.Sessions.Delete(ctx, alert.UserID, alert.DeviceID)
}

// TemporaryBlockAction suspends the user for Duration.
type TemporaryBlockAction struct {
	Store    store.KeyedStore
	Duration time.Duration
}

// Execute suspends the user.
func (a *TemporaryBlockAction) Execute(ctx context.Context, alert *Alert) error {
	return suspendUser(ctx, a.Store, alert.UserID, alert.RuleID, a.Duration)
}

// FlagAction marks the user for manual review for TTL.
type FlagAction struct {
	Store store.KeyedStore
	TTL   time.Duration
}

// Execute flags the user.
func (a *FlagAction) Execute(ctx context.Context, alert *Alert) error {
	if err := a.Store.Set(ctx, keyFlagged(alert.UserID), []byte(alert.RuleID), a.TTL); err != nil {
		return err
	}
	if _, err := a.Store.SAdd(ctx, keyFlaggedUsers, 0, alert.UserID); err != nil {
		return err
	}

	// Users whose flag has expired leave the set here, not on read.
	_, stale, err := flaggedUsers(ctx, a.Store)
	if err != nil || len(stale) == 0 {
		return err
	}
	return a.Store.SRem(ctx, keyFlaggedUsers, stale...)
}

// LogAction records the alert in the local log only.
type LogAction struct {
	Logger zerolog.Logger
}

// Execute logs the alert.
func (a *LogAction) Execute(_ context.Context, alert *Alert) error {
	a.Logger.Warn().
		Str("alert_id", alert.ID).
		Str("rule_id", alert.RuleID).
		Str("severity", string(alert.Severity)).
		Str("user_id", alert.UserID).
		Str("device_id", alert.DeviceID).
		Str("ip", alert.Context.IPAddress).
		Msg(alert.Message)
	return nil
}

// suspendUser blocks logins for userID until duration elapses.
func suspendUser(ctx context.Context, s store.KeyedStore, userID, reason string, duration time.Duration) error {
	return s.Set(ctx, keySuspended(userID), []byte(reason), duration)
}

// isSuspended reports whether userID is under a temporary block.
func isSuspended(ctx context.Context, s store.KeyedStore, userID string) (bool, error) {
	return s.Exists(ctx, keySuspended(userID))
}
