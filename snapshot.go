package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/aadithya-v/gatekeeper/store"
)

// SnapshotSession is one active session in the admin view.
type SnapshotSession struct {
	UserID       string          `json:"userId"`
	Email        string          `json:"email,omitempty"`
	Plan         Plan            `json:"plan,omitempty"`
	DeviceID     string          `json:"deviceId"`
	IPAddress    string          `json:"ipAddress"`
	TrustScore   TrustSummary    `json:"trustScore"`
	Location     *LocationRecord `json:"location,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	LastActivity time.Time       `json:"lastActivity"`
}

// SharedDevice is a device used by more than one account.
type SharedDevice struct {
	DeviceID string   `json:"deviceId"`
	UserIDs  []string `json:"userIds"`
}

// Snapshot is a read-only projection of the system for the admin dashboard.
type Snapshot struct {
	GeneratedAt     time.Time         `json:"generatedAt"`
	Sessions        []SnapshotSession `json:"sessions"`
	ActiveUsers     int               `json:"activeUsers"`
	SharedDevices   int               `json:"sharedDevices"`
	Shared          []SharedDevice    `json:"shared,omitempty"`
	RevenueLeakage  float64           `json:"revenueLeakage"`
	SessionsLast24h int               `json:"sessionsLast24h"`
	Alerts          AlertStats        `json:"alerts"`
}

// Snapshot gathers active sessions with their trust and location, the number
// of devices shared between accounts and the monthly revenue those shared
// devices are estimated to cost. It only reads: stale index entries it
// skips are left for the write paths to prune.
//
// Each extra account on a shared device is counted as one lost subscription
// at the cheapest plan price.
func (g *Gatekeeper) Snapshot(ctx context.Context) (*Snapshot, error) {
	now := g.config.Now()
	snap := &Snapshot{GeneratedAt: now}

	userIDs, err := g.sessions.ActiveUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("gatekeeper: list active users: %w", err)
	}
	sort.Strings(userIDs)

	devices := make(map[string]struct{})
	for _, userID := range userIDs {
		active, err := g.sessions.Live(ctx, userID)
		if err != nil {
			return nil, err
		}
		if len(active) == 0 {
			continue
		}
		snap.ActiveUsers++

		var email string
		var plan Plan
		if user, err := g.repo.UserByID(ctx, userID); err == nil {
			email, plan = user.Email, Plan(user.Plan)
		} else if !errors.Is(err, store.ErrNotFound) {
			g.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to look up user")
		}

		for _, s := range active {
			trust := TrustSummary{Score: s.TrustScore, Level: LevelFor(s.TrustScore)}
			if cached, err := g.trust.Cached(ctx, userID, s.DeviceID); err == nil {
				trust = *summarize(*cached)
			}
			snap.Sessions = append(snap.Sessions, SnapshotSession{
				UserID:       userID,
				Email:        email,
				Plan:         plan,
				DeviceID:     s.DeviceID,
				IPAddress:    s.IPAddress,
				TrustScore:   trust,
				Location:     s.Location,
				CreatedAt:    s.CreatedAt,
				LastActivity: s.LastActivity,
			})
			devices[s.DeviceID] = struct{}{}
		}
	}

	deviceIDs := make([]string, 0, len(devices))
	for deviceID := range devices {
		deviceIDs = append(deviceIDs, deviceID)
	}
	sort.Strings(deviceIDs)

	cheapest := g.cheapestPlanPrice()
	for _, deviceID := range deviceIDs {
		users, err := g.trust.DeviceUsers(ctx, deviceID)
		if err != nil {
			g.logger.Warn().Err(err).Str("device_id", deviceID).Msg("failed to list device users")
			continue
		}
		if len(users) > 1 {
			sort.Strings(users)
			snap.Shared = append(snap.Shared, SharedDevice{DeviceID: deviceID, UserIDs: users})
			snap.SharedDevices++
			snap.RevenueLeakage += float64(len(users)-1) * cheapest
		}
	}
	snap.RevenueLeakage = math.Round(snap.RevenueLeakage*100) / 100

	recent, err := g.repo.SessionsCreatedAfter(ctx, now.Add(-24*time.Hour))
	if err != nil {
		g.logger.Warn().Err(err).Msg("failed to read session history")
	} else {
		snap.SessionsLast24h = len(recent)
	}

	if snap.Alerts, err = g.alerts.Stats(ctx); err != nil {
		g.logger.Warn().Err(err).Msg("failed to read alert stats")
	}
	return snap, nil
}

func (g *Gatekeeper) cheapestPlanPrice() float64 {
	cheapest := math.Inf(1)
	for _, price := range g.config.PlanPrices {
		if price < cheapest {
			cheapest = price
		}
	}
	if math.IsInf(cheapest, 1) {
		return 0
	}
	return cheapest
}
