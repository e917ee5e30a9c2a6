// Package gatekeeper decides whether a login may proceed. Each attempt is
// fingerprinted, checked for spoofing and impossible travel, scored for
// trust, held to the plan's session limit and run past the alert rules.
package gatekeeper

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/aadithya-v/gatekeeper/notify"
	"github.com/aadithya-v/gatekeeper/store"
)

// Gatekeeper is the main SDK interface for login risk and session enforcement.
type Gatekeeper struct {
	config       Config
	logger       zerolog.Logger
	store        store.KeyedStore
	repo         store.Repository
	dispatcher   *notify.Dispatcher
	proxies      TrustedProxies
	fingerprints *FingerprintGenerator
	geo          *GeoAnomalyDetector
	trust        *TrustScorer
	sessions     *SessionRegistry
	alerts       *AlertRuleEngine
	tokens       *TokenIssuer

	// closers are released by Close in reverse order.
	closers []io.Closer
}

// New creates a new Gatekeeper instance with the given configuration.
// If Store or Repository are not provided, defaults are used:
// - Store: in-memory
// - Repository: SQLite (creates gatekeeper.db)
// Without a Dispatcher, notifications are only logged.
func New(cfg Config) (*Gatekeeper, error) {
	cfg.applyDefaults()

	g := &Gatekeeper{
		config: cfg,
		logger: cfg.Logger.With().Str("component", "gatekeeper").Logger(),
	}

	if err := g.init(); err != nil {
		_ = g.Close()
		return nil, err
	}
	return g, nil
}

func (g *Gatekeeper) init() error {
	cfg := &g.config
	logger := *cfg.Logger

	// Initialize keyed store (default: memory)
	if cfg.Store != nil {
		g.store = cfg.Store
	} else {
		mem := store.NewMemoryStore(store.WithClock(cfg.Now))
		g.store = mem
		g.closers = append(g.closers, mem)
	}

	// Initialize repository (default: SQLite)
	if cfg.Repository != nil {
		g.repo = cfg.Repository
	} else {
		repo, err := store.NewSQLite(cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("gatekeeper: failed to initialize SQLite repository: %w", err)
		}
		g.repo = repo
		g.closers = append(g.closers, repo)
	}

	// Initialize GeoIP reader if path is provided
	if cfg.Geolocator == nil && cfg.GeoIPDatabasePath != "" {
		reader, err := NewGeoIPReader(cfg.GeoIPDatabasePath)
		if err != nil {
			return fmt.Errorf("gatekeeper: failed to initialize GeoIP: %w", err)
		}
		cfg.Geolocator = reader
		g.closers = append(g.closers, reader)
	}
	if cfg.Geolocator == nil {
		g.logger.Warn().Msg("no geolocator configured, geo checks are disabled")
	}

	if len(cfg.TokenSecret) == 0 {
		secret, err := randomSecret()
		if err != nil {
			return fmt.Errorf("gatekeeper: generate token secret: %w", err)
		}
		cfg.TokenSecret = secret
		g.logger.Warn().Msg("no token secret configured, tokens will not survive a restart")
	}

	if cfg.Dispatcher != nil {
		g.dispatcher = cfg.Dispatcher
	} else {
		d := notify.NewDispatcher(logger)
		sink := notify.NewLogSender(logger)
		for _, ch := range []notify.Channel{notify.ChannelEmail, notify.ChannelSlack, notify.ChannelDiscord, notify.ChannelWebhook} {
			d.Register(ch, sink)
		}
		d.Start()
		g.dispatcher = d
		g.closers = append(g.closers, closerFunc(d.Close))
	}

	proxies, err := ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return fmt.Errorf("gatekeeper: trusted proxies: %w", err)
	}
	g.proxies = proxies
	g.fingerprints = NewFingerprintGenerator(cfg.FingerprintExcludeIP, proxies)
	g.geo = NewGeoAnomalyDetector(g.store, cfg.Geolocator, cfg.Now, logger)
	g.trust = NewTrustScorer(g.store, g.repo, cfg.Geolocator, cfg.TrustCacheTTL, cfg.Now, logger)
	g.sessions = NewSessionRegistry(g.store, cfg.SessionTTL, cfg.Now, logger)
	g.tokens = NewTokenIssuer(cfg.TokenSecret, cfg.TokenIssuer, cfg.SessionTTL, cfg.Now)

	alerts, err := NewAlertRuleEngine(AlertEngineConfig{
		Store:     g.store,
		Rules:     cfg.Rules,
		Actions:   g.defaultActions(logger),
		Retention: cfg.AlertRetention,
		IndexSize: cfg.AlertIndexSize,
		Now:       cfg.Now,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	g.alerts = alerts
	return nil
}

func (g *Gatekeeper) defaultActions(logger zerolog.Logger) map[ActionKind]Action {
	notifyOn := func(ch notify.Channel, to string) Action {
		return &NotifyAction{Dispatcher: g.dispatcher, Channel: ch, To: to}
	}
	return map[ActionKind]Action{
		ActionEmail:          notifyOn(notify.ChannelEmail, g.config.SecurityEmail),
		ActionSlack:          notifyOn(notify.ChannelSlack, ""),
		ActionDiscord:        notifyOn(notify.ChannelDiscord, ""),
		ActionWebhook:        notifyOn(notify.ChannelWebhook, ""),
		ActionBlockSession:   &BlockSessionAction{Sessions: g.sessions},
		ActionTemporaryBlock: &TemporaryBlockAction{Store: g.store, Duration: g.config.SuspensionDuration},
		ActionFlag:           &FlagAction{Store: g.store, TTL: g.config.FlagTTL},
		ActionLog:            &LogAction{Logger: logger.With().Str("component", "alerts").Logger()},
	}
}

// Close releases the resources Gatekeeper created itself. Stores and
// dispatchers passed in through Config are left to the caller.
// Should be called when the application shuts down.
func (g *Gatekeeper) Close() error {
	var errs []error
	for i := len(g.closers) - 1; i >= 0; i-- {
		if err := g.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	g.closers = nil

	if len(errs) > 0 {
		return fmt.Errorf("gatekeeper: errors during close: %w", errors.Join(errs...))
	}
	return nil
}

// Registry returns the session registry.
func (g *Gatekeeper) Registry() *SessionRegistry { return g.sessions }

// Alerts returns the alert engine for read access to raised alerts.
func (g *Gatekeeper) Alerts() *AlertRuleEngine { return g.alerts }

// Trust returns the trust scorer.
func (g *Gatekeeper) Trust() *TrustScorer { return g.trust }

// Geo returns the geo anomaly detector.
func (g *Gatekeeper) Geo() *GeoAnomalyDetector { return g.geo }

// ClientIP returns the address r is attributed to under the configured
// trusted proxies. Login uses the same rule.
func (g *Gatekeeper) ClientIP(r *http.Request) string { return g.proxies.ClientIP(r) }

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
