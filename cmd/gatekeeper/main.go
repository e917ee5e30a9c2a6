// Command gatekeeper serves the login risk pipeline over HTTP.
//
// Configuration comes from the environment (and .env when present):
//
//	GATEKEEPER_ADDR            listen address (default :8080)
//	ADMIN_TOKEN                bearer token for /admin endpoints
//	TRUSTED_PROXIES            comma-separated CIDRs whose forwarding headers are believed
//	TOKEN_SECRET               HS256 secret for session tokens
//	REDIS_ADDR                 use Redis for counters, sessions and alerts
//	DATABASE_DRIVER            sqlite (default), mysql or mongo
//	RISK_GEOIP_DB_PATH         MaxMind GeoLite2-City database
//	NOTIFY_POSTMARK_SERVER_TOKEN, NOTIFY_SLACK_WEBHOOK_URL,
//	NOTIFY_DISCORD_WEBHOOK_URL, NOTIFY_WEBHOOK_URL
//	                           alert channels; unset channels are logged only
//
// Endpoints:
//
//	POST   /signup                 register
//	POST   /login                  log in, may answer with an OTP challenge
//	POST   /login/otp              answer an OTP challenge
//	POST   /logout                 end the current session
//	POST   /password               change password
//	GET    /sessions               list own sessions
//	DELETE /sessions/{deviceId}    terminate another own session
//	GET    /admin/snapshot         dashboard snapshot
//	GET    /admin/alerts           recent alerts (?severity=, ?user=, ?limit=)
//	GET    /admin/alerts/stats     alert statistics
//	GET    /admin/users/{userId}/locations
//	                               recent login locations of a user
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aadithya-v/gatekeeper"
	"github.com/aadithya-v/gatekeeper/notify"
	"github.com/aadithya-v/gatekeeper/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "gatekeeper:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				logger.Warn().Err(err).Msg("shutdown")
			}
		}
	}()

	gkConfig := gatekeeper.Config{
		SessionTTL:           cfg.Token.SessionTTL,
		TrustThreshold:       cfg.Risk.TrustThreshold,
		OTPTTL:               cfg.Risk.OTPTTL,
		SuspensionDuration:   cfg.Risk.Suspension,
		TokenSecret:          []byte(cfg.Token.Secret),
		TokenIssuer:          cfg.Token.Issuer,
		FingerprintExcludeIP: cfg.Risk.ExcludeIP,
		TrustedProxies:       cfg.TrustedProxies,
		SecurityEmail:        cfg.Notify.SecurityEmail,
		GeoIPDatabasePath:    cfg.Risk.GeoIPPath,
		Logger:               &logger,
	}

	if cfg.Redis.Addr != "" {
		rs, err := store.NewRedisFromConfig(store.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.Prefix,
		})
		if err != nil {
			return err
		}
		closers = append(closers, rs)
		gkConfig.Store = rs
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("using redis keyed store")
	}

	repo, err := openRepository(ctx, cfg.Database)
	if err != nil {
		return err
	}
	closers = append(closers, repo)
	gkConfig.Repository = repo
	logger.Info().Str("driver", cfg.Database.Driver).Msg("repository ready")

	dispatcher, err := newDispatcher(cfg.Notify, logger)
	if err != nil {
		return err
	}
	closers = append(closers, dispatcher)
	gkConfig.Dispatcher = dispatcher

	gk, err := gatekeeper.New(gkConfig)
	if err != nil {
		return err
	}
	closers = append(closers, gk)

	limiter := newIPLimiter(cfg.Limit.PerSecond, cfg.Limit.Burst, cfg.Limit.TTL)
	limiter.Start()
	defer limiter.Stop()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newServer(gk, logger, limiter, cfg.AdminToken).routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	return nil
}

func newLogger(cfg logConfig, w io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q", cfg.Level)
	}
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Str("service", "gatekeeper").Logger(), nil
}

func openRepository(ctx context.Context, cfg databaseConfig) (store.Repository, error) {
	switch cfg.Driver {
	case "mysql":
		return store.NewMySQLFromDSN(cfg.MySQLDSN)
	case "mongo":
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return store.NewMongo(connectCtx, cfg.MongoURI, cfg.MongoName)
	default:
		return store.NewSQLite(cfg.SQLitePath)
	}
}

// newDispatcher registers a sender per channel. Channels without
// credentials fall back to logging the message.
func newDispatcher(cfg notifyConfig, logger zerolog.Logger) (*notify.Dispatcher, error) {
	d := notify.NewDispatcher(logger,
		notify.WithQueueSize(cfg.QueueSize),
		notify.WithWorkers(cfg.Workers),
		notify.WithSendTimeout(cfg.SendTimeout),
	)
	logOnly := notify.NewLogSender(logger)

	var email notify.Sender = logOnly
	if cfg.PostmarkToken != "" {
		pm, err := notify.NewPostmarkSender(cfg.PostmarkToken, cfg.EmailFrom, cfg.SecurityEmail)
		if err != nil {
			return nil, err
		}
		email = pm
	}
	d.Register(notify.ChannelEmail, email)

	client := &http.Client{Timeout: cfg.SendTimeout}
	register := func(ch notify.Channel, url string, sender func() notify.Sender) {
		if url == "" {
			d.Register(ch, logOnly)
			return
		}
		d.Register(ch, sender())
	}
	register(notify.ChannelSlack, cfg.SlackURL, func() notify.Sender { return notify.NewSlackSender(cfg.SlackURL, client) })
	register(notify.ChannelDiscord, cfg.DiscordURL, func() notify.Sender { return notify.NewDiscordSender(cfg.DiscordURL, client) })
	register(notify.ChannelWebhook, cfg.WebhookURL, func() notify.Sender {
		return notify.NewWebhookSender(cfg.WebhookURL, cfg.WebhookSecret, client)
	})

	d.Start()
	return d, nil
}
