package main

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// config is read from the environment, after loading .env if present.
type config struct {
	Addr           string   `env:"GATEKEEPER_ADDR" envDefault:":8080"`
	AdminToken     string   `env:"ADMIN_TOKEN"`
	TrustedProxies []string `env:"TRUSTED_PROXIES" envSeparator:","`

	Log      logConfig      `envPrefix:"LOG_"`
	Token    tokenConfig    `envPrefix:"TOKEN_"`
	Risk     riskConfig     `envPrefix:"RISK_"`
	Redis    redisConfig    `envPrefix:"REDIS_"`
	Database databaseConfig `envPrefix:"DATABASE_"`
	Notify   notifyConfig   `envPrefix:"NOTIFY_"`
	Limit    limitConfig    `envPrefix:"LOGIN_RATE_"`
}

type logConfig struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"console"` // console or json
}

type tokenConfig struct {
	Secret     string        `env:"SECRET"`
	Issuer     string        `env:"ISSUER" envDefault:"gatekeeper"`
	SessionTTL time.Duration `env:"SESSION_TTL" envDefault:"24h"`
}

type riskConfig struct {
	TrustThreshold int           `env:"TRUST_THRESHOLD" envDefault:"60"`
	ExcludeIP      bool          `env:"FINGERPRINT_EXCLUDE_IP"`
	GeoIPPath      string        `env:"GEOIP_DB_PATH"`
	OTPTTL         time.Duration `env:"OTP_TTL" envDefault:"10m"`
	Suspension     time.Duration `env:"SUSPENSION" envDefault:"1h"`
}

// redisConfig selects the Redis keyed store when Addr is set.
type redisConfig struct {
	Addr     string `env:"ADDR"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB"`
	Prefix   string `env:"PREFIX" envDefault:"gatekeeper:"`
}

type databaseConfig struct {
	Driver     string `env:"DRIVER" envDefault:"sqlite"` // sqlite, mysql or mongo
	SQLitePath string `env:"SQLITE_PATH" envDefault:"gatekeeper.db"`
	MySQLDSN   string `env:"MYSQL_DSN"`
	MongoURI   string `env:"MONGO_URI"`
	MongoName  string `env:"MONGO_NAME" envDefault:"gatekeeper"`
}

type notifyConfig struct {
	SecurityEmail string        `env:"SECURITY_EMAIL"`
	PostmarkToken string        `env:"POSTMARK_SERVER_TOKEN"`
	EmailFrom     string        `env:"EMAIL_FROM"`
	SlackURL      string        `env:"SLACK_WEBHOOK_URL"`
	DiscordURL    string        `env:"DISCORD_WEBHOOK_URL"`
	WebhookURL    string        `env:"WEBHOOK_URL"`
	WebhookSecret string        `env:"WEBHOOK_SECRET"`
	QueueSize     int           `env:"QUEUE_SIZE" envDefault:"256"`
	Workers       int           `env:"WORKERS" envDefault:"2"`
	SendTimeout   time.Duration `env:"SEND_TIMEOUT" envDefault:"10s"`
}

// limitConfig bounds unauthenticated requests per client IP.
type limitConfig struct {
	PerSecond float64       `env:"PER_SECOND" envDefault:"0.2"`
	Burst     int           `env:"BURST" envDefault:"5"`
	TTL       time.Duration `env:"TTL" envDefault:"10m"`
}

func loadConfig() (config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return config{}, fmt.Errorf("load .env: %w", err)
	}

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return config{}, fmt.Errorf("parse environment: %w", err)
	}

	switch cfg.Database.Driver {
	case "sqlite":
	case "mysql":
		if cfg.Database.MySQLDSN == "" {
			return config{}, errors.New("DATABASE_MYSQL_DSN is required for the mysql driver")
		}
	case "mongo":
		if cfg.Database.MongoURI == "" {
			return config{}, errors.New("DATABASE_MONGO_URI is required for the mongo driver")
		}
	default:
		return config{}, fmt.Errorf("unknown DATABASE_DRIVER %q", cfg.Database.Driver)
	}
	if cfg.Notify.PostmarkToken != "" && cfg.Notify.EmailFrom == "" {
		return config{}, errors.New("NOTIFY_EMAIL_FROM is required with a Postmark token")
	}
	return cfg, nil
}
