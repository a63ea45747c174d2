// config/config.go
package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config is the full process configuration, read from the environment (and an optional .env file).
type Config struct {
	Port           string   `env:"PORT" envDefault:"5200"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000"`

	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"postgres"`
	DatabaseURL    string `env:"DATABASE_URL"`

	// ServiceToken guards /internal/* routes and authenticates us to the roster service.
	ServiceToken string `env:"SERVICE_TOKEN"`

	AuthServiceURL     string `env:"AUTH_SERVICE_URL"`
	AuthServiceToken   string `env:"AUTH_SERVICE_TOKEN"`
	LegacyBearerSecret string `env:"LEGACY_BEARER_SECRET"`
	LegacyBearerIssuer string `env:"LEGACY_BEARER_ISSUER" envDefault:"soullink-legacy"`

	IdempotencyTTL           time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"72h"`
	IdempotencyPurgeInterval time.Duration `env:"IDEMPOTENCY_PURGE_INTERVAL" envDefault:"1h"`

	SubmitRatePerSecond float64 `env:"SUBMIT_RATE_PER_SECOND" envDefault:"10"`
	SubmitBurst         int     `env:"SUBMIT_BURST" envDefault:"20"`

	LiveSendBuffer  int           `env:"LIVE_SEND_BUFFER" envDefault:"64"`
	LiveIdleTimeout time.Duration `env:"LIVE_IDLE_TIMEOUT" envDefault:"90s"`
	HubStatsEvery   time.Duration `env:"HUB_STATS_INTERVAL" envDefault:"1m"`

	RosterServiceURL   string        `env:"ROSTER_SERVICE_URL"`
	RosterSyncInterval time.Duration `env:"ROSTER_SYNC_INTERVAL" envDefault:"1m"`

	R2AccountID       string        `env:"CLOUDFLARE_ACCOUNT_ID"`
	R2AccessKeyID     string        `env:"R2_ACCESS_KEY_ID"`
	R2AccessKeySecret string        `env:"R2_ACCESS_KEY_SECRET"`
	R2Bucket          string        `env:"R2_BUCKET_NAME"`
	ArchiveInterval   time.Duration `env:"ARCHIVE_INTERVAL" envDefault:"15m"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads .env (if present) and parses the environment into a validated Config.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}
	return Parse()
}

// Parse reads the process environment only. Split out from Load so tests can drive it with t.Setenv.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements env tags cannot express.
func (c *Config) Validate() error {
	c.DatabaseDriver = strings.ToLower(strings.TrimSpace(c.DatabaseDriver))
	switch c.DatabaseDriver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("DATABASE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.DatabaseDriver)
	}
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL environment variable not set")
	}
	if c.AuthServiceURL == "" && c.LegacyBearerSecret == "" {
		return fmt.Errorf("at least one of AUTH_SERVICE_URL or LEGACY_BEARER_SECRET must be set")
	}
	if c.LiveSendBuffer <= 0 {
		return fmt.Errorf("LIVE_SEND_BUFFER must be positive")
	}
	for i, origin := range c.AllowedOrigins {
		c.AllowedOrigins[i] = strings.TrimSpace(origin)
	}
	return nil
}

// ArchiveEnabled reports whether every R2 setting needed by the archiver is present.
func (c Config) ArchiveEnabled() bool {
	return c.R2AccountID != "" && c.R2AccessKeyID != "" && c.R2AccessKeySecret != "" && c.R2Bucket != ""
}
