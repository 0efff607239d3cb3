package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL       string   `mapstructure:"REDIS_URL"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	IdentitySecret string   `mapstructure:"IDENTITY_SECRET"`

	PresenceTTLSeconds   int `mapstructure:"PRESENCE_TTL_SECONDS"`
	PresenceSweepSeconds int `mapstructure:"PRESENCE_SWEEP_SECONDS"`
	PresenceDisplayMax   int `mapstructure:"PRESENCE_DISPLAY_MAX"`

	DraftTTLHours int `mapstructure:"DRAFT_TTL_HOURS"`

	EventBufferSize int `mapstructure:"EVENT_BUFFER_SIZE"`

	AnalysisURL            string `mapstructure:"ANALYSIS_URL"`
	AnalysisTimeoutSeconds int    `mapstructure:"ANALYSIS_TIMEOUT_SECONDS"`

	NotificationRetentionDays int `mapstructure:"NOTIFICATION_RETENTION_DAYS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("PRESENCE_TTL_SECONDS", 30)
	v.SetDefault("PRESENCE_SWEEP_SECONDS", 10)
	v.SetDefault("PRESENCE_DISPLAY_MAX", 5)
	v.SetDefault("DRAFT_TTL_HOURS", 72)
	v.SetDefault("EVENT_BUFFER_SIZE", 256)
	v.SetDefault("ANALYSIS_TIMEOUT_SECONDS", 15)
	v.SetDefault("NOTIFICATION_RETENTION_DAYS", 30)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("REDIS_URL")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("IDENTITY_SECRET")
	v.BindEnv("PRESENCE_TTL_SECONDS")
	v.BindEnv("PRESENCE_SWEEP_SECONDS")
	v.BindEnv("PRESENCE_DISPLAY_MAX")
	v.BindEnv("DRAFT_TTL_HOURS")
	v.BindEnv("EVENT_BUFFER_SIZE")
	v.BindEnv("ANALYSIS_URL")
	v.BindEnv("ANALYSIS_TIMEOUT_SECONDS")
	v.BindEnv("NOTIFICATION_RETENTION_DAYS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: Actor identity is taken from request headers when no token is present.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// PresenceTTL returns the liveness window after which a presence entry
// with no heartbeat is considered stale.
func (c *Config) PresenceTTL() time.Duration {
	return time.Duration(c.PresenceTTLSeconds) * time.Second
}

// PresenceSweepInterval returns how often stale presence entries are swept.
func (c *Config) PresenceSweepInterval() time.Duration {
	return time.Duration(c.PresenceSweepSeconds) * time.Second
}

// DraftTTL returns how long an untouched intake draft survives before its
// autosaved copy expires.
func (c *Config) DraftTTL() time.Duration {
	return time.Duration(c.DraftTTLHours) * time.Hour
}

// AnalysisTimeout returns the per-request timeout for the external
// analysis service.
func (c *Config) AnalysisTimeout() time.Duration {
	return time.Duration(c.AnalysisTimeoutSeconds) * time.Second
}

// Validate checks that the configuration is safe to run. In production an
// identity secret must be set so actor claims can be verified. The sweep
// interval must not exceed the liveness window or stale presence entries
// would linger past their expiry.
func (c *Config) Validate() error {
	if c.IsProduction() && c.IdentitySecret == "" {
		return fmt.Errorf("IDENTITY_SECRET is required in production")
	}
	if c.PresenceTTLSeconds <= 0 {
		return fmt.Errorf("PRESENCE_TTL_SECONDS must be positive, got %d", c.PresenceTTLSeconds)
	}
	if c.PresenceSweepSeconds <= 0 || c.PresenceSweepSeconds > c.PresenceTTLSeconds {
		return fmt.Errorf("PRESENCE_SWEEP_SECONDS must be in (0, PRESENCE_TTL_SECONDS], got %d", c.PresenceSweepSeconds)
	}
	if c.EventBufferSize <= 0 {
		return fmt.Errorf("EVENT_BUFFER_SIZE must be positive, got %d", c.EventBufferSize)
	}
	return nil
}
