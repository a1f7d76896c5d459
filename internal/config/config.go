package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port              string        `mapstructure:"PORT"`
	Env               string        `mapstructure:"ENV"`
	DatabaseURL       string        `mapstructure:"DATABASE_URL"`
	DBMaxConns        int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32         `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir     string        `mapstructure:"MIGRATIONS_DIR"`
	RedisURL          string        `mapstructure:"REDIS_URL"`
	AuthIssuer        string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL       string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience      string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey    string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins       []string      `mapstructure:"CORS_ORIGINS"`
	Timezone          string        `mapstructure:"TIMEZONE"`
	GenerationGrace   time.Duration `mapstructure:"GENERATION_GRACE"`
	ImmediateLead     time.Duration `mapstructure:"IMMEDIATE_LEAD"`
	LockTTL           time.Duration `mapstructure:"GENERATION_LOCK_TTL"`
	DailyGenerationAt string        `mapstructure:"DAILY_GENERATION_AT"`
	ShiftHandoverAt   []string      `mapstructure:"SHIFT_HANDOVER_AT"`
	ReminderInterval  time.Duration `mapstructure:"REMINDER_INTERVAL"`
	ReminderGrace     time.Duration `mapstructure:"REMINDER_GRACE"`
	ReminderChannel   string        `mapstructure:"REMINDER_CHANNEL"`
	LoopRetryBackoff  time.Duration `mapstructure:"LOOP_RETRY_BACKOFF"`
	LabelServiceURL   string        `mapstructure:"LABEL_SERVICE_URL"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR",
	"REDIS_URL", "AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "TIMEZONE", "GENERATION_GRACE", "IMMEDIATE_LEAD", "GENERATION_LOCK_TTL",
	"DAILY_GENERATION_AT", "SHIFT_HANDOVER_AT", "REMINDER_INTERVAL", "REMINDER_GRACE",
	"REMINDER_CHANNEL", "LOOP_RETRY_BACKOFF", "LABEL_SERVICE_URL",
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
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("TIMEZONE", "UTC")
	v.SetDefault("GENERATION_GRACE", "5m")
	v.SetDefault("IMMEDIATE_LEAD", "1m")
	v.SetDefault("GENERATION_LOCK_TTL", "30s")
	v.SetDefault("DAILY_GENERATION_AT", "00:05")
	v.SetDefault("SHIFT_HANDOVER_AT", "07:30,15:30,23:30")
	v.SetDefault("REMINDER_INTERVAL", "1m")
	v.SetDefault("REMINDER_GRACE", "15m")
	v.SetDefault("REMINDER_CHANNEL", "careorders.task.overdue")
	v.SetDefault("LOOP_RETRY_BACKOFF", "1m")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.ShiftHandoverAt = splitList(cfg.ShiftHandoverAt, v.GetString("SHIFT_HANDOVER_AT"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: running in DEVELOPMENT mode (ENV=development); requests without a token act as admin.")
	}

	return cfg, nil
}

// splitList normalizes comma separated list values that arrive either as a
// single string element or not at all.
func splitList(current []string, raw string) []string {
	if len(current) == 1 && strings.Contains(current[0], ",") {
		raw = current[0]
		current = nil
	}
	if len(current) > 0 {
		return current
	}
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location resolves TIMEZONE, the ward clock used for daily slots and shifts.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// ParseClock parses an "HH:MM" wall-clock value into an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid clock value %q (want HH:MM)", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// Validate checks that the configuration is safe to run. Outside development
// a token issuer or a signing key must be configured.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_ISSUER or AUTH_SIGNING_KEY must be set when ENV=%q", c.Env)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := ParseClock(c.DailyGenerationAt); err != nil {
		return fmt.Errorf("DAILY_GENERATION_AT: %w", err)
	}
	if len(c.ShiftHandoverAt) == 0 {
		return fmt.Errorf("SHIFT_HANDOVER_AT must list at least one HH:MM value")
	}
	for _, s := range c.ShiftHandoverAt {
		if _, err := ParseClock(s); err != nil {
			return fmt.Errorf("SHIFT_HANDOVER_AT: %w", err)
		}
	}
	if c.ReminderInterval <= 0 {
		return fmt.Errorf("REMINDER_INTERVAL must be positive")
	}
	if c.LoopRetryBackoff <= 0 {
		return fmt.Errorf("LOOP_RETRY_BACKOFF must be positive")
	}
	if c.GenerationGrace < 0 || c.ImmediateLead < 0 {
		return fmt.Errorf("GENERATION_GRACE and IMMEDIATE_LEAD must not be negative")
	}
	return nil
}
