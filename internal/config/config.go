// Package config loads service settings from the environment and an optional .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is shared by all binaries; each reads the fields it needs
type Config struct {
	Port           string  `mapstructure:"PORT"`
	Env            string  `mapstructure:"SERVICE_ENV"`
	DatabaseURL    string  `mapstructure:"DATABASE_URL"`
	KafkaBrokers   string  `mapstructure:"KAFKA_BROKERS"`
	APIKeys        string  `mapstructure:"API_KEYS"`
	LogLevel       string  `mapstructure:"LOG_LEVEL"`
	OTELEndpoint   string  `mapstructure:"OTEL_ENDPOINT"`
	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`
	Timezone       string  `mapstructure:"TIMEZONE"`

	ReminderSchedule    string `mapstructure:"REMINDER_SCHEDULE"`
	ReminderLeadMinutes int    `mapstructure:"REMINDER_LEAD_MINUTES"`
	ReminderWorkers     int    `mapstructure:"REMINDER_WORKERS"`
	LedgerPath          string `mapstructure:"LEDGER_PATH"`

	OutboxBatchSize  int           `mapstructure:"OUTBOX_BATCH_SIZE"`
	OutboxPoll       time.Duration `mapstructure:"OUTBOX_POLL_INTERVAL"`
	OutboxMaxRetries int           `mapstructure:"OUTBOX_MAX_RETRIES"`
}

var keys = []string{
	"PORT", "SERVICE_ENV", "DATABASE_URL", "KAFKA_BROKERS", "API_KEYS", "LOG_LEVEL",
	"OTEL_ENDPOINT", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "TIMEZONE",
	"REMINDER_SCHEDULE", "REMINDER_LEAD_MINUTES", "REMINDER_WORKERS", "LEDGER_PATH",
	"OUTBOX_BATCH_SIZE", "OUTBOX_POLL_INTERVAL", "OUTBOX_MAX_RETRIES",
}

func setDefaults(v *viper.Viper, port string) {
	v.SetDefault("PORT", port)
	v.SetDefault("SERVICE_ENV", "development")
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("API_KEYS", "demo-api-key-12345:demo-client")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("TIMEZONE", "UTC")
	v.SetDefault("REMINDER_SCHEDULE", "@every 1m")
	v.SetDefault("REMINDER_LEAD_MINUTES", 15)
	v.SetDefault("REMINDER_WORKERS", 8)
	v.SetDefault("OUTBOX_BATCH_SIZE", 100)
	v.SetDefault("OUTBOX_POLL_INTERVAL", "200ms")
	v.SetDefault("OUTBOX_MAX_RETRIES", 5)
}

// Load reads configuration. envFile may be empty; a missing file is not an error.
// defaultPort differs per binary.
func Load(envFile, defaultPort string) (*Config, error) {
	v := viper.New()
	setDefaults(v, defaultPort)

	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		_ = v.ReadInConfig()
	}

	v.AutomaticEnv()
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail later at startup
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("TIMEZONE %q: %w", c.Timezone, err)
	}
	if _, err := cron.ParseStandard(c.ReminderSchedule); err != nil {
		return fmt.Errorf("REMINDER_SCHEDULE %q: %w", c.ReminderSchedule, err)
	}
	if c.ReminderLeadMinutes < 0 {
		return fmt.Errorf("REMINDER_LEAD_MINUTES must not be negative")
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must not be negative")
	}
	if _, err := c.APIKeyMap(); err != nil {
		return err
	}
	return nil
}

// IsDev reports whether SERVICE_ENV is development
func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Location returns the configured time zone
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Brokers splits KAFKA_BROKERS. An empty value disables Kafka.
func (c *Config) Brokers() []string {
	return splitList(c.KafkaBrokers)
}

// APIKeyMap parses API_KEYS, a comma list of key:client pairs. A bare key maps to itself.
func (c *Config) APIKeyMap() (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range splitList(c.APIKeys) {
		key, client, found := strings.Cut(pair, ":")
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("API_KEYS: empty key in %q", pair)
		}
		if !found || strings.TrimSpace(client) == "" {
			client = key
		}
		out[key] = strings.TrimSpace(client)
	}
	return out, nil
}

// ReminderLead returns REMINDER_LEAD_MINUTES as a duration
func (c *Config) ReminderLead() time.Duration {
	return time.Duration(c.ReminderLeadMinutes) * time.Minute
}

// NewLogger builds the zap logger for LOG_LEVEL; debug uses the development encoder
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}
	var zc zap.Config
	if level == zapcore.DebugLevel {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build(zap.Fields(zap.String("env", c.Env)))
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
