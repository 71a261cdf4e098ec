// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/safegate/internal/approval"
	"github.com/mbd888/safegate/internal/mediation"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port           string
	Env            string // "development", "staging", "production"
	LogLevel       string
	RequestTimeout time.Duration
	RateLimitRPM   int
	CORSOrigins    []string

	// Storage. Both optional; in-memory stores are used when unset.
	DatabaseURL string // PostgreSQL: audit trail and contact ledger
	RedisURL    string // Redis: contact ledger and dispatch stream
	RedisPrefix string

	// Tracing
	OTelEndpoint string

	// Approval
	ApprovalSecret      string
	ApprovalTokenPolicy string
	DispatchStream      string

	// Policy
	RulesetPath       string // optional TOML override of the builtin ruleset
	QuietHoursStart   string // HH:MM
	QuietHoursEnd     string // HH:MM
	MediationCaps     string // e.g. "whatsapp=5,email=3"
	FailsafeThreshold int
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultRequestTimeout    = 10 * time.Second
	DefaultRateLimitRPM      = 600
	DefaultRedisPrefix       = "safegate:"
	DefaultQuietHoursStart   = "22:00"
	DefaultQuietHoursEnd     = "07:00"
	DefaultFailsafeThreshold = 3

	minSecretLength = 32
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		RequestTimeout:      getEnvDuration("REQUEST_TIMEOUT", DefaultRequestTimeout),
		RateLimitRPM:        getEnvInt("RATE_LIMIT_RPM", DefaultRateLimitRPM),
		CORSOrigins:         getEnvList("CORS_ALLOWED_ORIGINS"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            os.Getenv("REDIS_URL"),
		RedisPrefix:         getEnv("REDIS_PREFIX", DefaultRedisPrefix),
		OTelEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ApprovalSecret:      os.Getenv("APPROVAL_SECRET"),
		ApprovalTokenPolicy: getEnv("APPROVAL_TOKEN_POLICY", string(approval.PolicySingleUse)),
		DispatchStream:      getEnv("DISPATCH_STREAM", approval.DefaultDispatchStream),
		RulesetPath:         os.Getenv("RULESET_PATH"),
		QuietHoursStart:     getEnv("QUIET_HOURS_START", DefaultQuietHoursStart),
		QuietHoursEnd:       getEnv("QUIET_HOURS_END", DefaultQuietHoursEnd),
		MediationCaps:       os.Getenv("MEDIATION_CAPS"),
		FailsafeThreshold:   getEnvInt("FAILSAFE_THRESHOLD", DefaultFailsafeThreshold),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and parseable
func (c *Config) Validate() error {
	if !c.IsDevelopment() {
		if c.ApprovalSecret == "" {
			return fmt.Errorf("APPROVAL_SECRET is required outside development")
		}
		if len(c.ApprovalSecret) < minSecretLength {
			return fmt.Errorf("APPROVAL_SECRET must be at least %d characters", minSecretLength)
		}
	}

	if _, err := approval.ParseTokenPolicy(c.ApprovalTokenPolicy); err != nil {
		return fmt.Errorf("APPROVAL_TOKEN_POLICY: %w", err)
	}
	if _, err := c.QuietHours(); err != nil {
		return err
	}
	if _, err := mediation.ParseCaps(c.MediationCaps); err != nil {
		return fmt.Errorf("MEDIATION_CAPS: %w", err)
	}

	if c.FailsafeThreshold < 1 {
		return fmt.Errorf("FAILSAFE_THRESHOLD must be at least 1")
	}
	if c.RateLimitRPM < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must not be negative")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive")
	}

	return nil
}

// QuietHours parses the quiet window.
func (c *Config) QuietHours() (mediation.QuietHours, error) {
	start, err := mediation.ParseClock(c.QuietHoursStart)
	if err != nil {
		return mediation.QuietHours{}, fmt.Errorf("QUIET_HOURS_START: %w", err)
	}
	end, err := mediation.ParseClock(c.QuietHoursEnd)
	if err != nil {
		return mediation.QuietHours{}, fmt.Errorf("QUIET_HOURS_END: %w", err)
	}
	return mediation.QuietHours{Start: start, End: end}, nil
}

// Caps returns the per-platform contact caps with overrides applied.
// Call after Validate.
func (c *Config) Caps() mediation.Caps {
	overrides, _ := mediation.ParseCaps(c.MediationCaps)
	return mediation.NewCaps(overrides)
}

// TokenPolicy returns the approval token policy. Call after Validate.
func (c *Config) TokenPolicy() approval.TokenPolicy {
	p, _ := approval.ParseTokenPolicy(c.ApprovalTokenPolicy)
	return p
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
