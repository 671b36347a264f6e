package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultSharedSecret is only acceptable outside production.
const DefaultSharedSecret = "beacon-insecure-dev-secret"

type Config struct {
	HTTPAddr     string
	Env          string
	LogLevel     string
	MaxBodyBytes int

	SharedSecret            string
	ExpectedClientID        string
	ExpectedProtocolVersion string
	FreshnessToleranceMs    int
	ReplayLedgerTTLMs       int
	ReplayLedgerBackend     string
	SignatureAlgorithm      string
	PayloadDecodeLenient    bool

	DiscordWebhookURL  string
	DiscordUsername    string
	DiscordAvatarURL   string
	SecondaryAPIURL    string
	SecondaryAPIToken  string
	SinkTimeoutSeconds int

	APIToken              string
	APISecret             string
	AllowedUserAgents     []string
	RelayTokenToleranceMs int

	PolicyBundlePath string
	PostgresDSN      string
	AdminAPIKey      string
	// AuditRejectQueueSize bounds buffered rejection audits; 0 writes them inline.
	AuditRejectQueueSize int

	RateLimitRequests      int
	RateLimitWindowSeconds int
	RateLimitFailClosed    bool
	RateLimitMaxKeys       int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	CORSAllowedOrigins []string
}

func FromEnv() Config {
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	return Config{
		HTTPAddr:                addr,
		Env:                     os.Getenv("BEACON_ENV"),
		LogLevel:                envDefault("LOG_LEVEL", "info"),
		MaxBodyBytes:            envIntDefault("MAX_BODY_BYTES", 1<<20),
		SharedSecret:            envDefault("SHARED_SECRET", DefaultSharedSecret),
		ExpectedClientID:        envDefault("EXPECTED_CLIENT_ID", "beacon-agent"),
		ExpectedProtocolVersion: envDefault("EXPECTED_PROTOCOL_VERSION", "2.0"),
		FreshnessToleranceMs:    envIntDefault("FRESHNESS_TOLERANCE_MS", 30000),
		ReplayLedgerTTLMs:       envIntDefault("REPLAY_LEDGER_TTL_MS", 300000),
		ReplayLedgerBackend:     envDefault("REPLAY_LEDGER_BACKEND", "memory"),
		SignatureAlgorithm:      envDefault("SIGNATURE_ALGORITHM", "hmac-sha256"),
		PayloadDecodeLenient:    envBoolDefault("PAYLOAD_DECODE_LENIENT", false),
		DiscordWebhookURL:       os.Getenv("DISCORD_WEBHOOK_URL"),
		DiscordUsername:         envDefault("DISCORD_USERNAME", "Beacon"),
		DiscordAvatarURL:        os.Getenv("DISCORD_AVATAR_URL"),
		SecondaryAPIURL:         os.Getenv("SECONDARY_API_URL"),
		SecondaryAPIToken:       os.Getenv("SECONDARY_API_TOKEN"),
		SinkTimeoutSeconds:      envIntDefault("SINK_TIMEOUT_SECONDS", 10),
		APIToken:                os.Getenv("API_TOKEN"),
		APISecret:               os.Getenv("API_SECRET"),
		AllowedUserAgents:       envListDefault("ALLOWED_USER_AGENTS", []string{"roblox", "robloxstudio", "sys", "http", "https"}),
		RelayTokenToleranceMs:   envIntDefault("RELAY_TOKEN_TOLERANCE_MS", 300000),
		PolicyBundlePath:        os.Getenv("POLICY_BUNDLE_PATH"),
		PostgresDSN:             os.Getenv("POSTGRES_DSN"),
		AdminAPIKey:             os.Getenv("ADMIN_API_KEY"),
		AuditRejectQueueSize:    envIntDefault("AUDIT_REJECT_QUEUE_SIZE", 1024),
		RateLimitRequests:       envIntDefault("RATE_LIMIT_REQUESTS", 0),
		RateLimitWindowSeconds:  envIntDefault("RATE_LIMIT_WINDOW_SECONDS", 60),
		RateLimitFailClosed:     envBoolDefault("RATE_LIMIT_FAIL_CLOSED", false),
		RateLimitMaxKeys:        envIntDefault("RATE_LIMIT_MAX_KEYS", 10000),
		RedisAddr:               os.Getenv("REDIS_ADDR"),
		RedisPassword:           os.Getenv("REDIS_PASSWORD"),
		RedisDB:                 envIntDefault("REDIS_DB", 0),
		CORSAllowedOrigins:      envListDefault("CORS_ALLOWED_ORIGINS", []string{"*"}),
	}
}

// Validate rejects configurations that cannot serve traffic safely.
func (c Config) Validate() error {
	if c.SharedSecret == "" {
		return errors.New("SHARED_SECRET must not be empty")
	}
	if c.IsProduction() && c.SharedSecret == DefaultSharedSecret {
		return errors.New("SHARED_SECRET must be overridden in production")
	}
	if c.ExpectedClientID == "" || c.ExpectedProtocolVersion == "" {
		return errors.New("EXPECTED_CLIENT_ID and EXPECTED_PROTOCOL_VERSION are required")
	}
	if c.FreshnessToleranceMs <= 0 || c.RelayTokenToleranceMs <= 0 {
		return errors.New("FRESHNESS_TOLERANCE_MS and RELAY_TOKEN_TOLERANCE_MS must be positive")
	}
	// A timestamp is accepted anywhere in [now-tolerance, now+tolerance], so
	// its nonce has to outlive the whole window.
	if c.ReplayLedgerTTLMs < 2*c.FreshnessToleranceMs {
		return fmt.Errorf("REPLAY_LEDGER_TTL_MS (%d) must be at least twice FRESHNESS_TOLERANCE_MS (%d)",
			c.ReplayLedgerTTLMs, c.FreshnessToleranceMs)
	}
	switch c.ReplayLedgerBackend {
	case "memory":
	case "redis":
		if c.RedisAddr == "" {
			return errors.New("REDIS_ADDR is required for the redis replay ledger")
		}
	default:
		return errors.New("REPLAY_LEDGER_BACKEND must be memory or redis")
	}
	return nil
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

func (c Config) FreshnessTolerance() time.Duration {
	return time.Duration(c.FreshnessToleranceMs) * time.Millisecond
}

func (c Config) ReplayLedgerTTL() time.Duration {
	return time.Duration(c.ReplayLedgerTTLMs) * time.Millisecond
}

func (c Config) RelayTokenTolerance() time.Duration {
	return time.Duration(c.RelayTokenToleranceMs) * time.Millisecond
}

// EmbedLedgerTTL covers both sides of the embed token window.
func (c Config) EmbedLedgerTTL() time.Duration {
	return 2 * c.RelayTokenTolerance()
}

func (c Config) SinkTimeout() time.Duration {
	return time.Duration(c.SinkTimeoutSeconds) * time.Second
}

func envDefault(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func envIntDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func envBoolDefault(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "TRUE", "True", "yes", "YES", "Yes":
		return true
	case "0", "false", "FALSE", "False", "no", "NO", "No":
		return false
	default:
		return def
	}
}

func envListDefault(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	if len(out) == 0 {
		return def
	}
	return out
}
