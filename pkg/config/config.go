// Package config loads engine configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds engine configuration.
type Config struct {
	Port     string
	LogLevel string

	// DatabasePath is the sqlite file backing sessions, votes,
	// decisions, cases, the outbox and the audit trail.
	DatabasePath string

	// RosterPath is the YAML roster of council agents.
	RosterPath string

	VotingWindow time.Duration
	AgentTimeout time.Duration
	ReviewWindow time.Duration

	// HandoffURL is the analyst workbench endpoint escalation cases
	// are delivered to. Empty disables the dispatcher.
	HandoffURL       string
	DispatchInterval time.Duration

	// SigningKey signs reviewer JWTs. Must be at least 32 bytes.
	SigningKey string
	TokenTTL   time.Duration

	RedisAddr     string
	RedisPassword string
	RateRPS       float64
	RateBurst     int

	OTLPEndpoint string
	OTelEnabled  bool
}

// Load reads configuration from environment variables, with defaults
// suitable for local development.
func Load() *Config {
	return &Config{
		Port:             envOr("PORT", "8080"),
		LogLevel:         envOr("LOG_LEVEL", "INFO"),
		DatabasePath:     envOr("DATABASE_PATH", "data/council.db"),
		RosterPath:       envOr("ROSTER_PATH", "config/roster.yaml"),
		VotingWindow:     envDuration("VOTING_WINDOW", 2*time.Minute),
		AgentTimeout:     envDuration("AGENT_TIMEOUT", 30*time.Second),
		ReviewWindow:     envDuration("REVIEW_WINDOW", 24*time.Hour),
		HandoffURL:       os.Getenv("HANDOFF_URL"),
		DispatchInterval: envDuration("DISPATCH_INTERVAL", 15*time.Second),
		SigningKey:       os.Getenv("SIGNING_KEY"),
		TokenTTL:         envDuration("TOKEN_TTL", time.Hour),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		RateRPS:          envFloat("RATE_RPS", 10),
		RateBurst:        envInt("RATE_BURST", 20),
		OTLPEndpoint:     envOr("OTLP_ENDPOINT", "localhost:4317"),
		OTelEnabled:      os.Getenv("OTEL_ENABLED") == "true",
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
