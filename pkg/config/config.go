// Package config loads runtime configuration from environment variables and
// validates operator-supplied stage plan files.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/strataos/keel/pkg/guardian"
)

// Config holds process configuration.
type Config struct {
	// PrimaryRoot and AuditRoot are the two ledger directories.
	PrimaryRoot string
	AuditRoot   string
	// IndexPath is the SQLite reference index location.
	IndexPath string
	// PolicyPath is the capability policy manifest.
	PolicyPath string
	// MasterSeedHex derives the per-kind chain signing keys.
	MasterSeedHex string
	LogLevel      string
	// TelemetryDSN, when set, switches the guardian telemetry window from
	// in-memory to Postgres.
	TelemetryDSN string
	// OTLPEndpoint, when set, enables metric export.
	OTLPEndpoint   string
	GuardianLimits guardian.Limits
}

// Load reads configuration from KEEL_* environment variables, falling back
// to development defaults.
func Load() *Config {
	primary := os.Getenv("KEEL_PRIMARY_ROOT")
	if primary == "" {
		primary = "./data/ledger"
	}
	audit := os.Getenv("KEEL_AUDIT_ROOT")
	if audit == "" {
		audit = "./data/ledger-mirror"
	}
	index := os.Getenv("KEEL_INDEX_PATH")
	if index == "" {
		index = "./data/keel-index.db"
	}
	policy := os.Getenv("KEEL_POLICY_PATH")
	if policy == "" {
		policy = "./policy.yaml"
	}
	logLevel := os.Getenv("KEEL_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	return &Config{
		PrimaryRoot:   primary,
		AuditRoot:     audit,
		IndexPath:     index,
		PolicyPath:    policy,
		MasterSeedHex: os.Getenv("KEEL_MASTER_SEED"),
		LogLevel:      logLevel,
		TelemetryDSN:  os.Getenv("KEEL_TELEMETRY_DSN"),
		OTLPEndpoint:  os.Getenv("KEEL_OTLP_ENDPOINT"),
		GuardianLimits: guardian.Limits{
			MaxTokens:  envInt64("KEEL_BUDGET_MAX_TOKENS"),
			MaxLatency: envDuration("KEEL_BUDGET_MAX_LATENCY"),
			WindowSize: int(envInt64("KEEL_BUDGET_WINDOW")),
		},
	}
}

func envInt64(key string) int64 {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func envDuration(key string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}
