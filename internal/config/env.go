// Package config handles environment-based configuration loading.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tilefall/tilefall/internal/geom"
)

// EnvConfig holds all environment-variable-driven settings.
type EnvConfig struct {
	// Directories
	DataDir string

	// Network
	ListenAddress string
	Port          int

	// Loop frequencies
	TickFrequency       time.Duration
	SyncFrequency       time.Duration
	DBFlushFrequency    time.Duration
	CacheCleanFrequency time.Duration

	// Cache
	CacheDefaultDuration time.Duration
	TokenCacheSize       int

	// World
	SubzoneSize   geom.Vec2
	WalkSpeed     time.Duration
	RunSpeed      time.Duration
	HearingRadius int

	// Chat
	MessageTTL time.Duration

	// Maintenance
	MaintenanceSchedule string

	// Locale
	Locale string
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error if any value is invalid.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Directories ---
	cfg.DataDir = envStr("TILEFALL_DATA_DIR", "/var/lib/tilefall")

	// --- Network ---
	cfg.ListenAddress = strings.TrimSpace(envStr("TILEFALL_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.Port = envInt("TILEFALL_PORT", 2270, &errs)

	// --- Loop frequencies ---
	cfg.TickFrequency = envDuration("TILEFALL_TICK_FREQUENCY", 16*time.Millisecond, &errs)
	cfg.SyncFrequency = envDuration("TILEFALL_SYNC_FREQUENCY", 100*time.Millisecond, &errs)
	cfg.DBFlushFrequency = envDuration("TILEFALL_DB_FLUSH_FREQUENCY", 100*time.Millisecond, &errs)
	cfg.CacheCleanFrequency = envDuration("TILEFALL_CACHE_CLEAN_FREQUENCY", time.Minute, &errs)

	// --- Cache ---
	cfg.CacheDefaultDuration = envDuration("TILEFALL_CACHE_DEFAULT_DURATION", 10*time.Minute, &errs)
	cfg.TokenCacheSize = envInt("TILEFALL_TOKEN_CACHE_SIZE", 10_000, &errs)

	// --- World ---
	cfg.SubzoneSize = geom.V(
		envInt("TILEFALL_SUBZONE_SIZE_X", 20, &errs),
		envInt("TILEFALL_SUBZONE_SIZE_Y", 40, &errs),
	)
	cfg.WalkSpeed = envDuration("TILEFALL_WALK_SPEED", 250*time.Millisecond, &errs)
	cfg.RunSpeed = envDuration("TILEFALL_RUN_SPEED", 125*time.Millisecond, &errs)
	cfg.HearingRadius = envInt("TILEFALL_HEARING_RADIUS", 8, &errs)

	// --- Chat ---
	cfg.MessageTTL = envDuration("TILEFALL_MESSAGE_TTL", 5*time.Minute, &errs)

	// --- Maintenance ---
	cfg.MaintenanceSchedule = envStr("TILEFALL_MAINTENANCE_SCHEDULE", "0 4 * * *")

	// --- Locale ---
	cfg.Locale = envStr("TILEFALL_LOCALE", "en")

	// --- Validation ---
	if cfg.ListenAddress == "" {
		errs = append(errs, "TILEFALL_LISTEN_ADDRESS must not be empty")
	}
	validatePort("TILEFALL_PORT", cfg.Port, &errs)

	validatePositiveDuration("TILEFALL_TICK_FREQUENCY", cfg.TickFrequency, &errs)
	validatePositiveDuration("TILEFALL_SYNC_FREQUENCY", cfg.SyncFrequency, &errs)
	validatePositiveDuration("TILEFALL_DB_FLUSH_FREQUENCY", cfg.DBFlushFrequency, &errs)
	validatePositiveDuration("TILEFALL_CACHE_CLEAN_FREQUENCY", cfg.CacheCleanFrequency, &errs)
	validatePositiveDuration("TILEFALL_CACHE_DEFAULT_DURATION", cfg.CacheDefaultDuration, &errs)
	validatePositive("TILEFALL_TOKEN_CACHE_SIZE", cfg.TokenCacheSize, &errs)

	validatePositive("TILEFALL_SUBZONE_SIZE_X", cfg.SubzoneSize.X, &errs)
	validatePositive("TILEFALL_SUBZONE_SIZE_Y", cfg.SubzoneSize.Y, &errs)
	validatePositiveDuration("TILEFALL_WALK_SPEED", cfg.WalkSpeed, &errs)
	validatePositiveDuration("TILEFALL_RUN_SPEED", cfg.RunSpeed, &errs)
	if cfg.RunSpeed > cfg.WalkSpeed {
		errs = append(errs, "TILEFALL_RUN_SPEED must be less than or equal to TILEFALL_WALK_SPEED")
	}
	validatePositive("TILEFALL_HEARING_RADIUS", cfg.HearingRadius, &errs)

	validatePositiveDuration("TILEFALL_MESSAGE_TTL", cfg.MessageTTL, &errs)

	if _, err := cron.ParseStandard(cfg.MaintenanceSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("TILEFALL_MAINTENANCE_SCHEDULE: invalid cron expression %q: %v", cfg.MaintenanceSchedule, err))
	}

	if cfg.Locale == "" {
		errs = append(errs, "TILEFALL_LOCALE must not be empty")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}

func validatePositiveDuration(name string, value time.Duration, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %v", name, value))
	}
}
