// Package config provides configuration management for the Sentinel
// agent fabric.
//
// This package handles loading configuration from environment variables
// (and an optional .env file) and later patching it from the ledger's
// settings table. Settings database values take precedence over
// environment variables.
//
// Configuration Loading Order:
// 1. Load from .env file (if exists)
// 2. Load from environment variables
// 3. Update from the ledger settings table (takes precedence)
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration for every component wired by
// internal/di.
type Config struct {
	DataDir  string // base directory for the ledger, memory store, and hot/cold spill files
	LogLevel string // log level (debug, info, warn, error)
	Port     int    // HTTP health/CLI server port
	DevMode  bool

	Memory       MemoryConfig
	Agents       AgentsConfig
	Coordinator  CoordinatorConfig
	RuntimeAgent RuntimeAgentConfig
	Reliability  ReliabilityConfig
	MarketFeed   MarketFeedConfig
}

// ReliabilityConfig configures the optional S3-compatible mirror of the
// memory store's cold-spill tier. Bucket empty disables the mirror.
type ReliabilityConfig struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	SyncSchedule    string
	Retention       time.Duration
	MinKeep         int
}

// MarketFeedConfig configures the streaming live-quote client. With URL
// empty no streaming client is built and the scraper uses its built-in
// Yahoo Finance source, falling back to simulation when a quote fails.
type MarketFeedConfig struct {
	URL string
}

// MemoryConfig mirrors SPEC_FULL.md's memory.* keys.
type MemoryConfig struct {
	EmbeddingDimension      int
	RetentionMaxRecords     int
	RetentionMaxAge         time.Duration
	RetentionMinAge         time.Duration
	RetentionSchedule       string
	DashboardSelectedBackend string // "local" or "s3"
}

// AgentsConfig mirrors SPEC_FULL.md's agents.* keys.
type AgentsConfig struct {
	ScannerScanInterval       time.Duration
	RiskManagementMaxRiskPerTrade float64
	Watchlist                 []string
}

// CoordinatorConfig mirrors SPEC_FULL.md's coordinator.* keys.
type CoordinatorConfig struct {
	Mode        string
	AgentWeights map[string]float64
}

// RuntimeAgentConfig mirrors SPEC_FULL.md's runtime.* keys.
type RuntimeAgentConfig struct {
	MaxConcurrentTasks int
}

// Load reads configuration from environment variables.
//
// dataDirOverride, if non-empty, takes highest priority over the
// SENTINEL_DATA_DIR environment variable and the built-in default.
func Load(dataDirOverride ...string) (*Config, error) {
	_ = godotenv.Load()

	var dataDir string
	if len(dataDirOverride) > 0 && dataDirOverride[0] != "" {
		dataDir = dataDirOverride[0]
	} else {
		dataDir = getEnv("SENTINEL_DATA_DIR", "")
		if dataDir == "" {
			dataDir = "./data"
		}
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("config: resolve data directory: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("config: create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Port:     getEnvAsInt("SENTINEL_PORT", 8001),
		DevMode:  getEnvAsBool("DEV_MODE", false),
		Memory: MemoryConfig{
			EmbeddingDimension:       getEnvAsInt("MEMORY_EMBEDDING_DIMENSION", 256),
			RetentionMaxRecords:      getEnvAsInt("MEMORY_RETENTION_MAX_RECORDS", 100_000),
			RetentionMaxAge:          getEnvAsDuration("MEMORY_RETENTION_MAX_AGE", 90*24*time.Hour),
			RetentionMinAge:          getEnvAsDuration("MEMORY_RETENTION_MIN_AGE", 24*time.Hour),
			RetentionSchedule:        getEnv("MEMORY_RETENTION_SCHEDULE", "@every 1h"),
			DashboardSelectedBackend: getEnv("MEMORY_DASHBOARD_SELECTED_BACKEND", "local"),
		},
		Agents: AgentsConfig{
			ScannerScanInterval:           getEnvAsDuration("AGENTS_SCANNER_SCAN_INTERVAL", 30*time.Second),
			RiskManagementMaxRiskPerTrade: getEnvAsFloat("AGENTS_RISK_MANAGEMENT_MAX_RISK_PER_TRADE", 0.02),
			Watchlist:                     getEnvAsList("AGENTS_WATCHLIST", []string{"AAPL", "MSFT", "TSLA"}),
		},
		Coordinator: CoordinatorConfig{
			Mode:         getEnv("COORDINATOR_MODE", "balanced"),
			AgentWeights: defaultAgentWeights(),
		},
		RuntimeAgent: RuntimeAgentConfig{
			MaxConcurrentTasks: getEnvAsInt("RUNTIME_MAX_CONCURRENT_TASKS", 10),
		},
		Reliability: ReliabilityConfig{
			Bucket:          getEnv("RELIABILITY_S3_BUCKET", ""),
			Region:          getEnv("RELIABILITY_S3_REGION", "auto"),
			Endpoint:        getEnv("RELIABILITY_S3_ENDPOINT", ""),
			AccessKeyID:     getEnv("RELIABILITY_S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("RELIABILITY_S3_SECRET_ACCESS_KEY", ""),
			SyncSchedule:    getEnv("RELIABILITY_SYNC_SCHEDULE", "@every 6h"),
			Retention:       getEnvAsDuration("RELIABILITY_RETENTION", 30*24*time.Hour),
			MinKeep:         getEnvAsInt("RELIABILITY_MIN_KEEP", 5),
		},
		MarketFeed: MarketFeedConfig{
			URL: getEnv("MARKETFEED_URL", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SettingsRepository is the narrow contract the ledger's settings table
// exposes for late configuration patching.
type SettingsRepository interface {
	Get(key string) (*string, error)
}

// UpdateFromSettings patches configuration from the ledger settings
// table, which takes precedence over environment variables. Should be
// called after the ledger database is opened in internal/di.
func (c *Config) UpdateFromSettings(repo SettingsRepository) error {
	if mode, err := getSetting(repo, "coordinator.mode"); err != nil {
		return err
	} else if mode != "" {
		c.Coordinator.Mode = mode
	}

	if raw, err := getSetting(repo, "agents.risk_management.max_risk_per_trade"); err != nil {
		return err
	} else if raw != "" {
		if v, perr := strconv.ParseFloat(raw, 64); perr == nil {
			c.Agents.RiskManagementMaxRiskPerTrade = v
		}
	}

	if raw, err := getSetting(repo, "agents.scanner.scan_interval"); err != nil {
		return err
	} else if raw != "" {
		if d, perr := time.ParseDuration(raw); perr == nil {
			c.Agents.ScannerScanInterval = d
		}
	}

	if raw, err := getSetting(repo, "runtime.max_concurrent_tasks"); err != nil {
		return err
	} else if raw != "" {
		if v, perr := strconv.Atoi(raw); perr == nil {
			c.RuntimeAgent.MaxConcurrentTasks = v
		}
	}

	if raw, err := getSetting(repo, "memory.dashboard_selected_backend"); err != nil {
		return err
	} else if raw != "" {
		c.Memory.DashboardSelectedBackend = raw
	}

	return nil
}

func getSetting(repo SettingsRepository, key string) (string, error) {
	v, err := repo.Get(key)
	if err != nil {
		return "", fmt.Errorf("config: get setting %q: %w", key, err)
	}
	if v == nil {
		return "", nil
	}
	return *v, nil
}

// Validate checks required configuration invariants; malformed
// configuration is fatal at startup (ConfigInvalid, §7).
func (c *Config) Validate() error {
	if c.Memory.EmbeddingDimension <= 0 {
		return fmt.Errorf("config: memory.embedding.dimension must be positive, got %d", c.Memory.EmbeddingDimension)
	}
	if c.Agents.RiskManagementMaxRiskPerTrade <= 0 || c.Agents.RiskManagementMaxRiskPerTrade > 1 {
		return fmt.Errorf("config: agents.risk_management.max_risk_per_trade must be in (0,1], got %f", c.Agents.RiskManagementMaxRiskPerTrade)
	}
	switch c.Coordinator.Mode {
	case "conservative", "balanced", "aggressive", "autonomous":
	default:
		return fmt.Errorf("config: coordinator.mode %q is not recognized", c.Coordinator.Mode)
	}
	return nil
}

// defaultAgentWeights mirrors spec §4.7's default coordinator agent
// weights (sum to 1.0). Only "strategy", "timing", "rules", and
// "market_data" currently feed the synthesis confidence sum (§4.7.2);
// the remaining keys are reserved for future contribution sources and
// are carried through configuration unchanged.
func defaultAgentWeights() map[string]float64 {
	return map[string]float64{
		"memory":      0.10,
		"timing":      0.20,
		"strategy":    0.25,
		"rules":       0.20,
		"runtime":     0.10,
		"market_data": 0.05,
		"portfolio":   0.05,
		"signals":     0.05,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
