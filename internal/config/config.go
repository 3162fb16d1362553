// Package config provides configuration loading and management for the application.
//
// Values come from built-in defaults, then an optional YAML file, then the
// environment (a .env file in the working directory is loaded first).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Position modes
const (
	ModeSingle = "single"
	ModeMulti  = "multi"
)

// Config holds all application configuration
type Config struct {
	// Mode selects the single-position machine or the multi-position book
	Mode string `yaml:"mode"`

	Interval        time.Duration `yaml:"interval"`
	CycleTimeout    time.Duration `yaml:"cycle_timeout"`
	CapitalLamports int64         `yaml:"capital_lamports"`
	HistoryCapacity int           `yaml:"history_capacity"`

	// Data sources in priority order
	Sources         []SourceConfig `yaml:"sources"`
	RequestTimeout  time.Duration  `yaml:"request_timeout"`
	RetryMax        int            `yaml:"retry_max"`
	FreshnessWindow time.Duration  `yaml:"freshness_window"`
	// How reports of the same venue from several sources are combined
	SourceMerge string `yaml:"source_merge"`

	Validation ValidationConfig `yaml:"validation"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	Swap       SwapConfig       `yaml:"swap"`
	Position   PositionConfig   `yaml:"position"`
	Allocation AllocationConfig `yaml:"allocation"`
	Ledger     LedgerConfig     `yaml:"ledger"`

	StatePath string `yaml:"state_path"`
	AuditPath string `yaml:"audit_path"`

	API      APIConfig      `yaml:"api"`
	Telegram TelegramConfig `yaml:"telegram"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Log      LogConfig      `yaml:"log"`

	// OpenTelemetry endpoint for observability
	OtelEndpoint string `yaml:"otel_endpoint"`
}

// SourceConfig is one yield data endpoint
type SourceConfig struct {
	Name   string `yaml:"name"`
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

type ValidationConfig struct {
	MaxAge     time.Duration `yaml:"max_age"`
	MinTVLUSD  float64       `yaml:"min_tvl_usd"`
	MaxAPYBps  int64         `yaml:"max_apy_bps"`
	RequireTVL bool          `yaml:"require_tvl"`
}

type BreakerConfig struct {
	MaxAPYBps     int64         `yaml:"max_apy_bps"`
	MaxTVLChange  float64       `yaml:"max_tvl_change"`
	MinVenues     int           `yaml:"min_venues"`
	MaxAPYJumpBps int64         `yaml:"max_apy_jump_bps"`
	ResetDelay    time.Duration `yaml:"reset_delay"`
}

// SwapConfig selects the execution venue. An empty URL runs against the paper venue.
type SwapConfig struct {
	URL               string        `yaml:"url"`
	APIKey            string        `yaml:"api_key"`
	PaperFeeBps       int64         `yaml:"paper_fee_bps"`
	MaxPriceImpactPct float64       `yaml:"max_price_impact_pct"`
	MaxAttempts       int           `yaml:"max_attempts"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
}

type PositionConfig struct {
	MinTradeLamports    int64         `yaml:"min_trade_lamports"`
	MaxPositionLamports int64         `yaml:"max_position_lamports"`
	MinHoldTime         time.Duration `yaml:"min_hold_time"`
	MinImprovementBps   float64       `yaml:"min_improvement_bps"`
	AutoRecover         bool          `yaml:"auto_recover"`
}

type AllocationConfig struct {
	Strategy            string        `yaml:"strategy"`
	MaxPositions        int           `yaml:"max_positions"`
	MinPositionLamports int64         `yaml:"min_position_lamports"`
	DriftPct            float64       `yaml:"drift_pct"`
	MinRebalanceGap     time.Duration `yaml:"min_rebalance_gap"`
}

// LedgerConfig points at the ledger simulator and the authority key.
// KeyHex wins over KeyPath when both are set.
type LedgerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	KeyPath string `yaml:"key_path"`
	KeyHex  string `yaml:"key_hex"`
}

type APIConfig struct {
	Port      string  `yaml:"port"`
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// Enabled reports whether both token and chat are configured
func (t TelegramConfig) Enabled() bool {
	return t.BotToken != "" && t.ChatID != ""
}

// WebhookConfig enables batched alert export to an HTTP endpoint
type WebhookConfig struct {
	URL       string        `yaml:"url"`
	APIKey    string        `yaml:"api_key"`
	BatchSize int           `yaml:"batch_size"`
	Interval  time.Duration `yaml:"interval"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Mode:            ModeSingle,
		Interval:        5 * time.Minute,
		CycleTimeout:    2 * time.Minute,
		CapitalLamports: 10_000_000_000,
		HistoryCapacity: 288,
		RequestTimeout:  10 * time.Second,
		RetryMax:        3,
		FreshnessWindow: 15 * time.Minute,
		SourceMerge:     "priority",
		Validation: ValidationConfig{
			MaxAge:    time.Hour,
			MaxAPYBps: 100_000,
		},
		Breaker: BreakerConfig{
			MaxAPYBps:     50_000,
			MaxTVLChange:  0.5,
			MinVenues:     1,
			MaxAPYJumpBps: 2_000,
			ResetDelay:    5 * time.Minute,
		},
		Swap: SwapConfig{
			PaperFeeBps:       5,
			MaxPriceImpactPct: 1.0,
			MaxAttempts:       3,
			RetryDelay:        2 * time.Second,
		},
		Position: PositionConfig{
			MinTradeLamports:    100_000_000,
			MaxPositionLamports: 5_000_000_000,
			MinHoldTime:         24 * time.Hour,
			MinImprovementBps:   50,
		},
		Allocation: AllocationConfig{
			Strategy:            "yield-weighted",
			MaxPositions:        3,
			MinPositionLamports: 100_000_000,
			DriftPct:            5,
			MinRebalanceGap:     24 * time.Hour,
		},
		Ledger: LedgerConfig{
			Enabled: true,
			Path:    "data/ledger.json",
			KeyPath: "data/authority.key",
		},
		StatePath: "data/state.json",
		AuditPath: "data/audit.db",
		API: APIConfig{
			Port:      "8080",
			RateLimit: 10,
			Burst:     20,
		},
		Webhook: WebhookConfig{
			BatchSize: 20,
			Interval:  time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration. path may be empty to skip the YAML file.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logrus.Warnf("Failed to load .env: %v", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
		logrus.Infof("Loaded configuration from %s", path)
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnvOverrides lets the environment win over file values
func applyEnvOverrides(cfg *Config) {
	cfg.Mode = strings.ToLower(GetEnvOrDefault("ORACLE_MODE", cfg.Mode))
	cfg.Interval = GetEnvAsDuration("CYCLE_INTERVAL", cfg.Interval)
	cfg.CycleTimeout = GetEnvAsDuration("CYCLE_TIMEOUT", cfg.CycleTimeout)
	cfg.CapitalLamports = GetEnvAsInt64("CAPITAL_LAMPORTS", cfg.CapitalLamports)
	cfg.HistoryCapacity = GetEnvAsInt("HISTORY_CAPACITY", cfg.HistoryCapacity)

	if url, ok := GetEnv("DATA_SOURCE_URL"); ok && url != "" {
		cfg.Sources = []SourceConfig{{Name: "primary", URL: url, APIKey: os.Getenv("DATA_SOURCE_API_KEY")}}
		if backup, ok := GetEnv("DATA_SOURCE_BACKUP_URL"); ok && backup != "" {
			cfg.Sources = append(cfg.Sources, SourceConfig{Name: "backup", URL: backup, APIKey: os.Getenv("DATA_SOURCE_BACKUP_API_KEY")})
		}
	}
	cfg.RequestTimeout = GetEnvAsDuration("REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.RetryMax = GetEnvAsInt("RETRY_MAX", cfg.RetryMax)
	cfg.FreshnessWindow = GetEnvAsDuration("FRESHNESS_WINDOW", cfg.FreshnessWindow)
	cfg.SourceMerge = GetEnvOrDefault("SOURCE_MERGE", cfg.SourceMerge)

	cfg.Validation.MaxAge = GetEnvAsDuration("MAX_SAMPLE_AGE", cfg.Validation.MaxAge)
	cfg.Validation.MinTVLUSD = GetEnvAsFloat("MIN_TVL_USD", cfg.Validation.MinTVLUSD)

	cfg.Breaker.MaxAPYBps = GetEnvAsInt64("MAX_APY_BPS", cfg.Breaker.MaxAPYBps)
	cfg.Breaker.MaxTVLChange = GetEnvAsFloat("MAX_TVL_CHANGE", cfg.Breaker.MaxTVLChange)
	cfg.Breaker.MinVenues = GetEnvAsInt("MIN_VENUE_COUNT", cfg.Breaker.MinVenues)
	cfg.Breaker.ResetDelay = GetEnvAsDuration("CIRCUIT_RESET_DELAY", cfg.Breaker.ResetDelay)

	cfg.Swap.URL = GetEnvOrDefault("SWAP_URL", cfg.Swap.URL)
	cfg.Swap.APIKey = GetEnvOrDefault("SWAP_API_KEY", cfg.Swap.APIKey)
	cfg.Swap.MaxPriceImpactPct = GetEnvAsFloat("MAX_PRICE_IMPACT_PCT", cfg.Swap.MaxPriceImpactPct)

	cfg.Position.MinHoldTime = GetEnvAsDuration("MIN_HOLD_TIME", cfg.Position.MinHoldTime)
	cfg.Position.MinImprovementBps = GetEnvAsFloat("MIN_IMPROVEMENT_BPS", cfg.Position.MinImprovementBps)
	cfg.Position.AutoRecover = GetEnvAsBool("AUTO_RECOVER", cfg.Position.AutoRecover)

	cfg.Allocation.Strategy = GetEnvOrDefault("ALLOCATION_STRATEGY", cfg.Allocation.Strategy)
	cfg.Allocation.MaxPositions = GetEnvAsInt("MAX_POSITIONS", cfg.Allocation.MaxPositions)

	cfg.Ledger.Enabled = GetEnvAsBool("LEDGER_ENABLED", cfg.Ledger.Enabled)
	cfg.Ledger.Path = GetEnvOrDefault("LEDGER_PATH", cfg.Ledger.Path)
	cfg.Ledger.KeyPath = GetEnvOrDefault("AUTHORITY_KEY_PATH", cfg.Ledger.KeyPath)
	cfg.Ledger.KeyHex = GetEnvOrDefault("AUTHORITY_KEY", cfg.Ledger.KeyHex)

	cfg.StatePath = GetEnvOrDefault("STATE_PATH", cfg.StatePath)
	cfg.AuditPath = GetEnvOrDefault("AUDIT_PATH", cfg.AuditPath)

	cfg.API.Port = GetEnvOrDefault("PORT", cfg.API.Port)
	cfg.API.RateLimit = GetEnvAsFloat("RATE_LIMIT", cfg.API.RateLimit)

	cfg.Telegram.BotToken = GetEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.Telegram.BotToken)
	cfg.Telegram.ChatID = GetEnvOrDefault("TELEGRAM_CHAT_ID", cfg.Telegram.ChatID)

	cfg.Webhook.URL = GetEnvOrDefault("WEBHOOK_URL", cfg.Webhook.URL)
	cfg.Webhook.APIKey = GetEnvOrDefault("WEBHOOK_API_KEY", cfg.Webhook.APIKey)

	cfg.Log.Level = GetEnvOrDefault("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = GetEnvOrDefault("LOG_FORMAT", cfg.Log.Format)
	cfg.Log.File = GetEnvOrDefault("LOG_FILE", cfg.Log.File)

	cfg.OtelEndpoint = GetEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OtelEndpoint)
}

// Validate rejects configurations the engine cannot run with
func (c Config) Validate() error {
	var errs []error
	if c.Mode != ModeSingle && c.Mode != ModeMulti {
		errs = append(errs, fmt.Errorf("mode must be %q or %q, got %q", ModeSingle, ModeMulti, c.Mode))
	}
	if c.Interval <= 0 {
		errs = append(errs, errors.New("interval must be positive"))
	}
	if c.CycleTimeout <= 0 || c.CycleTimeout > c.Interval {
		errs = append(errs, errors.New("cycle_timeout must be positive and not exceed interval"))
	}
	if c.CapitalLamports <= 0 {
		errs = append(errs, errors.New("capital_lamports must be positive"))
	}
	if c.Position.MinImprovementBps < 0 {
		errs = append(errs, errors.New("min_improvement_bps must not be negative"))
	}
	if c.Position.MinTradeLamports > c.Position.MaxPositionLamports {
		errs = append(errs, errors.New("min_trade_lamports exceeds max_position_lamports"))
	}
	if c.Allocation.MaxPositions <= 0 {
		errs = append(errs, errors.New("max_positions must be positive"))
	}
	for i, s := range c.Sources {
		if s.URL == "" {
			errs = append(errs, fmt.Errorf("source %d has no url", i))
		}
	}
	if c.Ledger.Enabled && c.Ledger.Path == "" {
		errs = append(errs, errors.New("ledger path is required when the ledger is enabled"))
	}
	if c.StatePath == "" {
		errs = append(errs, errors.New("state_path is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// GetEnv retrieves an environment variable and whether it exists
func GetEnv(key string) (string, bool) {
	value, exists := os.LookupEnv(key)
	return value, exists
}

// GetEnvOrDefault retrieves an environment variable or returns the default value if not set
func GetEnvOrDefault(key, defaultValue string) string {
	if value, exists := GetEnv(key); exists {
		return value
	}
	return defaultValue
}

// GetEnvAsInt retrieves an environment variable as an integer with a default value
func GetEnvAsInt(key string, defaultValue int) int {
	if value, exists := GetEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetEnvAsInt64 retrieves an environment variable as an int64 with a default value
func GetEnvAsInt64(key string, defaultValue int64) int64 {
	if value, exists := GetEnv(key); exists {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetEnvAsFloat retrieves an environment variable as a float with a default value
func GetEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := GetEnv(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// GetEnvAsBool retrieves an environment variable as a bool with a default value
func GetEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := GetEnv(key); exists {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// GetEnvAsDuration retrieves an environment variable as a duration with a default value
func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := GetEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
