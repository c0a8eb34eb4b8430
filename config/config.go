package config

import (
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration.
type Config struct {
	Chain     ChainConfig     `yaml:"chain"`
	Contracts ContractsConfig `yaml:"contracts"`
	Groups    []GroupConfig   `yaml:"groups"`
	Engine    EngineConfig    `yaml:"engine"`
	Writer    WriterConfig    `yaml:"writer"`
	Storage   StorageConfig   `yaml:"storage"`
	Cache     CacheConfig     `yaml:"cache"`
	Notify    NotifyConfig    `yaml:"notify"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Log       LogConfig       `yaml:"log"`
}

// ChainConfig points the engine at the ledger RPC endpoint.
type ChainConfig struct {
	RPCURL                string  `yaml:"rpc_url"`
	ChainID               int64   `yaml:"chain_id"`
	PrivateKey            string  `yaml:"-"` // env only, never YAML
	PollIntervalSeconds   int     `yaml:"poll_interval_seconds"`
	ConfirmTimeoutSeconds int     `yaml:"confirm_timeout_seconds"`
	RateLimitRPS          float64 `yaml:"rate_limit_rps"`
}

// ContractsConfig holds the deployed contract addresses.
type ContractsConfig struct {
	Raffle     string `yaml:"raffle"`     // season position ledger
	Factory    string `yaml:"factory"`    // market factory
	Settlement string `yaml:"settlement"` // binary condition registry
	Treasury   string `yaml:"treasury"`   // shared activation funding pool
}

// GroupConfig is one tracked season.
type GroupConfig struct {
	ID    uint64 `yaml:"id"`
	Label string `yaml:"label"`
}

// EngineConfig tunes probability and activation behavior.
type EngineConfig struct {
	StructuralWeightBps    int64  `yaml:"structural_weight_bps"`
	SentimentWeightBps     int64  `yaml:"sentiment_weight_bps"`
	ActivationThresholdBps int64  `yaml:"activation_threshold_bps"`
	ActivationFunding      string `yaml:"activation_funding"` // token minor units, decimal string
	LowFundingFactor       int64  `yaml:"low_funding_factor"` // warn when pool < factor * funding
	SentimentWindow        int    `yaml:"sentiment_window"`   // trades in the VWAP window
	DefaultCurve           string `yaml:"default_curve"`      // constant_sum | constant_product
}

// WriterConfig tunes the resilient write path.
type WriterConfig struct {
	MaxAttempts               int `yaml:"max_attempts"`
	BackoffBaseSeconds        int `yaml:"backoff_base_seconds"`
	BackoffCapSeconds         int `yaml:"backoff_cap_seconds"`
	EscalationCooldownSeconds int `yaml:"escalation_cooldown_seconds"`
	Workers                   int `yaml:"workers"`
	QueueSize                 int `yaml:"queue_size"`
}

// StorageConfig selects and points at the durable store.
type StorageConfig struct {
	Driver string `yaml:"driver"` // sqlite | postgres
	DSN    string `yaml:"dsn"`
}

// CacheConfig controls the optional hot price cache.
type CacheConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Addr       string `yaml:"addr"`
	TTLSeconds int    `yaml:"ttl_seconds"`
}

// NotifyConfig selects the escalation channel.
type NotifyConfig struct {
	Mode        string `yaml:"mode"` // console | webhook
	WebhookURL  string `yaml:"-"`    // env only
	MinSeverity string `yaml:"min_severity"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// MonitorConfig schedules the funding pool check.
type MonitorConfig struct {
	FundingSchedule string `yaml:"funding_schedule"` // cron spec
}

// LogConfig controls log format and level.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load reads the YAML file and the .env file if present. Env vars override
// YAML for secrets and a few operational knobs.
func Load(path string) (*Config, error) {
	// Load .env if present; a missing file is not an error.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

// PollInterval is the event source polling period.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Chain.PollIntervalSeconds) * time.Second
}

// ConfirmTimeout bounds how long one submission waits for its receipt.
func (c *Config) ConfirmTimeout() time.Duration {
	return time.Duration(c.Chain.ConfirmTimeoutSeconds) * time.Second
}

// BackoffBase is the first retry delay.
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.Writer.BackoffBaseSeconds) * time.Second
}

// BackoffCap bounds the exponential retry delay.
func (c *Config) BackoffCap() time.Duration {
	return time.Duration(c.Writer.BackoffCapSeconds) * time.Second
}

// EscalationCooldown is the per-target notification dedup window.
func (c *Config) EscalationCooldown() time.Duration {
	return time.Duration(c.Writer.EscalationCooldownSeconds) * time.Second
}

// CacheTTL is the Redis key expiry.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

// ActivationFunding returns the per-activation collateral requirement.
// Validate guarantees the string parses, so the result is never nil.
func (c *Config) ActivationFunding() *big.Int {
	v, _ := new(big.Int).SetString(c.Engine.ActivationFunding, 10)
	return v
}

// applyEnvOverrides pulls secrets and operational overrides from the
// environment.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PROBSYNC_RPC_URL"); v != "" {
		cfg.Chain.RPCURL = v
	}
	if v := os.Getenv("PROBSYNC_PRIVATE_KEY"); v != "" {
		cfg.Chain.PrivateKey = v
	}
	if v := os.Getenv("PROBSYNC_DB_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("PROBSYNC_REDIS_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("PROBSYNC_WEBHOOK_URL"); v != "" {
		cfg.Notify.WebhookURL = v
	}
	if v := os.Getenv("PROBSYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("PROBSYNC_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// setDefaults fills every knob that has a sensible default.
func setDefaults(cfg *Config) {
	if cfg.Chain.PollIntervalSeconds <= 0 {
		cfg.Chain.PollIntervalSeconds = 5
	}
	if cfg.Chain.ConfirmTimeoutSeconds <= 0 {
		cfg.Chain.ConfirmTimeoutSeconds = 90
	}
	if cfg.Chain.RateLimitRPS <= 0 {
		cfg.Chain.RateLimitRPS = 10
	}
	if cfg.Engine.StructuralWeightBps == 0 && cfg.Engine.SentimentWeightBps == 0 {
		cfg.Engine.StructuralWeightBps = 7000
		cfg.Engine.SentimentWeightBps = 3000
	}
	if cfg.Engine.ActivationThresholdBps <= 0 {
		cfg.Engine.ActivationThresholdBps = 100 // 1%
	}
	if cfg.Engine.ActivationFunding == "" {
		cfg.Engine.ActivationFunding = "100000000000000000000" // 100 tokens at 18 decimals
	}
	if cfg.Engine.LowFundingFactor <= 0 {
		cfg.Engine.LowFundingFactor = 10
	}
	if cfg.Engine.SentimentWindow <= 0 {
		cfg.Engine.SentimentWindow = 16
	}
	if cfg.Engine.DefaultCurve == "" {
		cfg.Engine.DefaultCurve = "constant_product"
	}
	if cfg.Writer.MaxAttempts <= 0 {
		cfg.Writer.MaxAttempts = 5
	}
	if cfg.Writer.BackoffBaseSeconds <= 0 {
		cfg.Writer.BackoffBaseSeconds = 2
	}
	if cfg.Writer.BackoffCapSeconds <= 0 {
		cfg.Writer.BackoffCapSeconds = 60
	}
	if cfg.Writer.EscalationCooldownSeconds <= 0 {
		cfg.Writer.EscalationCooldownSeconds = 300
	}
	if cfg.Writer.Workers <= 0 {
		cfg.Writer.Workers = 4
	}
	if cfg.Writer.QueueSize <= 0 {
		cfg.Writer.QueueSize = 256
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "probsync.db"
	}
	if cfg.Cache.TTLSeconds <= 0 {
		cfg.Cache.TTLSeconds = 300
	}
	if cfg.Notify.Mode == "" {
		cfg.Notify.Mode = "console"
	}
	if cfg.Notify.MinSeverity == "" {
		cfg.Notify.MinSeverity = "info"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
	if cfg.Monitor.FundingSchedule == "" {
		cfg.Monitor.FundingSchedule = "@every 1m"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Engine.StructuralWeightBps+c.Engine.SentimentWeightBps != 10000 {
		return fmt.Errorf("hybrid weights must sum to 10000 bps, got %d+%d",
			c.Engine.StructuralWeightBps, c.Engine.SentimentWeightBps)
	}
	if c.Engine.ActivationThresholdBps <= 0 || c.Engine.ActivationThresholdBps >= 10000 {
		return fmt.Errorf("activation threshold %d bps outside (0, 10000)", c.Engine.ActivationThresholdBps)
	}
	funding, ok := new(big.Int).SetString(c.Engine.ActivationFunding, 10)
	if !ok || funding.Sign() <= 0 {
		return fmt.Errorf("activation_funding %q is not a positive integer", c.Engine.ActivationFunding)
	}
	switch c.Engine.DefaultCurve {
	case "constant_sum", "constant_product":
	default:
		return fmt.Errorf("default_curve %q is not deployable", c.Engine.DefaultCurve)
	}
	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("storage driver %q unknown", c.Storage.Driver)
	}
	switch c.Notify.Mode {
	case "console", "webhook":
	default:
		return fmt.Errorf("notify mode %q unknown", c.Notify.Mode)
	}
	if c.Notify.Mode == "webhook" && c.Notify.WebhookURL == "" {
		return fmt.Errorf("notify mode webhook requires PROBSYNC_WEBHOOK_URL")
	}
	return nil
}
