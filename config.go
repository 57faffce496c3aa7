package creditgate

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies where the engine runs. The credit bypass in
// AccessPolicy is never honored in production.
type Environment string

const (
	EnvProduction  Environment = "production"
	EnvStaging     Environment = "staging"
	EnvDevelopment Environment = "development"
	EnvTest        Environment = "test"
)

// AccessPolicy makes the test/dev credit bypass explicit configuration
// instead of ambient environment-variable branching.
type AccessPolicy struct {
	BypassCredits bool        `yaml:"bypass_credits"`
	Environment   Environment `yaml:"environment"`
}

// Active reports whether paid requests skip the ledger. An unset environment
// counts as production, so the bypass stays fail-closed.
func (p AccessPolicy) Active() bool {
	return p.BypassCredits && p.Environment != "" && p.Environment != EnvProduction
}

// RiskConfig tunes the escalation scorer for over-quota anonymous requests.
type RiskConfig struct {
	// BlockScore and ReviewScore are the decision thresholds; scores below
	// ReviewScore resolve to a challenge.
	BlockScore  int `yaml:"block_score"`
	ReviewScore int `yaml:"review_score"`
	// MinSessionAge is how old a session must be before it stops counting
	// as a risk signal.
	MinSessionAge time.Duration `yaml:"min_session_age"`
	// MaxIPDevices is how many distinct devices one IP may present within
	// the attempt window before the IP counts as shared.
	MaxIPDevices int `yaml:"max_ip_devices"`
	// AttemptWindow bounds the sliding window for attempt and IP tracking.
	AttemptWindow time.Duration `yaml:"attempt_window"`
}

// StorageConfig selects the Store backend at startup.
type StorageConfig struct {
	// Backend is one of "memory", "postgres", "sqlite", "redis".
	Backend string `yaml:"backend"`
	// DSN is the connection string for postgres and sqlite.
	DSN string `yaml:"dsn"`
	// Addr is the host:port for redis.
	Addr string `yaml:"addr"`
	// TablePrefix namespaces SQL tables.
	TablePrefix string `yaml:"table_prefix"`
	// KeyPrefix namespaces redis keys.
	KeyPrefix string `yaml:"key_prefix"`
}

// Config is the top-level engine configuration.
type Config struct {
	// Product namespaces ledger subject keys.
	Product string `yaml:"product"`

	TrialLimit      int `yaml:"trial_limit"`
	DeviceFreeLimit int `yaml:"device_free_limit"`

	HoldTTL       time.Duration `yaml:"hold_ttl"`
	QuoteTTL      time.Duration `yaml:"quote_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	WorkerTimeout time.Duration `yaml:"worker_timeout"`

	// TokenSecret and TokenTTL configure the signed device token issuer.
	TokenSecret string        `yaml:"token_secret"`
	TokenTTL    time.Duration `yaml:"token_ttl"`

	Pricing Pricing       `yaml:"pricing"`
	Policy  AccessPolicy  `yaml:"policy"`
	Risk    RiskConfig    `yaml:"risk"`
	Storage StorageConfig `yaml:"storage"`
}

// Defaults. Zero config values fall back to these in New.
const (
	DefaultTrialLimit      = 2
	DefaultDeviceFreeLimit = 2
	DefaultHoldTTL         = 10 * time.Minute
	DefaultQuoteTTL        = 15 * time.Minute
	DefaultSweepInterval   = 5 * time.Minute
	DefaultWorkerTimeout   = 90 * time.Second
	DefaultTokenTTL        = 90 * 24 * time.Hour
)

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("creditgate: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("creditgate: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the config for consistency. Zero values are allowed where
// a default exists.
func (c Config) Validate() error {
	if c.TrialLimit < 0 {
		return fmt.Errorf("creditgate: config: trial_limit must not be negative")
	}
	if c.DeviceFreeLimit < 0 {
		return fmt.Errorf("creditgate: config: device_free_limit must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"hold_ttl":       c.HoldTTL,
		"quote_ttl":      c.QuoteTTL,
		"sweep_interval": c.SweepInterval,
		"worker_timeout": c.WorkerTimeout,
		"token_ttl":      c.TokenTTL,
	} {
		if d < 0 {
			return fmt.Errorf("creditgate: config: %s must not be negative", name)
		}
	}

	switch c.Policy.Environment {
	case "", EnvProduction, EnvStaging, EnvDevelopment, EnvTest:
	default:
		return fmt.Errorf("creditgate: config: invalid environment %q", c.Policy.Environment)
	}

	if err := c.Pricing.Validate(); err != nil {
		return err
	}

	if c.Risk.BlockScore < 0 || c.Risk.ReviewScore < 0 {
		return fmt.Errorf("creditgate: config: risk scores must not be negative")
	}
	if c.Risk.BlockScore > 0 && c.Risk.ReviewScore > c.Risk.BlockScore {
		return fmt.Errorf("creditgate: config: risk review_score %d exceeds block_score %d",
			c.Risk.ReviewScore, c.Risk.BlockScore)
	}

	switch c.Storage.Backend {
	case "", "memory", "postgres", "sqlite", "redis":
	default:
		return fmt.Errorf("creditgate: config: unknown storage backend %q", c.Storage.Backend)
	}
	if (c.Storage.Backend == "postgres" || c.Storage.Backend == "sqlite") && c.Storage.DSN == "" {
		return fmt.Errorf("creditgate: config: storage backend %q requires dsn", c.Storage.Backend)
	}
	if c.Storage.Backend == "redis" && c.Storage.Addr == "" {
		return fmt.Errorf("creditgate: config: storage backend redis requires addr")
	}

	return nil
}

// withDefaults returns a copy of the config with zero values replaced.
func (c Config) withDefaults() Config {
	if c.Product == "" {
		c.Product = "extract"
	}
	if c.TrialLimit == 0 {
		c.TrialLimit = DefaultTrialLimit
	}
	if c.DeviceFreeLimit == 0 {
		c.DeviceFreeLimit = DefaultDeviceFreeLimit
	}
	if c.HoldTTL == 0 {
		c.HoldTTL = DefaultHoldTTL
	}
	if c.QuoteTTL == 0 {
		c.QuoteTTL = DefaultQuoteTTL
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.WorkerTimeout == 0 {
		c.WorkerTimeout = DefaultWorkerTimeout
	}
	if c.TokenTTL == 0 {
		c.TokenTTL = DefaultTokenTTL
	}
	if c.Policy.Environment == "" {
		c.Policy.Environment = EnvProduction
	}
	c.Pricing = c.Pricing.withDefaults()
	c.Risk = c.Risk.withDefaults()
	return c
}

func (r RiskConfig) withDefaults() RiskConfig {
	if r.BlockScore == 0 {
		r.BlockScore = 80
	}
	if r.ReviewScore == 0 {
		r.ReviewScore = 60
	}
	if r.MinSessionAge == 0 {
		r.MinSessionAge = 30 * time.Second
	}
	if r.MaxIPDevices == 0 {
		r.MaxIPDevices = 5
	}
	if r.AttemptWindow == 0 {
		r.AttemptWindow = 10 * time.Minute
	}
	return r
}
