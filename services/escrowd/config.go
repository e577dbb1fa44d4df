package escrowd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"marketescrow/native/amount"
	"marketescrow/native/escrow"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for escrowd.
type Config struct {
	ListenAddress string          `yaml:"listen" toml:"listen"`
	Environment   string          `yaml:"env" toml:"env"`
	Escrow        EscrowConfig    `yaml:"escrow" toml:"escrow"`
	Ledger        LedgerConfig    `yaml:"ledger" toml:"ledger"`
	Store         StoreConfig     `yaml:"store" toml:"store"`
	Cache         CacheConfig     `yaml:"cache" toml:"cache"`
	Kafka         KafkaConfig     `yaml:"kafka" toml:"kafka"`
	Auth          AuthConfig      `yaml:"auth" toml:"auth"`
	RateLimit     RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Sweeper       SweeperConfig   `yaml:"sweeper" toml:"sweeper"`
	Sync          SyncConfig      `yaml:"sync" toml:"sync"`
	Logging       LoggingConfig   `yaml:"logging" toml:"logging"`
}

// EscrowConfig carries the engine parameters.
type EscrowConfig struct {
	FeeBps         uint32      `yaml:"fee_bps" toml:"fee_bps"`
	DeliveryDays   uint32      `yaml:"delivery_days" toml:"delivery_days"`
	DisputeWindow  Duration    `yaml:"dispute_window" toml:"dispute_window"`
	Decimals       uint8       `yaml:"decimals" toml:"decimals"`
	GasMarginBps   uint32      `yaml:"gas_margin_bps" toml:"gas_margin_bps"`
	PollInterval   Duration    `yaml:"poll_interval" toml:"poll_interval"`
	ConfirmTimeout Duration    `yaml:"confirm_timeout" toml:"confirm_timeout"`
	Retry          RetryConfig `yaml:"retry" toml:"retry"`
}

// RetryConfig bounds transparent retries of infrastructure failures.
type RetryConfig struct {
	MaxAttempts     int      `yaml:"max_attempts" toml:"max_attempts"`
	InitialInterval Duration `yaml:"initial_interval" toml:"initial_interval"`
	MaxInterval     Duration `yaml:"max_interval" toml:"max_interval"`
	Multiplier      float64  `yaml:"multiplier" toml:"multiplier"`
}

// Policy converts the configuration into an engine retry policy.
func (r RetryConfig) Policy() escrow.RetryPolicy {
	return escrow.RetryPolicy{
		MaxAttempts:     r.MaxAttempts,
		InitialInterval: r.InitialInterval.Duration,
		MaxInterval:     r.MaxInterval.Duration,
		Multiplier:      r.Multiplier,
		Jitter:          0.2,
	}
}

// LedgerConfig selects and configures the settlement ledger.
type LedgerConfig struct {
	// Mode is "evm" or "simulated".
	Mode            string `yaml:"mode" toml:"mode"`
	RPCURL          string `yaml:"rpc_url" toml:"rpc_url"`
	ChainID         int64  `yaml:"chain_id" toml:"chain_id"`
	ContractAddress string `yaml:"contract" toml:"contract"`
	SignerKey       string `yaml:"signer_key" toml:"signer_key"`
	SignerKeyFile   string `yaml:"signer_key_file" toml:"signer_key_file"`
	SignerKeyEnv    string `yaml:"signer_key_env" toml:"signer_key_env"`
	Keystore        string `yaml:"keystore" toml:"keystore"`
	KeystorePassEnv string `yaml:"keystore_pass_env" toml:"keystore_pass_env"`
	Resolver        string `yaml:"resolver" toml:"resolver"`
	Platform        string `yaml:"platform" toml:"platform"`
}

// StoreConfig selects the record store backend.
type StoreConfig struct {
	// Driver is "sqlite", "postgres" or "memory".
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

// CacheConfig enables the Redis read-through cache in front of the store.
type CacheConfig struct {
	RedisURL string   `yaml:"redis_url" toml:"redis_url"`
	TTL      Duration `yaml:"ttl" toml:"ttl"`
}

// KafkaConfig enables publishing committed transitions.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" toml:"brokers"`
	Topic   string   `yaml:"topic" toml:"topic"`
}

// AuthConfig secures operator endpoints with HMAC signed JWTs.
type AuthConfig struct {
	HMACSecret    string   `yaml:"hmac_secret" toml:"hmac_secret"`
	HMACSecretEnv string   `yaml:"hmac_secret_env" toml:"hmac_secret_env"`
	Issuer        string   `yaml:"issuer" toml:"issuer"`
	Audience      string   `yaml:"audience" toml:"audience"`
	ClockSkew     Duration `yaml:"clock_skew" toml:"clock_skew"`
}

// RateLimitConfig throttles API clients by address.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// SweeperConfig controls the periodic auto-release job.
type SweeperConfig struct {
	Enabled   bool     `yaml:"enabled" toml:"enabled"`
	Interval  Duration `yaml:"interval" toml:"interval"`
	BatchSize int      `yaml:"batch_size" toml:"batch_size"`
}

// SyncConfig controls the ledger event sync loop.
type SyncConfig struct {
	Enabled   bool     `yaml:"enabled" toml:"enabled"`
	Interval  Duration `yaml:"interval" toml:"interval"`
	BatchSize int      `yaml:"batch_size" toml:"batch_size"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// LoadConfig reads configuration from the supplied path. Files ending in
// .toml are decoded as TOML, anything else as YAML. ESCROWD_* environment
// variables override file values.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	} else {
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := cfg.Ledger.normalise(); err != nil {
		return cfg, fmt.Errorf("ledger signer: %w", err)
	}
	if err := cfg.Auth.normalise(); err != nil {
		return cfg, fmt.Errorf("auth: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
			*dst = strings.TrimSpace(value)
		}
	}
	str("ESCROWD_LISTEN", &cfg.ListenAddress)
	str("ESCROWD_ENV", &cfg.Environment)
	str("ESCROWD_LEDGER_MODE", &cfg.Ledger.Mode)
	str("ESCROWD_LEDGER_RPC_URL", &cfg.Ledger.RPCURL)
	str("ESCROWD_LEDGER_CONTRACT", &cfg.Ledger.ContractAddress)
	str("ESCROWD_SIGNER_KEY", &cfg.Ledger.SignerKey)
	str("ESCROWD_STORE_DRIVER", &cfg.Store.Driver)
	str("ESCROWD_STORE_DSN", &cfg.Store.DSN)
	str("ESCROWD_REDIS_URL", &cfg.Cache.RedisURL)
	str("ESCROWD_KAFKA_TOPIC", &cfg.Kafka.Topic)
	str("ESCROWD_JWT_SECRET", &cfg.Auth.HMACSecret)
	str("ESCROWD_LOG_LEVEL", &cfg.Logging.Level)
	if value, ok := lookup("ESCROWD_KAFKA_BROKERS"); ok && strings.TrimSpace(value) != "" {
		cfg.Kafka.Brokers = splitList(value)
	}
	if value, ok := lookup("ESCROWD_LEDGER_CHAIN_ID"); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return fmt.Errorf("ESCROWD_LEDGER_CHAIN_ID: %w", err)
		}
		cfg.Ledger.ChainID = parsed
	}
	if value, ok := lookup("ESCROWD_FEE_BPS"); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.ParseUint(strings.TrimSpace(value), 10, 32)
		if err != nil {
			return fmt.Errorf("ESCROWD_FEE_BPS: %w", err)
		}
		cfg.Escrow.FeeBps = uint32(parsed)
	}
	if value, ok := lookup("ESCROWD_SWEEPER_ENABLED"); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("ESCROWD_SWEEPER_ENABLED: %w", err)
		}
		cfg.Sweeper.Enabled = parsed
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.Escrow.FeeBps == 0 {
		cfg.Escrow.FeeBps = escrow.DefaultFeeBps
	}
	if cfg.Escrow.DeliveryDays == 0 {
		cfg.Escrow.DeliveryDays = escrow.DefaultDeliveryDays
	}
	if cfg.Escrow.DisputeWindow.Duration == 0 {
		cfg.Escrow.DisputeWindow.Duration = escrow.DefaultDisputeWindow
	}
	if cfg.Escrow.Decimals == 0 {
		cfg.Escrow.Decimals = amount.DefaultDecimals
	}
	if cfg.Escrow.GasMarginBps == 0 {
		cfg.Escrow.GasMarginBps = escrow.DefaultGasMarginBps
	}
	if cfg.Escrow.PollInterval.Duration == 0 {
		cfg.Escrow.PollInterval.Duration = escrow.DefaultPollInterval
	}
	if cfg.Escrow.ConfirmTimeout.Duration == 0 {
		cfg.Escrow.ConfirmTimeout.Duration = escrow.DefaultConfirmTimeout
	}
	def := escrow.DefaultRetryPolicy()
	if cfg.Escrow.Retry.MaxAttempts == 0 {
		cfg.Escrow.Retry.MaxAttempts = def.MaxAttempts
	}
	if cfg.Escrow.Retry.InitialInterval.Duration == 0 {
		cfg.Escrow.Retry.InitialInterval.Duration = def.InitialInterval
	}
	if cfg.Escrow.Retry.MaxInterval.Duration == 0 {
		cfg.Escrow.Retry.MaxInterval.Duration = def.MaxInterval
	}
	if cfg.Escrow.Retry.Multiplier == 0 {
		cfg.Escrow.Retry.Multiplier = def.Multiplier
	}
	cfg.Ledger.Mode = strings.ToLower(strings.TrimSpace(cfg.Ledger.Mode))
	if cfg.Ledger.Mode == "" {
		cfg.Ledger.Mode = "evm"
	}
	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Store.Driver == "sqlite" && cfg.Store.DSN == "" {
		cfg.Store.DSN = "escrowd.db"
	}
	if cfg.Cache.TTL.Duration == 0 {
		cfg.Cache.TTL.Duration = 10 * time.Minute
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "escrow.transitions"
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 600
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 50
	}
	if cfg.Sweeper.Interval.Duration == 0 {
		cfg.Sweeper.Interval.Duration = time.Minute
	}
	if cfg.Sweeper.BatchSize <= 0 {
		cfg.Sweeper.BatchSize = 50
	}
	if cfg.Sync.Interval.Duration == 0 {
		cfg.Sync.Interval.Duration = 5 * time.Second
	}
	if cfg.Sync.BatchSize <= 0 {
		cfg.Sync.BatchSize = 100
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func validateConfig(cfg Config) error {
	if cfg.Escrow.FeeBps > amount.MaxBps {
		return fmt.Errorf("escrow.fee_bps must not exceed %d", amount.MaxBps)
	}
	if cfg.Escrow.Decimals > 36 {
		return fmt.Errorf("escrow.decimals must not exceed 36")
	}
	switch cfg.Ledger.Mode {
	case "evm":
		if strings.TrimSpace(cfg.Ledger.RPCURL) == "" {
			return fmt.Errorf("ledger.rpc_url must be configured")
		}
		if strings.TrimSpace(cfg.Ledger.ContractAddress) == "" {
			return fmt.Errorf("ledger.contract must be configured")
		}
		if cfg.Ledger.ChainID <= 0 {
			return fmt.Errorf("ledger.chain_id must be positive")
		}
	case "simulated":
	default:
		return fmt.Errorf("ledger.mode %q not supported", cfg.Ledger.Mode)
	}
	switch cfg.Store.Driver {
	case "sqlite", "postgres":
		if strings.TrimSpace(cfg.Store.DSN) == "" {
			return fmt.Errorf("store.dsn must be configured")
		}
	case "memory":
	default:
		return fmt.Errorf("store.driver %q not supported", cfg.Store.Driver)
	}
	if cfg.Sweeper.Enabled && !cfg.Ledger.HasSigner() {
		return fmt.Errorf("sweeper requires a ledger signer")
	}
	if len(cfg.Kafka.Brokers) > 0 && strings.TrimSpace(cfg.Kafka.Topic) == "" {
		return fmt.Errorf("kafka.topic must be configured")
	}
	return nil
}

// HasSigner reports whether an operator signing key is configured.
func (c LedgerConfig) HasSigner() bool {
	return c.SignerKey != "" || c.Keystore != ""
}

func (c *LedgerConfig) normalise() error {
	c.SignerKey = strings.TrimSpace(c.SignerKey)
	c.SignerKeyEnv = strings.TrimSpace(c.SignerKeyEnv)
	c.SignerKeyFile = strings.TrimSpace(c.SignerKeyFile)
	c.Keystore = strings.TrimSpace(c.Keystore)
	if c.SignerKey != "" {
		return nil
	}
	switch {
	case c.SignerKeyEnv != "":
		value := strings.TrimSpace(os.Getenv(c.SignerKeyEnv))
		if value == "" {
			return fmt.Errorf("signer_key_env %s is empty", c.SignerKeyEnv)
		}
		c.SignerKey = value
	case c.SignerKeyFile != "":
		contents, err := os.ReadFile(c.SignerKeyFile)
		if err != nil {
			return fmt.Errorf("read signer_key_file: %w", err)
		}
		c.SignerKey = strings.TrimSpace(string(contents))
	}
	return nil
}

// LoadSigner returns the operator signer, or nil when none is configured.
func (c LedgerConfig) LoadSigner() (escrow.Signer, error) {
	switch {
	case c.SignerKey != "":
		return escrow.ParseKeySigner(c.SignerKey)
	case c.Keystore != "":
		pass := ""
		if c.KeystorePassEnv != "" {
			pass = os.Getenv(c.KeystorePassEnv)
		}
		return escrow.LoadKeystoreSigner(c.Keystore, pass)
	default:
		return nil, nil
	}
}

func (a *AuthConfig) normalise() error {
	a.HMACSecret = strings.TrimSpace(a.HMACSecret)
	if a.HMACSecret == "" && strings.TrimSpace(a.HMACSecretEnv) != "" {
		value := strings.TrimSpace(os.Getenv(strings.TrimSpace(a.HMACSecretEnv)))
		if value == "" {
			return fmt.Errorf("hmac_secret_env %s is empty", a.HMACSecretEnv)
		}
		a.HMACSecret = value
	}
	return nil
}
