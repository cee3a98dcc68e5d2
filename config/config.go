// Package config loads orchestrator configuration from a YAML file with
// environment-variable overrides. The bootstrap layer owns this; the
// workflow core never reads configuration directly.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full orchestrator configuration.
type Config struct {
	Database  Database  `yaml:"database"`
	Chain     Chain     `yaml:"chain"`
	Storage   Storage   `yaml:"storage"`
	Retry     Retry     `yaml:"retry"`
	TxQueue   TxQueue   `yaml:"tx_queue"`
	Contracts Contracts `yaml:"contracts"`
	Logging   Logging   `yaml:"logging"`
	Metrics   Metrics   `yaml:"metrics"`

	// AdminSigner, when set, signs secondary-ledger registrations.
	AdminSigner string `yaml:"admin_signer"`
}

// Database selects and configures the persistence backend.
type Database struct {
	// Driver is "sqlite", "mysql", or "memory".
	Driver string `yaml:"driver"`

	// Path is the SQLite database file.
	Path string `yaml:"path"`

	// DSN is the MySQL connection string.
	DSN string `yaml:"dsn"`
}

// Chain configures the RPC adapter.
type Chain struct {
	RPCURL           string        `yaml:"rpc_url"`
	ChainID          uint64        `yaml:"chain_id"`
	MinConfirmations uint64        `yaml:"min_confirmations"`
	ConfirmTimeout   time.Duration `yaml:"confirm_timeout"`
}

// Storage configures the evidence storage adapter.
type Storage struct {
	Endpoint     string        `yaml:"endpoint"`
	Budget       time.Duration `yaml:"budget"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Retry mirrors workflow.RetryPolicy in configuration form.
type Retry struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	Multiplier    float64       `yaml:"multiplier"`
	DisableJitter bool          `yaml:"disable_jitter"`
}

// TxQueue configures signer-lock timing.
type TxQueue struct {
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
}

// Contracts holds the deployed ledger addresses.
type Contracts struct {
	WorkLedger  string `yaml:"work_ledger"`
	ScoreLedger string `yaml:"score_ledger"`
	Registry    string `yaml:"registry"`
	Epochs      string `yaml:"epochs"`
}

// Logging configures the logrus backend.
type Logging struct {
	// Level is trace, debug, info, warn, or error.
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns the configuration used when no file and no environment
// overrides are present.
func Default() *Config {
	return &Config{
		Database: Database{Driver: "sqlite", Path: "chainflow.db"},
		Chain:    Chain{MinConfirmations: 1, ConfirmTimeout: 5 * time.Minute},
		Storage:  Storage{Budget: 10 * time.Minute, PollInterval: 5 * time.Second},
		Retry: Retry{
			MaxAttempts:  5,
			InitialDelay: time.Second,
			MaxDelay:     60 * time.Second,
			Multiplier:   2.0,
		},
		TxQueue: TxQueue{AcquireTimeout: 30 * time.Second, PollInterval: 2 * time.Second},
		Logging: Logging{Level: "info", Format: "text"},
		Metrics: Metrics{Enabled: true, Addr: ":9090"},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from CHAINFLOW_* environment variables.
func (c *Config) applyEnv() {
	setString(&c.Database.Driver, "CHAINFLOW_DB_DRIVER")
	setString(&c.Database.Path, "CHAINFLOW_DB_PATH")
	setString(&c.Database.DSN, "CHAINFLOW_DB_DSN")
	setString(&c.Chain.RPCURL, "CHAINFLOW_RPC_URL")
	setUint64(&c.Chain.ChainID, "CHAINFLOW_CHAIN_ID")
	setUint64(&c.Chain.MinConfirmations, "CHAINFLOW_MIN_CONFIRMATIONS")
	setDuration(&c.Chain.ConfirmTimeout, "CHAINFLOW_CONFIRM_TIMEOUT")
	setString(&c.Storage.Endpoint, "CHAINFLOW_STORAGE_ENDPOINT")
	setDuration(&c.Storage.Budget, "CHAINFLOW_STORAGE_BUDGET")
	setInt(&c.Retry.MaxAttempts, "CHAINFLOW_RETRY_MAX_ATTEMPTS")
	setString(&c.Contracts.WorkLedger, "CHAINFLOW_CONTRACT_WORK_LEDGER")
	setString(&c.Contracts.ScoreLedger, "CHAINFLOW_CONTRACT_SCORE_LEDGER")
	setString(&c.Contracts.Registry, "CHAINFLOW_CONTRACT_REGISTRY")
	setString(&c.Contracts.Epochs, "CHAINFLOW_CONTRACT_EPOCHS")
	setString(&c.AdminSigner, "CHAINFLOW_ADMIN_SIGNER")
	setString(&c.Logging.Level, "CHAINFLOW_LOG_LEVEL")
	setString(&c.Logging.Format, "CHAINFLOW_LOG_FORMAT")
	setString(&c.Metrics.Addr, "CHAINFLOW_METRICS_ADDR")
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("sqlite driver requires database.path")
		}
	case "mysql":
		if c.Database.DSN == "" {
			return fmt.Errorf("mysql driver requires database.dsn")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	if c.Retry.MaxDelay > 0 && c.Retry.InitialDelay > c.Retry.MaxDelay {
		return fmt.Errorf("retry.initial_delay exceeds retry.max_delay")
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown logging format %q", c.Logging.Format)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
