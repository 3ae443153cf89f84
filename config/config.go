package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"gopkg.in/yaml.v3"
)

// DefaultProgramID is the deployed memo_store program
const DefaultProgramID = "6hEMnbQ2t52uP5h8LieSzVjaH1xrDpY8AWsYj86nTHbq"

// Config holds all configuration for the memo indexer
type Config struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment"`

	// Upstream sources
	RPCEndpoint    string `yaml:"rpc_endpoint"`    // JSON-RPC, used for backfill and reconciliation
	StreamEndpoint string `yaml:"stream_endpoint"` // Yellowstone gRPC endpoint
	StreamToken    string `yaml:"stream_token"`
	ProgramID      string `yaml:"program_id"`

	RedisURL   string `yaml:"redis_url"`
	HealthPort int    `yaml:"health_port"`
	LogLevel   string `yaml:"log_level"`

	// Pipeline tuning
	QueueCapacity     int           `yaml:"queue_capacity"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	ReconcilePageSize int           `yaml:"reconcile_page_size"`
	MaxStreamErrors   int           `yaml:"max_stream_errors"`
	StoreMaxFailures  int           `yaml:"store_max_failures"`
}

// Default returns a Config populated with defaults
func Default() *Config {
	return &Config{
		ServiceName:       "memo-indexer",
		ServiceVersion:    "v1.0.0",
		Environment:       "development",
		ProgramID:         DefaultProgramID,
		RedisURL:          "redis://localhost:6379",
		HealthPort:        8080,
		LogLevel:          "info",
		QueueCapacity:     10_000,
		ReconcileInterval: 5 * time.Minute,
		ReconcilePageSize: 1000,
		MaxStreamErrors:   10,
		StoreMaxFailures:  12,
	}
}

// Load builds the configuration: defaults, then the optional YAML file, then
// environment variables. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) error {
		v, ok := lookup(name)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		*dst = n
		return nil
	}

	str("SERVICE_NAME", &c.ServiceName)
	str("ENVIRONMENT", &c.Environment)
	str("RPC_ENDPOINT", &c.RPCEndpoint)
	str("STREAM_ENDPOINT", &c.StreamEndpoint)
	str("STREAM_TOKEN", &c.StreamToken)
	str("PROGRAM_ID", &c.ProgramID)
	str("REDIS_URL", &c.RedisURL)
	str("LOG_LEVEL", &c.LogLevel)

	for name, dst := range map[string]*int{
		"HEALTH_PORT":         &c.HealthPort,
		"QUEUE_CAPACITY":      &c.QueueCapacity,
		"RECONCILE_PAGE_SIZE": &c.ReconcilePageSize,
		"MAX_STREAM_ERRORS":   &c.MaxStreamErrors,
		"STORE_MAX_FAILURES":  &c.StoreMaxFailures,
	} {
		if err := num(name, dst); err != nil {
			return err
		}
	}

	if v, ok := lookup("RECONCILE_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid RECONCILE_INTERVAL: %w", err)
		}
		c.ReconcileInterval = d
	}
	return nil
}

// Validate ensures the configuration is usable. All problems are reported
// together.
func (c *Config) Validate() error {
	var errs []error

	if err := validateURL("rpc_endpoint", c.RPCEndpoint, "http", "https"); err != nil {
		errs = append(errs, err)
	}
	if err := validateURL("stream_endpoint", c.StreamEndpoint, "http", "https"); err != nil {
		errs = append(errs, err)
	}
	if c.StreamToken == "" {
		errs = append(errs, errors.New("stream_token is required"))
	}
	if err := validateURL("redis_url", c.RedisURL, "redis", "rediss", "unix"); err != nil {
		errs = append(errs, err)
	}
	if _, err := solana.PublicKeyFromBase58(c.ProgramID); err != nil {
		errs = append(errs, fmt.Errorf("program_id is not a valid public key: %w", err))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level must be one of debug, info, warn, error (got %q)", c.LogLevel))
	}
	if c.HealthPort <= 0 || c.HealthPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid health port: %d", c.HealthPort))
	}
	if c.QueueCapacity <= 0 {
		errs = append(errs, errors.New("queue capacity must be positive"))
	}
	if c.ReconcileInterval < time.Second {
		errs = append(errs, fmt.Errorf("reconcile interval too short: %s", c.ReconcileInterval))
	}
	if c.ReconcilePageSize <= 0 || c.ReconcilePageSize > 10_000 {
		errs = append(errs, fmt.Errorf("reconcile page size out of range: %d", c.ReconcilePageSize))
	}
	if c.MaxStreamErrors <= 0 {
		errs = append(errs, errors.New("max stream errors must be positive"))
	}
	if c.StoreMaxFailures <= 0 {
		errs = append(errs, errors.New("store max failures must be positive"))
	}

	return errors.Join(errs...)
}

func validateURL(field, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", field, err)
	}
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) {
			return nil
		}
	}
	return fmt.Errorf("%s must use one of %s (got %q)", field, strings.Join(schemes, ", "), u.Scheme)
}

// String returns a representation safe for logs (no credentials)
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Service: %s/%s, Program: %s, Stream: %s, RPC: %s, Health: %d, Queue: %d, Reconcile: %s}",
		c.ServiceName, c.ServiceVersion, c.ProgramID,
		c.StreamEndpoint, c.RPCEndpoint, c.HealthPort,
		c.QueueCapacity, c.ReconcileInterval,
	)
}
