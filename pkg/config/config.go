// Package config loads the judge configuration.
//
// The file is YAML. ${VAR} references are expanded from the environment
// before parsing, and secrets can be overridden with ZKJUDGE_* variables so
// they never need to be written to disk.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/exploopio/judge/pkg/audit"
	"github.com/exploopio/judge/pkg/bounty"
	"github.com/exploopio/judge/pkg/errors"
	"github.com/exploopio/judge/pkg/judge"
	"github.com/exploopio/judge/pkg/ledger"
	"github.com/exploopio/judge/pkg/payout"
	"github.com/exploopio/judge/pkg/proof"
	"github.com/exploopio/judge/pkg/retry"
	"github.com/exploopio/judge/pkg/shared/severity"
)

// Source kinds.
const (
	SourceBridge    = "bridge"
	SourceAPI       = "api"
	SourceGraphQL   = "graphql"
	SourceGRPC      = "grpc"
	SourceSimulated = "simulated"
)

// Config is the complete judge configuration.
type Config struct {
	Judge   JudgeConfig   `yaml:"judge"`
	Proof   ProofConfig   `yaml:"proof"`
	Batch   BatchConfig   `yaml:"batch"`
	Bounty  bounty.Policy `yaml:"bounty"`
	Backend BackendConfig `yaml:"backend"`
	Ledger  ledger.Config `yaml:"ledger"`
	Payout  payout.Config `yaml:"payout"`
	Audit   AuditConfig   `yaml:"audit"`
	Worker  WorkerConfig  `yaml:"worker"`
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// JudgeConfig configures the claim coordinator.
type JudgeConfig struct {
	ID             string        `yaml:"id"`
	Threshold      int           `yaml:"threshold"`
	SettleAttempts int           `yaml:"settle_attempts"`
	SettleBackoff  time.Duration `yaml:"settle_backoff"`
	ProofCacheTTL  time.Duration `yaml:"proof_cache_ttl"`
	HistoryLimit   int           `yaml:"history_limit"`
}

// ProofConfig configures proof verification.
type ProofConfig struct {
	Expiry         time.Duration `yaml:"expiry"`
	HashLength     int           `yaml:"hash_length"`
	NetworkTimeout time.Duration `yaml:"network_timeout"`
}

// BatchConfig configures batch verification.
type BatchConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	Workers int           `yaml:"workers"`
}

// SourceConfig is one proof source in the fallback chain.
type SourceConfig struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`

	// URL is the base URL for bridge, api and graphql sources, and host:port
	// for grpc.
	URL       string  `yaml:"url"`
	APIKey    string  `yaml:"api_key"`
	RateLimit float64 `yaml:"rate_limit"`

	// ContractAddress is queried by the graphql indexer.
	ContractAddress string `yaml:"contract_address"`

	// TLS enables transport security for grpc.
	TLS bool `yaml:"tls"`

	// AuditorID is attributed to every proof by the simulated source.
	AuditorID string `yaml:"auditor_id"`
}

// SubmitterConfig selects how new proofs are submitted.
type SubmitterConfig struct {
	Kind     string        `yaml:"kind"` // simulated | http
	URL      string        `yaml:"url"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"`
	Attempts int           `yaml:"attempts"`
}

// BackendConfig configures the proof backend.
type BackendConfig struct {
	Sources   []SourceConfig  `yaml:"sources"`
	Submitter SubmitterConfig `yaml:"submitter"`
	HealthTTL time.Duration   `yaml:"health_ttl"`
}

// AuditConfig configures the audit log and its optional Redis mirror.
type AuditConfig struct {
	audit.LoggerConfig `yaml:",inline"`

	// Redis mirrors entries to a capped list when Addr is set.
	Redis audit.RedisConfig `yaml:"redis"`
}

// WorkerConfig configures the background settlement re-drive.
type WorkerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	BatchSize   int           `yaml:"batch_size"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// APIKey, when set, is required as a Bearer token on /v1 routes.
	APIKey string `yaml:"api_key"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level string `yaml:"level"`
}

// MetricsConfig configures the Prometheus collector.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`

	// Namespace is prepended to the zkjudge_* metric names.
	Namespace string `yaml:"namespace"`
	Path      string `yaml:"path"`
}

// Default returns a configuration that runs entirely in memory against the
// simulated backend and rail.
func Default() *Config {
	auditCfg := audit.DefaultLoggerConfig()
	return &Config{
		Judge: JudgeConfig{
			ID:             "zkjudge",
			Threshold:      judge.DefaultThreshold,
			SettleAttempts: judge.DefaultSettleAttempts,
			SettleBackoff:  judge.DefaultSettleBackoff,
			ProofCacheTTL:  judge.DefaultProofCacheTTL,
			HistoryLimit:   judge.DefaultHistoryLimit,
		},
		Proof: ProofConfig{
			Expiry:         proof.DefaultExpiry,
			HashLength:     proof.DefaultHashLength,
			NetworkTimeout: proof.DefaultNetworkTimeout,
		},
		Batch: BatchConfig{
			Timeout: proof.DefaultBatchTimeout,
			Workers: proof.DefaultWorkers,
		},
		Bounty: bounty.DefaultPolicy(),
		Backend: BackendConfig{
			Sources:   []SourceConfig{{Name: SourceSimulated, Kind: SourceSimulated, AuditorID: "auditor-local"}},
			Submitter: SubmitterConfig{Kind: "simulated"},
		},
		Ledger: ledger.Config{Driver: ledger.DriverMemory},
		Payout: payout.Config{Kind: payout.KindSimulated},
		Audit:  AuditConfig{LoggerConfig: *auditCfg},
		Worker: WorkerConfig{
			Enabled:     true,
			Interval:    retry.DefaultWorkerInterval,
			BatchSize:   retry.DefaultWorkerBatchSize,
			MaxAttempts: retry.DefaultWorkerMaxAttempts,
		},
		Server: ServerConfig{
			Listen:          ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Log:     LogConfig{Level: "info"},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path loads the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse expands ${VAR} references in data and decodes it into cfg.
func Parse(data []byte, cfg *Config) error {
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// ApplyEnv overrides secrets and endpoints from ZKJUDGE_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set("ZKJUDGE_ID", &c.Judge.ID)
	set("ZKJUDGE_LISTEN", &c.Server.Listen)
	set("ZKJUDGE_API_KEY", &c.Server.APIKey)
	set("ZKJUDGE_LOG_LEVEL", &c.Log.Level)
	set("ZKJUDGE_LEDGER_DRIVER", &c.Ledger.Driver)
	set("ZKJUDGE_LEDGER_PATH", &c.Ledger.Path)
	set("ZKJUDGE_REDIS_ADDR", &c.Ledger.Redis.Addr)
	set("ZKJUDGE_REDIS_PASSWORD", &c.Ledger.Redis.Password)
	set("ZKJUDGE_AUDIT_REDIS_PASSWORD", &c.Audit.Redis.Password)
	set("ZKJUDGE_PAYOUT_URL", &c.Payout.URL)
	set("ZKJUDGE_PAYOUT_API_KEY", &c.Payout.APIKey)
	set("ZKJUDGE_SUBMITTER_URL", &c.Backend.Submitter.URL)
	set("ZKJUDGE_SUBMITTER_API_KEY", &c.Backend.Submitter.APIKey)
}

// Validate checks the configuration. Every problem is reported at once.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Judge.Threshold < 0 || c.Judge.Threshold > severity.MaxThreshold {
		add("judge.threshold must be within 0-%d", severity.MaxThreshold)
	}
	if c.Proof.HashLength < 0 {
		add("proof.hash_length must not be negative")
	}
	if c.Batch.Workers < 0 {
		add("batch.workers must not be negative")
	}
	if err := c.Bounty.Validate(); err != nil {
		add("bounty: %v", err)
	}

	if len(c.Backend.Sources) == 0 {
		add("backend.sources must list at least one source")
	}
	seen := map[string]bool{}
	for i, s := range c.Backend.Sources {
		name := s.Name
		if name == "" {
			name = s.Kind
		}
		if seen[name] {
			add("backend.sources[%d]: duplicate name %q", i, name)
		}
		seen[name] = true

		switch s.Kind {
		case SourceBridge, SourceAPI, SourceGraphQL, SourceGRPC:
			if s.URL == "" {
				add("backend.sources[%d]: url is required for %s", i, s.Kind)
			}
		case SourceSimulated:
		default:
			add("backend.sources[%d]: unknown kind %q", i, s.Kind)
		}
		if s.Kind == SourceGraphQL && s.ContractAddress == "" {
			add("backend.sources[%d]: contract_address is required for graphql", i)
		}
	}
	switch c.Backend.Submitter.Kind {
	case "", "simulated":
	case "http":
		if c.Backend.Submitter.URL == "" {
			add("backend.submitter.url is required for the http submitter")
		}
	default:
		add("backend.submitter.kind %q is unknown", c.Backend.Submitter.Kind)
	}

	switch c.Ledger.Driver {
	case "", ledger.DriverMemory:
	case ledger.DriverSQLite:
		if c.Ledger.Path == "" {
			add("ledger.path is required for sqlite")
		}
	case ledger.DriverRedis:
		if c.Ledger.Redis.Addr == "" {
			add("ledger.redis.addr is required for redis")
		}
	default:
		add("ledger.driver %q is unknown", c.Ledger.Driver)
	}

	switch c.Payout.Kind {
	case "", payout.KindSimulated:
	case payout.KindHTTP:
		if c.Payout.URL == "" {
			add("payout.url is required for the http rail")
		}
	default:
		add("payout.kind %q is unknown", c.Payout.Kind)
	}

	if c.Server.Listen == "" {
		add("server.listen is required")
	}

	if len(problems) > 0 {
		return errors.E(errors.KindInvalidInput, "config.Validate", strings.Join(problems, "; "))
	}
	return nil
}

// VerifierConfig returns the proof verifier settings.
func (c *Config) VerifierConfig() proof.Config {
	return proof.Config{
		Expiry:         c.Proof.Expiry,
		HashLength:     c.Proof.HashLength,
		NetworkTimeout: c.Proof.NetworkTimeout,
		BatchTimeout:   c.Batch.Timeout,
		Workers:        c.Batch.Workers,
	}
}

// Simulated reports whether any part of the pipeline is simulated.
func (c *Config) Simulated() bool {
	if c.Payout.Kind == "" || c.Payout.Kind == payout.KindSimulated {
		return true
	}
	if c.Backend.Submitter.Kind == "" || c.Backend.Submitter.Kind == "simulated" {
		return true
	}
	for _, s := range c.Backend.Sources {
		if s.Kind == SourceSimulated {
			return true
		}
	}
	return false
}
