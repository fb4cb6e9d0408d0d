package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/exploopio/judge/pkg/errors"
	"github.com/exploopio/judge/pkg/ledger"
	"github.com/exploopio/judge/pkg/payout"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "zkjudge.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault_Valid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if cfg.Judge.Threshold != 90 {
		t.Errorf("Threshold = %d, want 90", cfg.Judge.Threshold)
	}
	if !cfg.Simulated() {
		t.Error("default config should be simulated")
	}
}

func TestLoad_EmptyPath(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Listen == "" {
		t.Error("Listen should default")
	}
}

func TestLoad_File(t *testing.T) {
	t.Setenv("TEST_PAYOUT_KEY", "secret-from-env")

	path := writeConfig(t, `
judge:
  id: judge-eu-1
  threshold: 95
  settle_attempts: 5
  settle_backoff: 2s
proof:
  expiry: 12h
batch:
  workers: 4
bounty:
  max_per_hour: 3
  cooldown: 30s
  daily_cap: 5000
  tiers:
    - {min: 90, max: 99, amount: 300}
    - {min: 100, max: 100, amount: 900}
backend:
  sources:
    - name: bridge
      kind: bridge
      url: https://bridge.example.com
    - name: indexer
      kind: graphql
      url: https://indexer.example.com/graphql
      contract_address: "0xabc"
  submitter:
    kind: http
    url: https://bridge.example.com
ledger:
  driver: sqlite
  path: /var/lib/zkjudge/ledger.db
payout:
  kind: http
  url: https://pay.example.com
  api_key: ${TEST_PAYOUT_KEY}
audit:
  file: /var/log/zkjudge/audit.log
  buffer_size: 10
server:
  listen: ":9090"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Judge.ID != "judge-eu-1" || cfg.Judge.Threshold != 95 || cfg.Judge.SettleAttempts != 5 {
		t.Errorf("Judge = %+v", cfg.Judge)
	}
	if cfg.Judge.SettleBackoff != 2*time.Second {
		t.Errorf("SettleBackoff = %v", cfg.Judge.SettleBackoff)
	}
	if cfg.Judge.HistoryLimit != 1000 {
		t.Errorf("HistoryLimit = %d, want default kept", cfg.Judge.HistoryLimit)
	}
	if cfg.Proof.Expiry != 12*time.Hour || cfg.Proof.HashLength != 64 {
		t.Errorf("Proof = %+v", cfg.Proof)
	}
	if cfg.Batch.Workers != 4 {
		t.Errorf("Batch.Workers = %d", cfg.Batch.Workers)
	}
	if cfg.Bounty.MaxPerHour != 3 || cfg.Bounty.Cooldown != 30*time.Second || len(cfg.Bounty.Tiers) != 2 {
		t.Errorf("Bounty = %+v", cfg.Bounty)
	}
	if cfg.Bounty.MaxSingleBounty != 1000 {
		t.Errorf("MaxSingleBounty = %d, want default kept", cfg.Bounty.MaxSingleBounty)
	}
	if !cfg.Bounty.RequireProvenThreshold {
		t.Error("RequireProvenThreshold should stay on unless configured off")
	}
	if len(cfg.Backend.Sources) != 2 || cfg.Backend.Sources[1].ContractAddress != "0xabc" {
		t.Errorf("Sources = %+v", cfg.Backend.Sources)
	}
	if cfg.Ledger.Driver != ledger.DriverSQLite {
		t.Errorf("Ledger.Driver = %q", cfg.Ledger.Driver)
	}
	if cfg.Payout.Kind != payout.KindHTTP || cfg.Payout.APIKey != "secret-from-env" {
		t.Errorf("Payout = %+v", cfg.Payout)
	}
	if cfg.Audit.LogFile != "/var/log/zkjudge/audit.log" || cfg.Audit.BufferSize != 10 {
		t.Errorf("Audit = %+v", cfg.Audit.LoggerConfig)
	}
	if cfg.Audit.MaxSizeMB != 100 {
		t.Errorf("Audit.MaxSizeMB = %d, want default kept", cfg.Audit.MaxSizeMB)
	}
	if cfg.Server.Listen != ":9090" {
		t.Errorf("Listen = %q", cfg.Server.Listen)
	}
	if cfg.Simulated() {
		t.Error("fully wired config reported as simulated")
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := Load(writeConfig(t, "judge: [unclosed")); err == nil {
		t.Error("expected error for malformed yaml")
	}
	_, err := Load(writeConfig(t, "judge:\n  threshold: 101\n"))
	if errors.GetKind(err) != errors.KindInvalidInput {
		t.Errorf("error = %v, want invalid input", err)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"ZKJUDGE_ID":             "judge-env",
		"ZKJUDGE_API_KEY":        "api-secret",
		"ZKJUDGE_REDIS_PASSWORD": "redis-secret",
		"ZKJUDGE_LISTEN":         "",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	cfg := Default()
	cfg.ApplyEnv(lookup)

	if cfg.Judge.ID != "judge-env" {
		t.Errorf("Judge.ID = %q", cfg.Judge.ID)
	}
	if cfg.Server.APIKey != "api-secret" || cfg.Ledger.Redis.Password != "redis-secret" {
		t.Errorf("secrets not applied: %q %q", cfg.Server.APIKey, cfg.Ledger.Redis.Password)
	}
	if cfg.Server.Listen != ":8080" {
		t.Errorf("empty variable overrode Listen: %q", cfg.Server.Listen)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"threshold", func(c *Config) { c.Judge.Threshold = -1 }, "judge.threshold"},
		{"no sources", func(c *Config) { c.Backend.Sources = nil }, "at least one source"},
		{"source url", func(c *Config) {
			c.Backend.Sources = []SourceConfig{{Name: "b", Kind: SourceBridge}}
		}, "url is required"},
		{"unknown source", func(c *Config) {
			c.Backend.Sources = []SourceConfig{{Name: "x", Kind: "ftp"}}
		}, "unknown kind"},
		{"duplicate source", func(c *Config) {
			c.Backend.Sources = append(c.Backend.Sources, c.Backend.Sources[0])
		}, "duplicate name"},
		{"graphql contract", func(c *Config) {
			c.Backend.Sources = []SourceConfig{{Name: "g", Kind: SourceGraphQL, URL: "http://x"}}
		}, "contract_address"},
		{"http submitter", func(c *Config) { c.Backend.Submitter.Kind = "http" }, "submitter.url"},
		{"sqlite path", func(c *Config) { c.Ledger.Driver = ledger.DriverSQLite }, "ledger.path"},
		{"redis addr", func(c *Config) { c.Ledger.Driver = ledger.DriverRedis }, "ledger.redis.addr"},
		{"ledger driver", func(c *Config) { c.Ledger.Driver = "mongo" }, "ledger.driver"},
		{"payout url", func(c *Config) { c.Payout.Kind = payout.KindHTTP }, "payout.url"},
		{"bounty", func(c *Config) { c.Bounty.Cooldown = -time.Second }, "bounty"},
		{"listen", func(c *Config) { c.Server.Listen = "" }, "server.listen"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestValidate_ReportsAll(t *testing.T) {
	cfg := Default()
	cfg.Judge.Threshold = 500
	cfg.Server.Listen = ""
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "judge.threshold") || !strings.Contains(err.Error(), "server.listen") {
		t.Errorf("Validate() = %v, want both problems", err)
	}
}

func TestVerifierConfig(t *testing.T) {
	cfg := Default()
	cfg.Batch.Workers = 3
	vc := cfg.VerifierConfig()
	if vc.Workers != 3 || vc.Expiry != cfg.Proof.Expiry || vc.BatchTimeout != cfg.Batch.Timeout {
		t.Errorf("VerifierConfig() = %+v", vc)
	}
}
