package main

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/exploopio/judge/pkg/config"
	"github.com/exploopio/judge/pkg/judge"
	"github.com/exploopio/judge/pkg/ledger"
	"github.com/exploopio/judge/pkg/proof"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Audit.LogFile = filepath.Join(t.TempDir(), "audit.log")
	cfg.Backend.Sources[0].AuditorID = "auditor-1"
	cfg.Bounty.Cooldown = 0
	cfg.Worker.Enabled = false
	return cfg
}

func TestNewApp_SettlesClaim(t *testing.T) {
	cfg := testConfig(t)
	a, err := newApp(cfg, nil)
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	defer a.close()
	if err := a.start(context.Background()); err != nil {
		t.Fatal(err)
	}

	if !a.health.IsReady() {
		t.Error("health should be ready after start")
	}
	if a.metricsHandler() == nil {
		t.Error("metrics handler should be mounted")
	}

	view, err := a.coord.SettleClaim(context.Background(), judge.Claim{
		AuditID:   fmt.Sprintf("%064x", 1),
		AuditorID: "auditor-1",
		Threshold: 97,
	})
	if err != nil {
		t.Fatalf("SettleClaim() error = %v", err)
	}
	if view.State != judge.StateSettled {
		t.Errorf("State = %s, want settled", view.State)
	}
}

func TestNewApp_SQLiteLedger(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ledger.Driver = ledger.DriverSQLite
	cfg.Ledger.Path = filepath.Join(t.TempDir(), "ledger.db")
	cfg.Metrics.Enabled = false

	a, err := newApp(cfg, nil)
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	defer a.close()

	if a.metricsHandler() != nil {
		t.Error("metrics handler should be nil when disabled")
	}
	if resp := a.health.Check(context.Background()); resp.Checks["ledger"].Status != "healthy" {
		t.Errorf("ledger check = %+v", resp.Checks["ledger"])
	}
}

func TestNewApp_Errors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*config.Config)
	}{
		{"unknown source", func(c *config.Config) { c.Backend.Sources[0].Kind = "ftp" }},
		{"bad ledger", func(c *config.Config) { c.Ledger.Driver = "mongo" }},
		{"bad rail", func(c *config.Config) { c.Payout.Kind = "carrier-pigeon" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.modify(cfg)
			if _, err := newApp(cfg, nil); err == nil {
				t.Error("newApp() = nil error")
			}
		})
	}
}

func TestBuildSources(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backend.Sources = []config.SourceConfig{
		{Name: "bridge", Kind: config.SourceBridge, URL: "http://localhost:3001"},
		{Name: "api", Kind: config.SourceAPI, URL: "http://localhost:8000"},
		{Name: "indexer", Kind: config.SourceGraphQL, URL: "http://localhost:8080/graphql", ContractAddress: "0xabc"},
		{Name: "ledger-grpc", Kind: config.SourceGRPC, URL: "localhost:9090"},
		{Name: "sim", Kind: config.SourceSimulated},
	}
	sources, err := buildSources(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, s := range sources {
		names = append(names, s.Name())
	}
	if got := strings.Join(names, ","); got != "bridge,api,indexer,ledger-grpc,simulated" {
		t.Errorf("sources = %s", got)
	}
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		flags = globalFlags{}
		verifyFlags.auditor, verifyFlags.json = "", false
		exportFlags.format = string(proof.FormatJSON)
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := runCmd(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, appVersion) {
		t.Errorf("output = %q", out)
	}
}

func TestVerifyCommand(t *testing.T) {
	t.Setenv("ZKJUDGE_CONFIG", "")
	id := fmt.Sprintf("%064x", 7)

	out, err := runCmd(t, "verify", id, "--log-level", "error")
	if err != nil {
		t.Fatalf("verify error = %v (%s)", err, out)
	}
	if !strings.Contains(out, "valid") {
		t.Errorf("output = %q", out)
	}

	if _, err := runCmd(t, "verify", id, "not-an-id", "--log-level", "error"); err == nil {
		t.Error("verify with a malformed id should fail")
	}
}

func TestExportCommand(t *testing.T) {
	t.Setenv("ZKJUDGE_CONFIG", "")
	id := fmt.Sprintf("%064x", 7)

	out, err := runCmd(t, "export", id, "--format", "hex", "--log-level", "error")
	if err != nil {
		t.Fatalf("export error = %v", err)
	}
	rec, err := proof.DecodeExport(strings.TrimSpace(out), proof.FormatHex)
	if err != nil || rec.AuditID != id {
		t.Errorf("DecodeExport = %+v, %v", rec, err)
	}

	if _, err := runCmd(t, "export", id, "--format", "xml"); err == nil {
		t.Error("export with an unknown format should fail")
	}
}
