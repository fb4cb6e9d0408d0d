package main

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/exploopio/judge/pkg/audit"
	"github.com/exploopio/judge/pkg/backend"
	"github.com/exploopio/judge/pkg/bounty"
	"github.com/exploopio/judge/pkg/config"
	"github.com/exploopio/judge/pkg/core"
	"github.com/exploopio/judge/pkg/health"
	"github.com/exploopio/judge/pkg/judge"
	"github.com/exploopio/judge/pkg/ledger"
	"github.com/exploopio/judge/pkg/metrics"
	"github.com/exploopio/judge/pkg/payout"
	"github.com/exploopio/judge/pkg/proof"
	"github.com/exploopio/judge/pkg/retry"
	grpctransport "github.com/exploopio/judge/pkg/transport/grpc"
)

const workerStopTimeout = 30 * time.Second

// app holds the wired judge components.
type app struct {
	cfg    *config.Config
	logger core.Logger

	prom     *metrics.PrometheusCollector
	recorder *metrics.Recorder

	backend  *backend.Client
	verifier *proof.Verifier
	ledger   ledger.Ledger
	audit    *audit.Logger
	mirror   *audit.RedisSender
	coord    *judge.Coordinator
	worker   *retry.Worker
	health   *health.Handler
}

// newApp wires every component from cfg. On error, whatever was opened is
// closed again.
func newApp(cfg *config.Config, logger core.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: core.OrNop(logger)}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if cfg.Metrics.Enabled {
		a.prom = metrics.NewPrometheusCollector(&metrics.PrometheusConfig{
			Namespace:              cfg.Metrics.Namespace,
			RegisterDefaultMetrics: true,
		})
		a.recorder = metrics.NewRecorder(a.prom)
	}

	sources, err := buildSources(cfg, a.logger)
	if err != nil {
		return nil, err
	}
	submitter := buildSubmitter(cfg, a.logger)
	pairSimulated(sources, submitter)
	a.backend = backend.NewClient(backend.ClientConfig{
		HealthTTL: cfg.Backend.HealthTTL,
		Logger:    a.logger,
		Metrics:   a.recorder,
	}, sources...)

	vc := cfg.VerifierConfig()
	vc.Logger = a.logger
	vc.Metrics = a.recorder
	a.verifier = proof.NewVerifier(a.backend, vc)

	if a.ledger, err = ledger.Open(cfg.Ledger); err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	rail, err := payout.New(cfg.Payout, a.logger)
	if err != nil {
		return nil, err
	}
	engine, err := bounty.NewEngine(bounty.Config{
		Policy:  cfg.Bounty,
		Ledger:  a.ledger,
		Rail:    rail,
		Logger:  a.logger,
		Metrics: a.recorder,
	})
	if err != nil {
		return nil, err
	}

	lc := cfg.Audit.LoggerConfig
	lc.JudgeID = cfg.Judge.ID
	if a.audit, err = audit.NewLogger(&lc); err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	if cfg.Audit.Redis.Addr != "" {
		if a.mirror, err = audit.NewRedisSender(cfg.Audit.Redis); err != nil {
			return nil, fmt.Errorf("audit mirror: %w", err)
		}
		a.mirror.OnError(func(err error) { a.logger.Warn("audit mirror: %v", err) })
		a.audit.SetRemoteSender(a.mirror.Send)
	}

	a.coord, err = judge.New(judge.Config{
		Verifier:       a.verifier,
		Engine:         engine,
		Submitter:      submitter,
		Audit:          a.audit,
		Logger:         a.logger,
		Metrics:        a.recorder,
		Threshold:      cfg.Judge.Threshold,
		SettleAttempts: cfg.Judge.SettleAttempts,
		SettleBackoff:  cfg.Judge.SettleBackoff,
		ProofCacheTTL:  cfg.Judge.ProofCacheTTL,
		HistoryLimit:   cfg.Judge.HistoryLimit,
	})
	if err != nil {
		return nil, err
	}

	a.worker = retry.NewWorker(&retry.WorkerConfig{
		Interval:    cfg.Worker.Interval,
		BatchSize:   cfg.Worker.BatchSize,
		MaxAttempts: cfg.Worker.MaxAttempts,
		Logger:      a.logger,
	}, a.coord)
	a.worker.OnExhaust(func(id string, lastErr error) {
		a.logger.Error("settlement of %s abandoned after background retries: %v", core.ShortID(id), lastErr)
	})

	a.health = buildHealth(cfg, a.ledger, a.backend)
	return a, nil
}

func buildSources(cfg *config.Config, logger core.Logger) ([]backend.Source, error) {
	logger = core.OrNop(logger)
	sources := make([]backend.Source, 0, len(cfg.Backend.Sources))
	for _, s := range cfg.Backend.Sources {
		switch s.Kind {
		case config.SourceBridge, config.SourceAPI:
			sources = append(sources, backend.NewHTTPSource(backend.HTTPSourceConfig{
				Name:      s.Name,
				Flavor:    backend.Flavor(s.Kind),
				URL:       s.URL,
				APIKey:    s.APIKey,
				RateLimit: s.RateLimit,
			}))
		case config.SourceGraphQL:
			sources = append(sources, backend.NewGraphQLSource(s.Name, s.URL, s.ContractAddress))
		case config.SourceGRPC:
			gc := grpctransport.DefaultConfig()
			gc.Address = s.URL
			gc.APIKey = s.APIKey
			gc.JudgeID = cfg.Judge.ID
			gc.UseTLS = s.TLS
			gc.Logger = logger
			sources = append(sources, backend.NewGRPCSource(s.Name, gc))
		case config.SourceSimulated:
			logger.Warn("proof source %q is simulated: every proof verifies", s.Name)
			sources = append(sources, backend.NewSimulatedSource(s.AuditorID))
		default:
			return nil, fmt.Errorf("unknown proof source kind %q", s.Kind)
		}
	}
	return sources, nil
}

// pairSimulated lets simulated sources attest the thresholds a simulated
// submitter was given.
func pairSimulated(sources []backend.Source, submitter backend.Submitter) {
	sim, ok := submitter.(*backend.SimulatedSubmitter)
	if !ok {
		return
	}
	for _, s := range sources {
		if src, ok := s.(*backend.SimulatedSource); ok {
			src.Submitter = sim
		}
	}
}

func buildSubmitter(cfg *config.Config, logger core.Logger) backend.Submitter {
	sc := cfg.Backend.Submitter
	if sc.Kind == "http" {
		return backend.NewHTTPSubmitter(backend.HTTPSubmitterConfig{
			URL:      sc.URL,
			APIKey:   sc.APIKey,
			Timeout:  sc.Timeout,
			Attempts: sc.Attempts,
			Logger:   logger,
		})
	}
	return backend.NewSimulatedSubmitter()
}

func buildHealth(cfg *config.Config, l ledger.Ledger, b *backend.Client) *health.Handler {
	h := health.NewHandler(health.WithVersion(appVersion), health.WithJudgeID(cfg.Judge.ID))

	h.RegisterCritical("ledger", &health.LedgerCheck{Ledger: l, Driver: cfg.Ledger.Driver})
	h.Register("proof_backend", &health.BackendCheck{Backend: b})

	dirs := []string{filepath.Dir(cfg.Audit.LogFile)}
	if cfg.Ledger.Driver == ledger.DriverSQLite {
		dirs = append(dirs, filepath.Dir(cfg.Ledger.Path))
	}
	h.Register("storage", &health.StorageCheck{Paths: dirs, MinFreePercent: 5})
	h.Register("runtime", &health.RuntimeCheck{MaxGoroutines: 10000})
	h.Register("system_memory", &health.SystemMemoryCheck{MaxUsagePercent: 95})
	if cfg.Payout.Kind == payout.KindHTTP {
		h.Register("payout_rail", &health.RailCheck{URL: cfg.Payout.URL, Timeout: cfg.Payout.Timeout})
	}
	return h
}

// start begins the background loops.
func (a *app) start(ctx context.Context) error {
	a.audit.Start()
	if a.cfg.Worker.Enabled {
		if err := a.worker.Start(ctx); err != nil {
			return err
		}
	}
	a.health.SetReady(true)
	return nil
}

// close stops the background loops and releases every resource. It is safe
// on a partially built app.
func (a *app) close() {
	if a.health != nil {
		a.health.SetReady(false)
	}
	if a.worker != nil {
		ctx, cancel := context.WithTimeout(context.Background(), workerStopTimeout)
		if err := a.worker.Stop(ctx); err != nil {
			a.logger.Warn("stop retry worker: %v", err)
		}
		cancel()
	}
	if a.coord != nil {
		_ = a.coord.Close()
	}
	if a.audit != nil {
		if err := a.audit.Stop(); err != nil {
			a.logger.Warn("close audit log: %v", err)
		}
	}
	if a.mirror != nil {
		_ = a.mirror.Close()
	}
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			a.logger.Warn("close ledger: %v", err)
		}
	}
	if a.backend != nil {
		_ = a.backend.Close()
	}
}

func (a *app) metricsHandler() http.Handler {
	if a.prom == nil {
		return nil
	}
	return a.prom.Handler()
}
