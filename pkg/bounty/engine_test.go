package bounty

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/exploopio/judge/pkg/errors"
	"github.com/exploopio/judge/pkg/ledger"
	"github.com/exploopio/judge/pkg/payout"
	"github.com/exploopio/judge/pkg/proof"
)

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func intp(v int) *int { return &v }

// validResult is a verified proof attesting threshold 100.
func validResult(auditID string) proof.Result {
	return proof.Result{
		AuditID:        auditID,
		IsValid:        true,
		IsHighSeverity: true,
		AuditorID:      "auditor-1",
		ProofData:      &proof.Record{AuditID: auditID, IsVerified: true, AuditorID: "auditor-1", Threshold: intp(100)},
	}
}

func claim(auditID string, threshold int) Claim {
	return Claim{AuditID: auditID, AuditorID: "auditor-1", Threshold: threshold}
}

type fixture struct {
	engine *Engine
	ledger *ledger.Memory
	rail   *payout.SimulatedRail
	clock  *clock
}

func newFixture(t *testing.T, mutate func(*Policy)) *fixture {
	t.Helper()
	p := DefaultPolicy()
	p.Cooldown = 0
	if mutate != nil {
		mutate(&p)
	}
	f := &fixture{
		ledger: ledger.NewMemory(),
		rail:   payout.NewSimulatedRail(nil),
		clock:  newClock(),
	}
	e, err := NewEngine(Config{Policy: p, Ledger: f.ledger, Rail: f.rail, Now: f.clock.Now})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	f.engine = e
	return f
}

func TestSettle_Gates(t *testing.T) {
	tests := []struct {
		name       string
		threshold  int
		result     func(id string) proof.Result
		wantPaid   bool
		wantReason string
		wantAmount int64
		wantTier   string
	}{
		{"band 90-95", 92, validResult, true, ReasonPaid, 100, "90-95"},
		{"band 96-99", 97, validResult, true, ReasonPaid, 250, "96-99"},
		{"band 100", 100, validResult, true, ReasonPaid, 500, "100"},
		{"below every band", 85, validResult, false, "below_threshold", 0, ""},
		{
			name:      "invalid verification",
			threshold: 97,
			result: func(id string) proof.Result {
				return proof.Result{AuditID: id, Error: proof.MsgExpired, Kind: errors.KindExpired}
			},
			wantReason: "verification_failed",
		},
		{
			name:      "not high severity",
			threshold: 97,
			result: func(id string) proof.Result {
				return proof.Result{AuditID: id, IsValid: true, AuditorID: "auditor-1"}
			},
			wantReason: "below_threshold",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			out, err := f.engine.Settle(context.Background(), claim("audit-1", tt.threshold), tt.result("audit-1"))
			if err != nil {
				t.Fatalf("Settle() error = %v", err)
			}
			if out.Paid != tt.wantPaid || out.Reason != tt.wantReason {
				t.Errorf("outcome = %+v, want paid=%v reason=%s", out, tt.wantPaid, tt.wantReason)
			}
			if out.Amount != tt.wantAmount || out.Tier != tt.wantTier {
				t.Errorf("amount/tier = %d/%q, want %d/%q", out.Amount, out.Tier, tt.wantAmount, tt.wantTier)
			}
			if tt.wantPaid {
				if f.ledger.Len() != 1 || f.rail.Total() != tt.wantAmount {
					t.Errorf("ledger=%d rail total=%d", f.ledger.Len(), f.rail.Total())
				}
				if out.PayoutRef == "" {
					t.Error("PayoutRef is empty")
				}
			} else if f.ledger.Len() != 0 || len(f.rail.Payments()) != 0 {
				t.Error("refused claim mutated ledger or rail")
			}
		})
	}
}

func TestSettle_ConcurrentSingleClaimPaysOnce(t *testing.T) {
	f := newFixture(t, nil)
	c := claim("audit-race", 97)
	res := validResult("audit-race")

	var paid, duplicate atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.engine.Settle(context.Background(), c, res)
			if err != nil {
				t.Errorf("Settle() error = %v", err)
				return
			}
			switch out.Reason {
			case ReasonPaid:
				paid.Add(1)
			case "duplicate":
				duplicate.Add(1)
			default:
				t.Errorf("unexpected reason %q", out.Reason)
			}
		}()
	}
	wg.Wait()

	if paid.Load() != 1 || duplicate.Load() != 49 {
		t.Errorf("paid=%d duplicate=%d, want 1/49", paid.Load(), duplicate.Load())
	}
	if n := len(f.rail.Payments()); n != 1 {
		t.Errorf("rail payments = %d, want 1", n)
	}
	if f.ledger.Len() != 1 {
		t.Errorf("ledger records = %d, want 1", f.ledger.Len())
	}
	if f.engine.locks.size() != 0 {
		t.Errorf("lock table holds %d keys after settling", f.engine.locks.size())
	}
}

func TestSettle_Duplicate(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, _ := f.engine.Settle(ctx, claim("audit-dup", 92), validResult("audit-dup"))
	f.clock.Advance(time.Hour)
	second, err := f.engine.Settle(ctx, claim("audit-dup", 100), validResult("audit-dup"))
	if err != nil {
		t.Fatalf("Settle() error = %v", err)
	}
	if second.Paid || second.Reason != "duplicate" || second.Kind != errors.KindDuplicate {
		t.Errorf("second = %+v, want duplicate", second)
	}
	if second.PayoutRef != first.PayoutRef {
		t.Errorf("duplicate PayoutRef = %q, want original %q", second.PayoutRef, first.PayoutRef)
	}
	if f.rail.Total() != 100 {
		t.Errorf("rail total = %d, want 100", f.rail.Total())
	}
}

func TestSettle_HourlyLimit(t *testing.T) {
	f := newFixture(t, func(p *Policy) { p.MaxPerHour = 2 })
	ctx := context.Background()

	for i, want := range []string{ReasonPaid, ReasonPaid, "rate_limited"} {
		id := fmt.Sprintf("audit-%d", i)
		out, err := f.engine.Settle(ctx, claim(id, 92), validResult(id))
		if err != nil {
			t.Fatalf("Settle(%d) error = %v", i, err)
		}
		if out.Reason != want {
			t.Errorf("settlement %d reason = %q, want %q", i, out.Reason, want)
		}
		f.clock.Advance(time.Minute)
	}
	if len(f.rail.Payments()) != 2 {
		t.Errorf("payments = %d, want 2", len(f.rail.Payments()))
	}
}

func TestSettle_RollingWindow(t *testing.T) {
	f := newFixture(t, func(p *Policy) { p.MaxPerHour = 2 })
	ctx := context.Background()
	settle := func(id string) string {
		out, err := f.engine.Settle(ctx, claim(id, 92), validResult(id))
		if err != nil {
			t.Fatalf("Settle(%s) error = %v", id, err)
		}
		return out.Reason
	}

	settle("a") // t0
	f.clock.Advance(10 * time.Minute)
	settle("b") // t0+10m
	f.clock.Advance(20 * time.Minute)
	if got := settle("c"); got != "rate_limited" {
		t.Errorf("t0+30m reason = %q, want rate_limited", got)
	}
	f.clock.Advance(31 * time.Minute) // t0+61m: "a" has left the window
	if got := settle("d"); got != ReasonPaid {
		t.Errorf("t0+61m reason = %q, want paid", got)
	}
	f.clock.Advance(time.Minute) // t0+62m: "b" and "d" are inside
	if got := settle("e"); got != "rate_limited" {
		t.Errorf("t0+62m reason = %q, want rate_limited", got)
	}
}

func TestSettle_Cooldown(t *testing.T) {
	f := newFixture(t, func(p *Policy) { p.Cooldown = 120 * time.Second })
	ctx := context.Background()

	if out, _ := f.engine.Settle(ctx, claim("a", 92), validResult("a")); !out.Paid {
		t.Fatalf("first settlement = %+v", out)
	}
	f.clock.Advance(60 * time.Second)
	out, _ := f.engine.Settle(ctx, claim("b", 92), validResult("b"))
	if out.Reason != "cooldown" {
		t.Errorf("reason at +60s = %q, want cooldown", out.Reason)
	}
	f.clock.Advance(60 * time.Second)
	out, _ = f.engine.Settle(ctx, claim("b", 92), validResult("b"))
	if !out.Paid {
		t.Errorf("reason at +120s = %q, want paid", out.Reason)
	}
}

func TestSettle_PayoutFailedLeavesNoRecord(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.rail.FailNext(1, fmt.Errorf("insufficient funds"))

	out, err := f.engine.Settle(ctx, claim("audit-pf", 97), validResult("audit-pf"))
	if err != nil {
		t.Fatalf("Settle() error = %v", err)
	}
	if out.Paid || out.Reason != "payout_failed" || !out.Retryable() {
		t.Errorf("outcome = %+v, want retryable payout_failed", out)
	}
	if f.ledger.Len() != 0 {
		t.Errorf("ledger records = %d, want 0", f.ledger.Len())
	}

	out, err = f.engine.Settle(ctx, claim("audit-pf", 97), validResult("audit-pf"))
	if err != nil || !out.Paid || out.Amount != 250 {
		t.Errorf("retry = %+v, %v; want paid 250", out, err)
	}
}

func TestSettle_PayoutTimeout(t *testing.T) {
	f := newFixture(t, func(p *Policy) { p.PayoutTimeout = 10 * time.Millisecond })
	f.rail.SetDelay(time.Second)

	out, err := f.engine.Settle(context.Background(), claim("slow", 92), validResult("slow"))
	if err != nil {
		t.Fatalf("Settle() error = %v", err)
	}
	if out.Reason != "payout_failed" {
		t.Errorf("reason = %q, want payout_failed", out.Reason)
	}
}

func TestSettle_DailyCap(t *testing.T) {
	f := newFixture(t, func(p *Policy) { p.DailyCap = 300 })
	ctx := context.Background()

	out, _ := f.engine.Settle(ctx, claim("d1", 97), validResult("d1"))
	if !out.Paid || out.Amount != 250 || out.Capped {
		t.Fatalf("first = %+v, want 250 uncapped", out)
	}
	out, _ = f.engine.Settle(ctx, claim("d2", 97), validResult("d2"))
	if !out.Paid || out.Amount != 50 || !out.Capped {
		t.Errorf("second = %+v, want 50 capped", out)
	}
	out, _ = f.engine.Settle(ctx, claim("d3", 92), validResult("d3"))
	if out.Reason != "daily_cap" {
		t.Errorf("third reason = %q, want daily_cap", out.Reason)
	}

	f.clock.Advance(24 * time.Hour)
	out, _ = f.engine.Settle(ctx, claim("d3", 92), validResult("d3"))
	if !out.Paid {
		t.Errorf("next day = %+v, want paid", out)
	}
}

func TestSettle_MaxSingleBounty(t *testing.T) {
	f := newFixture(t, func(p *Policy) { p.MaxSingleBounty = 300 })
	out, _ := f.engine.Settle(context.Background(), claim("big", 100), validResult("big"))
	if out.Amount != 300 || !out.Capped {
		t.Errorf("outcome = %+v, want 300 capped", out)
	}
}

func TestSettle_MissingAuditor(t *testing.T) {
	f := newFixture(t, nil)
	out, err := f.engine.Settle(context.Background(),
		Claim{AuditID: "x", Threshold: 97}, proof.Result{IsValid: true, IsHighSeverity: true})
	if err != nil || out.Reason != "invalid_input" {
		t.Errorf("outcome = %+v, %v", out, err)
	}
}

// brokenLedger fails every reservation.
type brokenLedger struct{ *ledger.Memory }

func (brokenLedger) Reserve(context.Context, ledger.Hold) (ledger.Reservation, error) {
	return ledger.Reservation{}, fmt.Errorf("disk I/O error")
}

func TestSettle_LedgerUnavailableIsFatal(t *testing.T) {
	rail := payout.NewSimulatedRail(nil)
	e, err := NewEngine(Config{Policy: DefaultPolicy(), Ledger: brokenLedger{ledger.NewMemory()}, Rail: rail})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	_, err = e.Settle(context.Background(), claim("x", 97), validResult("x"))
	if !errors.IsFatal(err) {
		t.Errorf("error = %v, want fatal", err)
	}
	if len(rail.Payments()) != 0 {
		t.Error("rail paid despite ledger failure")
	}
}

func TestNewEngine_Validation(t *testing.T) {
	if _, err := NewEngine(Config{Rail: payout.NewSimulatedRail(nil)}); err == nil {
		t.Error("missing ledger should fail")
	}
	if _, err := NewEngine(Config{Ledger: ledger.NewMemory()}); err == nil {
		t.Error("missing rail should fail")
	}
	p := DefaultPolicy()
	p.MaxPerHour = -1
	if _, err := NewEngine(Config{Policy: p, Ledger: ledger.NewMemory(), Rail: payout.NewSimulatedRail(nil)}); err == nil {
		t.Error("negative limit should fail")
	}
}

func TestKeyLocks(t *testing.T) {
	k := newKeyLocks()
	var counter, maxSeen atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("k")
			n := counter.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(time.Millisecond)
			counter.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	if maxSeen.Load() != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxSeen.Load())
	}
	if k.size() != 0 {
		t.Errorf("size = %d, want 0", k.size())
	}
}

func TestSettle_SharedLedgerPaysOnce(t *testing.T) {
	shared := ledger.NewMemory()
	rail := payout.NewSimulatedRail(nil)
	rail.SetDelay(50 * time.Millisecond)

	engines := make([]*Engine, 2)
	for i := range engines {
		e, err := NewEngine(Config{Policy: DefaultPolicy(), Ledger: shared, Rail: rail})
		if err != nil {
			t.Fatalf("NewEngine() error = %v", err)
		}
		engines[i] = e
	}

	c := claim("audit-shared", 97)
	outs := make([]Outcome, len(engines))
	errs := make([]error, len(engines))
	var wg sync.WaitGroup
	for i, e := range engines {
		wg.Add(1)
		go func(i int, e *Engine) {
			defer wg.Done()
			outs[i], errs[i] = e.Settle(context.Background(), c, validResult(c.AuditID))
		}(i, e)
	}
	wg.Wait()

	paid := 0
	for i := range engines {
		if errs[i] != nil {
			t.Errorf("engine %d error = %v", i, errs[i])
		}
		switch outs[i].Reason {
		case ReasonPaid:
			paid++
		case "duplicate":
		default:
			t.Errorf("engine %d reason = %q", i, outs[i].Reason)
		}
	}
	if paid != 1 {
		t.Errorf("paid outcomes = %d, want 1", paid)
	}
	if n := len(rail.Payments()); n != 1 {
		t.Errorf("rail payments = %d, want 1", n)
	}
	rec, _ := shared.Get(context.Background(), c.Fingerprint())
	if rec == nil || rec.Status != ledger.StatusPaid {
		t.Errorf("ledger record = %+v, want paid", rec)
	}
}

func TestSettle_SharedLedgerRateLimit(t *testing.T) {
	shared := ledger.NewMemory()
	rail := payout.NewSimulatedRail(nil)
	rail.SetDelay(20 * time.Millisecond)

	p := DefaultPolicy()
	p.MaxPerHour = 1
	p.Cooldown = 0

	var paid, limited atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		e, err := NewEngine(Config{Policy: p, Ledger: shared, Rail: rail})
		if err != nil {
			t.Fatalf("NewEngine() error = %v", err)
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("audit-rate-%d", i)
			out, err := e.Settle(context.Background(), claim(id, 92), validResult(id))
			if err != nil {
				t.Errorf("Settle() error = %v", err)
				return
			}
			switch out.Reason {
			case ReasonPaid:
				paid.Add(1)
			case "rate_limited":
				limited.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if paid.Load() != 1 || limited.Load() != 3 {
		t.Errorf("paid=%d rate_limited=%d, want 1/3", paid.Load(), limited.Load())
	}
}

func TestSettle_ProvenThreshold(t *testing.T) {
	tests := []struct {
		name       string
		claimed    int
		proven     *int
		require    bool
		wantReason string
		wantAmount int64
	}{
		{"claim above proof", 100, intp(92), true, "verification_failed", 0},
		{"claim below proof", 92, intp(100), true, ReasonPaid, 100},
		{"claim equals proof", 97, intp(97), true, ReasonPaid, 250},
		{"no attested threshold", 97, nil, true, "verification_failed", 0},
		{"no attested threshold allowed", 97, nil, false, ReasonPaid, 250},
		{"claim above proof when not required", 100, intp(92), false, "verification_failed", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(p *Policy) { p.RequireProvenThreshold = tt.require })
			res := validResult("audit-t")
			res.ProofData.Threshold = tt.proven

			out, err := f.engine.Settle(context.Background(), claim("audit-t", tt.claimed), res)
			if err != nil {
				t.Fatalf("Settle() error = %v", err)
			}
			if out.Reason != tt.wantReason || out.Amount != tt.wantAmount {
				t.Errorf("outcome = %+v, want %s %d", out, tt.wantReason, tt.wantAmount)
			}
			if tt.wantReason != ReasonPaid && len(f.rail.Payments()) != 0 {
				t.Error("refused claim was paid")
			}
		})
	}
}

// holdLedger fails Commit or Release on demand.
type holdLedger struct {
	*ledger.Memory
	failCommit  bool
	failRelease bool
}

func (l *holdLedger) Commit(ctx context.Context, h ledger.Hold, ref string) error {
	if l.failCommit {
		return errors.E(errors.KindUnavailable, "ledger.Commit", "connection reset")
	}
	return l.Memory.Commit(ctx, h, ref)
}

func (l *holdLedger) Release(ctx context.Context, h ledger.Hold) error {
	if l.failRelease {
		return errors.E(errors.KindUnavailable, "ledger.Release", "connection reset")
	}
	return l.Memory.Release(ctx, h)
}

func TestSettle_UncommittedPayoutKeepsHold(t *testing.T) {
	l := &holdLedger{Memory: ledger.NewMemory(), failCommit: true}
	rail := payout.NewSimulatedRail(nil)
	e, err := NewEngine(Config{Policy: DefaultPolicy(), Ledger: l, Rail: rail})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	out, err := e.Settle(ctx, claim("audit-c", 97), validResult("audit-c"))
	if !errors.IsFatal(err) {
		t.Fatalf("error = %v, want fatal", err)
	}
	if !out.Paid || out.PayoutRef == "" {
		t.Errorf("outcome = %+v, want paid with a reference", out)
	}

	l.failCommit = false
	again, err := e.Settle(ctx, claim("audit-c", 97), validResult("audit-c"))
	if err != nil || again.Reason != "duplicate" {
		t.Errorf("second settle = %+v, %v; want duplicate", again, err)
	}
	if len(rail.Payments()) != 1 {
		t.Errorf("rail payments = %d, want 1", len(rail.Payments()))
	}
}

func TestSettle_UnreleasedHoldIsFatal(t *testing.T) {
	l := &holdLedger{Memory: ledger.NewMemory(), failRelease: true}
	rail := payout.NewSimulatedRail(nil)
	rail.FailNext(1, fmt.Errorf("rail down"))
	e, err := NewEngine(Config{Policy: DefaultPolicy(), Ledger: l, Rail: rail})
	if err != nil {
		t.Fatal(err)
	}

	out, err := e.Settle(context.Background(), claim("audit-r", 97), validResult("audit-r"))
	if !errors.IsFatal(err) {
		t.Errorf("error = %v, want fatal", err)
	}
	if out.Paid || out.Reason != "payout_failed" {
		t.Errorf("outcome = %+v, want payout_failed", out)
	}
	if l.Len() != 1 {
		t.Errorf("ledger holds %d records, want the unreleased hold", l.Len())
	}
}
