package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLite is a ledger in a local SQLite database.
type SQLite struct {
	db *sql.DB
}

var _ Ledger = (*SQLite)(nil)

// NewSQLite opens (or creates) the ledger database at path. ":memory:" is
// accepted for tests.
func NewSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite ledger: path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection per process; other processes wait on busy_timeout.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=-16000",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	s := &SQLite{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS settlements (
		fingerprint TEXT PRIMARY KEY,
		audit_id TEXT NOT NULL,
		auditor_id TEXT NOT NULL,
		bounty_amount INTEGER NOT NULL,
		payout_ref TEXT NOT NULL DEFAULT '',
		paid_at INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'paid'
	);

	CREATE INDEX IF NOT EXISTS idx_settlements_auditor_paid ON settlements(auditor_id, paid_at);
	CREATE INDEX IF NOT EXISTS idx_settlements_paid_at ON settlements(paid_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Reserve inserts a pending row and checks the limits in one transaction.
// The insert comes first so the transaction owns the write lock before it
// reads the auditor's log; a refused hold is rolled back.
func (s *SQLite) Reserve(ctx context.Context, h Hold) (Reservation, error) {
	const op = "ledger.sqlite.Reserve"
	if err := h.Validate(); err != nil {
		return Reservation{}, invalid(op, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Reservation{}, unavailable(op, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	res, err := tx.ExecContext(ctx, `
		INSERT INTO settlements (fingerprint, audit_id, auditor_id, bounty_amount, payout_ref, paid_at, status)
		VALUES (?, ?, ?, ?, '', ?, ?)
		ON CONFLICT(fingerprint) DO NOTHING
	`, h.Fingerprint, h.AuditID, h.AuditorID, h.Amount, h.At.UnixNano(), StatusPending)
	if err != nil {
		return Reservation{}, unavailable(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Reservation{}, unavailable(op, err)
	}
	if n == 0 {
		rec, err := scanRecord(tx.QueryRowContext(ctx, selectRecord, h.Fingerprint))
		if err != nil {
			return Reservation{}, unavailable(op, err)
		}
		return Reservation{Verdict: Duplicate, Existing: rec}, nil
	}

	st, err := rateState(ctx, tx, h.Fingerprint, h.AuditorID, h.Limits.Window, h.At)
	if err != nil {
		return Reservation{}, unavailable(op, err)
	}
	var paid int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(bounty_amount), 0) FROM settlements WHERE paid_at >= ? AND fingerprint != ?`,
		h.Limits.DayStart.UnixNano(), h.Fingerprint).Scan(&paid)
	if err != nil {
		return Reservation{}, unavailable(op, err)
	}

	out := h.Limits.decide(h.Amount, st, paid, h.At)
	if out.Verdict != Reserved {
		return out, nil
	}
	if out.Amount != h.Amount {
		if _, err := tx.ExecContext(ctx,
			`UPDATE settlements SET bounty_amount = ? WHERE fingerprint = ?`, out.Amount, h.Fingerprint); err != nil {
			return Reservation{}, unavailable(op, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return Reservation{}, unavailable(op, err)
	}
	return out, nil
}

// rateState counts the auditor's other rows inside the window.
func rateState(ctx context.Context, tx *sql.Tx, fingerprint, auditorID string, window time.Duration, now time.Time) (RateState, error) {
	st := RateState{WindowStart: now.Add(-window)}

	var last sql.NullInt64
	err := tx.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN paid_at > ? AND paid_at <= ? THEN 1 ELSE 0 END), 0),
			MAX(paid_at)
		FROM settlements WHERE auditor_id = ? AND fingerprint != ?
	`, st.WindowStart.UnixNano(), now.UnixNano(), auditorID, fingerprint).Scan(&st.CountInWindow, &last)
	if err != nil {
		return st, err
	}
	if last.Valid {
		t := time.Unix(0, last.Int64).UTC()
		st.LastPayoutAt = &t
	}
	return st, nil
}

// Commit marks the pending row paid.
func (s *SQLite) Commit(ctx context.Context, h Hold, payoutRef string) error {
	const op = "ledger.sqlite.Commit"
	res, err := s.db.ExecContext(ctx,
		`UPDATE settlements SET status = ?, payout_ref = ? WHERE fingerprint = ? AND status = ?`,
		StatusPaid, payoutRef, h.Fingerprint, StatusPending)
	if err != nil {
		return unavailable(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(op, err)
	}
	if n == 0 {
		return notPending(op, h.Fingerprint)
	}
	return nil
}

// Release deletes the pending row.
func (s *SQLite) Release(ctx context.Context, h Hold) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM settlements WHERE fingerprint = ? AND status = ?`, h.Fingerprint, StatusPending)
	if err != nil {
		return unavailable("ledger.sqlite.Release", err)
	}
	return nil
}

const selectRecord = `
	SELECT fingerprint, audit_id, auditor_id, bounty_amount, payout_ref, paid_at, status
	FROM settlements WHERE fingerprint = ?`

func scanRecord(row *sql.Row) (*SettlementRecord, error) {
	var rec SettlementRecord
	var paidAt int64
	err := row.Scan(&rec.Fingerprint, &rec.AuditID, &rec.AuditorID, &rec.BountyAmount, &rec.PayoutRef, &paidAt, &rec.Status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.PaidAt = time.Unix(0, paidAt).UTC()
	return &rec, nil
}

// Get returns the record for fingerprint.
func (s *SQLite) Get(ctx context.Context, fingerprint string) (*SettlementRecord, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, selectRecord, fingerprint))
	if err != nil {
		return nil, unavailable("ledger.sqlite.Get", err)
	}
	return rec, nil
}

// Ping checks the database connection.
func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ledger.sqlite.Ping", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
