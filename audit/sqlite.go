package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width UTC, so lexicographic order in the database is
// chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteLedger implements Ledger on a WAL-mode SQLite database.
type SQLiteLedger struct {
	db *sql.DB
}

var _ Ledger = (*SQLiteLedger)(nil)

// Open opens (or creates) the ledger database at path and applies the
// schema migrations.
func Open(path string) (*SQLiteLedger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	l := &SQLiteLedger{db: db}
	if err := l.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return l, nil
}

func (l *SQLiteLedger) migrate() error {
	for _, stmt := range migrations {
		if _, err := l.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// RecordInvocation implements Ledger.
func (l *SQLiteLedger) RecordInvocation(ctx context.Context, inv Invocation) error {
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	if inv.StartedAt.IsZero() {
		inv.StartedAt = time.Now()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO invocations (id, session_id, skill_id, outcome, error, started_at, duration_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.SessionID, inv.SkillID, inv.Outcome, nullable(inv.Error),
		inv.StartedAt.UTC().Format(timeLayout), inv.Duration.Nanoseconds(),
	)
	return err
}

// RecordApproval implements Ledger.
func (l *SQLiteLedger) RecordApproval(ctx context.Context, a Approval) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.DecidedAt.IsZero() {
		a.DecidedAt = time.Now()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO approvals (id, skill_id, capability, decision, escalated, decided_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.SkillID, a.Capability, a.Decision, boolInt(a.Escalated),
		a.DecidedAt.UTC().Format(timeLayout),
	)
	return err
}

// RecordTransition implements Ledger.
func (l *SQLiteLedger) RecordTransition(ctx context.Context, tr HealthTransition) error {
	if tr.ID == "" {
		tr.ID = uuid.NewString()
	}
	if tr.At.IsZero() {
		tr.At = time.Now()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO health_transitions (id, skill_id, from_state, to_state, reason, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.SkillID, tr.From, tr.To, nullable(tr.Reason),
		tr.At.UTC().Format(timeLayout),
	)
	return err
}

// Invocations implements Ledger.
func (l *SQLiteLedger) Invocations(ctx context.Context, skillID string, limit int) ([]Invocation, error) {
	query := `SELECT id, session_id, skill_id, outcome, error, started_at, duration_ns FROM invocations`
	var args []any
	if skillID != "" {
		query += ` WHERE skill_id = ?`
		args = append(args, skillID)
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT ?`
	args = append(args, normalizeLimit(limit))

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Invocation
	for rows.Next() {
		var inv Invocation
		var errText sql.NullString
		var started string
		var durNS int64
		if err := rows.Scan(&inv.ID, &inv.SessionID, &inv.SkillID, &inv.Outcome, &errText, &started, &durNS); err != nil {
			return nil, err
		}
		inv.Error = errText.String
		if inv.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		inv.Duration = time.Duration(durNS)
		out = append(out, inv)
	}
	return out, rows.Err()
}

// Approvals implements Ledger.
func (l *SQLiteLedger) Approvals(ctx context.Context, skillID string, limit int) ([]Approval, error) {
	query := `SELECT id, skill_id, capability, decision, escalated, decided_at FROM approvals`
	var args []any
	if skillID != "" {
		query += ` WHERE skill_id = ?`
		args = append(args, skillID)
	}
	query += ` ORDER BY decided_at DESC, id DESC LIMIT ?`
	args = append(args, normalizeLimit(limit))

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Approval
	for rows.Next() {
		var a Approval
		var escalated int64
		var decided string
		if err := rows.Scan(&a.ID, &a.SkillID, &a.Capability, &a.Decision, &escalated, &decided); err != nil {
			return nil, err
		}
		a.Escalated = escalated != 0
		if a.DecidedAt, err = parseTime(decided); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Transitions implements Ledger.
func (l *SQLiteLedger) Transitions(ctx context.Context, skillID string, limit int) ([]HealthTransition, error) {
	query := `SELECT id, skill_id, from_state, to_state, reason, occurred_at FROM health_transitions`
	var args []any
	if skillID != "" {
		query += ` WHERE skill_id = ?`
		args = append(args, skillID)
	}
	query += ` ORDER BY occurred_at DESC, id DESC LIMIT ?`
	args = append(args, normalizeLimit(limit))

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HealthTransition
	for rows.Next() {
		var tr HealthTransition
		var reason sql.NullString
		var occurred string
		if err := rows.Scan(&tr.ID, &tr.SkillID, &tr.From, &tr.To, &reason, &occurred); err != nil {
			return nil, err
		}
		tr.Reason = reason.String
		if tr.At, err = parseTime(occurred); err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	return limit
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("ledger: bad timestamp %q: %w", s, err)
	}
	return t, nil
}
