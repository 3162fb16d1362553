package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/yourorg/gravity-oracle/internal/model"
	"github.com/yourorg/gravity-oracle/internal/types"
	_ "modernc.org/sqlite"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS decisions (
    id             TEXT PRIMARY KEY,
    ts             INTEGER NOT NULL,
    action         TEXT    NOT NULL,
    venues         TEXT    NOT NULL DEFAULT '',
    amount_in      TEXT,
    amount_out     TEXT,
    settlement_ref TEXT    NOT NULL DEFAULT '',
    success        INTEGER NOT NULL DEFAULT 0,
    fault          INTEGER NOT NULL DEFAULT 0,
    data_source    TEXT    NOT NULL DEFAULT '',
    reason         TEXT    NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_decisions_ts ON decisions(ts DESC);
`

// AuditLog is the append-only decision trail, backed by SQLite (pure Go)
type AuditLog struct {
	db *sql.DB
}

// OpenAuditLog opens or creates the database at path. Use ":memory:" in tests.
func OpenAuditLog(path string) (*AuditLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store.OpenAuditLog: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(auditSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store.OpenAuditLog: apply schema: %w", err)
	}
	return &AuditLog{db: db}, nil
}

// Close releases the database
func (a *AuditLog) Close() error {
	return a.db.Close()
}

// Append writes records in one transaction. Failures wrap ErrPersistence.
func (a *AuditLog) Append(ctx context.Context, records ...model.DecisionRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin audit tx: %w", ErrPersistence, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO decisions
			(id, ts, action, venues, amount_in, amount_out, settlement_ref, success, fault, data_source, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("%w: prepare audit insert: %w", ErrPersistence, err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx,
			r.ID, r.Timestamp.UnixNano(), string(r.Action), joinVenues(r.Venues),
			intText(r.AmountIn), intText(r.AmountOut), r.SettlementRef,
			boolInt(r.Success), boolInt(r.Fault), string(r.DataSource), r.Reason,
		); err != nil {
			return fmt.Errorf("%w: insert decision %s: %w", ErrPersistence, r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit audit tx: %w", ErrPersistence, err)
	}
	return nil
}

// Recent returns up to limit records, newest first
func (a *AuditLog) Recent(ctx context.Context, limit int) ([]model.DecisionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, ts, action, venues, amount_in, amount_out, settlement_ref, success, fault, data_source, reason
		FROM decisions
		ORDER BY ts DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store.Recent: query: %w", err)
	}
	defer rows.Close()

	var out []model.DecisionRecord
	for rows.Next() {
		var (
			r                   model.DecisionRecord
			ts                  int64
			action, venues      string
			source              string
			amountIn, amountOut sql.NullString
			success, fault      int
		)
		if err := rows.Scan(&r.ID, &ts, &action, &venues, &amountIn, &amountOut,
			&r.SettlementRef, &success, &fault, &source, &r.Reason); err != nil {
			return nil, fmt.Errorf("store.Recent: scan: %w", err)
		}
		r.Timestamp = time.Unix(0, ts).UTC()
		r.Action = model.ActionKind(action)
		r.DataSource = model.Source(source)
		r.Success = success != 0
		r.Fault = fault != 0
		r.AmountIn = parseInt(amountIn)
		r.AmountOut = parseInt(amountOut)
		r.Venues = splitVenues(venues)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Count returns the number of stored records
func (a *AuditLog) Count(ctx context.Context) (int, error) {
	var n int
	if err := a.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM decisions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store.Count: %w", err)
	}
	return n, nil
}

func joinVenues(vs []types.VenueID) string {
	names := make([]string, len(vs))
	for i, v := range vs {
		names[i] = v.String()
	}
	return strings.Join(names, ",")
}

func splitVenues(s string) []types.VenueID {
	if s == "" {
		return nil
	}
	var out []types.VenueID
	for _, name := range strings.Split(s, ",") {
		if id, err := types.ParseVenue(name); err == nil {
			out = append(out, id)
		}
	}
	return out
}

func intText(v *big.Int) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: v.String(), Valid: true}
}

func parseInt(s sql.NullString) *big.Int {
	if !s.Valid {
		return nil
	}
	v, ok := new(big.Int).SetString(s.String, 10)
	if !ok {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
