// Package sqlite persists per-user-per-tool consent decisions in an
// embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gatewarden/gatewarden/internal/domain/consent"
)

const schema = `
CREATE TABLE IF NOT EXISTS consent_decisions (
	user_id    TEXT NOT NULL,
	tool_name  TEXT NOT NULL,
	decision   TEXT NOT NULL,
	risk_tier  TEXT NOT NULL,
	param_hash TEXT NOT NULL,
	decided_at TEXT NOT NULL,
	PRIMARY KEY (user_id, tool_name)
);
`

// DecisionStore implements consent.DecisionStore on SQLite.
type DecisionStore struct {
	db *sql.DB
}

// NewDecisionStore opens (creating if needed) the database at path and
// ensures the schema exists.
func NewDecisionStore(ctx context.Context, path string) (*DecisionStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open consent database: %w", err)
	}
	// The driver serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent decisions.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create consent schema: %w", err)
	}
	return &DecisionStore{db: db}, nil
}

// Put inserts or replaces the decision for (user, tool).
func (s *DecisionStore) Put(ctx context.Context, rec consent.DecisionRecord) error {
	query := `
		INSERT INTO consent_decisions (user_id, tool_name, decision, risk_tier, param_hash, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, tool_name) DO UPDATE SET
			decision = excluded.decision,
			risk_tier = excluded.risk_tier,
			param_hash = excluded.param_hash,
			decided_at = excluded.decided_at
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.UserID,
		rec.ToolName,
		string(rec.Decision),
		string(rec.RiskTier),
		rec.ParamHash,
		rec.DecidedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("store consent decision: %w", err)
	}
	return nil
}

// Get returns the stored decision for (user, tool), if any.
func (s *DecisionStore) Get(ctx context.Context, userID, toolName string) (consent.DecisionRecord, bool, error) {
	query := `
		SELECT user_id, tool_name, decision, risk_tier, param_hash, decided_at
		FROM consent_decisions
		WHERE user_id = $1 AND tool_name = $2
	`
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, userID, toolName))
	if errors.Is(err, sql.ErrNoRows) {
		return consent.DecisionRecord{}, false, nil
	}
	if err != nil {
		return consent.DecisionRecord{}, false, fmt.Errorf("load consent decision: %w", err)
	}
	return rec, true, nil
}

// Delete removes the stored decision for (user, tool). Removing an absent
// decision is a no-op.
func (s *DecisionStore) Delete(ctx context.Context, userID, toolName string) error {
	query := `DELETE FROM consent_decisions WHERE user_id = $1 AND tool_name = $2`
	if _, err := s.db.ExecContext(ctx, query, userID, toolName); err != nil {
		return fmt.Errorf("delete consent decision: %w", err)
	}
	return nil
}

// List returns all stored decisions for a user, ordered by tool name.
func (s *DecisionStore) List(ctx context.Context, userID string) ([]consent.DecisionRecord, error) {
	query := `
		SELECT user_id, tool_name, decision, risk_tier, param_hash, decided_at
		FROM consent_decisions
		WHERE user_id = $1
		ORDER BY tool_name
	`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list consent decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []consent.DecisionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan consent decision: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list consent decisions: %w", err)
	}
	return out, nil
}

// Close releases the underlying database handle.
func (s *DecisionStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (consent.DecisionRecord, error) {
	var rec consent.DecisionRecord
	var decision, tier, decidedAt string
	if err := row.Scan(&rec.UserID, &rec.ToolName, &decision, &tier, &rec.ParamHash, &decidedAt); err != nil {
		return consent.DecisionRecord{}, err
	}
	rec.Decision = consent.Decision(decision)
	rec.RiskTier = consent.RiskTier(tier)
	ts, err := time.Parse(time.RFC3339Nano, decidedAt)
	if err != nil {
		return consent.DecisionRecord{}, fmt.Errorf("parse decided_at: %w", err)
	}
	rec.DecidedAt = ts
	return rec, nil
}

// Compile-time interface verification.
var _ consent.DecisionStore = (*DecisionStore)(nil)
