package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/oklog/ulid/v2"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteSink persists every audit event to a local SQLite database,
// adapted from the teacher's trace.SQLiteStore: same WAL/busy-timeout DSN
// convention, one append-only table instead of the teacher's multi-table
// trace/session/agent schema since a policy evaluation has no session or
// agent-version concept of its own.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (creating if needed) a SQLite database at path and
// ensures its schema exists.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS audit_events (
		id              TEXT PRIMARY KEY,
		type            TEXT NOT NULL,
		timestamp       DATETIME NOT NULL,
		client_id       TEXT NOT NULL,
		action          TEXT NOT NULL,
		resource        TEXT NOT NULL,
		allowed         INTEGER NOT NULL,
		effect          TEXT NOT NULL,
		reason          TEXT NOT NULL,
		policy_id       TEXT,
		rule_id         TEXT,
		matched_rules   TEXT,
		context         TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_events_client ON audit_events(client_id);
	CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events(timestamp);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("audit: init schema: %w", err)
	}

	return &SQLiteSink{db: db}, nil
}

// Handle implements Handler by inserting event as a row.
func (s *SQLiteSink) Handle(ctx context.Context, event Event) error {
	matchedRules, err := json.Marshal(event.MatchedRules)
	if err != nil {
		return fmt.Errorf("audit: marshal matched rules: %w", err)
	}
	ctxJSON, err := json.Marshal(event.Context)
	if err != nil {
		return fmt.Errorf("audit: marshal context: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO audit_events
		(id, type, timestamp, client_id, action, resource, allowed, effect, reason, policy_id, rule_id, matched_rules, context)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ulid.Make().String(), event.Type, event.Timestamp,
		event.Context.ClientID, event.Context.Action, event.Context.Resource,
		event.Decision.Allowed, event.Decision.Effect, event.Decision.Reason,
		event.Decision.PolicyID, event.Decision.RuleID,
		string(matchedRules), string(ctxJSON),
	)
	return err
}

// Close closes the underlying database handle.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
