package audit

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/polyauthz/engine/internal/authz"
)

func TestSQLiteSink_HandleInsertsRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")

	sink, err := NewSQLiteSink(path)
	if err != nil {
		t.Fatalf("NewSQLiteSink: %v", err)
	}
	t.Cleanup(func() { sink.Close() })

	event := Event{
		Type:      "policy_evaluation",
		Timestamp: time.Now(),
		Context:   authz.Context{ClientID: "acme", Action: "read:users", Resource: "users/1"},
		Decision:  authz.NewDecision(authz.EffectAllow, authz.ReasonRuleAllowed, "matched rule"),
		MatchedRules: []MatchedRule{
			{RuleID: "r1", RuleName: "allow-reads", Effect: authz.EffectAllow, Matched: true, PolicyID: "p1"},
		},
	}

	if err := sink.Handle(context.Background(), event); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open verification db: %v", err)
	}
	defer db.Close()

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM audit_events WHERE client_id = ?`, "acme").Scan(&count); err != nil {
		t.Fatalf("query: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 row for acme, got %d", count)
	}
}

func TestSQLiteSink_HandleMultipleEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")

	sink, err := NewSQLiteSink(path)
	if err != nil {
		t.Fatalf("NewSQLiteSink: %v", err)
	}
	t.Cleanup(func() { sink.Close() })

	for i := 0; i < 3; i++ {
		event := Event{
			Type:      "policy_evaluation",
			Timestamp: time.Now(),
			Context:   authz.Context{ClientID: "acme", Action: "read", Resource: "x"},
			Decision:  authz.NewDecision(authz.EffectDeny, authz.ReasonDefaultEffect, "no rule matched"),
		}
		if err := sink.Handle(context.Background(), event); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}

	var count int
	if err := sink.db.QueryRow(`SELECT COUNT(*) FROM audit_events`).Scan(&count); err != nil {
		t.Fatalf("query: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 rows, got %d", count)
	}
}
