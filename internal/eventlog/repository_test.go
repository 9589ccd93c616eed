package eventlog

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()

	f, err := os.CreateTemp("", "eventlog-test-*.db")
	if err != nil {
		t.Fatalf("creating temp db: %v", err)
	}
	dbPath := f.Name()
	f.Close()
	t.Cleanup(func() { os.Remove(dbPath) })

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	migrationSQL := `
		CREATE TABLE event_log (
			id TEXT PRIMARY KEY,
			actor_id TEXT,
			actor_login TEXT,
			action TEXT NOT NULL,
			target_type TEXT,
			target_id TEXT,
			group_id TEXT,
			payload TEXT,
			ip TEXT,
			ts TEXT NOT NULL
		) STRICT;

		CREATE INDEX idx_event_log_group ON event_log(group_id, action, ts);
	`
	if _, err := db.Exec(migrationSQL); err != nil {
		t.Fatalf("applying event log migration: %v", err)
	}

	return db
}

func TestAppendAndList(t *testing.T) {
	db := testDB(t)
	repo := New(db)

	e := &Entry{
		ActorID:    "usr-1",
		ActorLogin: "alice",
		Action:     ActionLogin,
		IP:         "10.0.0.1",
	}
	if err := repo.Append(context.Background(), e); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if e.ID == "" || e.TS.IsZero() {
		t.Error("expected generated ID and timestamp")
	}

	result, err := repo.List(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if result.Total != 1 || len(result.Entries) != 1 {
		t.Fatalf("Total = %d, len = %d, want 1/1", result.Total, len(result.Entries))
	}
	got := result.Entries[0]
	if got.ActorLogin != "alice" || got.Action != ActionLogin || got.IP != "10.0.0.1" {
		t.Errorf("unexpected entry: %+v", got)
	}
}

func TestListFilters(t *testing.T) {
	db := testDB(t)
	repo := New(db)

	entries := []*Entry{
		{ActorID: "usr-1", ActorLogin: "alice", Action: ActionLogin},
		{ActorID: "usr-1", ActorLogin: "alice", Action: ActionRelayTrigger, GroupID: "grp-1",
			Payload: map[string]any{"state": "on"}},
		{ActorID: "usr-2", ActorLogin: "bob", Action: ActionRelayTrigger, GroupID: "grp-2",
			Payload: map[string]any{"state": "off"}},
		{ActorID: "usr-2", ActorLogin: "bob", Action: ActionLogout},
	}
	for i, e := range entries {
		e.TS = time.Now().UTC().Add(time.Duration(i) * time.Second)
		if err := repo.Append(context.Background(), e); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	byAction, err := repo.List(context.Background(), Filter{Action: ActionRelayTrigger})
	if err != nil {
		t.Fatalf("List by action: %v", err)
	}
	if byAction.Total != 2 {
		t.Errorf("by action Total = %d, want 2", byAction.Total)
	}

	byActor, err := repo.List(context.Background(), Filter{ActorID: "usr-1"})
	if err != nil {
		t.Fatalf("List by actor: %v", err)
	}
	if byActor.Total != 2 {
		t.Errorf("by actor Total = %d, want 2", byActor.Total)
	}

	byGroup, err := repo.List(context.Background(), Filter{GroupID: "grp-2"})
	if err != nil {
		t.Fatalf("List by group: %v", err)
	}
	if byGroup.Total != 1 || byGroup.Entries[0].ActorLogin != "bob" {
		t.Errorf("by group = %+v", byGroup.Entries)
	}

	// Pagination: newest first.
	page, err := repo.List(context.Background(), Filter{Limit: 2})
	if err != nil {
		t.Fatalf("List page: %v", err)
	}
	if len(page.Entries) != 2 || page.Total != 4 {
		t.Fatalf("page len = %d Total = %d, want 2/4", len(page.Entries), page.Total)
	}
	if page.Entries[0].Action != ActionLogout {
		t.Errorf("first entry = %s, want most recent (logout)", page.Entries[0].Action)
	}
}

func TestListTimeRange(t *testing.T) {
	db := testDB(t)
	repo := New(db)

	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 3; i++ {
		e := &Entry{Action: ActionLogin, TS: base.Add(time.Duration(i) * time.Hour)}
		if err := repo.Append(context.Background(), e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	result, err := repo.List(context.Background(), Filter{
		From: base.Add(30 * time.Minute),
		To:   base.Add(90 * time.Minute),
	})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if result.Total != 1 {
		t.Errorf("Total = %d, want 1 (only the middle entry)", result.Total)
	}
}

func TestLastRelayState(t *testing.T) {
	db := testDB(t)
	repo := New(db)

	// No triggers yet.
	state, err := repo.LastRelayState(context.Background(), "grp-1")
	if err != nil {
		t.Fatalf("LastRelayState: %v", err)
	}
	if state != "" {
		t.Errorf("state = %q, want empty", state)
	}

	base := time.Now().UTC().Truncate(time.Second)
	triggers := []struct {
		group string
		state string
		ts    time.Time
	}{
		{"grp-1", "on", base},
		{"grp-2", "on", base.Add(time.Second)},
		{"grp-1", "off", base.Add(2 * time.Second)},
	}
	for _, tr := range triggers {
		e := &Entry{
			Action:  ActionRelayTrigger,
			GroupID: tr.group,
			Payload: map[string]any{"action": "toggle", "state": tr.state},
			TS:      tr.ts,
		}
		if err := repo.Append(context.Background(), e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	state, err = repo.LastRelayState(context.Background(), "grp-1")
	if err != nil {
		t.Fatalf("LastRelayState: %v", err)
	}
	if state != "off" {
		t.Errorf("grp-1 state = %q, want off (latest trigger)", state)
	}

	state, err = repo.LastRelayState(context.Background(), "grp-2")
	if err != nil {
		t.Fatalf("LastRelayState: %v", err)
	}
	if state != "on" {
		t.Errorf("grp-2 state = %q, want on", state)
	}
}
