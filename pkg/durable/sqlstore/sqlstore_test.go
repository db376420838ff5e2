package sqlstore

import (
	"context"
	"path/filepath"
	"testing"

	"threadloom/pkg/durable"
	"threadloom/pkg/durable/storetest"
)

func openSQLite(t *testing.T) *Store {
	t.Helper()

	store, err := Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) durable.Store { return openSQLite(t) })
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	first, err := Open(context.Background(), "sqlite", path)
	if err != nil {
		t.Fatalf("first Open error: %v", err)
	}
	if _, err := first.CreateInstance(context.Background(), durable.Instance{ID: "thread-1", Workflow: "conversation", Status: durable.StatusRunning}, nil); err != nil {
		t.Fatalf("CreateInstance error: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	second, err := Open(context.Background(), "sqlite", path)
	if err != nil {
		t.Fatalf("second Open error: %v", err)
	}
	t.Cleanup(func() { _ = second.Close() })

	if _, err := second.GetInstance(context.Background(), "thread-1"); err != nil {
		t.Fatalf("GetInstance after reopen error: %v", err)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), "mysql", "x"); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestRebind(t *testing.T) {
	pg := &Store{dialect: postgresDialect}
	if got := pg.rebind("SELECT ? FROM t WHERE a = ? AND b = ?"); got != "SELECT $1 FROM t WHERE a = $2 AND b = $3" {
		t.Fatalf("rebind = %q", got)
	}

	lite := &Store{dialect: sqliteDialect}
	if got := lite.rebind("SELECT ?"); got != "SELECT ?" {
		t.Fatalf("sqlite rebind = %q, want unchanged", got)
	}
}
