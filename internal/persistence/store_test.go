package persistence

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "agentd.db"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRecordAndGetSession(t *testing.T) {
	store := newTestStore(t)

	code := 0
	rec := SessionRecord{
		ID:        "s1",
		State:     "completed",
		ExitCode:  &code,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := store.RecordSession(rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := store.GetSession("s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil {
		t.Fatal("expected a record")
	}
	if got.State != "completed" {
		t.Errorf("expected state completed, got %s", got.State)
	}
	if got.ExitCode == nil || *got.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %v", got.ExitCode)
	}
	if got.EndedAt == "" {
		t.Error("expected EndedAt to be defaulted")
	}
}

func TestGetSessionAbsent(t *testing.T) {
	store := newTestStore(t)

	got, err := store.GetSession("missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil record, got %+v", got)
	}
}

func TestRecordSessionUpsert(t *testing.T) {
	store := newTestStore(t)

	if err := store.RecordSession(SessionRecord{ID: "s1", State: "failed", CreatedAt: "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.RecordSession(SessionRecord{ID: "s1", State: "cancelled", CreatedAt: "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := store.GetSession("s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.State != "cancelled" {
		t.Errorf("expected upserted state cancelled, got %s", got.State)
	}
}

func TestListRecent(t *testing.T) {
	store := newTestStore(t)

	for i, id := range []string{"s1", "s2", "s3"} {
		rec := SessionRecord{
			ID:        id,
			State:     "completed",
			CreatedAt: "2026-01-01T00:00:00Z",
			EndedAt:   time.Date(2026, 1, 1, 0, i, 0, 0, time.UTC).Format(time.RFC3339),
		}
		if err := store.RecordSession(rec); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	records, err := store.ListRecent(2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].ID != "s3" {
		t.Errorf("expected most recently ended first, got %s", records[0].ID)
	}
}

func TestDeleteSession(t *testing.T) {
	store := newTestStore(t)

	if err := store.RecordSession(SessionRecord{ID: "s1", State: "completed", CreatedAt: "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.DeleteSession("s1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := store.GetSession("s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatal("expected record to be deleted")
	}
}
