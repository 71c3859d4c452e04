package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "conversations.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertAndGet(t *testing.T) {
	s := testStore(t)
	id := uuid.NewString()

	conv := &Conversation{ID: id, WorkspaceID: "ws1", Context: []byte(`[]`)}
	if err := s.Upsert(conv); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if got.WorkspaceID != "ws1" || string(got.Context) != "[]" {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.Title != nil {
		t.Errorf("title should start null, got %q", *got.Title)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}
}

func TestUpsertPreservesCreatedAt(t *testing.T) {
	s := testStore(t)
	id := uuid.NewString()

	conv := &Conversation{ID: id, WorkspaceID: "ws1", Context: []byte(`[]`)}
	if err := s.Upsert(conv); err != nil {
		t.Fatal(err)
	}
	created := conv.CreatedAt

	time.Sleep(10 * time.Millisecond)
	conv.Context = []byte(`[{"role":"user"}]`)
	if err := s.Upsert(conv); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("created_at changed: %v -> %v", created, got.CreatedAt)
	}
	if !got.UpdatedAt.After(created) {
		t.Error("updated_at not refreshed")
	}
	if string(got.Context) != `[{"role":"user"}]` {
		t.Errorf("context not updated: %s", got.Context)
	}
}

func TestGetMissing(t *testing.T) {
	s := testStore(t)
	if _, err := s.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}

func TestSetTitle(t *testing.T) {
	s := testStore(t)
	id := uuid.NewString()
	if err := s.Upsert(&Conversation{ID: id, WorkspaceID: "ws", Context: []byte(`[]`)}); err != nil {
		t.Fatal(err)
	}

	if err := s.SetTitle(id, "Fix the parser"); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get(id)
	if got.Title == nil || *got.Title != "Fix the parser" {
		t.Errorf("title = %v", got.Title)
	}

	if err := s.SetTitle("missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}

func TestListByWorkspaceOrdersByUpdate(t *testing.T) {
	s := testStore(t)

	a := &Conversation{ID: "a", WorkspaceID: "ws", Context: []byte(`[]`)}
	b := &Conversation{ID: "b", WorkspaceID: "ws", Context: []byte(`[]`)}
	other := &Conversation{ID: "c", WorkspaceID: "elsewhere", Context: []byte(`[]`)}
	for _, c := range []*Conversation{a, b, other} {
		if err := s.Upsert(c); err != nil {
			t.Fatal(err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Touch a so it becomes the most recent.
	time.Sleep(5 * time.Millisecond)
	if err := s.Upsert(a); err != nil {
		t.Fatal(err)
	}

	list, err := s.List("ws", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(list))
	}
	if list[0].ID != "a" || list[1].ID != "b" {
		t.Errorf("order = %s, %s", list[0].ID, list[1].ID)
	}
}
