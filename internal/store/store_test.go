package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

// backends that can be exercised without external services.
func testBackends(t *testing.T) map[string]Store {
	t.Helper()
	file, err := NewFile(filepath.Join(t.TempDir(), "data"))
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	return map[string]Store{
		"memory": NewMemory(),
		"file":   file,
	}
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Save(ctx, KeyFlows, []byte(`[{"id":"f1"}]`)); err != nil {
				t.Fatalf("Save: %v", err)
			}
			got, err := s.Load(ctx, KeyFlows)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if string(got) != `[{"id":"f1"}]` {
				t.Errorf("Load = %s", got)
			}
		})
	}
}

func TestStore_NotFound(t *testing.T) {
	ctx := context.Background()
	for name, s := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Load(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Load(missing) = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStore_DeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	for name, s := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Save(ctx, "k", []byte("v")); err != nil {
				t.Fatalf("Save: %v", err)
			}
			if err := s.Delete(ctx, "k"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			// Second delete of an absent key must not error.
			if err := s.Delete(ctx, "k"); err != nil {
				t.Errorf("Delete(absent) = %v", err)
			}
			if _, err := s.Load(ctx, "k"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Load after delete = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStore_ConversationKeyNesting(t *testing.T) {
	// File backend must map the slash in conversation keys to a subdirectory.
	ctx := context.Background()
	for name, s := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			key := ConversationKey("abc-123")
			if err := s.Save(ctx, key, []byte(`{"id":"abc-123"}`)); err != nil {
				t.Fatalf("Save: %v", err)
			}
			if _, err := s.Load(ctx, key); err != nil {
				t.Errorf("Load: %v", err)
			}
		})
	}
}

func TestFile_RejectsTraversal(t *testing.T) {
	s, err := NewFile(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Save(context.Background(), "../escape", []byte("x")); err == nil {
		t.Error("Save(../escape) succeeded, want error")
	}
}

func TestLoadJSON_SaveJSON(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	type rec struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := SaveJSON(ctx, s, "r", rec{ID: "1", Name: "demo"}); err != nil {
		t.Fatalf("SaveJSON: %v", err)
	}
	var got rec
	if err := LoadJSON(ctx, s, "r", &got); err != nil {
		t.Fatalf("LoadJSON: %v", err)
	}
	if got.Name != "demo" {
		t.Errorf("Name = %q", got.Name)
	}

	var missing rec
	if err := LoadJSON(ctx, s, "absent", &missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("LoadJSON(absent) = %v, want ErrNotFound", err)
	}
}
