package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/chatcore/internal/events"
	"github.com/nugget/chatcore/internal/tools"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "memory.db"), nil, opts...)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_UpsertAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Upsert(ctx, "s1", "drink", "tea"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Upsert(ctx, "s1", "", "likes cats"); err != nil {
		t.Fatal(err)
	}
	updated, err := s.Upsert(ctx, "s1", "drink", "coffee")
	if err != nil {
		t.Fatal(err)
	}
	if updated.UpdatedAt.Before(updated.CreatedAt) {
		t.Errorf("UpdatedAt %v before CreatedAt %v", updated.UpdatedAt, updated.CreatedAt)
	}

	got, err := s.List(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("entries = %d, want 2", len(got))
	}
	if got[0].Key != "drink" || got[0].Value != "coffee" {
		t.Errorf("entry 0 = %+v", got[0])
	}
	if got[0].ID != updated.ID {
		t.Errorf("update changed id: %v -> %v", got[0].ID, updated.ID)
	}
	if got[1].HasKey() || got[1].Value != "likes cats" {
		t.Errorf("entry 1 = %+v", got[1])
	}

	other, _ := s.List(ctx, "s2")
	if len(other) != 0 {
		t.Errorf("session s2 sees %d entries", len(other))
	}
}

func TestStore_UpsertRejectsEmpty(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Upsert(context.Background(), "s1", "k", "  "); err == nil {
		t.Error("expected error for blank value")
	}
}

func TestStore_MigrateLegacyOnce(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(4)
	defer bus.Unsubscribe(ch)
	s := newTestStore(t, WithEventBus(bus))
	ctx := context.Background()
	legacy := []string{"备注:喜欢茶", "随便写的一行没有冒号"}

	n, err := s.MigrateLegacy(ctx, "default", legacy)
	if err != nil || n != 2 {
		t.Fatalf("MigrateLegacy = %d, %v; want 2, nil", n, err)
	}
	select {
	case ev := <-ch:
		if ev.Kind != events.KindMigrated {
			t.Errorf("event kind = %q", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Error("no migrated event")
	}

	n, err = s.MigrateLegacy(ctx, "default", append(legacy, "new: line"))
	if err != nil || n != 0 {
		t.Fatalf("second MigrateLegacy = %d, %v; want 0, nil", n, err)
	}

	got, _ := s.List(ctx, "default")
	if len(got) != 2 || got[0].Key != "备注" || got[0].Value != "喜欢茶" || got[1].Key != "" {
		t.Errorf("entries = %+v", got)
	}
}

func TestStore_MigrateSkipsPopulatedSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.Upsert(ctx, "s1", "k", "v"); err != nil {
		t.Fatal(err)
	}
	n, err := s.MigrateLegacy(ctx, "s1", []string{"a: b"})
	if err != nil || n != 0 {
		t.Errorf("MigrateLegacy = %d, %v", n, err)
	}
}

func TestStore_ConcurrentUpsertSameKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Upsert(ctx, "s1", "counter", fmt.Sprint(i)); err != nil {
				t.Errorf("Upsert: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := s.List(ctx, "s1")
	if len(got) != 1 {
		t.Errorf("entries = %d, want 1 (same key must not duplicate)", len(got))
	}
}

func TestReadLegacyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.txt")
	os.WriteFile(path, []byte("a: b\n\n  \nplain\n"), 0o600)
	lines, err := ReadLegacyFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 2 || lines[0] != "a: b" || lines[1] != "plain" {
		t.Errorf("lines = %q", lines)
	}
}

func TestReadLegacyFile_LongLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.txt")
	long := "note: " + strings.Repeat("x", 200*1024)
	os.WriteFile(path, []byte(long+"\nshort\n"), 0o600)
	lines, err := ReadLegacyFile(path)
	if err != nil {
		t.Fatalf("ReadLegacyFile: %v", err)
	}
	if len(lines) != 2 || lines[0] != long || lines[1] != "short" {
		t.Errorf("got %d lines, want the long line and \"short\"", len(lines))
	}
}

func TestStore_ListRejectsCorruptTimestamp(t *testing.T) {
	s := newTestStore(t)
	_, err := s.db.Exec(`
		INSERT INTO memory_entries (id, session_id, key, value, created_at, updated_at)
		VALUES (?, 's1', 'k', 'v', 'yesterday', '2025-10-10T09:00:00Z')
	`, "0199d0a4-6b2e-7c3a-9d5e-1f2a3b4c5d6e")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.List(context.Background(), "s1"); err == nil || !strings.Contains(err.Error(), "created_at") {
		t.Errorf("List err = %v, want created_at parse error", err)
	}
}

func TestTool_Invoke(t *testing.T) {
	s := newTestStore(t)
	tool := NewTool(s)
	ctx := tools.WithSessionID(context.Background(), "chat-1")

	out, err := tool.Invoke(ctx, "备注: 喜欢茶", tools.Config{})
	if err != nil || out != "remembered 备注" {
		t.Fatalf("Invoke = %q, %v", out, err)
	}
	if _, err := tool.Invoke(ctx, "a loose thought", tools.Config{}); err != nil {
		t.Fatal(err)
	}
	out, err = tool.Invoke(ctx, "", tools.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if out != "备注: 喜欢茶\na loose thought" {
		t.Errorf("list = %q", out)
	}

	out, _ = tool.Invoke(tools.WithSessionID(context.Background(), "chat-2"), "", tools.Config{})
	if out != "nothing remembered yet" {
		t.Errorf("other session list = %q", out)
	}
	if err := tool.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
