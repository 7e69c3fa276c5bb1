package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(StoreOptions{Dir: filepath.Join(dir, "agent-sessions")})
	if err != nil {
		t.Fatal(err)
	}
	return s, dir
}

func TestGetOrCreateAndAppend(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := Context{SessionID: "s1"}
	sess, source, err := s.GetOrCreate("agents/helper", "Helper", ctx)
	if err != nil {
		t.Fatal(err)
	}
	if source != SourceNew {
		t.Fatalf("source = %s, want new", source)
	}
	key := ctx.Key("agents/helper")
	if _, err := s.AddMessage(key, RoleUser, "Hello"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddMessage(key, RoleAssistant, "Hi"); err != nil {
		t.Fatal(err)
	}

	// Invariant: the on-disk file parses back identical to memory.
	data, err := os.ReadFile(sess.FilePath)
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := Parse(string(data))
	if err != nil {
		t.Fatal(err)
	}
	if parsed.ID != sess.ID || parsed.Key != sess.Key {
		t.Fatalf("identity mismatch after save")
	}
	if len(parsed.Messages) != 2 || parsed.Messages[0].Content != "Hello" || parsed.Messages[1].Content != "Hi" {
		t.Fatalf("messages mismatch: %+v", parsed.Messages)
	}

	// Second access hits the loaded map.
	_, source, err = s.GetOrCreate("agents/helper", "Helper", ctx)
	if err != nil {
		t.Fatal(err)
	}
	if source != SourceCache {
		t.Fatalf("source = %s, want cache", source)
	}
}

func TestIndexAfterRestart(t *testing.T) {
	s, dir := newTestStore(t)
	for _, sid := range []string{"a", "b", "c"} {
		ctx := Context{SessionID: sid}
		if _, _, err := s.GetOrCreate("agents/helper", "Helper", ctx); err != nil {
			t.Fatal(err)
		}
		key := ctx.Key("agents/helper")
		if _, err := s.AddMessage(key, RoleUser, "hello "+sid); err != nil {
			t.Fatal(err)
		}
		if _, err := s.AddMessage(key, RoleAssistant, "hi "+sid); err != nil {
			t.Fatal(err)
		}
	}

	restarted, err := NewStore(StoreOptions{Dir: filepath.Join(dir, "agent-sessions")})
	if err != nil {
		t.Fatal(err)
	}
	entries := restarted.List()
	if len(entries) != 3 {
		t.Fatalf("indexed = %d, want 3", len(entries))
	}
	for _, e := range entries {
		if e.MessageCount != 2 {
			t.Fatalf("entry %s messageCount = %d, want 2", e.Key, e.MessageCount)
		}
	}
	if stats := restarted.Stats(); stats.Loaded != 0 {
		t.Fatalf("index build should not load sessions, loaded = %d", stats.Loaded)
	}

	// Full load on demand by id returns the stored messages.
	full, err := restarted.GetByID(entries[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(full.Messages) != 2 {
		t.Fatalf("full load messages = %d", len(full.Messages))
	}
}

func TestLegacyDirsIndexed(t *testing.T) {
	dir := t.TempDir()
	legacy := filepath.Join(dir, "agent-chats", "helper")
	if err := os.MkdirAll(legacy, 0o755); err != nil {
		t.Fatal(err)
	}
	old := sampleSession()
	if err := os.WriteFile(filepath.Join(legacy, "2025-01-01-s1.txt"), []byte(Format(old)), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := NewStore(StoreOptions{
		Dir:        filepath.Join(dir, "agent-sessions"),
		LegacyDirs: []string{filepath.Join(dir, "agent-chats"), filepath.Join(dir, "agent-logs")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(s.List()) != 1 {
		t.Fatalf("legacy session not indexed")
	}
}

func TestUpdateUpstreamHandle(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := Context{SessionID: "s1"}
	sess, _, err := s.GetOrCreate("agents/helper", "Helper", ctx)
	if err != nil {
		t.Fatal(err)
	}
	key := ctx.Key("agents/helper")
	if err := s.UpdateUpstreamHandle(key, "handle-1"); err != nil {
		t.Fatal(err)
	}
	loaded, _ := s.GetByID(sess.ID)
	if loaded.UpstreamHandle != "handle-1" {
		t.Fatalf("handle = %q", loaded.UpstreamHandle)
	}
	// Corrupt values normalize to absent.
	if err := s.UpdateUpstreamHandle(key, map[string]any{"oops": true}); err != nil {
		t.Fatal(err)
	}
	loaded, _ = s.GetByID(sess.ID)
	if loaded.UpstreamHandle != "" {
		t.Fatalf("corrupt handle should clear, got %q", loaded.UpstreamHandle)
	}
}

func TestClearArchivesFile(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := Context{SessionID: "s1"}
	sess, _, err := s.GetOrCreate("agents/helper", "Helper", ctx)
	if err != nil {
		t.Fatal(err)
	}
	key := ctx.Key("agents/helper")
	if _, err := s.AddMessage(key, RoleUser, "hello"); err != nil {
		t.Fatal(err)
	}
	if err := s.Clear("agents/helper", ctx); err != nil {
		t.Fatal(err)
	}
	msgs, err := s.GetMessages(key)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Fatalf("clear should empty the conversation")
	}
	// The old file is renamed aside, not deleted.
	dir := filepath.Dir(sess.FilePath)
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected archived + fresh file, got %d entries", len(entries))
	}
}

func TestArchiveDeleteByID(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := Context{SessionID: "s1"}
	sess, _, err := s.GetOrCreate("agents/helper", "Helper", ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Archive(sess.ID); err != nil {
		t.Fatal(err)
	}
	loaded, _ := s.GetByID(sess.ID)
	if !loaded.Archived {
		t.Fatalf("archive flag not set")
	}
	if err := s.Unarchive(sess.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteByID(sess.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetByID(sess.ID); err == nil {
		t.Fatalf("deleted session should be gone")
	}
	if _, err := os.Stat(sess.FilePath); !os.IsNotExist(err) {
		t.Fatalf("file should be removed")
	}
}

func TestEvictStale(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := Context{SessionID: "s1"}
	sess, _, err := s.GetOrCreate("agents/helper", "Helper", ctx)
	if err != nil {
		t.Fatal(err)
	}
	sess.LastAccessed = time.Now().UTC().Add(-time.Hour)
	if n := s.EvictStale(30 * time.Minute); n != 1 {
		t.Fatalf("evicted = %d, want 1", n)
	}
	if stats := s.Stats(); stats.Loaded != 0 || stats.Indexed != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	// Still reachable: reloads from disk.
	if _, err := s.GetByID(sess.ID); err != nil {
		t.Fatal(err)
	}
}
