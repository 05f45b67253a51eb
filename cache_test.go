package murmur

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestCache(t *testing.T) (*MessageCache, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.db")
	cache, err := OpenMessageCache(path, nil)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { cache.Close() })
	return cache, path
}

func TestMessageCache(t *testing.T) {
	ctx := context.Background()

	t.Run("put then recent round trips ascending", func(t *testing.T) {
		cache, _ := openTestCache(t)
		msgs := []Message{
			testMsg("m1", "them", 1 * time.Minute),
			testMsg("m2", "me", 2 * time.Minute),
			testMsg("m3", "them", 3 * time.Minute),
		}
		if err := cache.Put(ctx, msgs); err != nil {
			t.Fatalf("put: %v", err)
		}

		got, err := cache.Recent(ctx, "conv-1", 10)
		if err != nil {
			t.Fatalf("recent: %v", err)
		}
		if !sameIDs(ids(got), "m1", "m2", "m3") {
			t.Fatalf("unexpected order: %v", ids(got))
		}
		if !got[0].CreatedAt.Equal(msgs[0].CreatedAt) {
			t.Fatalf("timestamp mangled: %v != %v", got[0].CreatedAt, msgs[0].CreatedAt)
		}
	})

	t.Run("recent keeps only the newest limit rows", func(t *testing.T) {
		cache, _ := openTestCache(t)
		var msgs []Message
		for i := 0; i < 5; i++ {
			msgs = append(msgs, testMsg(string(rune('a'+i)), "them", time.Duration(i)*time.Minute))
		}
		if err := cache.Put(ctx, msgs); err != nil {
			t.Fatalf("put: %v", err)
		}

		got, err := cache.Recent(ctx, "conv-1", 2)
		if err != nil {
			t.Fatalf("recent: %v", err)
		}
		if !sameIDs(ids(got), "d", "e") {
			t.Fatalf("expected the 2 newest ascending, got %v", ids(got))
		}
	})

	t.Run("put is idempotent", func(t *testing.T) {
		cache, _ := openTestCache(t)
		m := testMsg("m1", "them", 0)
		for i := 0; i < 3; i++ {
			if err := cache.Put(ctx, []Message{m}); err != nil {
				t.Fatalf("put %d: %v", i, err)
			}
		}
		n, err := cache.Count(ctx, "conv-1")
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if n != 1 {
			t.Fatalf("expected 1 row, got %d", n)
		}
	})

	t.Run("read flag only moves forward", func(t *testing.T) {
		cache, _ := openTestCache(t)
		m := testMsg("m1", "them", 0)

		if err := cache.Put(ctx, []Message{m}); err != nil {
			t.Fatalf("put unread: %v", err)
		}
		m.IsRead = true
		if err := cache.Put(ctx, []Message{m}); err != nil {
			t.Fatalf("put read: %v", err)
		}
		// A stale unread copy must not regress the flag.
		m.IsRead = false
		if err := cache.Put(ctx, []Message{m}); err != nil {
			t.Fatalf("put stale: %v", err)
		}

		got, err := cache.Recent(ctx, "conv-1", 1)
		if err != nil {
			t.Fatalf("recent: %v", err)
		}
		if len(got) != 1 || !got[0].IsRead {
			t.Fatal("read flag regressed")
		}
	})

	t.Run("conversations are isolated", func(t *testing.T) {
		cache, _ := openTestCache(t)
		other := testMsg("x1", "them", 0)
		other.ConversationID = "conv-2"
		if err := cache.Put(ctx, []Message{testMsg("m1", "them", 0), other}); err != nil {
			t.Fatalf("put: %v", err)
		}

		got, err := cache.Recent(ctx, "conv-1", 10)
		if err != nil {
			t.Fatalf("recent: %v", err)
		}
		if !sameIDs(ids(got), "m1") {
			t.Fatalf("unexpected rows: %v", ids(got))
		}
	})

	t.Run("survives reopen", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "cache.db")
		cache, err := OpenMessageCache(path, nil)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if err := cache.Put(ctx, []Message{testMsg("m1", "them", 0)}); err != nil {
			t.Fatalf("put: %v", err)
		}
		if err := cache.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}

		reopened, err := OpenMessageCache(path, nil)
		if err != nil {
			t.Fatalf("reopen: %v", err)
		}
		defer reopened.Close()
		got, err := reopened.Recent(ctx, "conv-1", 10)
		if err != nil {
			t.Fatalf("recent: %v", err)
		}
		if !sameIDs(ids(got), "m1") {
			t.Fatalf("expected persisted row, got %v", ids(got))
		}
	})

	t.Run("empty put is a no-op", func(t *testing.T) {
		cache, _ := openTestCache(t)
		if err := cache.Put(ctx, nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}
