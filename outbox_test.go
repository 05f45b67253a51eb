package murmur

import (
	"context"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Outbox.Send
// ============================================================================

func TestOutboxSend(t *testing.T) {
	t.Run("entry appears before the network resolves", func(t *testing.T) {
		release := make(chan struct{})
		store := &fakeStore{
			createFn: func(ctx context.Context, convID, senderID, content string) (*Message, error) {
				<-release
				return &Message{ID: "srv-1", ConversationID: convID, SenderID: senderID, Content: content, CreatedAt: time.Now().UTC()}, nil
			},
		}
		ob := NewOutbox(store, "conv-1", "me")
		defer ob.Close()

		tempID := ob.Send(context.Background(), "hello")
		if tempID == "" {
			t.Fatal("expected a temp id")
		}
		if !IsTempID(tempID) {
			t.Fatalf("expected a temp id shape, got %q", tempID)
		}

		pending := ob.Pending()
		if len(pending) != 1 {
			t.Fatalf("expected 1 pending entry, got %d", len(pending))
		}
		if pending[0].TempID != tempID || pending[0].Status != SendStatusSending {
			t.Fatalf("unexpected entry: %+v", pending[0])
		}
		if pending[0].Content != "hello" {
			t.Fatalf("unexpected content: %q", pending[0].Content)
		}
		close(release)
	})

	t.Run("whitespace only is a no-op with zero remote calls", func(t *testing.T) {
		store := &fakeStore{}
		ob := NewOutbox(store, "conv-1", "me")
		defer ob.Close()

		if id := ob.Send(context.Background(), "   \n\t "); id != "" {
			t.Fatalf("expected empty id, got %q", id)
		}
		if len(ob.Pending()) != 0 {
			t.Fatal("expected no pending entries")
		}
		if _, create, _ := store.calls(); create != 0 {
			t.Fatalf("expected 0 remote calls, got %d", create)
		}
	})

	t.Run("content is trimmed", func(t *testing.T) {
		var got string
		var mu sync.Mutex
		store := &fakeStore{
			createFn: func(ctx context.Context, convID, senderID, content string) (*Message, error) {
				mu.Lock()
				got = content
				mu.Unlock()
				return &Message{ID: "srv-1", Content: content}, nil
			},
		}
		ob := NewOutbox(store, "conv-1", "me")
		defer ob.Close()

		ob.Send(context.Background(), "  hi there  ")
		waitUntil(t, func() bool { return len(ob.Pending()) == 0 })

		mu.Lock()
		defer mu.Unlock()
		if got != "hi there" {
			t.Fatalf("expected trimmed content, got %q", got)
		}
	})

	t.Run("success removes the entry and forwards the confirmed row", func(t *testing.T) {
		store := &fakeStore{
			createFn: func(ctx context.Context, convID, senderID, content string) (*Message, error) {
				return &Message{ID: "srv-1", ConversationID: convID, SenderID: senderID, Content: content}, nil
			},
		}
		var mu sync.Mutex
		var sent []Message
		ob := NewOutbox(store, "conv-1", "me", WithOnMessageSent(func(m Message) {
			mu.Lock()
			sent = append(sent, m)
			mu.Unlock()
		}))
		defer ob.Close()

		ob.Send(context.Background(), "hello")
		waitUntil(t, func() bool { return len(ob.Pending()) == 0 })
		waitUntil(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(sent) == 1
		})

		mu.Lock()
		defer mu.Unlock()
		if sent[0].ID != "srv-1" || sent[0].SenderID != "me" {
			t.Fatalf("unexpected confirmed message: %+v", sent[0])
		}
	})

	t.Run("failure keeps the entry with a readable reason", func(t *testing.T) {
		store := &fakeStore{
			createFn: func(ctx context.Context, convID, senderID, content string) (*Message, error) {
				return nil, &APIError{Code: "INTERNAL", Message: "Database error"}
			},
		}
		var mu sync.Mutex
		var failedID, reason string
		ob := NewOutbox(store, "conv-1", "me", WithOnSendError(func(tempID, r string) {
			mu.Lock()
			failedID, reason = tempID, r
			mu.Unlock()
		}))
		defer ob.Close()

		tempID := ob.Send(context.Background(), "hello")
		waitUntil(t, func() bool {
			p := ob.Pending()
			return len(p) == 1 && p[0].Status == SendStatusFailed
		})

		mu.Lock()
		defer mu.Unlock()
		if failedID != tempID {
			t.Fatalf("expected failure for %s, got %s", tempID, failedID)
		}
		if reason != "Database error" {
			t.Fatalf("unexpected reason: %q", reason)
		}
		p := ob.Pending()
		if p[0].Content != "hello" {
			t.Fatal("failed entry must keep its text")
		}
	})

	t.Run("panicking store lands the entry in failed", func(t *testing.T) {
		store := &fakeStore{
			createFn: func(ctx context.Context, convID, senderID, content string) (*Message, error) {
				panic("store bug")
			},
		}
		var mu sync.Mutex
		var reason string
		ob := NewOutbox(store, "conv-1", "me", WithOnSendError(func(tempID, r string) {
			mu.Lock()
			reason = r
			mu.Unlock()
		}))
		defer ob.Close()

		ob.Send(context.Background(), "hello")
		waitUntil(t, func() bool {
			p := ob.Pending()
			return len(p) == 1 && p[0].Status == SendStatusFailed
		})

		mu.Lock()
		defer mu.Unlock()
		if reason == "" {
			t.Fatal("expected a non-empty reason")
		}
	})

	t.Run("nil message with nil error is a failure", func(t *testing.T) {
		store := &fakeStore{
			createFn: func(ctx context.Context, convID, senderID, content string) (*Message, error) {
				return nil, nil
			},
		}
		ob := NewOutbox(store, "conv-1", "me")
		defer ob.Close()

		ob.Send(context.Background(), "hello")
		waitUntil(t, func() bool {
			p := ob.Pending()
			return len(p) == 1 && p[0].Status == SendStatusFailed
		})
	})

	t.Run("concurrent sends resolve independently", func(t *testing.T) {
		var mu sync.Mutex
		waiting := map[string]chan struct{}{
			"a": make(chan struct{}),
			"b": make(chan struct{}),
			"c": make(chan struct{}),
		}
		store := &fakeStore{
			createFn: func(ctx context.Context, convID, senderID, content string) (*Message, error) {
				mu.Lock()
				ch := waiting[content]
				mu.Unlock()
				<-ch
				if content == "b" {
					return nil, &APIError{Code: "INTERNAL", Message: "Database error"}
				}
				return &Message{ID: "srv-" + content, Content: content}, nil
			},
		}
		ob := NewOutbox(store, "conv-1", "me")
		defer ob.Close()

		idA := ob.Send(context.Background(), "a")
		idB := ob.Send(context.Background(), "b")
		idC := ob.Send(context.Background(), "c")
		if idA == idB || idB == idC || idA == idC {
			t.Fatal("temp ids must be unique")
		}
		if len(ob.Pending()) != 3 {
			t.Fatalf("expected 3 in flight, got %d", len(ob.Pending()))
		}

		// Resolve out of send order.
		close(waiting["c"])
		waitUntil(t, func() bool { return len(ob.Pending()) == 2 })
		close(waiting["a"])
		waitUntil(t, func() bool { return len(ob.Pending()) == 1 })
		close(waiting["b"])
		waitUntil(t, func() bool {
			p := ob.Pending()
			return len(p) == 1 && p[0].Status == SendStatusFailed
		})

		p := ob.Pending()
		if p[0].TempID != idB || p[0].Content != "b" {
			t.Fatalf("unexpected survivor: %+v", p[0])
		}
	})

	t.Run("three successes leave nothing behind", func(t *testing.T) {
		var mu sync.Mutex
		waiting := map[string]chan struct{}{
			"a": make(chan struct{}),
			"b": make(chan struct{}),
			"c": make(chan struct{}),
		}
		store := &fakeStore{
			createFn: func(ctx context.Context, convID, senderID, content string) (*Message, error) {
				mu.Lock()
				ch := waiting[content]
				mu.Unlock()
				<-ch
				return &Message{ID: "srv-" + content, Content: content}, nil
			},
		}
		var sent []Message
		ob := NewOutbox(store, "conv-1", "me", WithOnMessageSent(func(m Message) {
			mu.Lock()
			sent = append(sent, m)
			mu.Unlock()
		}))
		defer ob.Close()

		ob.Send(context.Background(), "a")
		ob.Send(context.Background(), "b")
		ob.Send(context.Background(), "c")

		close(waiting["b"])
		close(waiting["c"])
		close(waiting["a"])
		waitUntil(t, func() bool { return len(ob.Pending()) == 0 })
		waitUntil(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(sent) == 3
		})
		if ob.IsSending() {
			t.Fatal("nothing should remain in flight")
		}
	})
}

// ============================================================================
// Outbox.Retry / DeleteFailed
// ============================================================================

func TestOutboxRetry(t *testing.T) {
	failingThenOK := func() *fakeStore {
		calls := 0
		var mu sync.Mutex
		return &fakeStore{
			createFn: func(ctx context.Context, convID, senderID, content string) (*Message, error) {
				mu.Lock()
				calls++
				n := calls
				mu.Unlock()
				if n == 1 {
					return nil, &APIError{Code: "INTERNAL", Message: "Database error"}
				}
				return &Message{ID: "srv-1", Content: content}, nil
			},
		}
	}

	t.Run("retry converges a failed entry", func(t *testing.T) {
		store := failingThenOK()
		var mu sync.Mutex
		var sent []Message
		ob := NewOutbox(store, "conv-1", "me", WithOnMessageSent(func(m Message) {
			mu.Lock()
			sent = append(sent, m)
			mu.Unlock()
		}))
		defer ob.Close()

		tempID := ob.Send(context.Background(), "hello")
		waitUntil(t, func() bool {
			p := ob.Pending()
			return len(p) == 1 && p[0].Status == SendStatusFailed
		})

		ob.Retry(context.Background(), tempID)
		waitUntil(t, func() bool { return len(ob.Pending()) == 0 })
		waitUntil(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(sent) == 1
		})
	})

	t.Run("retry mutates in place, no second entry", func(t *testing.T) {
		release := make(chan struct{})
		calls := 0
		var mu sync.Mutex
		store := &fakeStore{
			createFn: func(ctx context.Context, convID, senderID, content string) (*Message, error) {
				mu.Lock()
				calls++
				n := calls
				mu.Unlock()
				if n == 1 {
					return nil, &APIError{Code: "INTERNAL", Message: "Database error"}
				}
				<-release
				return &Message{ID: "srv-1"}, nil
			},
		}
		ob := NewOutbox(store, "conv-1", "me")
		defer ob.Close()

		tempID := ob.Send(context.Background(), "hello")
		waitUntil(t, func() bool {
			p := ob.Pending()
			return len(p) == 1 && p[0].Status == SendStatusFailed
		})

		ob.Retry(context.Background(), tempID)
		p := ob.Pending()
		if len(p) != 1 || p[0].TempID != tempID || p[0].Status != SendStatusSending {
			t.Fatalf("unexpected working set: %+v", p)
		}
		close(release)
	})

	t.Run("retry ignores sending and unknown entries", func(t *testing.T) {
		release := make(chan struct{})
		store := &fakeStore{
			createFn: func(ctx context.Context, convID, senderID, content string) (*Message, error) {
				<-release
				return &Message{ID: "srv-1"}, nil
			},
		}
		ob := NewOutbox(store, "conv-1", "me")
		defer ob.Close()

		tempID := ob.Send(context.Background(), "hello")
		waitUntil(t, func() bool {
			_, create, _ := store.calls()
			return create == 1
		})

		ob.Retry(context.Background(), tempID)
		ob.Retry(context.Background(), "tmp-unknown")
		if _, create, _ := store.calls(); create != 1 {
			t.Fatalf("expected 1 create, got %d", create)
		}
		close(release)
	})
}

func TestOutboxDeleteFailed(t *testing.T) {
	t.Run("removes only failed entries", func(t *testing.T) {
		release := make(chan struct{})
		store := &fakeStore{
			createFn: func(ctx context.Context, convID, senderID, content string) (*Message, error) {
				if content == "bad" {
					return nil, &APIError{Code: "INTERNAL", Message: "Database error"}
				}
				<-release
				return &Message{ID: "srv-1"}, nil
			},
		}
		ob := NewOutbox(store, "conv-1", "me")
		defer ob.Close()

		badID := ob.Send(context.Background(), "bad")
		goodID := ob.Send(context.Background(), "good")
		waitUntil(t, func() bool {
			for _, e := range ob.Pending() {
				if e.TempID == badID && e.Status == SendStatusFailed {
					return true
				}
			}
			return false
		})

		ob.DeleteFailed(goodID) // still sending, must survive
		ob.DeleteFailed(badID)
		ob.DeleteFailed("tmp-unknown")

		p := ob.Pending()
		if len(p) != 1 || p[0].TempID != goodID {
			t.Fatalf("unexpected working set: %+v", p)
		}
		close(release)
	})
}

// ============================================================================
// Outbox.IsSending / Close
// ============================================================================

func TestOutboxIsSending(t *testing.T) {
	release := make(chan struct{})
	store := &fakeStore{
		createFn: func(ctx context.Context, convID, senderID, content string) (*Message, error) {
			<-release
			return &Message{ID: "srv-" + content}, nil
		},
	}
	ob := NewOutbox(store, "conv-1", "me")
	defer ob.Close()

	if ob.IsSending() {
		t.Fatal("fresh outbox should not be sending")
	}
	ob.Send(context.Background(), "a")
	ob.Send(context.Background(), "b")
	if !ob.IsSending() {
		t.Fatal("expected sending with entries in flight")
	}
	close(release)
	waitUntil(t, func() bool { return !ob.IsSending() })
	if len(ob.Pending()) != 0 {
		t.Fatalf("expected empty working set, got %d", len(ob.Pending()))
	}
}

func TestOutboxClose(t *testing.T) {
	t.Run("send after close is a no-op", func(t *testing.T) {
		store := &fakeStore{}
		ob := NewOutbox(store, "conv-1", "me")
		ob.Close()
		if id := ob.Send(context.Background(), "hello"); id != "" {
			t.Fatalf("expected empty id, got %q", id)
		}
	})

	t.Run("in-flight resolution after close is discarded", func(t *testing.T) {
		release := make(chan struct{})
		store := &fakeStore{
			createFn: func(ctx context.Context, convID, senderID, content string) (*Message, error) {
				<-release
				return &Message{ID: "srv-1"}, nil
			},
		}
		called := false
		var mu sync.Mutex
		ob := NewOutbox(store, "conv-1", "me", WithOnMessageSent(func(m Message) {
			mu.Lock()
			called = true
			mu.Unlock()
		}))

		ob.Send(context.Background(), "hello")
		ob.Close()
		close(release)
		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		if called {
			t.Fatal("confirmation after close should be dropped")
		}
	})
}
