package murmur

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Snapshot
// ============================================================================

// TimelineSnapshot is the caller-facing view of a Timeline. Messages are
// always in ascending creation-time order. Error is empty when the last
// fetch succeeded.
type TimelineSnapshot struct {
	Messages        []Message
	IsLoading       bool
	IsLoadingMore   bool
	HasMoreMessages bool
	Error           string
}

// ============================================================================
// Options
// ============================================================================

type TimelineOption func(*Timeline)

// WithPageSize sets the fetch page size. Defaults to DefaultPageSize.
func WithPageSize(n int) TimelineOption {
	return func(t *Timeline) {
		if n > 0 {
			t.pageSize = n
		}
	}
}

// WithChannelOpener sets the push-feed transport the Timeline subscribes to
// once the initial fetch succeeds. Without one the Timeline never subscribes.
func WithChannelOpener(o ChannelOpener) TimelineOption {
	return func(t *Timeline) { t.opener = o }
}

// WithTimelineCache writes confirmed messages through to a local cache.
func WithTimelineCache(c *MessageCache) TimelineOption {
	return func(t *Timeline) { t.cache = c }
}

func WithTimelineLogger(logger *slog.Logger) TimelineOption {
	return func(t *Timeline) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithOnChange registers a handler invoked with a fresh snapshot after every
// state change.
func WithOnChange(fn func(TimelineSnapshot)) TimelineOption {
	return func(t *Timeline) { t.onChange = fn }
}

// WithOnNewMessage registers a handler invoked for every ingested message not
// authored by the viewer.
func WithOnNewMessage(fn func(Message)) TimelineOption {
	return func(t *Timeline) { t.onNewMessage = fn }
}

// ============================================================================
// Timeline
// ============================================================================

// Timeline owns the canonical, chronologically ordered list of confirmed
// messages for one conversation. It merges the initial paged fetch,
// older-page fetches, and live inserts from the push feed into one
// ascending list with idempotent, duplicate-suppressing ingestion.
//
// One Timeline serves exactly one conversation; open a new one per
// conversation. All methods are safe for concurrent use.
type Timeline struct {
	store  RemoteStore
	opener ChannelOpener
	cache  *MessageCache
	logger *slog.Logger

	conversationID string
	viewerID       string
	pageSize       int

	onChange     func(TimelineSnapshot)
	onNewMessage func(Message)

	mu          sync.Mutex
	messages    []Message
	seen        map[string]struct{}
	loading     bool
	loadingMore bool
	hasMore     bool
	lastErr     string
	started     bool
	closed      bool
	channel     Channel
}

// NewTimeline creates a Timeline over an arbitrary RemoteStore. Most callers
// use Client.OpenTimeline instead; this constructor is the substitution seam
// for tests and alternative backends.
func NewTimeline(store RemoteStore, conversationID, viewerID string, opts ...TimelineOption) *Timeline {
	t := &Timeline{
		store:          store,
		conversationID: conversationID,
		viewerID:       viewerID,
		pageSize:       DefaultPageSize,
		logger:         slog.New(discardHandler{}),
		seen:           make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start performs the initial fetch and, on success, opens the push channel.
// It blocks until the first page resolves, so UIs typically run it in its own
// goroutine and watch snapshots. Fetch errors never propagate out; they are
// surfaced through the snapshot's Error field.
//
// Start is a no-op when called twice or after Close.
func (t *Timeline) Start(ctx context.Context) {
	// Conversation identity is fixed at open time; a stale Start can never
	// write into another conversation's state.
	convID := t.conversationID

	t.mu.Lock()
	if t.closed || t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.loading = true
	t.mu.Unlock()
	t.notify()

	page, err := t.store.ListMessages(ctx, convID, t.pageSize, time.Time{})

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.loading = false
	if err != nil {
		t.lastErr = userMessage(err, errLoadMessages)
		t.messages = nil
		t.seen = make(map[string]struct{})
		t.mu.Unlock()
		t.logger.Warn("initial fetch failed", "conversation", convID, "error", err)
		t.notify()
		return
	}
	t.lastErr = ""
	t.hasMore = len(page) == t.pageSize
	asc := reverseMessages(page)
	t.messages = asc
	t.seen = make(map[string]struct{}, len(asc))
	for _, m := range asc {
		t.seen[m.ID] = struct{}{}
	}
	t.mu.Unlock()

	t.cachePut(asc)
	t.notify()
	t.subscribe(ctx, convID)
}

// LoadMore fetches the page strictly older than the oldest held message and
// prepends it. No-op while a load is in flight, when no more history exists,
// or when the list is empty.
func (t *Timeline) LoadMore(ctx context.Context) {
	convID := t.conversationID

	t.mu.Lock()
	if t.closed || t.loading || t.loadingMore || !t.hasMore || len(t.messages) == 0 {
		t.mu.Unlock()
		return
	}
	t.loadingMore = true
	before := t.messages[0].CreatedAt
	t.mu.Unlock()
	t.notify()

	page, err := t.store.ListMessages(ctx, convID, t.pageSize, before)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.loadingMore = false
	if err != nil {
		t.lastErr = userMessage(err, errLoadMessages)
		t.mu.Unlock()
		t.logger.Warn("older-page fetch failed", "conversation", convID, "error", err)
		t.notify()
		return
	}
	t.lastErr = ""
	t.hasMore = len(page) == t.pageSize
	asc := reverseMessages(page)
	fresh := asc[:0:0]
	for _, m := range asc {
		if _, dup := t.seen[m.ID]; dup {
			continue
		}
		t.seen[m.ID] = struct{}{}
		fresh = append(fresh, m)
	}
	t.messages = append(fresh, t.messages...)
	t.mu.Unlock()

	t.cachePut(fresh)
	t.notify()
}

// AddMessage ingests a confirmed message. It is idempotent: a message whose
// identifier is already held is discarded. The list stays sorted ascending by
// creation time; equal timestamps keep arrival order.
func (t *Timeline) AddMessage(m Message) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if _, dup := t.seen[m.ID]; dup {
		t.mu.Unlock()
		return
	}
	t.seen[m.ID] = struct{}{}

	// Push and self-insert are normally newer than anything held, so this is
	// an append; the insertion path only runs under clock skew.
	if n := len(t.messages); n == 0 || !m.CreatedAt.Before(t.messages[n-1].CreatedAt) {
		t.messages = append(t.messages, m)
	} else {
		i := sort.Search(len(t.messages), func(i int) bool {
			return t.messages[i].CreatedAt.After(m.CreatedAt)
		})
		t.messages = append(t.messages, Message{})
		copy(t.messages[i+1:], t.messages[i:])
		t.messages[i] = m
	}
	fromCounterpart := m.SenderID != t.viewerID
	t.mu.Unlock()

	t.cachePut([]Message{m})
	if fromCounterpart && t.onNewMessage != nil {
		safeInvoke(func() { t.onNewMessage(m) })
	}
	t.notify()
}

// MarkAsRead flags the counterpart's messages as read. Best effort: the local
// list is not mutated, the read state flows back through fetch and push.
// No-op for an empty conversation id.
func (t *Timeline) MarkAsRead(ctx context.Context) error {
	if t.conversationID == "" {
		return nil
	}
	return t.store.MarkConversationRead(ctx, t.conversationID, t.viewerID)
}

// Snapshot returns a copy of the current state.
func (t *Timeline) Snapshot() TimelineSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TimelineSnapshot{
		Messages:        append([]Message(nil), t.messages...),
		IsLoading:       t.loading,
		IsLoadingMore:   t.loadingMore,
		HasMoreMessages: t.hasMore,
		Error:           t.lastErr,
	}
}

// Close tears the Timeline down: the push channel is released and every
// in-flight continuation becomes a discardable no-op. Safe to call multiple
// times and before Start completes.
func (t *Timeline) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	ch := t.channel
	t.channel = nil
	t.mu.Unlock()

	if ch != nil {
		if err := ch.Unsubscribe(context.Background()); err != nil {
			t.logger.Warn("unsubscribe failed", "conversation", t.conversationID, "error", err)
		}
	}
}

// ----------------------------------------------------------------------------

func (t *Timeline) subscribe(ctx context.Context, convID string) {
	if t.opener == nil {
		return
	}
	ch, err := t.opener.Subscribe(ctx, convID, t.AddMessage)
	if err != nil {
		// The transport owns reconnection; a failed subscribe only costs live
		// updates, history stays available.
		t.logger.Warn("subscribe failed", "conversation", convID, "error", err)
		return
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = ch.Unsubscribe(context.Background())
		return
	}
	t.channel = ch
	t.mu.Unlock()
}

func (t *Timeline) notify() {
	if t.onChange == nil {
		return
	}
	snap := t.Snapshot()
	safeInvoke(func() { t.onChange(snap) })
}

func (t *Timeline) cachePut(msgs []Message) {
	if t.cache == nil || len(msgs) == 0 {
		return
	}
	if err := t.cache.Put(context.Background(), msgs); err != nil {
		t.logger.Warn("cache write failed", "conversation", t.conversationID, "error", err)
	}
}

func reverseMessages(in []Message) []Message {
	out := make([]Message, len(in))
	for i, m := range in {
		out[len(in)-1-i] = m
	}
	return out
}

// safeInvoke runs a user callback, swallowing panics so a broken handler
// cannot corrupt sync state.
func safeInvoke(fn func()) {
	defer func() { recover() }()
	fn()
}
