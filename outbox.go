package murmur

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// Options
// ============================================================================

type OutboxOption func(*Outbox)

// WithOnMessageSent registers a handler invoked with the confirmed message
// after a successful send. Callers forward it into Timeline.AddMessage so the
// confirmed row becomes visible the moment the optimistic entry disappears.
func WithOnMessageSent(fn func(Message)) OutboxOption {
	return func(o *Outbox) { o.onMessageSent = fn }
}

// WithOnSendError registers a handler invoked with the temporary identifier
// and a human-readable reason when a send fails.
func WithOnSendError(fn func(tempID, reason string)) OutboxOption {
	return func(o *Outbox) { o.onError = fn }
}

func WithOutboxLogger(logger *slog.Logger) OutboxOption {
	return func(o *Outbox) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// ============================================================================
// Outbox
// ============================================================================

// Outbox owns messages that exist locally but are not yet confirmed by the
// remote store. A send appears in the working set synchronously, before any
// network call resolves; it leaves the set only on success or an explicit
// DeleteFailed. Failed entries keep their text so the user can retry without
// retyping.
//
// One Outbox serves exactly one conversation. Concurrent sends are fully
// independent: each gets its own temporary identifier and entry, and resolves
// without touching the others.
type Outbox struct {
	store  RemoteStore
	logger *slog.Logger

	conversationID string
	senderID       string

	onMessageSent func(Message)
	onError       func(tempID, reason string)

	mu      sync.Mutex
	entries []OptimisticMessage
	closed  bool
}

// NewOutbox creates an Outbox over an arbitrary RemoteStore. Most callers use
// Client.OpenOutbox; this constructor is the substitution seam for tests.
func NewOutbox(store RemoteStore, conversationID, senderID string, opts ...OutboxOption) *Outbox {
	o := &Outbox{
		store:          store,
		conversationID: conversationID,
		senderID:       senderID,
		logger:         slog.New(discardHandler{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Send queues text for delivery. Whitespace is trimmed; an empty result is a
// no-op that performs zero remote calls. The optimistic entry is appended
// before Send returns, then the create request runs asynchronously. Returns
// the temporary identifier, or "" for a no-op.
func (o *Outbox) Send(ctx context.Context, text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}

	tempID := GenerateTempID()
	entry := OptimisticMessage{
		TempID:         tempID,
		ConversationID: o.conversationID,
		SenderID:       o.senderID,
		Content:        text,
		Status:         SendStatusSending,
		CreatedAt:      time.Now().UTC(),
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ""
	}
	o.entries = append(o.entries, entry)
	o.mu.Unlock()

	go o.deliver(ctx, tempID, text)
	return tempID
}

// Retry re-issues the create request for a failed entry with its original
// text. No-op unless an entry with that identifier exists and is failed.
// Retries mutate the existing entry; they never create a second one.
func (o *Outbox) Retry(ctx context.Context, tempID string) {
	o.mu.Lock()
	i := o.index(tempID)
	if o.closed || i < 0 || o.entries[i].Status != SendStatusFailed {
		o.mu.Unlock()
		return
	}
	o.entries[i].Status = SendStatusSending
	text := o.entries[i].Content
	o.mu.Unlock()

	go o.deliver(ctx, tempID, text)
}

// DeleteFailed removes a failed entry from the working set. The message was
// never created remotely, so no network call is made. No-op for unknown
// identifiers and for entries still sending.
func (o *Outbox) DeleteFailed(tempID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	i := o.index(tempID)
	if i < 0 || o.entries[i].Status != SendStatusFailed {
		return
	}
	o.entries = append(o.entries[:i], o.entries[i+1:]...)
}

// IsSending reports whether at least one entry is in flight. It stays true
// until the last concurrent send resolves.
func (o *Outbox) IsSending() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, e := range o.entries {
		if e.Status == SendStatusSending {
			return true
		}
	}
	return false
}

// Pending returns a copy of the working set in send order.
func (o *Outbox) Pending() []OptimisticMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]OptimisticMessage(nil), o.entries...)
}

// Close discards the working set and turns in-flight continuations into
// no-ops. Safe to call multiple times.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	o.entries = nil
}

// ----------------------------------------------------------------------------

func (o *Outbox) deliver(ctx context.Context, tempID, text string) {
	msg, err := o.create(ctx, text)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	i := o.index(tempID)
	if i < 0 {
		o.mu.Unlock()
		return
	}
	if err != nil {
		o.entries[i].Status = SendStatusFailed
		o.mu.Unlock()
		reason := userMessage(err, errSendMessage)
		o.logger.Warn("send failed", "conversation", o.conversationID, "temp_id", tempID, "reason", reason)
		if o.onError != nil {
			safeInvoke(func() { o.onError(tempID, reason) })
		}
		return
	}
	o.entries = append(o.entries[:i], o.entries[i+1:]...)
	o.mu.Unlock()

	if o.onMessageSent != nil {
		m := *msg
		safeInvoke(func() { o.onMessageSent(m) })
	}
}

// create calls the remote store, converting panics from misbehaving
// implementations into the generic send error so the entry still lands in the
// failed state with a readable reason.
func (o *Outbox) create(ctx context.Context, text string) (msg *Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
			} else {
				err = errors.New(errSendMessage)
			}
			msg = nil
		}
	}()
	msg, err = o.store.CreateMessage(ctx, o.conversationID, o.senderID, text)
	if err == nil && msg == nil {
		err = errors.New(errSendMessage)
	}
	return msg, err
}

// index returns the position of the entry with the given temporary
// identifier, or -1. Caller holds the lock.
func (o *Outbox) index(tempID string) int {
	for i := range o.entries {
		if o.entries[i].TempID == tempID {
			return i
		}
	}
	return -1
}
