package murmur

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the response envelope used by all murmur API endpoints.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into v.
func (r *Result) Decode(v any) error {
	if r.Data == nil {
		return fmt.Errorf("result has no data")
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("failed to decode result data: %w", err)
	}
	return nil
}

// Err converts a failed result into an error. Returns nil for OK results.
func (r *Result) Err() error {
	if r.OK {
		return nil
	}
	if r.Error != nil {
		return r.Error
	}
	return &APIError{Code: "UNKNOWN", Message: ""}
}

// ============================================================================
// Messaging Types
// ============================================================================

// Message is a confirmed chat message. It is owned by the remote store; the
// client holds a read-only cached copy. Only the read flag ever changes
// server-side, and only from false to true.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	IsRead         bool      `json:"is_read"`
	CreatedAt      time.Time `json:"created_at"`
}

// SendStatus is the lifecycle state of an optimistic message.
type SendStatus string

const (
	SendStatusSending SendStatus = "sending"
	SendStatusFailed  SendStatus = "failed"
)

// OptimisticMessage is a locally visible, not-yet-confirmed outbound message.
// It lives in the Outbox working set under a temporary identifier and is never
// persisted remotely under that identifier.
type OptimisticMessage struct {
	TempID         string     `json:"temp_id"`
	ConversationID string     `json:"conversation_id"`
	SenderID       string     `json:"sender_id"`
	Content        string     `json:"content"`
	Status         SendStatus `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Conversation is a two-party anonymous chat session tied to one post.
type Conversation struct {
	ID            string    `json:"id"`
	PostID        string    `json:"post_id"`
	OwnerID       string    `json:"owner_id"`
	GuestID       string    `json:"guest_id"`
	LastMessageAt time.Time `json:"last_message_at,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Post is a location-pinned post users can match on.
type Post struct {
	ID        string    `json:"id"`
	AuthorID  string    `json:"author_id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	CreatedAt time.Time `json:"created_at"`
}

// Account is the viewer's anonymous identity.
type Account struct {
	ID        string    `json:"id"`
	Alias     string    `json:"alias"`
	Token     string    `json:"token,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ============================================================================
// Remote store contract
// ============================================================================

// RemoteStore is the slice of the murmur backend the messaging sync core
// depends on. *Client implements it; tests substitute fakes.
type RemoteStore interface {
	// ListMessages returns up to limit messages of a conversation ordered
	// newest first. A non-zero before bounds the page to messages created
	// strictly earlier.
	ListMessages(ctx context.Context, conversationID string, limit int, before time.Time) ([]Message, error)

	// CreateMessage inserts a message and returns the confirmed row.
	CreateMessage(ctx context.Context, conversationID, senderID, content string) (*Message, error)

	// MarkConversationRead flags every unread message in the conversation not
	// sent by the viewer as read.
	MarkConversationRead(ctx context.Context, conversationID, viewerID string) error
}

// ============================================================================
// User-facing error fallbacks
// ============================================================================

const (
	errLoadMessages = "failed to load messages"
	errSendMessage  = "failed to send message"
)

// userMessage reduces an error to a human-readable string, falling back to a
// fixed message so the UI never renders an empty reason.
func userMessage(err error, fallback string) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	if err != nil && err.Error() != "" {
		return err.Error()
	}
	return fallback
}
