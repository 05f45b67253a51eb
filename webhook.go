package murmur

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ============================================================================
// Webhook Types
// ============================================================================

// WebhookPayload is a murmur server-to-server event delivery (POST to a
// registered endpoint), used by bot and moderation integrations.
type WebhookPayload struct {
	Source       string              `json:"source"`
	Event        string              `json:"event"` // "message.new"
	Timestamp    int64               `json:"timestamp"`
	Message      Message             `json:"message"`
	Conversation WebhookConversation `json:"conversation"`
}

// WebhookConversation identifies the conversation an event belongs to.
type WebhookConversation struct {
	ID     string `json:"id"`
	PostID string `json:"post_id"`
}

// WebhookHandlerFunc is the callback signature for handling webhook payloads.
type WebhookHandlerFunc func(payload *WebhookPayload) error

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyWebhookSignature verifies a murmur webhook signature using
// HMAC-SHA256 with constant-time comparison.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseWebhookPayload parses a raw webhook body into a typed WebhookPayload.
func ParseWebhookPayload(body string) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}
	if payload.Event == "" {
		return nil, fmt.Errorf("webhook body has no event field")
	}
	return &payload, nil
}

// NewWebhookHandler returns an http.Handler that verifies the
// X-Murmur-Signature header, parses the payload, and invokes handler.
// Signature failures answer 401, malformed bodies 400, handler errors 500.
func NewWebhookHandler(secret string, handler WebhookHandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "cannot read body", http.StatusBadRequest)
			return
		}
		if !VerifyWebhookSignature(string(body), r.Header.Get("X-Murmur-Signature"), secret) {
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
		payload, err := ParseWebhookPayload(string(body))
		if err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		if err := handler(payload); err != nil {
			http.Error(w, "handler error", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}
