// Package murmur provides the official Go SDK for the murmur chat API.
//
// murmur is a location-based social app where users match on a post and then
// exchange anonymous messages. The heart of this SDK is the messaging
// synchronization core: Timeline (confirmed message history), Outbox
// (optimistic sends), and the realtime push channel that feeds new messages
// into the Timeline.
//
// Example:
//
//	client := murmur.NewClient("mm-token-...")
//
//	tl := client.OpenTimeline("conv-123", "user-9",
//		murmur.WithOnNewMessage(func(m murmur.Message) { fmt.Println(m.Content) }))
//	go tl.Start(ctx)
//	defer tl.Close()
//
//	ob := client.OpenOutbox("conv-123", "user-9",
//		murmur.WithOnMessageSent(func(m murmur.Message) { tl.AddMessage(m) }))
//	ob.Send(ctx, "hello")
package murmur

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	DefaultBaseURL  = "https://api.murmur.chat"
	DefaultTimeout  = 30 * time.Second
	DefaultPageSize = 50
)

// ============================================================================
// Client
// ============================================================================

type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	rtMu     sync.Mutex
	rt       *RealtimeClient
	rtConfig *RealtimeConfig

	Conversations *ConversationsClient
	Posts         *PostsClient
	Account       *AccountClient
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithLogger attaches a structured logger. The SDK is silent without one.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithRealtimeConfig overrides the configuration used by Realtime().
func WithRealtimeConfig(cfg *RealtimeConfig) ClientOption {
	return func(c *Client) { c.rtConfig = cfg }
}

// NewClient creates a new murmur client.
// token is optional; pass "" for anonymous registration.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Conversations = &ConversationsClient{client: c}
	c.Posts = &PostsClient{client: c}
	c.Account = &AccountClient{client: c}
	return c
}

// SetToken sets or updates the auth token.
// Useful after anonymous registration to set the returned token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Realtime returns the shared WebSocket realtime client, creating it on first
// use. Timelines opened through this client subscribe here unless an opener
// is supplied explicitly.
func (c *Client) Realtime() *RealtimeClient {
	c.rtMu.Lock()
	defer c.rtMu.Unlock()
	if c.rt == nil {
		cfg := c.rtConfig
		if cfg == nil {
			cfg = &RealtimeConfig{Token: c.token, AutoReconnect: true}
		}
		c.rt = NewRealtimeClient(c.baseURL, cfg, c.logger)
	}
	return c.rt
}

// OpenTimeline opens a Timeline backed by this client's API and realtime feed.
func (c *Client) OpenTimeline(conversationID, viewerID string, opts ...TimelineOption) *Timeline {
	merged := append([]TimelineOption{WithChannelOpener(c.Realtime()), WithTimelineLogger(c.logger)}, opts...)
	return NewTimeline(c, conversationID, viewerID, merged...)
}

// OpenOutbox opens an Outbox backed by this client's API.
func (c *Client) OpenOutbox(conversationID, senderID string, opts ...OutboxOption) *Outbox {
	merged := append([]OutboxOption{WithOutboxLogger(c.logger)}, opts...)
	return NewOutbox(c, conversationID, senderID, merged...)
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

// do issues a request and decodes the standard result envelope.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// RemoteStore implementation
// ============================================================================

// ListMessages fetches a page of messages ordered newest first. A non-zero
// before restricts the page to messages created strictly earlier.
func (c *Client) ListMessages(ctx context.Context, conversationID string, limit int, before time.Time) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	query := map[string]string{"limit": fmt.Sprintf("%d", limit)}
	if !before.IsZero() {
		query["before"] = before.UTC().Format(time.RFC3339Nano)
	}
	res, err := c.do(ctx, "GET", "/api/v1/conversations/"+conversationID+"/messages", nil, query)
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	var messages []Message
	if err := res.Decode(&messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// CreateMessage inserts a message and returns the confirmed row.
func (c *Client) CreateMessage(ctx context.Context, conversationID, senderID, content string) (*Message, error) {
	payload := map[string]string{"sender_id": senderID, "content": content}
	res, err := c.do(ctx, "POST", "/api/v1/conversations/"+conversationID+"/messages", payload, nil)
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	var msg Message
	if err := res.Decode(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// MarkConversationRead marks the counterpart's messages as read.
func (c *Client) MarkConversationRead(ctx context.Context, conversationID, viewerID string) error {
	res, err := c.do(ctx, "POST", "/api/v1/conversations/"+conversationID+"/read",
		map[string]string{"viewer_id": viewerID}, nil)
	if err != nil {
		return err
	}
	return res.Err()
}

// ============================================================================
// Sub-Clients (interface boundary to the rest of the app)
// ============================================================================

// ConversationsClient manages conversations created by matching on a post.
type ConversationsClient struct{ client *Client }

func (cv *ConversationsClient) List(ctx context.Context) ([]Conversation, error) {
	res, err := cv.client.do(ctx, "GET", "/api/v1/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	var convs []Conversation
	if err := res.Decode(&convs); err != nil {
		return nil, err
	}
	return convs, nil
}

func (cv *ConversationsClient) Get(ctx context.Context, conversationID string) (*Conversation, error) {
	res, err := cv.client.do(ctx, "GET", "/api/v1/conversations/"+conversationID, nil, nil)
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	var conv Conversation
	if err := res.Decode(&conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// CreateFromPost starts (or returns the existing) conversation with a post's
// author.
func (cv *ConversationsClient) CreateFromPost(ctx context.Context, postID string) (*Conversation, error) {
	res, err := cv.client.do(ctx, "POST", "/api/v1/conversations",
		map[string]string{"post_id": postID}, nil)
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	var conv Conversation
	if err := res.Decode(&conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// PostsClient reads location-pinned posts.
type PostsClient struct{ client *Client }

func (p *PostsClient) Get(ctx context.Context, postID string) (*Post, error) {
	res, err := p.client.do(ctx, "GET", "/api/v1/posts/"+postID, nil, nil)
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	var post Post
	if err := res.Decode(&post); err != nil {
		return nil, err
	}
	return &post, nil
}

// Nearby lists posts around a coordinate. radiusMeters <= 0 uses the server
// default.
func (p *PostsClient) Nearby(ctx context.Context, lat, lng float64, radiusMeters int) ([]Post, error) {
	query := map[string]string{
		"lat": fmt.Sprintf("%f", lat),
		"lng": fmt.Sprintf("%f", lng),
	}
	if radiusMeters > 0 {
		query["radius"] = fmt.Sprintf("%d", radiusMeters)
	}
	res, err := p.client.do(ctx, "GET", "/api/v1/posts/nearby", nil, query)
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	var posts []Post
	if err := res.Decode(&posts); err != nil {
		return nil, err
	}
	return posts, nil
}

// AccountClient handles anonymous identity.
type AccountClient struct{ client *Client }

// Register creates an anonymous account and returns it with a fresh token.
func (a *AccountClient) Register(ctx context.Context, alias string) (*Account, error) {
	res, err := a.client.do(ctx, "POST", "/api/v1/register",
		map[string]string{"alias": alias}, nil)
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	var acct Account
	if err := res.Decode(&acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

func (a *AccountClient) Me(ctx context.Context) (*Account, error) {
	res, err := a.client.do(ctx, "GET", "/api/v1/me", nil, nil)
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	var acct Account
	if err := res.Decode(&acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

// discardHandler drops all records; used when no logger is configured.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs([]slog.Attr) slog.Handler        { return discardHandler{} }
func (discardHandler) WithGroup(string) slog.Handler             { return discardHandler{} }
