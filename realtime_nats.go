package murmur

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
)

// DefaultNATSSubjectPrefix is the subject hierarchy self-hosted deployments
// publish message inserts on: messages.<conversation-id>.
const DefaultNATSSubjectPrefix = "messages"

// NATSOpener adapts a NATS connection to the push-feed contract for
// self-hosted murmur deployments. Each conversation maps to one subject;
// reconnection and redelivery are the NATS client's business. Timeline
// ingestion makes replays harmless.
type NATSOpener struct {
	nc     *nats.Conn
	prefix string
	logger *slog.Logger
}

type NATSOption func(*NATSOpener)

// WithNATSSubjectPrefix overrides the subject prefix.
func WithNATSSubjectPrefix(prefix string) NATSOption {
	return func(n *NATSOpener) {
		if prefix != "" {
			n.prefix = strings.TrimSuffix(prefix, ".")
		}
	}
}

func WithNATSLogger(logger *slog.Logger) NATSOption {
	return func(n *NATSOpener) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// NewNATSOpener wraps an existing NATS connection. The caller keeps ownership
// of the connection.
func NewNATSOpener(nc *nats.Conn, opts ...NATSOption) *NATSOpener {
	n := &NATSOpener{
		nc:     nc,
		prefix: DefaultNATSSubjectPrefix,
		logger: slog.New(discardHandler{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// DialNATS connects to a NATS server with reconnection left entirely to the
// client library, then wraps the connection.
func DialNATS(url string, opts ...NATSOption) (*NATSOpener, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return NewNATSOpener(nc, opts...), nil
}

// Subject returns the NATS subject carrying a conversation's inserts.
func (n *NATSOpener) Subject(conversationID string) string {
	return n.prefix + "." + conversationID
}

// Subscribe opens a live insert subscription for one conversation. Payloads
// use the same {new: row} shape as the WebSocket feed.
func (n *NATSOpener) Subscribe(ctx context.Context, conversationID string, onInsert func(Message)) (Channel, error) {
	subject := n.Subject(conversationID)
	sub, err := n.nc.Subscribe(subject, func(m *nats.Msg) {
		msg, err := decodeInsert(json.RawMessage(m.Data))
		if err != nil {
			n.logger.Warn("dropping bad insert event", "subject", subject, "error", err)
			return
		}
		safeInvoke(func() { onInsert(msg) })
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to subject %q: %w", subject, err)
	}
	return &natsChannel{sub: sub}, nil
}

// Close drains the underlying connection.
func (n *NATSOpener) Close() {
	if n.nc != nil {
		n.nc.Close()
	}
}

type natsChannel struct {
	sub *nats.Subscription
}

func (c *natsChannel) Unsubscribe(ctx context.Context) error {
	return c.sub.Unsubscribe()
}
