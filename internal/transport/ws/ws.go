// Package ws implements channel.Transport over a websocket pub/sub endpoint.
// Each subscription is one websocket connection to BaseURL?topic=<topic>;
// every text or binary frame is one message.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"

	"github.com/ashureev/duelchat/internal/channel"
	"github.com/ashureev/duelchat/internal/domain"
	"github.com/coder/websocket"
	"github.com/containerd/errdefs"
)

const defaultReadLimit = 1 << 20

// Transport dials the pub/sub endpoint.
type Transport struct {
	baseURL   string
	readLimit int64
	logger    *slog.Logger
}

// Option configures a Transport.
type Option func(*Transport)

// WithReadLimit caps the size of a single message. Non-positive values keep
// the default.
func WithReadLimit(n int64) Option {
	return func(t *Transport) {
		if n > 0 {
			t.readLimit = n
		}
	}
}

// New returns a Transport for baseURL, which must use ws, wss, http or https.
func New(baseURL string, logger *slog.Logger, opts ...Option) (*Transport, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse pubsub url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, fmt.Errorf("unsupported pubsub scheme %q: %w", u.Scheme, errdefs.ErrInvalidArgument)
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transport{baseURL: baseURL, readLimit: defaultReadLimit, logger: logger}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (t *Transport) topicURL(topic string) string {
	u, _ := url.Parse(t.baseURL)
	q := u.Query()
	q.Set("topic", topic)
	u.RawQuery = q.Encode()
	return u.String()
}

// Subscribe opens a subscription on topic.
func (t *Transport) Subscribe(ctx context.Context, topic string, onState channel.StateFunc) (channel.Stream, error) {
	report(onState, domain.ConnectionConnecting)

	conn, resp, err := websocket.Dial(ctx, t.topicURL(topic), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		report(onState, domain.ConnectionDisconnected)
		return nil, fmt.Errorf("subscribe %q: %w: %w", topic, errdefs.ErrUnavailable, err)
	}
	conn.SetReadLimit(t.readLimit)

	t.logger.Debug("Subscribed", "topic", topic)
	report(onState, domain.ConnectionConnected)
	return &stream{conn: conn, topic: topic, onState: onState, logger: t.logger}, nil
}

func report(fn channel.StateFunc, s domain.ConnectionState) {
	if fn != nil {
		fn(s)
	}
}

type stream struct {
	conn    *websocket.Conn
	topic   string
	onState channel.StateFunc
	logger  *slog.Logger
}

// Recv blocks for the next message. A normal closure from the server ends the
// stream with io.EOF.
func (s *stream) Recv(ctx context.Context) ([]byte, error) {
	_, data, err := s.conn.Read(ctx)
	if err == nil {
		return data, nil
	}
	report(s.onState, domain.ConnectionDisconnected)
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return nil, io.EOF
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}
	return nil, fmt.Errorf("read %q: %w: %w", s.topic, errdefs.ErrUnavailable, err)
}

// Close ends the subscription. A connection the server already closed is not
// an error.
func (s *stream) Close() error {
	err := s.conn.Close(websocket.StatusNormalClosure, "unsubscribe")
	report(s.onState, domain.ConnectionDisconnected)
	if err != nil {
		s.logger.Debug("websocket close", "topic", s.topic, "error", err)
	}
	return nil
}
