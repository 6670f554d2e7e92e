// Package backend talks to the inference backend that fans a prompt out to
// every producer and publishes their fragments on the user's topic.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/duelchat/internal/domain"
	"github.com/containerd/errdefs"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Full method names served by the backend.
const (
	MethodStartTurn        = "/duelchat.v1.Backend/StartTurn"
	MethodAnnouncePresence = "/duelchat.v1.Backend/AnnouncePresence"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errNotServing               = errors.New("backend not serving")
)

// Config holds configuration for the backend client.
type Config struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	// SkipReadyCheck builds the client without waiting for the first
	// connection. Calls still block until the backend is reachable or their
	// context ends.
	SkipReadyCheck bool
}

// DefaultConfig returns default configuration for addr.
func DefaultConfig(addr string) Config {
	return Config{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   30 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// Client dispatches turns and announces presence over gRPC.
type Client struct {
	conn   *grpc.ClientConn
	cfg    Config
	logger *slog.Logger
}

// NewClient connects to the backend. Extra dial options are appended after
// the defaults.
func NewClient(cfg Config, logger *slog.Logger, opts ...grpc.DialOption) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig(cfg.Address)
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = def.KeepaliveTime
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = def.KeepaliveTimeout
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create backend client for %s: %w", cfg.Address, err)
	}

	if !cfg.SkipReadyCheck {
		connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
		defer cancel()
		if err := waitForReady(connectCtx, conn); err != nil {
			if closeErr := conn.Close(); closeErr != nil {
				logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
			}
			return nil, fmt.Errorf("backend at %s not ready: %w: %w", cfg.Address, errdefs.ErrUnavailable, err)
		}
	}

	if cfg.SkipReadyCheck {
		logger.Info("Backend client created, connecting on first call", "address", cfg.Address)
	} else {
		logger.Info("Connected to backend", "address", cfg.Address)
	}
	return &Client{conn: conn, cfg: cfg, logger: logger}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *Client) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Health reports whether the backend's standard health service is serving.
func (c *Client) Health(ctx context.Context) error {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("health check failed: %w", classify(err))
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s", errNotServing, resp.GetStatus())
	}
	return nil
}

// Dispatch starts a new turn for conversationID with the full history.
// It returns once the backend has accepted the request; producer output
// arrives later on the pub/sub topic.
func (c *Client) Dispatch(ctx context.Context, conversationID string, turns []domain.Turn) error {
	history := make([]any, 0, len(turns))
	for _, t := range turns {
		history = append(history, map[string]any{"role": t.Role, "message": t.Message})
	}
	req, err := structpb.NewStruct(map[string]any{
		"conversation_id": conversationID,
		"turns":           history,
	})
	if err != nil {
		return fmt.Errorf("encode turn request: %w", err)
	}

	if err := c.invoke(ctx, MethodStartTurn, req); err != nil {
		c.logger.Warn("StartTurn failed", "error", err, "conversation_id", conversationID)
		return fmt.Errorf("dispatch turn: %w", err)
	}
	c.logger.Debug("Turn dispatched", "conversation_id", conversationID, "turns", len(turns))
	return nil
}

// AnnouncePresence tells the backend that identityID is listening.
func (c *Client) AnnouncePresence(ctx context.Context, identityID string) error {
	req, err := structpb.NewStruct(map[string]any{"identity_id": identityID})
	if err != nil {
		return fmt.Errorf("encode presence request: %w", err)
	}
	if err := c.invoke(ctx, MethodAnnouncePresence, req); err != nil {
		c.logger.Warn("AnnouncePresence failed", "error", err, "identity_id", identityID)
		return fmt.Errorf("announce presence: %w", err)
	}
	return nil
}

func (c *Client) invoke(ctx context.Context, method string, req *structpb.Struct) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	return classify(c.conn.Invoke(ctx, method, req, &emptypb.Empty{}))
}

// classify attaches an errdefs class to gRPC status errors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded:
		return fmt.Errorf("%w: %w", errdefs.ErrUnavailable, err)
	case codes.NotFound:
		return fmt.Errorf("%w: %w", errdefs.ErrNotFound, err)
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %w", errdefs.ErrInvalidArgument, err)
	case codes.Unimplemented:
		return fmt.Errorf("%w: %w", errdefs.ErrNotImplemented, err)
	default:
		return err
	}
}
