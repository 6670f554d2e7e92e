package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/duelchat/internal/domain"
)

// DefaultRetryDelay is the fixed pause between a drop and the next subscribe.
const DefaultRetryDelay = 3 * time.Second

// State is the lifecycle state of a subscription handle.
type State int

const (
	// StateIdle indicates no attempt has been made yet.
	StateIdle State = iota
	// StateConnecting indicates a subscribe call is in flight.
	StateConnecting
	// StateConnected indicates messages are flowing.
	StateConnected
	// StatePendingRetry indicates the session dropped and a retry is scheduled.
	StatePendingRetry
	// StateCancelled is terminal.
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StatePendingRetry:
		return "pending_retry"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options configures a Channel.
type Options struct {
	RetryDelay time.Duration
	Clock      Clock
	Announce   AnnounceFunc
	Logger     *slog.Logger
}

// Handlers receive subscription events. Any field may be nil.
type Handlers struct {
	OnMessage     func(data []byte)
	OnStateChange func(state domain.ConnectionState)
	OnError       func(err error)
	OnComplete    func()
}

// Channel opens self-healing subscriptions over a Transport.
type Channel struct {
	transport Transport
	delay     time.Duration
	clock     Clock
	announce  AnnounceFunc
	logger    *slog.Logger
}

// New creates a Channel.
func New(transport Transport, opts Options) *Channel {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Channel{
		transport: transport,
		delay:     opts.RetryDelay,
		clock:     opts.Clock,
		announce:  opts.Announce,
		logger:    opts.Logger,
	}
}

// Handle is a cancellable subscription. Each (re)subscribe attempt runs as
// a new generation; callbacks from older generations are dropped.
type Handle struct {
	ch       *Channel
	topic    string
	handlers Handlers
	parent   context.Context

	mu            sync.Mutex
	state         State
	gen           uint64
	cancelSession context.CancelFunc
	stream        *onceStream
	timer         Timer
	reconnects    int
	published     domain.ConnectionState
	wg            sync.WaitGroup
}

// Subscribe starts a session on topic and keeps it alive until the handle
// is cancelled or ctx ends.
func (c *Channel) Subscribe(ctx context.Context, topic string, h Handlers) *Handle {
	handle := &Handle{
		ch:        c,
		topic:     topic,
		handlers:  h,
		parent:    ctx,
		published: -1,
	}
	handle.connect()
	return handle
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Reconnects returns how many retry attempts have been started.
func (h *Handle) Reconnects() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reconnects
}

// Topic returns the subscribed topic.
func (h *Handle) Topic() string {
	return h.topic
}

// Cancel stops further reconnect attempts, releases the live subscription
// and suppresses every later callback. It is safe to call from a callback
// and more than once.
func (h *Handle) Cancel() {
	h.mu.Lock()
	if h.state == StateCancelled {
		h.mu.Unlock()
		return
	}
	h.state = StateCancelled
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	cancel := h.cancelSession
	stream := h.stream
	h.stream = nil
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stream != nil {
		if err := stream.Close(); err != nil {
			h.ch.logger.Debug("Failed to close subscription on cancel", "topic", h.topic, "error", err)
		}
	}
	h.ch.logger.Info("PubSub subscription cancelled", "topic", h.topic)
}

// Wait blocks until the reader goroutine of the last session has exited.
// Call it after Cancel.
func (h *Handle) Wait() {
	h.wg.Wait()
}

func (h *Handle) connect() {
	h.mu.Lock()
	if h.state == StateCancelled {
		h.mu.Unlock()
		return
	}
	if h.gen > 0 {
		h.reconnects++
	}
	h.gen++
	gen := h.gen
	h.timer = nil
	ctx, cancel := context.WithCancel(h.parent)
	h.cancelSession = cancel
	h.state = StateConnecting
	h.wg.Add(1)
	h.mu.Unlock()

	h.publish(gen, domain.ConnectionConnecting)
	go h.run(ctx, gen)
}

func (h *Handle) run(ctx context.Context, gen uint64) {
	defer h.wg.Done()

	raw, err := h.ch.transport.Subscribe(ctx, h.topic, func(s domain.ConnectionState) {
		h.publish(gen, s)
	})
	if err != nil {
		h.drop(gen, fmt.Errorf("subscribe %s: %w", h.topic, err))
		return
	}
	stream := &onceStream{Stream: raw}
	defer func() {
		if err := stream.Close(); err != nil {
			h.ch.logger.Debug("Failed to close subscription", "topic", h.topic, "error", err)
		}
	}()

	if !h.markConnected(ctx, gen, stream) {
		return
	}

	for {
		data, err := stream.Recv(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				h.drop(gen, nil)
			} else {
				h.drop(gen, err)
			}
			return
		}
		if !h.current(gen) {
			return
		}
		if h.handlers.OnMessage != nil {
			h.handlers.OnMessage(data)
		}
	}
}

func (h *Handle) markConnected(ctx context.Context, gen uint64, stream *onceStream) bool {
	h.mu.Lock()
	if !h.currentLocked(gen) {
		h.mu.Unlock()
		return false
	}
	h.state = StateConnected
	h.stream = stream
	h.mu.Unlock()

	h.ch.logger.Info("PubSub connected", "topic", h.topic, "generation", gen)
	h.publish(gen, domain.ConnectionConnected)

	if h.ch.announce != nil {
		if err := h.ch.announce(ctx); err != nil {
			h.ch.logger.Warn("Presence announcement failed", "topic", h.topic, "error", err)
		}
	}
	return true
}

// drop tears down generation gen and schedules the next attempt. A nil err
// means the transport completed the stream.
func (h *Handle) drop(gen uint64, err error) {
	h.mu.Lock()
	if !h.currentLocked(gen) {
		h.mu.Unlock()
		return
	}
	h.state = StatePendingRetry
	cancel := h.cancelSession
	h.stream = nil
	h.mu.Unlock()
	cancel()

	if h.parent.Err() != nil {
		h.Cancel()
		return
	}

	h.publish(gen, domain.ConnectionDisconnected)
	if err != nil {
		h.ch.logger.Error("Error in PubSub subscription", "topic", h.topic, "error", err)
		if h.handlers.OnError != nil {
			h.handlers.OnError(err)
		}
	} else {
		h.ch.logger.Info("PubSub session completed", "topic", h.topic)
		if h.handlers.OnComplete != nil {
			h.handlers.OnComplete()
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.currentLocked(gen) {
		return
	}
	h.timer = h.ch.clock.AfterFunc(h.ch.delay, h.connect)
	h.ch.logger.Info("PubSub reconnect scheduled", "topic", h.topic, "delay", h.ch.delay)
}

// publish forwards a connection state to the observer once per transition.
func (h *Handle) publish(gen uint64, s domain.ConnectionState) {
	h.mu.Lock()
	if !h.currentLocked(gen) || h.published == s {
		h.mu.Unlock()
		return
	}
	h.published = s
	h.mu.Unlock()

	if h.handlers.OnStateChange != nil {
		h.handlers.OnStateChange(s)
	}
}

func (h *Handle) current(gen uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.currentLocked(gen)
}

func (h *Handle) currentLocked(gen uint64) bool {
	return h.gen == gen && h.state != StateCancelled
}
