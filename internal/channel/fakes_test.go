package channel

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/ashureev/duelchat/internal/domain"
)

type fakeTimer struct {
	clock   *fakeClock
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// fakeClock records scheduled calls and runs them only when told to.
type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, delay: d, fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) pending() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

func (c *fakeClock) scheduled() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// fire runs the oldest pending timer and reports whether one existed.
func (c *fakeClock) fire() bool {
	c.mu.Lock()
	var next *fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			next = t
			break
		}
	}
	if next != nil {
		next.fired = true
	}
	c.mu.Unlock()

	if next == nil {
		return false
	}
	next.fn()
	return true
}

type fakeStream struct {
	msgs      chan []byte
	end       chan error
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		msgs:   make(chan []byte, 16),
		end:    make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (s *fakeStream) Recv(ctx context.Context) ([]byte, error) {
	select {
	case m := <-s.msgs:
		return m, nil
	case err := <-s.end:
		return nil, err
	case <-s.closed:
		return nil, io.ErrClosedPipe
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

var errDial = errors.New("dial failed")

// fakeTransport fails the first `failures` subscribes and then hands out
// fresh streams.
type fakeTransport struct {
	mu         sync.Mutex
	failures   int
	subscribes int
	topics     []string
	streams    []*fakeStream
}

func (t *fakeTransport) Subscribe(_ context.Context, topic string, onState StateFunc) (Stream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribes++
	t.topics = append(t.topics, topic)
	if t.failures > 0 {
		t.failures--
		return nil, errDial
	}
	onState(domain.ConnectionConnected)
	s := newFakeStream()
	t.streams = append(t.streams, s)
	return s, nil
}

func (t *fakeTransport) subscribeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subscribes
}

func (t *fakeTransport) stream(i int) *fakeStream {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= len(t.streams) {
		return nil
	}
	return t.streams[i]
}

// recorder collects handler callbacks.
type recorder struct {
	mu        sync.Mutex
	messages  []string
	states    []domain.ConnectionState
	errs      []error
	completes int
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnMessage: func(data []byte) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.messages = append(r.messages, string(data))
		},
		OnStateChange: func(s domain.ConnectionState) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.states = append(r.states, s)
		},
		OnError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
		OnComplete: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.completes++
		},
	}
}

func (r *recorder) snapshot() ([]string, []domain.ConnectionState, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...), append([]domain.ConnectionState(nil), r.states...), len(r.errs), r.completes
}
