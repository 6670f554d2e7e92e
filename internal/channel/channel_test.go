package channel

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/duelchat/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const wait = 2 * time.Second
const tick = 5 * time.Millisecond

func TestDeliversMessagesInOrderAndAnnounces(t *testing.T) {
	tr := &fakeTransport{}
	var announced atomic.Int32
	ch := New(tr, Options{
		Clock:    &fakeClock{},
		Announce: func(context.Context) error { announced.Add(1); return nil },
	})
	rec := &recorder{}

	h := ch.Subscribe(context.Background(), "user@example.com", rec.handlers())
	defer func() { h.Cancel(); h.Wait() }()

	require.Eventually(t, func() bool { return h.State() == StateConnected }, wait, tick)
	s := tr.stream(0)
	for _, m := range []string{"1", "2", "3", "4"} {
		s.msgs <- []byte(m)
	}

	require.Eventually(t, func() bool {
		msgs, _, _, _ := rec.snapshot()
		return len(msgs) == 4
	}, wait, tick)
	msgs, states, _, _ := rec.snapshot()
	assert.Equal(t, []string{"1", "2", "3", "4"}, msgs)
	assert.Equal(t, []domain.ConnectionState{domain.ConnectionConnecting, domain.ConnectionConnected}, states)
	assert.Equal(t, int32(1), announced.Load())
	assert.Equal(t, "user@example.com", h.Topic())
}

func TestRetriesOncePerFailureWithFixedDelay(t *testing.T) {
	const failures = 5
	tr := &fakeTransport{failures: failures}
	clock := &fakeClock{}
	ch := New(tr, Options{Clock: clock})
	rec := &recorder{}

	h := ch.Subscribe(context.Background(), "topic", rec.handlers())
	defer func() { h.Cancel(); h.Wait() }()

	for i := 1; i <= failures; i++ {
		require.Eventually(t, func() bool { return len(clock.pending()) == 1 }, wait, tick, "failure %d", i)
		pending := clock.pending()
		assert.Equal(t, DefaultRetryDelay, pending[0].delay)
		assert.Equal(t, StatePendingRetry, h.State())
		require.True(t, clock.fire())
	}

	require.Eventually(t, func() bool { return h.State() == StateConnected }, wait, tick)
	assert.Equal(t, failures, h.Reconnects())
	assert.Equal(t, failures+1, tr.subscribeCount())
	assert.Equal(t, failures, clock.scheduled())
	_, _, errs, _ := rec.snapshot()
	assert.Equal(t, failures, errs)
}

func TestCompletionTriggersReconnectAndReannounce(t *testing.T) {
	tr := &fakeTransport{}
	clock := &fakeClock{}
	var announced atomic.Int32
	ch := New(tr, Options{
		Clock:    clock,
		Announce: func(context.Context) error { announced.Add(1); return nil },
	})
	rec := &recorder{}

	h := ch.Subscribe(context.Background(), "topic", rec.handlers())
	defer func() { h.Cancel(); h.Wait() }()

	require.Eventually(t, func() bool { return h.State() == StateConnected }, wait, tick)
	first := tr.stream(0)
	first.end <- io.EOF

	require.Eventually(t, func() bool { return len(clock.pending()) == 1 }, wait, tick)
	require.Eventually(t, first.isClosed, wait, tick, "dropped stream must be released")
	require.True(t, clock.fire())
	require.Eventually(t, func() bool { return h.State() == StateConnected }, wait, tick)

	_, states, errs, completes := rec.snapshot()
	assert.Equal(t, 1, completes)
	assert.Zero(t, errs)
	assert.Equal(t, []domain.ConnectionState{
		domain.ConnectionConnecting,
		domain.ConnectionConnected,
		domain.ConnectionDisconnected,
		domain.ConnectionConnecting,
		domain.ConnectionConnected,
	}, states)
	assert.Equal(t, int32(2), announced.Load())

	// Messages on the new session still flow.
	tr.stream(1).msgs <- []byte("after")
	require.Eventually(t, func() bool {
		msgs, _, _, _ := rec.snapshot()
		return len(msgs) == 1 && msgs[0] == "after"
	}, wait, tick)
}

func TestCancelStopsPendingRetry(t *testing.T) {
	tr := &fakeTransport{failures: 100}
	clock := &fakeClock{}
	ch := New(tr, Options{Clock: clock})

	h := ch.Subscribe(context.Background(), "topic", Handlers{})
	require.Eventually(t, func() bool { return len(clock.pending()) == 1 }, wait, tick)

	h.Cancel()
	h.Wait()

	assert.Empty(t, clock.pending())
	assert.False(t, clock.fire())
	assert.Equal(t, StateCancelled, h.State())
	assert.Equal(t, 1, tr.subscribeCount())

	h.Cancel()
}

func TestCancelReleasesLiveSubscriptionAndSilencesCallbacks(t *testing.T) {
	tr := &fakeTransport{}
	clock := &fakeClock{}
	ch := New(tr, Options{Clock: clock})
	rec := &recorder{}

	var h *Handle
	handlers := rec.handlers()
	inner := handlers.OnMessage
	handlers.OnMessage = func(data []byte) {
		inner(data)
		if string(data) == "stop" {
			h.Cancel()
		}
	}
	h = ch.Subscribe(context.Background(), "topic", handlers)

	require.Eventually(t, func() bool { return h.State() == StateConnected }, wait, tick)
	s := tr.stream(0)
	s.msgs <- []byte("a")
	s.msgs <- []byte("stop")
	s.msgs <- []byte("ignored")
	h.Wait()

	msgs, states, errs, completes := rec.snapshot()
	assert.Equal(t, []string{"a", "stop"}, msgs)
	assert.NotContains(t, states, domain.ConnectionDisconnected)
	assert.Zero(t, errs)
	assert.Zero(t, completes)
	assert.True(t, s.isClosed())
	assert.Zero(t, clock.scheduled())
}

func TestParentContextEndStopsRetries(t *testing.T) {
	tr := &fakeTransport{}
	clock := &fakeClock{}
	ch := New(tr, Options{Clock: clock})

	ctx, cancel := context.WithCancel(context.Background())
	h := ch.Subscribe(ctx, "topic", Handlers{})
	require.Eventually(t, func() bool { return h.State() == StateConnected }, wait, tick)

	cancel()
	require.Eventually(t, func() bool { return h.State() == StateCancelled }, wait, tick)
	h.Wait()
	assert.Zero(t, clock.scheduled())
}

func TestRealClockSeparatesAttempts(t *testing.T) {
	tr := &fakeTransport{failures: 2}
	delay := 30 * time.Millisecond
	ch := New(tr, Options{RetryDelay: delay})

	start := time.Now()
	h := ch.Subscribe(context.Background(), "topic", Handlers{})
	defer func() { h.Cancel(); h.Wait() }()

	require.Eventually(t, func() bool { return h.State() == StateConnected }, wait, tick)
	assert.GreaterOrEqual(t, time.Since(start), 2*delay)
	assert.Equal(t, 2, h.Reconnects())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "pending_retry", StatePendingRetry.String())
	assert.Equal(t, "cancelled", StateCancelled.String())
	assert.Equal(t, "state(42)", State(42).String())
}
