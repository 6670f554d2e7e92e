package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/ashureev/duelchat/internal/channel"
	"github.com/ashureev/duelchat/internal/domain"
	"github.com/ashureev/duelchat/internal/journal"
	"github.com/ashureev/duelchat/internal/wire"
	"github.com/stretchr/testify/require"
)

var errClosedStream = errors.New("stream closed")

type pipeStream struct {
	msgs     chan []byte
	complete chan struct{}
	closed   chan struct{}
	once     sync.Once
	endOnce  sync.Once
}

func newPipeStream() *pipeStream {
	return &pipeStream{
		msgs:     make(chan []byte, 64),
		complete: make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

func (p *pipeStream) Recv(ctx context.Context) ([]byte, error) {
	select {
	case data := <-p.msgs:
		return data, nil
	case <-p.complete:
		return nil, io.EOF
	case <-p.closed:
		return nil, errClosedStream
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeStream) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeStream) end() {
	p.endOnce.Do(func() { close(p.complete) })
}

type pipeTransport struct {
	mu     sync.Mutex
	topics []string
	subs   chan *pipeStream
}

func newPipeTransport() *pipeTransport {
	return &pipeTransport{subs: make(chan *pipeStream, 8)}
}

func (t *pipeTransport) Subscribe(_ context.Context, topic string, onState channel.StateFunc) (channel.Stream, error) {
	t.mu.Lock()
	t.topics = append(t.topics, topic)
	t.mu.Unlock()

	s := newPipeStream()
	onState(domain.ConnectionConnected)
	t.subs <- s
	return s, nil
}

func (t *pipeTransport) next(tb testing.TB) *pipeStream {
	tb.Helper()
	select {
	case s := <-t.subs:
		return s
	case <-timeoutC():
		tb.Fatal("no subscription")
		return nil
	}
}

type dispatchCall struct {
	id    string
	turns []domain.Turn
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []dispatchCall
	errs  []error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, id string, turns []domain.Turn) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dispatchCall{id: id, turns: turns})
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		return err
	}
	return nil
}

func (d *fakeDispatcher) recorded() []dispatchCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]dispatchCall(nil), d.calls...)
}

type fakeAnnouncer struct {
	mu  sync.Mutex
	ids []string
}

func (a *fakeAnnouncer) AnnouncePresence(_ context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ids = append(a.ids, id)
	return nil
}

func (a *fakeAnnouncer) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.ids)
}

type reported struct {
	kind   ErrorKind
	detail string
}

type recordingObserver struct {
	NopObserver

	mu        sync.Mutex
	ready     int
	errs      []reported
	committed []string
	states    []domain.ConnectionState
	lists     int
}

func (o *recordingObserver) OnReady() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ready++
}

func (o *recordingObserver) OnError(kind ErrorKind, detail string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errs = append(o.errs, reported{kind, detail})
}

func (o *recordingObserver) OnSelectionCommitted(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.committed = append(o.committed, id)
}

func (o *recordingObserver) OnConnectionState(s domain.ConnectionState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, s)
}

func (o *recordingObserver) OnConversations([]domain.Conversation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lists++
}

func (o *recordingObserver) readyCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ready
}

func (o *recordingObserver) errorKinds() []ErrorKind {
	o.mu.Lock()
	defer o.mu.Unlock()
	var kinds []ErrorKind
	for _, e := range o.errs {
		kinds = append(kinds, e.kind)
	}
	return kinds
}

func (o *recordingObserver) connectionStates() []domain.ConnectionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]domain.ConnectionState(nil), o.states...)
}

func fragment(t *testing.T, producer domain.Producer, seq int, payload string) []byte {
	t.Helper()
	data, err := wire.EncodeFragment(domain.Fragment{Producer: producer, Sequence: seq, Payload: payload})
	require.NoError(t, err)
	return data
}

type fakeJournal struct {
	mu     sync.Mutex
	events []journal.Event
}

func (j *fakeJournal) Log(ev journal.Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, ev)
}

func (j *fakeJournal) Close() error { return nil }

func (j *fakeJournal) types() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []string
	for _, ev := range j.events {
		out = append(out, ev.EventType)
	}
	return out
}
