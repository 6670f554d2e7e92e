package arbiter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/duelchat/internal/domain"
	"github.com/ashureev/duelchat/internal/reassembly"
	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	claude  = domain.ProducerClaude
	chatgpt = domain.ProducerChatGPT
)

var errDisk = errors.New("disk full")

type memStore struct {
	mu       sync.Mutex
	convs    map[string]domain.Conversation
	updates  int
	failNext error
	gate     chan struct{} // when set, Get blocks until closed
	entered  chan struct{}
}

func newMemStore(convs ...domain.Conversation) *memStore {
	s := &memStore{convs: make(map[string]domain.Conversation)}
	for _, c := range convs {
		s.convs[c.ID] = c
	}
	return s
}

func (s *memStore) Get(_ context.Context, id string) (domain.Conversation, error) {
	if s.gate != nil {
		s.entered <- struct{}{}
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return domain.Conversation{}, domain.ErrConversationNotFound
	}
	return c, nil
}

func (s *memStore) Update(_ context.Context, id string, turns []domain.Turn, expected int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failNext; err != nil {
		s.failNext = nil
		return 0, err
	}
	c, ok := s.convs[id]
	if !ok {
		return 0, domain.ErrConversationNotFound
	}
	if c.Version != expected {
		return 0, domain.ErrVersionConflict
	}
	c.Turns = turns
	c.Version++
	s.convs[id] = c
	s.updates++
	return c.Version, nil
}

func (s *memStore) turns(id string) []domain.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convs[id].Turns
}

func filled(t *testing.T) *reassembly.Reassembler {
	t.Helper()
	r := reassembly.New(domain.DefaultProducers(), reassembly.Options{})
	require.NoError(t, r.Accept(domain.Fragment{Producer: claude, Sequence: 0, Payload: "from claude"}))
	require.NoError(t, r.Accept(domain.Fragment{Producer: chatgpt, Sequence: 0, Payload: "from gpt"}))
	return r
}

func prompt() domain.Conversation {
	return domain.Conversation{ID: "c1", Turns: []domain.Turn{{Role: domain.RoleUser, Message: "hi"}}}
}

func TestSelectAppendsOneTurnAndClearsBuffers(t *testing.T) {
	st := newMemStore(prompt())
	buf := filled(t)
	a := New(st, buf, Options{})

	conv, err := a.Select(context.Background(), "c1", claude)
	require.NoError(t, err)

	want := []domain.Turn{{Role: "user", Message: "hi"}, {Role: "claude", Message: "from claude"}}
	assert.Equal(t, want, conv.Turns)
	assert.Equal(t, int64(1), conv.Version)
	assert.Equal(t, want, st.turns("c1"))
	assert.Empty(t, buf.Text(claude))
	assert.Empty(t, buf.Text(chatgpt))
	assert.Equal(t, map[domain.Producer]int{claude: 1}, a.Tally())
}

func TestConcurrentSelectionsCommitOnce(t *testing.T) {
	st := newMemStore(prompt())
	st.gate = make(chan struct{})
	st.entered = make(chan struct{}, 1)
	buf := filled(t)
	a := New(st, buf, Options{})

	first := make(chan error, 1)
	go func() {
		_, err := a.Select(context.Background(), "c1", claude)
		first <- err
	}()
	<-st.entered

	_, err := a.Select(context.Background(), "c1", chatgpt)
	require.ErrorIs(t, err, ErrSelectionInFlight)

	close(st.gate)
	select {
	case err := <-first:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("first selection did not finish")
	}

	turns := st.turns("c1")
	require.Len(t, turns, 2)
	assert.Equal(t, "claude", turns[1].Role)
	assert.Equal(t, 1, st.updates)
}

func TestSelectMissingConversationKeepsBuffers(t *testing.T) {
	st := newMemStore()
	buf := filled(t)
	a := New(st, buf, Options{})

	_, err := a.Select(context.Background(), "c1", claude)
	require.ErrorIs(t, err, domain.ErrConversationNotFound)
	assert.True(t, errdefs.IsNotFound(err))
	assert.Equal(t, "from claude", buf.Text(claude))
	assert.Equal(t, "from gpt", buf.Text(chatgpt))

	st.mu.Lock()
	st.convs["c1"] = prompt()
	st.mu.Unlock()

	conv, err := a.Select(context.Background(), "c1", claude)
	require.NoError(t, err)
	assert.Len(t, conv.Turns, 2)
}

func TestSelectWriteFailureKeepsBuffers(t *testing.T) {
	st := newMemStore(prompt())
	st.failNext = errDisk
	buf := filled(t)
	a := New(st, buf, Options{})

	_, err := a.Select(context.Background(), "c1", chatgpt)
	require.ErrorIs(t, err, errDisk)
	assert.Equal(t, "from gpt", buf.Text(chatgpt))
	assert.Len(t, st.turns("c1"), 1)
	assert.Empty(t, a.Tally())
}

func TestSelectConflictIsSurfaced(t *testing.T) {
	st := newMemStore(prompt())
	st.failNext = domain.ErrVersionConflict
	a := New(st, filled(t), Options{})

	_, err := a.Select(context.Background(), "c1", claude)
	assert.True(t, errdefs.IsConflict(err))
}

func TestSelectEmptyText(t *testing.T) {
	st := newMemStore(prompt())
	buf := reassembly.New(domain.DefaultProducers(), reassembly.Options{})
	a := New(st, buf, Options{})

	_, err := a.Select(context.Background(), "c1", claude)
	require.ErrorIs(t, err, ErrNothingToSelect)
	assert.Zero(t, st.updates)
}

func TestInFlightIsPerConversation(t *testing.T) {
	a := New(newMemStore(), filled(t), Options{})
	require.True(t, a.begin("a"))
	assert.True(t, a.begin("b"))
	assert.False(t, a.begin("a"))
	a.end("a")
	assert.True(t, a.begin("a"))
}
