package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/duelchat/internal/domain"
	"github.com/ashureev/duelchat/internal/identity"
	"github.com/ashureev/duelchat/internal/journal"
	"github.com/ashureev/duelchat/internal/readiness"
	"github.com/ashureev/duelchat/internal/store"
	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	wait = 5 * time.Second
	tick = 5 * time.Millisecond

	email = "me@example.com"
)

func timeoutC() <-chan time.Time {
	return time.After(wait)
}

type harness struct {
	session   *Session
	store     *store.SQLiteStore
	transport *pipeTransport
	dispatch  *fakeDispatcher
	announce  *fakeAnnouncer
	journal   *fakeJournal
	obs       *recordingObserver
}

func newHarness(t *testing.T, userEmail string) *harness {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ids, err := identity.NewStatic("user-1", userEmail)
	require.NoError(t, err)

	h := &harness{
		store:     st,
		transport: newPipeTransport(),
		dispatch:  &fakeDispatcher{},
		announce:  &fakeAnnouncer{},
		journal:   &fakeJournal{},
		obs:       &recordingObserver{},
	}
	h.session = New(Deps{
		Identity:   ids,
		Store:      st,
		Transport:  h.transport,
		Dispatcher: h.dispatch,
		Announcer:  h.announce,
		Journal:    h.journal,
	}, Config{RetryDelay: 20 * time.Millisecond}, h.obs)
	t.Cleanup(h.session.Close)
	return h
}

func (h *harness) start(t *testing.T) *pipeStream {
	t.Helper()
	require.NoError(t, h.session.Start(context.Background()))
	stream := h.transport.next(t)
	select {
	case <-h.session.Ready():
	case <-timeoutC():
		t.Fatalf("session not ready, missing %v", h.session.Missing())
	}
	return stream
}

func TestStartBecomesReadyOnce(t *testing.T) {
	h := newHarness(t, email)
	assert.False(t, h.session.IsReady())

	h.start(t)

	assert.True(t, h.session.IsReady())
	assert.Empty(t, h.session.Missing())
	assert.Equal(t, 1, h.obs.readyCount())
	assert.Equal(t, domain.ConnectionConnected, h.session.ConnectionState())
	assert.Equal(t, "user-1", h.session.Identity().IdentityID)
	assert.Equal(t, []string{email}, h.transport.topics)
	require.Eventually(t, func() bool { return h.announce.count() == 1 }, wait, tick)

	require.ErrorIs(t, h.session.Start(context.Background()), ErrAlreadyStarted)
}

func TestSubmitStreamSelect(t *testing.T) {
	h := newHarness(t, email)
	stream := h.start(t)
	ctx := context.Background()

	conv, err := h.session.Submit(ctx, "hi")
	require.NoError(t, err)
	assert.Equal(t, conv.ID, h.session.Active())
	assert.Equal(t, email, conv.Owner)

	calls := h.dispatch.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, conv.ID, calls[0].id)
	assert.Equal(t, []domain.Turn{{Role: "user", Message: "hi"}}, calls[0].turns)

	stream.msgs <- fragment(t, domain.ProducerClaude, 1, "llo")
	stream.msgs <- fragment(t, domain.ProducerChatGPT, 0, "hey")
	stream.msgs <- fragment(t, domain.ProducerClaude, 0, "he")
	require.Eventually(t, func() bool {
		return h.session.Text(domain.ProducerClaude) == "hello" && h.session.Text(domain.ProducerChatGPT) == "hey"
	}, wait, tick)

	committed, err := h.session.Select(ctx, domain.ProducerClaude)
	require.NoError(t, err)
	assert.Equal(t, []domain.Turn{{Role: "user", Message: "hi"}, {Role: "claude", Message: "hello"}}, committed.Turns)
	assert.Empty(t, h.session.Text(domain.ProducerClaude))
	assert.Empty(t, h.session.Text(domain.ProducerChatGPT))
	assert.Equal(t, map[domain.Producer]int{domain.ProducerClaude: 1}, h.session.Tally())

	stored, err := h.store.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, committed.Turns, stored.Turns)
	assert.Equal(t, []string{journal.EventPrompt, journal.EventSelection}, h.journal.types())

	// Second turn appends to the same conversation.
	next, err := h.session.Submit(ctx, "again")
	require.NoError(t, err)
	assert.Equal(t, conv.ID, next.ID)
	assert.Len(t, next.Turns, 3)
	assert.Len(t, h.dispatch.recorded(), 2)
}

func TestMalformedFragmentIsReported(t *testing.T) {
	h := newHarness(t, email)
	stream := h.start(t)

	stream.msgs <- []byte(`{"role":"claude","message":"x"}`)
	stream.msgs <- []byte(`not json`)
	stream.msgs <- fragment(t, "gemini", 0, "x")

	require.Eventually(t, func() bool { return len(h.obs.errorKinds()) == 3 }, wait, tick)
	for _, k := range h.obs.errorKinds() {
		assert.Equal(t, KindMalformedFragment, k)
	}
	assert.Empty(t, h.session.Text(domain.ProducerClaude))
}

func TestCompletionReconnectsAndReannounces(t *testing.T) {
	h := newHarness(t, email)
	first := h.start(t)

	first.end()
	second := h.transport.next(t)

	require.Eventually(t, func() bool { return h.announce.count() == 2 }, wait, tick)
	require.Eventually(t, func() bool {
		return h.session.ConnectionState() == domain.ConnectionConnected
	}, wait, tick)
	assert.Contains(t, h.obs.connectionStates(), domain.ConnectionDisconnected)
	assert.Equal(t, 1, h.obs.readyCount())

	second.msgs <- fragment(t, domain.ProducerChatGPT, 0, "after")
	require.Eventually(t, func() bool { return h.session.Text(domain.ProducerChatGPT) == "after" }, wait, tick)
}

func TestFirstSnapshotSelectsNewest(t *testing.T) {
	h := newHarness(t, email)
	ctx := context.Background()
	base := time.Now()
	require.NoError(t, h.store.Create(ctx, domain.Conversation{ID: "old", Owner: email, CreatedAt: base.Add(-time.Hour)}))
	require.NoError(t, h.store.Create(ctx, domain.Conversation{ID: "new", Owner: email, CreatedAt: base}))
	require.NoError(t, h.store.Create(ctx, domain.Conversation{ID: "foreign", Owner: "else@example.com", CreatedAt: base.Add(time.Hour)}))

	h.start(t)

	assert.Equal(t, "new", h.session.Active())
	convs := h.session.Conversations()
	require.Len(t, convs, 2)
	assert.Equal(t, "new", convs[0].ID)
}

func TestSubmitToVanishedConversationKeepsPrompt(t *testing.T) {
	h := newHarness(t, email)
	h.start(t)
	ctx := context.Background()

	conv, err := h.session.NewConversation(ctx)
	require.NoError(t, err)
	require.NoError(t, h.store.Delete(ctx, conv.ID))

	_, err = h.session.Submit(ctx, "keep me")
	var perr *PromptError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "keep me", perr.Prompt)
	assert.True(t, errdefs.IsNotFound(err))
	assert.Contains(t, h.obs.errorKinds(), KindNotFound)
	assert.Empty(t, h.dispatch.recorded())
}

func TestDispatchFailureKeepsPromptAndCanRedispatch(t *testing.T) {
	h := newHarness(t, email)
	h.start(t)
	ctx := context.Background()
	h.dispatch.errs = []error{errors.New("backend down")}

	conv, err := h.session.Submit(ctx, "hi")
	var perr *PromptError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "hi", perr.Prompt)
	assert.Contains(t, h.obs.errorKinds(), KindTransport)

	stored, err := h.store.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, []domain.Turn{{Role: "user", Message: "hi"}}, stored.Turns)

	require.NoError(t, h.session.Redispatch(ctx))
	assert.Len(t, h.dispatch.recorded(), 2)
}

func TestTransientDispatchFailureIsRetried(t *testing.T) {
	h := newHarness(t, email)
	h.start(t)
	h.dispatch.errs = []error{errdefs.ErrUnavailable}

	_, err := h.session.Submit(context.Background(), "hi")
	require.NoError(t, err)
	assert.Len(t, h.dispatch.recorded(), 2)
}

func TestDeleteActiveFallsBackToNewest(t *testing.T) {
	h := newHarness(t, email)
	h.start(t)
	ctx := context.Background()

	older, err := h.session.NewConversation(ctx)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	newer, err := h.session.NewConversation(ctx)
	require.NoError(t, err)

	_, err = h.session.Describe(ctx, older.ID)
	require.NoError(t, err)
	assert.Equal(t, older.ID, h.session.Active())

	require.NoError(t, h.session.Delete(ctx, older.ID))
	require.Eventually(t, func() bool { return h.session.Active() == newer.ID }, wait, tick)

	err = h.session.Delete(ctx, older.ID)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestSelectWithoutActiveConversation(t *testing.T) {
	h := newHarness(t, email)
	h.start(t)

	_, err := h.session.Select(context.Background(), domain.ProducerClaude)
	require.ErrorIs(t, err, ErrNoActiveConversation)
}

func TestSelectWithNothingStreamedIsQuiet(t *testing.T) {
	h := newHarness(t, email)
	h.start(t)
	_, err := h.session.NewConversation(context.Background())
	require.NoError(t, err)

	_, err = h.session.Select(context.Background(), domain.ProducerChatGPT)
	require.Error(t, err)
	assert.Empty(t, h.obs.errorKinds())
}

func TestEmptyPrompt(t *testing.T) {
	h := newHarness(t, email)
	_, err := h.session.Submit(context.Background(), "  ")
	require.ErrorIs(t, err, ErrEmptyPrompt)
}

func TestMissingEmailFailsStart(t *testing.T) {
	h := newHarness(t, "")

	err := h.session.Start(context.Background())
	require.ErrorIs(t, err, identity.ErrNoEmail)
	assert.Equal(t, []ErrorKind{KindIdentity}, h.obs.errorKinds())
	assert.Contains(t, h.session.Missing(), readiness.FactProfile)
	assert.False(t, h.session.IsReady())
}

func TestCloseBeforeStart(t *testing.T) {
	h := newHarness(t, email)
	h.session.Close()
	require.ErrorIs(t, h.session.Start(context.Background()), ErrClosed)
}

func TestStreamFollowsTurnUntilSelection(t *testing.T) {
	h := newHarness(t, email)
	stream := h.start(t)
	ctx := context.Background()

	_, err := h.session.Submit(ctx, "hi")
	require.NoError(t, err)

	chunks := make(chan string, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for chunk := range h.session.Stream(ctx, domain.ProducerChatGPT) {
			chunks <- chunk
		}
	}()

	stream.msgs <- fragment(t, domain.ProducerChatGPT, 0, "hey")
	select {
	case got := <-chunks:
		assert.Equal(t, "hey", got)
	case <-timeoutC():
		t.Fatal("no chunk streamed")
	}

	_, err = h.session.Select(ctx, domain.ProducerChatGPT)
	require.NoError(t, err)
	select {
	case <-done:
	case <-timeoutC():
		t.Fatal("stream did not end after selection")
	}
}
