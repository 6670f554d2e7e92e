// Package session runs one signed-in user's comparison session: it waits
// for identity, history and the pub/sub connection, feeds producer
// fragments into the reassembler and commits selections to the store.
package session

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ashureev/duelchat/internal/arbiter"
	"github.com/ashureev/duelchat/internal/channel"
	"github.com/ashureev/duelchat/internal/domain"
	"github.com/ashureev/duelchat/internal/identity"
	"github.com/ashureev/duelchat/internal/journal"
	"github.com/ashureev/duelchat/internal/readiness"
	"github.com/ashureev/duelchat/internal/reassembly"
	"github.com/ashureev/duelchat/internal/store"
	"github.com/ashureev/duelchat/internal/wire"
)

var (
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("session already started")
	// ErrNotStarted is returned by operations that need a resolved profile.
	ErrNotStarted = errors.New("session not started")
	// ErrEmptyPrompt is returned for blank prompts.
	ErrEmptyPrompt = errors.New("empty prompt")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session closed")
	// ErrNoActiveConversation is returned by Select without an active conversation.
	ErrNoActiveConversation = errors.New("no active conversation")
)

// Dispatcher starts producer generation for a conversation. The replies
// arrive on the pub/sub topic, not as a return value.
type Dispatcher interface {
	Dispatch(ctx context.Context, conversationID string, turns []domain.Turn) error
}

// Announcer performs the presence handshake for an identity.
type Announcer interface {
	AnnouncePresence(ctx context.Context, identityID string) error
}

// Deps are the external collaborators of a session.
type Deps struct {
	Identity   identity.Provider
	Store      store.ConversationStore
	Transport  channel.Transport
	Dispatcher Dispatcher
	Announcer  Announcer      // optional
	Journal    journal.Logger // optional
}

// Config tunes a session.
type Config struct {
	Producers   []domain.Producer
	MaxSequence int
	RetryDelay  time.Duration
	Clock       channel.Clock
	Logger      *slog.Logger
}

// Session is the per-user controller.
type Session struct {
	deps   Deps
	cfg    Config
	obs    Observer
	logger *slog.Logger

	gate    *readiness.Gate
	reasm   *reassembly.Reassembler
	arbiter *arbiter.Arbiter

	mu            sync.Mutex
	started       bool
	closed        bool
	ident         domain.Identity
	profile       domain.Profile
	active        string
	conversations []domain.Conversation
	connState     domain.ConnectionState
	handle        *channel.Handle
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// New wires a session. obs may be nil.
func New(deps Deps, cfg Config, obs Observer) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if len(cfg.Producers) == 0 {
		cfg.Producers = domain.DefaultProducers()
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = channel.DefaultRetryDelay
	}
	if obs == nil {
		obs = NopObserver{}
	}
	if deps.Journal == nil {
		deps.Journal = journal.Nop{}
	}

	s := &Session{
		deps:   deps,
		cfg:    cfg,
		obs:    obs,
		logger: cfg.Logger,
		gate: readiness.New(cfg.Logger,
			readiness.FactIdentity, readiness.FactProfile, readiness.FactHistory, readiness.FactConnected),
		reasm: reassembly.New(cfg.Producers, reassembly.Options{MaxSequence: cfg.MaxSequence, Logger: cfg.Logger}),
	}
	s.arbiter = arbiter.New(deps.Store, s.reasm, arbiter.Options{Logger: cfg.Logger})
	s.reasm.OnRendered(obs.OnFragmentRendered)
	s.gate.OnInitialized(s.onReady)
	return s
}

// Start resolves the user, starts observing their history and subscribes to
// their topic. It returns once the background work is running; readiness is
// signalled through Observer.OnReady and Ready.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.started = true
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	ident, err := s.deps.Identity.ResolveIdentity(ctx)
	if err != nil {
		s.obs.OnError(KindIdentity, err.Error())
		return fmt.Errorf("resolve identity: %w", err)
	}
	s.mu.Lock()
	s.ident = ident
	s.mu.Unlock()
	s.gate.Report(readiness.FactIdentity, true)

	profile, err := s.deps.Identity.ResolveProfile(ctx)
	if err != nil {
		s.obs.OnError(KindIdentity, err.Error())
		return fmt.Errorf("resolve profile: %w", err)
	}
	s.mu.Lock()
	s.profile = profile
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()
	s.gate.Report(readiness.FactProfile, true)

	go s.observeHistory(ctx, profile.Email)

	opts := channel.Options{RetryDelay: s.cfg.RetryDelay, Clock: s.cfg.Clock, Logger: s.logger}
	if a := s.deps.Announcer; a != nil {
		opts.Announce = func(ctx context.Context) error {
			return a.AnnouncePresence(ctx, ident.IdentityID)
		}
	}
	handle := channel.New(s.deps.Transport, opts).Subscribe(ctx, profile.Topic(), channel.Handlers{
		OnMessage:     s.onMessage,
		OnStateChange: s.onConnectionState,
		OnError: func(err error) {
			s.obs.OnError(KindTransport, err.Error())
		},
	})
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		handle.Cancel()
		return ErrClosed
	}
	s.handle = handle
	s.mu.Unlock()

	s.logger.Info("Session started", "identity_id", ident.IdentityID, "topic", profile.Topic())
	return nil
}

// Close cancels the subscription and history observation and waits for them.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel, handle := s.cancel, s.handle
	s.mu.Unlock()

	if handle != nil {
		handle.Cancel()
		handle.Wait()
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Session) onReady() {
	s.reasm.Reset()
	s.logger.Info("Session ready")
	s.obs.OnReady()
}

func (s *Session) onMessage(data []byte) {
	frag, err := wire.DecodeFragment(data)
	if err == nil {
		err = s.reasm.Accept(frag)
	}
	if err != nil {
		s.logger.Warn("Dropped fragment", "error", err)
		s.obs.OnError(KindMalformedFragment, err.Error())
	}
}

func (s *Session) onConnectionState(state domain.ConnectionState) {
	s.mu.Lock()
	s.connState = state
	s.mu.Unlock()
	s.gate.Report(readiness.FactConnected, state == domain.ConnectionConnected)
	s.obs.OnConnectionState(state)
}

// observeHistory keeps the conversation list in sync, restarting the
// observation after read errors.
func (s *Session) observeHistory(ctx context.Context, owner string) {
	defer s.wg.Done()
	for {
		for convs, err := range s.deps.Store.Observe(ctx, owner) {
			if err != nil {
				s.logger.Error("Conversation history observation failed", "error", err)
				s.obs.OnError(KindPersistence, err.Error())
				break
			}
			s.onConversations(convs)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.RetryDelay):
		}
	}
}

func (s *Session) onConversations(convs []domain.Conversation) {
	s.mu.Lock()
	s.conversations = slices.Clone(convs)
	if s.active == "" && len(convs) > 0 {
		s.active = convs[0].ID
		s.logger.Debug("Selected newest conversation", "conversation_id", s.active)
	}
	s.mu.Unlock()

	s.gate.Report(readiness.FactHistory, true)
	s.obs.OnConversations(convs)
}

// Ready is closed once the session has initialized.
func (s *Session) Ready() <-chan struct{} {
	return s.gate.Initialized()
}

// IsReady reports whether the session has initialized.
func (s *Session) IsReady() bool {
	return s.gate.Fired()
}

// Missing lists the readiness facts that do not hold yet.
func (s *Session) Missing() []readiness.Fact {
	return s.gate.Missing()
}

// Identity returns the resolved identity.
func (s *Session) Identity() domain.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ident
}

// Profile returns the resolved profile.
func (s *Session) Profile() domain.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile
}

// Conversations returns the latest history snapshot, newest first.
func (s *Session) Conversations() []domain.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.conversations)
}

// Active returns the active conversation id, or "" for none.
func (s *Session) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// ConnectionState returns the last reported pub/sub connection state.
func (s *Session) ConnectionState() domain.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connState
}

// Producers returns the compared producers.
func (s *Session) Producers() []domain.Producer {
	return s.reasm.Producers()
}

// Text returns the reassembled reply of producer for the current turn.
func (s *Session) Text(producer domain.Producer) string {
	return s.reasm.Text(producer)
}

// Texts returns every producer's reassembled reply.
func (s *Session) Texts() map[domain.Producer]string {
	return s.reasm.Snapshot()
}

// Stream yields producer's reply growth until the turn ends or ctx is done.
func (s *Session) Stream(ctx context.Context, producer domain.Producer) iter.Seq[string] {
	return s.reasm.Stream(ctx, producer)
}

// Tally returns per-producer selection counts.
func (s *Session) Tally() map[domain.Producer]int {
	return s.arbiter.Tally()
}
