// Package arbiter commits the user's choice between competing producer
// responses to the conversation history.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"github.com/ashureev/duelchat/internal/domain"
	"github.com/containerd/errdefs"
)

var (
	// ErrSelectionInFlight is returned while another selection for the same
	// conversation has not finished.
	ErrSelectionInFlight = fmt.Errorf("selection already in flight: %w", errdefs.ErrUnavailable)
	// ErrNothingToSelect is returned when the chosen producer has no text.
	ErrNothingToSelect = fmt.Errorf("nothing to select: %w", errdefs.ErrFailedPrecondition)
)

// Store is the persistence the arbiter needs.
type Store interface {
	Get(ctx context.Context, id string) (domain.Conversation, error)
	Update(ctx context.Context, id string, turns []domain.Turn, expectedVersion int64) (int64, error)
}

// Buffers exposes the reassembled producer text for the current turn.
type Buffers interface {
	Text(producer domain.Producer) string
	Reset(producers ...domain.Producer)
}

// Options configures an Arbiter.
type Options struct {
	Logger *slog.Logger
}

// Arbiter appends a chosen producer reply to a conversation and clears every
// buffer once the write has succeeded.
type Arbiter struct {
	store   Store
	buffers Buffers
	logger  *slog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
	tally    map[domain.Producer]int
}

// New creates an Arbiter.
func New(store Store, buffers Buffers, opts Options) *Arbiter {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Arbiter{
		store:    store,
		buffers:  buffers,
		logger:   opts.Logger,
		inFlight: make(map[string]struct{}),
		tally:    make(map[domain.Producer]int),
	}
}

// Select appends {role: producer, message: text} to conversationID where text
// is the producer's current reassembled reply. Exactly one of two concurrent
// calls for the same conversation proceeds; the other gets
// ErrSelectionInFlight. On any failure buffers are left intact so the user
// can retry.
func (a *Arbiter) Select(ctx context.Context, conversationID string, producer domain.Producer) (domain.Conversation, error) {
	if !a.begin(conversationID) {
		return domain.Conversation{}, ErrSelectionInFlight
	}
	defer a.end(conversationID)

	text := a.buffers.Text(producer)
	if text == "" {
		return domain.Conversation{}, fmt.Errorf("%w: %s has no reply", ErrNothingToSelect, producer)
	}

	conv, err := a.store.Get(ctx, conversationID)
	if err != nil {
		if errors.Is(err, domain.ErrConversationNotFound) {
			a.logger.Warn("Selection target missing", "conversation_id", conversationID, "producer", producer)
		}
		return domain.Conversation{}, fmt.Errorf("select %s: read conversation: %w", producer, err)
	}

	updated := conv.WithTurn(domain.Turn{Role: producer.Label(), Message: text})
	version, err := a.store.Update(ctx, conversationID, updated.Turns, conv.Version)
	if err != nil {
		a.logger.Error("Failed to persist selection", "error", err, "conversation_id", conversationID, "producer", producer)
		return domain.Conversation{}, fmt.Errorf("select %s: write conversation: %w", producer, err)
	}
	updated.Version = version

	a.buffers.Reset()

	a.mu.Lock()
	a.tally[producer]++
	a.mu.Unlock()

	a.logger.Info("Selection committed", "conversation_id", conversationID, "producer", producer, "turns", len(updated.Turns))
	return updated, nil
}

// Tally returns how many selections each producer has won.
func (a *Arbiter) Tally() map[domain.Producer]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return maps.Clone(a.tally)
}

func (a *Arbiter) begin(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, busy := a.inFlight[id]; busy {
		return false
	}
	a.inFlight[id] = struct{}{}
	return true
}

func (a *Arbiter) end(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inFlight, id)
}
