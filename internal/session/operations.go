package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/duelchat/internal/domain"
	"github.com/ashureev/duelchat/internal/journal"
	"github.com/ashureev/duelchat/internal/shared"
	"github.com/google/uuid"
)

const dispatchRetryDelay = 200 * time.Millisecond

func newConversationID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (s *Session) owner() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.profile.Email == "" {
		return "", ErrNotStarted
	}
	return s.profile.Email, nil
}

// Submit starts a new turn with prompt. The prompt is appended to the active
// conversation, or to a freshly created one when none is active, and then
// dispatched to the producers. Both buffers are cleared before dispatch.
// Any failure is returned as a *PromptError holding the prompt.
func (s *Session) Submit(ctx context.Context, prompt string) (domain.Conversation, error) {
	if strings.TrimSpace(prompt) == "" {
		return domain.Conversation{}, ErrEmptyPrompt
	}
	owner, err := s.owner()
	if err != nil {
		return domain.Conversation{}, &PromptError{Prompt: prompt, Err: err}
	}
	turn := domain.Turn{Role: domain.RoleUser, Message: prompt}

	var conv domain.Conversation
	if id := s.Active(); id != "" {
		existing, err := s.deps.Store.Get(ctx, id)
		if err != nil {
			s.obs.OnError(storeErrorKind(err), err.Error())
			return domain.Conversation{}, &PromptError{Prompt: prompt, Err: fmt.Errorf("read conversation %s: %w", id, err)}
		}
		conv = existing.WithTurn(turn)
		version, err := s.deps.Store.Update(ctx, id, conv.Turns, existing.Version)
		if err != nil {
			s.obs.OnError(storeErrorKind(err), err.Error())
			return domain.Conversation{}, &PromptError{Prompt: prompt, Err: fmt.Errorf("append prompt to %s: %w", id, err)}
		}
		conv.Version = version
	} else {
		now := time.Now()
		conv = domain.Conversation{
			ID:        newConversationID(),
			Owner:     owner,
			Turns:     []domain.Turn{turn},
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.deps.Store.Create(ctx, conv); err != nil {
			s.obs.OnError(KindPersistence, err.Error())
			return domain.Conversation{}, &PromptError{Prompt: prompt, Err: fmt.Errorf("create conversation: %w", err)}
		}
		s.setActive(conv.ID)
	}

	s.deps.Journal.Log(journal.Event{
		Owner:          owner,
		ConversationID: conv.ID,
		EventType:      journal.EventPrompt,
		ContentRaw:     prompt,
		Meta:           map[string]any{"turns": len(conv.Turns)},
	})

	s.reasm.Reset()
	if err := s.dispatch(ctx, conv); err != nil {
		return conv, &PromptError{Prompt: prompt, Err: err}
	}
	s.logger.Info("Prompt submitted", "conversation_id", conv.ID, "turns", len(conv.Turns))
	return conv, nil
}

// Redispatch re-sends the active conversation to the producers without
// modifying it, for retrying a failed dispatch.
func (s *Session) Redispatch(ctx context.Context) error {
	id := s.Active()
	if id == "" {
		return ErrNoActiveConversation
	}
	conv, err := s.deps.Store.Get(ctx, id)
	if err != nil {
		s.obs.OnError(storeErrorKind(err), err.Error())
		return fmt.Errorf("read conversation %s: %w", id, err)
	}
	s.reasm.Reset()
	return s.dispatch(ctx, conv)
}

// dispatch sends conv to the producers, retrying once on transient errors.
func (s *Session) dispatch(ctx context.Context, conv domain.Conversation) error {
	err := s.deps.Dispatcher.Dispatch(ctx, conv.ID, conv.Turns)
	if err != nil && shared.IsRetryable(err) {
		s.logger.Warn("Dispatch failed, retrying", "conversation_id", conv.ID, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(dispatchRetryDelay):
		}
		err = s.deps.Dispatcher.Dispatch(ctx, conv.ID, conv.Turns)
	}
	if err != nil {
		s.obs.OnError(KindTransport, err.Error())
		s.deps.Journal.Log(journal.Event{
			Owner:          conv.Owner,
			ConversationID: conv.ID,
			EventType:      journal.EventDispatchFailed,
			ContentRaw:     err.Error(),
		})
		return fmt.Errorf("dispatch conversation %s: %w", conv.ID, err)
	}
	return nil
}

// NewConversation creates an empty conversation and makes it active.
func (s *Session) NewConversation(ctx context.Context) (domain.Conversation, error) {
	owner, err := s.owner()
	if err != nil {
		return domain.Conversation{}, err
	}
	now := time.Now()
	conv := domain.Conversation{ID: newConversationID(), Owner: owner, CreatedAt: now, UpdatedAt: now}
	if err := s.deps.Store.Create(ctx, conv); err != nil {
		s.obs.OnError(KindPersistence, err.Error())
		return domain.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	s.setActive(conv.ID)
	s.reasm.Reset()
	return conv, nil
}

// Describe loads a conversation and makes it active.
func (s *Session) Describe(ctx context.Context, id string) (domain.Conversation, error) {
	conv, err := s.deps.Store.Get(ctx, id)
	if err != nil {
		s.obs.OnError(storeErrorKind(err), err.Error())
		return domain.Conversation{}, fmt.Errorf("describe conversation %s: %w", id, err)
	}
	s.setActive(id)
	return conv, nil
}

// Delete removes a conversation. Deleting the active one leaves no
// conversation active until the next history snapshot picks the newest.
func (s *Session) Delete(ctx context.Context, id string) error {
	if err := s.deps.Store.Delete(ctx, id); err != nil {
		s.obs.OnError(storeErrorKind(err), err.Error())
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	s.mu.Lock()
	if s.active == id {
		s.active = ""
	}
	s.mu.Unlock()
	s.logger.Info("Conversation deleted", "conversation_id", id)
	return nil
}

// Select commits producer's reply to the active conversation.
func (s *Session) Select(ctx context.Context, producer domain.Producer) (domain.Conversation, error) {
	id := s.Active()
	if id == "" {
		return domain.Conversation{}, ErrNoActiveConversation
	}
	conv, err := s.arbiter.Select(ctx, id, producer)
	if err != nil {
		if !userRetryable(err) {
			s.obs.OnError(storeErrorKind(err), err.Error())
		}
		return domain.Conversation{}, err
	}
	if last, ok := conv.LastTurn(); ok {
		s.deps.Journal.Log(journal.Event{
			Owner:          conv.Owner,
			ConversationID: id,
			EventType:      journal.EventSelection,
			Producer:       string(producer),
			ContentRaw:     last.Message,
			Meta:           map[string]any{"version": conv.Version},
		})
	}
	s.obs.OnSelectionCommitted(id)
	return conv, nil
}

func (s *Session) setActive(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = id
}
