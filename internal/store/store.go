// Package store provides conversation persistence interfaces and implementations.
package store

import (
	"context"
	"iter"

	"github.com/ashureev/duelchat/internal/domain"
)

// ConversationStore persists conversation histories.
type ConversationStore interface {
	// Get retrieves a conversation by ID. Missing conversations yield
	// domain.ErrConversationNotFound.
	Get(ctx context.Context, id string) (domain.Conversation, error)

	// Create inserts a new conversation.
	Create(ctx context.Context, conv domain.Conversation) error

	// Update replaces the turns of a conversation and returns the new version.
	// The write only happens if the stored version equals expectedVersion
	// (optimistic locking); otherwise domain.ErrVersionConflict is returned.
	Update(ctx context.Context, id string, turns []domain.Turn, expectedVersion int64) (int64, error)

	// Delete removes a conversation.
	Delete(ctx context.Context, id string) error

	// List returns the owner's conversations, newest first. An empty owner
	// lists every conversation.
	List(ctx context.Context, owner string) ([]domain.Conversation, error)

	// Observe yields the owner's conversation list now and after every change
	// until ctx ends.
	Observe(ctx context.Context, owner string) iter.Seq2[[]domain.Conversation, error]

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
