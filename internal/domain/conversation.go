package domain

import (
	"slices"
	"time"
)

// Turn is one persisted entry of a conversation.
type Turn struct {
	Role    string `json:"role"`
	Message string `json:"message"`
}

// Conversation is a persisted chat history owned by one user.
type Conversation struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Turns     []Turn    `json:"turns"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WithTurn returns a copy of the conversation with turn appended.
// The receiver's turn slice is never shared with the result.
func (c Conversation) WithTurn(turn Turn) Conversation {
	c.Turns = append(slices.Clone(c.Turns), turn)
	return c
}

// LastTurn returns the most recent turn, if any.
func (c Conversation) LastTurn() (Turn, bool) {
	if len(c.Turns) == 0 {
		return Turn{}, false
	}
	return c.Turns[len(c.Turns)-1], true
}
