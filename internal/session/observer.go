package session

import (
	"errors"

	"github.com/ashureev/duelchat/internal/arbiter"
	"github.com/ashureev/duelchat/internal/domain"
	"github.com/containerd/errdefs"
)

// ErrorKind classifies errors reported to an Observer.
type ErrorKind string

// Error kinds.
const (
	KindTransport         ErrorKind = "transport"
	KindMalformedFragment ErrorKind = "malformed_fragment"
	KindPersistence       ErrorKind = "persistence"
	KindNotFound          ErrorKind = "not_found"
	KindIdentity          ErrorKind = "identity"
)

// Observer receives session events. Calls may come from any goroutine and
// must not block for long.
type Observer interface {
	OnReady()
	OnFragmentRendered(producer domain.Producer, text string)
	OnSelectionCommitted(conversationID string)
	OnError(kind ErrorKind, detail string)
	OnConnectionState(state domain.ConnectionState)
	OnConversations(convs []domain.Conversation)
}

// NopObserver ignores every event. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) OnReady()                                   {}
func (NopObserver) OnFragmentRendered(domain.Producer, string) {}
func (NopObserver) OnSelectionCommitted(string)                {}
func (NopObserver) OnError(ErrorKind, string)                  {}
func (NopObserver) OnConnectionState(domain.ConnectionState)   {}
func (NopObserver) OnConversations([]domain.Conversation)      {}

// storeErrorKind maps a persistence error to the kind shown to the user.
func storeErrorKind(err error) ErrorKind {
	if errdefs.IsNotFound(err) {
		return KindNotFound
	}
	return KindPersistence
}

// userRetryable reports selection errors that need no observer notification
// because the caller gets them directly and nothing was written.
func userRetryable(err error) bool {
	return errors.Is(err, arbiter.ErrSelectionInFlight) || errors.Is(err, arbiter.ErrNothingToSelect)
}

// PromptError carries the prompt of a failed submission so it is never lost.
type PromptError struct {
	Prompt string
	Err    error
}

func (e *PromptError) Error() string {
	return "submit prompt: " + e.Err.Error()
}

func (e *PromptError) Unwrap() error {
	return e.Err
}
