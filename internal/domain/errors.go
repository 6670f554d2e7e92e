package domain

import (
	"fmt"

	"github.com/containerd/errdefs"
)

// Sentinel errors shared across packages. Each wraps an errdefs class so
// callers can classify with errdefs.IsNotFound and friends.
var (
	ErrMalformedFragment    = fmt.Errorf("malformed fragment: %w", errdefs.ErrInvalidArgument)
	ErrConversationNotFound = fmt.Errorf("conversation: %w", errdefs.ErrNotFound)
	ErrVersionConflict      = fmt.Errorf("conversation changed concurrently: %w", errdefs.ErrConflict)
)
