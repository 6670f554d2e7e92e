// Package wire holds the on-the-wire formats exchanged with the pub/sub
// transport and the conversation store.
package wire

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashureev/duelchat/internal/domain"
)

// fragmentPayload mirrors the published fragment. Pointer fields let the
// decoder tell a missing field from a zero value.
type fragmentPayload struct {
	Role     *string `json:"role"`
	Message  *string `json:"message"`
	Sequence *int64  `json:"sequence"`
}

// DecodeFragment validates a raw pub/sub message and converts it to a Fragment.
// Every failure wraps domain.ErrMalformedFragment.
func DecodeFragment(data []byte) (domain.Fragment, error) {
	var p fragmentPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return domain.Fragment{}, fmt.Errorf("%w: %v", domain.ErrMalformedFragment, err)
	}
	switch {
	case p.Role == nil || strings.TrimSpace(*p.Role) == "":
		return domain.Fragment{}, fmt.Errorf("%w: missing role", domain.ErrMalformedFragment)
	case p.Message == nil:
		return domain.Fragment{}, fmt.Errorf("%w: missing message", domain.ErrMalformedFragment)
	case p.Sequence == nil:
		return domain.Fragment{}, fmt.Errorf("%w: missing sequence", domain.ErrMalformedFragment)
	}

	seq := *p.Sequence
	if seq < 0 || seq > int64(maxInt) {
		return domain.Fragment{}, fmt.Errorf("%w: sequence %d out of range", domain.ErrMalformedFragment, seq)
	}

	return domain.Fragment{
		Producer: domain.Producer(strings.ToLower(strings.TrimSpace(*p.Role))),
		Sequence: int(seq),
		Payload:  *p.Message,
	}, nil
}

// EncodeFragment produces the published form of a fragment.
func EncodeFragment(f domain.Fragment) ([]byte, error) {
	role := string(f.Producer)
	seq := int64(f.Sequence)
	return json.Marshal(fragmentPayload{Role: &role, Message: &f.Payload, Sequence: &seq})
}

const maxInt = int(^uint(0) >> 1)
