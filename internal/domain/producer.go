package domain

import (
	"slices"
	"strings"
)

// Producer identifies one of the concurrent response generators being compared.
type Producer string

// Default producers.
const (
	ProducerClaude  Producer = "claude"
	ProducerChatGPT Producer = "chatgpt"
)

// RoleUser is the turn role for prompts typed by the user.
const RoleUser = "user"

// DefaultProducers returns the default pair of producers.
func DefaultProducers() []Producer {
	return []Producer{ProducerClaude, ProducerChatGPT}
}

// ParseProducers parses a comma separated producer list, dropping blanks and duplicates.
func ParseProducers(s string) []Producer {
	var out []Producer
	for _, part := range strings.Split(s, ",") {
		p := Producer(strings.ToLower(strings.TrimSpace(part)))
		if p == "" || slices.Contains(out, p) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Label returns the role label used when a producer's reply is persisted.
func (p Producer) Label() string {
	return string(p)
}

// Fragment is a single piece of a streamed response.
type Fragment struct {
	Producer Producer
	Sequence int
	Payload  string
}
