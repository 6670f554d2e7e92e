package wire

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ashureev/duelchat/internal/domain"
)

// ContentFormat names the persisted conversation content layout: a JSON
// array holding exactly one string, which is itself the JSON encoding of
// the ordered turn list. Existing records use it, so it must round-trip.
const ContentFormat = "stringified-array/v1"

// EncodeContent serialises turns in ContentFormat.
func EncodeContent(turns []domain.Turn) (string, error) {
	if turns == nil {
		turns = []domain.Turn{}
	}
	inner, err := json.Marshal(turns)
	if err != nil {
		return "", fmt.Errorf("encode turns: %w", err)
	}
	outer, err := json.Marshal([]string{string(inner)})
	if err != nil {
		return "", fmt.Errorf("encode content: %w", err)
	}
	return string(outer), nil
}

// DecodeContent parses persisted content. Besides ContentFormat it accepts
// the legacy layouts where the array holds turn objects directly or holds
// a nested array of turns.
func DecodeContent(raw string) ([]domain.Turn, error) {
	if len(bytes.TrimSpace([]byte(raw))) == 0 {
		return nil, nil
	}

	var elems []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &elems); err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}
	if len(elems) == 0 {
		return nil, nil
	}

	first := bytes.TrimSpace(elems[0])
	switch {
	case len(first) > 0 && first[0] == '"':
		var s string
		if err := json.Unmarshal(first, &s); err != nil {
			return nil, fmt.Errorf("decode content string: %w", err)
		}
		return decodeTurnArray([]byte(s))
	case len(first) > 0 && first[0] == '[':
		return decodeTurnArray(first)
	default:
		turns := make([]domain.Turn, 0, len(elems))
		for i, e := range elems {
			var t domain.Turn
			if err := json.Unmarshal(e, &t); err != nil {
				return nil, fmt.Errorf("decode legacy turn %d: %w", i, err)
			}
			turns = append(turns, t)
		}
		return turns, nil
	}
}

func decodeTurnArray(data []byte) ([]domain.Turn, error) {
	var turns []domain.Turn
	if err := json.Unmarshal(data, &turns); err != nil {
		return nil, fmt.Errorf("decode turns: %w", err)
	}
	return turns, nil
}
