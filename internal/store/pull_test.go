package store

import (
	"context"
	"iter"

	"github.com/ashureev/duelchat/internal/domain"
)

func iterPull(s *SQLiteStore, ctx context.Context) (func() ([]domain.Conversation, bool), func()) {
	next, stop := iter.Pull2(s.Observe(ctx, "a"))
	return func() ([]domain.Conversation, bool) {
		convs, err, ok := next()
		if err != nil {
			return nil, false
		}
		return convs, ok
	}, stop
}
