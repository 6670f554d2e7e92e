// Package channel keeps a pub/sub subscription alive across transport drops.
package channel

import (
	"context"
	"sync"
	"time"

	"github.com/ashureev/duelchat/internal/domain"
)

// StateFunc receives connection state changes reported by a transport.
type StateFunc func(domain.ConnectionState)

// Stream is one live subscription. Recv returns io.EOF when the transport
// completes the stream normally.
type Stream interface {
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// Transport opens subscriptions on a topic.
type Transport interface {
	Subscribe(ctx context.Context, topic string, onState StateFunc) (Stream, error)
}

// AnnounceFunc performs the presence handshake after each successful connect.
type AnnounceFunc func(ctx context.Context) error

// Timer is a pending scheduled call.
type Timer interface {
	Stop() bool
}

// Clock schedules delayed calls.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// RealClock returns a Clock backed by the time package.
func RealClock() Clock {
	return realClock{}
}

// onceStream makes Close idempotent so both Cancel and the reader can call it.
type onceStream struct {
	Stream
	once sync.Once
	err  error
}

func (s *onceStream) Close() error {
	s.once.Do(func() { s.err = s.Stream.Close() })
	return s.err
}
