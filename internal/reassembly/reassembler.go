// Package reassembly rebuilds ordered response text from out-of-order,
// sequence-tagged fragments, one buffer per producer.
package reassembly

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/ashureev/duelchat/internal/domain"
)

// DefaultMaxSequence bounds accepted sequence numbers for a single turn.
const DefaultMaxSequence = 1 << 20

// Options configures a Reassembler.
type Options struct {
	MaxSequence int
	Logger      *slog.Logger
}

// RenderFunc is called with the full contiguous text whenever it grows.
type RenderFunc func(producer domain.Producer, text string)

// buffer is the per-producer reassembly state for the current turn.
// Fragments below next are already part of text; pending holds the ones
// waiting for a gap to fill.
type buffer struct {
	text    strings.Builder
	next    int
	pending map[int]string
	epoch   uint64
}

func newBuffer(epoch uint64) *buffer {
	return &buffer{pending: make(map[int]string), epoch: epoch}
}

// Reassembler exposes, per producer, the longest gap-free prefix of the
// sequence-ordered payload concatenation.
type Reassembler struct {
	mu        sync.Mutex
	producers []domain.Producer
	buffers   map[domain.Producer]*buffer
	changed   chan struct{}
	renderers []RenderFunc
	renderMu  sync.Mutex // serialises render delivery
	maxSeq    int
	logger    *slog.Logger
}

// New creates a Reassembler for a fixed producer set.
func New(producers []domain.Producer, opts Options) *Reassembler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxSequence <= 0 {
		opts.MaxSequence = DefaultMaxSequence
	}
	r := &Reassembler{
		producers: slices.Clone(producers),
		buffers:   make(map[domain.Producer]*buffer, len(producers)),
		changed:   make(chan struct{}),
		maxSeq:    opts.MaxSequence,
		logger:    opts.Logger,
	}
	for _, p := range producers {
		r.buffers[p] = newBuffer(0)
	}
	return r
}

// Producers returns the producer set in configuration order.
func (r *Reassembler) Producers() []domain.Producer {
	return slices.Clone(r.producers)
}

// OnRendered registers fn to observe prefix growth. Callbacks run on the
// goroutine that called Accept, outside the internal lock, one delivery at a
// time. A render whose turn was reset before delivery is dropped.
func (r *Reassembler) OnRendered(fn RenderFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renderers = append(r.renderers, fn)
}

// Accept stores a fragment. Duplicates of an already received slot are
// ignored (first write wins). Unknown producers and out-of-range sequence
// numbers are rejected with domain.ErrMalformedFragment.
func (r *Reassembler) Accept(f domain.Fragment) error {
	r.mu.Lock()
	b, ok := r.buffers[f.Producer]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn("Rejected fragment from unknown producer", "producer", f.Producer, "sequence", f.Sequence)
		return fmt.Errorf("%w: unknown producer %q", domain.ErrMalformedFragment, f.Producer)
	}
	if f.Sequence < 0 || f.Sequence > r.maxSeq {
		r.mu.Unlock()
		r.logger.Warn("Rejected fragment with out-of-range sequence", "producer", f.Producer, "sequence", f.Sequence)
		return fmt.Errorf("%w: sequence %d out of range", domain.ErrMalformedFragment, f.Sequence)
	}

	if _, held := b.pending[f.Sequence]; held || f.Sequence < b.next {
		r.mu.Unlock()
		r.logger.Debug("Ignoring duplicate fragment", "producer", f.Producer, "sequence", f.Sequence)
		return nil
	}
	b.pending[f.Sequence] = f.Payload

	grew := false
	for {
		payload, ok := b.pending[b.next]
		if !ok {
			break
		}
		delete(b.pending, b.next)
		b.text.WriteString(payload)
		b.next++
		grew = true
	}

	if !grew {
		r.mu.Unlock()
		return nil
	}
	text := b.text.String()
	epoch := b.epoch
	renderers := slices.Clone(r.renderers)
	r.notifyLocked()
	r.mu.Unlock()

	r.renderMu.Lock()
	defer r.renderMu.Unlock()
	for _, fn := range renderers {
		if !r.inEpoch(f.Producer, epoch) {
			r.logger.Debug("Dropping render of reset turn", "producer", f.Producer)
			return nil
		}
		fn(f.Producer, text)
	}
	return nil
}

func (r *Reassembler) inEpoch(producer domain.Producer, epoch uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buffers[producer].epoch == epoch
}

// Text returns the contiguous prefix received so far for producer.
func (r *Reassembler) Text(producer domain.Producer) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.buffers[producer]; ok {
		return b.text.String()
	}
	return ""
}

// Pending returns how many fragments are held behind a gap for producer.
func (r *Reassembler) Pending(producer domain.Producer) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.buffers[producer]; ok {
		return len(b.pending)
	}
	return 0
}

// Snapshot returns the current text of every producer.
func (r *Reassembler) Snapshot() map[domain.Producer]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[domain.Producer]string, len(r.buffers))
	for p, b := range r.buffers {
		out[p] = b.text.String()
	}
	return out
}

// Empty reports whether no producer has any buffered fragment.
func (r *Reassembler) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.buffers {
		if b.next > 0 || len(b.pending) > 0 {
			return false
		}
	}
	return true
}

// Reset discards the buffers of the given producers, or of all producers
// when none are named, and ends their open streams.
func (r *Reassembler) Reset(producers ...domain.Producer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(producers) == 0 {
		producers = r.producers
	}
	for _, p := range producers {
		if b, ok := r.buffers[p]; ok {
			r.buffers[p] = newBuffer(b.epoch + 1)
		}
	}
	r.notifyLocked()
}

// Stream yields the text of producer's current turn as a growing sequence
// of chunks. It finishes when the turn is reset or ctx is done.
func (r *Reassembler) Stream(ctx context.Context, producer domain.Producer) iter.Seq[string] {
	return func(yield func(string) bool) {
		r.mu.Lock()
		b, ok := r.buffers[producer]
		if !ok {
			r.mu.Unlock()
			return
		}
		epoch := b.epoch
		r.mu.Unlock()

		sent := 0
		for {
			r.mu.Lock()
			b := r.buffers[producer]
			if b.epoch != epoch {
				r.mu.Unlock()
				return
			}
			text := b.text.String()
			wait := r.changed
			r.mu.Unlock()

			if len(text) > sent {
				chunk := text[sent:]
				sent = len(text)
				if !yield(chunk) {
					return
				}
				continue
			}

			select {
			case <-ctx.Done():
				return
			case <-wait:
			}
		}
	}
}

// notifyLocked wakes every waiting stream. Callers must hold r.mu.
func (r *Reassembler) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}
