// Package readiness aggregates independent asynchronous facts into a single
// one-shot "initialized" transition.
package readiness

import (
	"log/slog"
	"slices"
	"sync"
)

// Fact names one precondition that must hold before the session is usable.
type Fact string

// Facts reported by the session controller.
const (
	FactIdentity  Fact = "identity"
	FactProfile   Fact = "profile"
	FactHistory   Fact = "history"
	FactConnected Fact = "connected"
)

// Gate fires exactly once, the first time every registered fact holds at
// the same moment. Later churn never un-fires it.
type Gate struct {
	mu        sync.Mutex
	facts     map[Fact]bool
	fired     bool
	done      chan struct{}
	callbacks []func()
	logger    *slog.Logger
}

// New creates a gate over the given facts.
func New(logger *slog.Logger, facts ...Fact) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{
		facts:  make(map[Fact]bool, len(facts)),
		done:   make(chan struct{}),
		logger: logger,
	}
	for _, f := range facts {
		g.facts[f] = false
	}
	return g
}

// Report records the current value of a fact.
func (g *Gate) Report(fact Fact, ok bool) {
	g.mu.Lock()
	prev, known := g.facts[fact]
	if !known {
		g.mu.Unlock()
		g.logger.Warn("Ignoring unregistered readiness fact", "fact", fact)
		return
	}
	if prev == ok {
		g.mu.Unlock()
		return
	}
	g.facts[fact] = ok

	if g.fired || !g.allLocked() {
		g.mu.Unlock()
		return
	}
	g.fired = true
	close(g.done)
	callbacks := g.callbacks
	g.callbacks = nil
	g.mu.Unlock()

	g.logger.Info("Initialization completed")
	for _, cb := range callbacks {
		cb()
	}
}

// IsReady reports whether every fact currently holds.
func (g *Gate) IsReady() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.allLocked()
}

// Fired reports whether the gate has already fired.
func (g *Gate) Fired() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fired
}

// Initialized returns a channel closed when the gate fires.
func (g *Gate) Initialized() <-chan struct{} {
	return g.done
}

// OnInitialized registers fn to run once when the gate fires. If it has
// already fired fn runs immediately on the caller's goroutine.
func (g *Gate) OnInitialized(fn func()) {
	g.mu.Lock()
	if g.fired {
		g.mu.Unlock()
		fn()
		return
	}
	g.callbacks = append(g.callbacks, fn)
	g.mu.Unlock()
}

// Missing returns the facts that do not currently hold, sorted by name.
func (g *Gate) Missing() []Fact {
	g.mu.Lock()
	defer g.mu.Unlock()
	var missing []Fact
	for f, ok := range g.facts {
		if !ok {
			missing = append(missing, f)
		}
	}
	slices.Sort(missing)
	return missing
}

func (g *Gate) allLocked() bool {
	for _, ok := range g.facts {
		if !ok {
			return false
		}
	}
	return true
}
