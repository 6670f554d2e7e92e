package api

import (
	"container/list"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/duelchat/internal/domain"
	"github.com/ashureev/duelchat/internal/session"
)

// Event types sent on the SSE stream.
const (
	EventReady      = "ready"
	EventFragment   = "fragment"
	EventCommitted  = "committed"
	EventError      = "error"
	EventConnection = "connection"
	EventHistory    = "history"
)

const defaultConnBuffer = 64

// Event is one SSE message.
type Event struct {
	ID        int64
	Type      string
	Data      []byte
	Timestamp time.Time
}

// EventQueue keeps the most recent events for Last-Event-ID replay.
type EventQueue struct {
	mu      sync.RWMutex
	events  *list.List
	maxSize int
}

// NewEventQueue creates a bounded queue.
func NewEventQueue(maxSize int) *EventQueue {
	if maxSize <= 0 {
		maxSize = 256
	}
	return &EventQueue{events: list.New(), maxSize: maxSize}
}

// Enqueue appends ev, evicting the oldest event when full.
func (q *EventQueue) Enqueue(ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events.PushBack(ev)
	for q.events.Len() > q.maxSize {
		q.events.Remove(q.events.Front())
	}
}

// After returns queued events with an ID greater than afterID, oldest first.
func (q *EventQueue) After(afterID int64) []Event {
	q.mu.RLock()
	defer q.mu.RUnlock()
	var missed []Event
	for e := q.events.Front(); e != nil; e = e.Next() {
		if ev := e.Value.(Event); ev.ID > afterID {
			missed = append(missed, ev)
		}
	}
	return missed
}

// Len returns the number of queued events.
func (q *EventQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.events.Len()
}

// sseConn is one connected SSE client. Events are handed over on ch; done is
// closed when the client falls too far behind and must reconnect.
type sseConn struct {
	id        int64
	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func (c *sseConn) evict() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Broadcaster turns session events into SSE events and fans them out to
// every connected client. It implements session.Observer.
type Broadcaster struct {
	queue  *EventQueue
	logger *slog.Logger

	mu      sync.Mutex
	eventID int64
	connID  int64
	conns   map[int64]*sseConn
}

var _ session.Observer = (*Broadcaster)(nil)

// NewBroadcaster creates a Broadcaster replaying up to replaySize events.
func NewBroadcaster(replaySize int, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		queue:  NewEventQueue(replaySize),
		logger: logger,
		conns:  make(map[int64]*sseConn),
	}
}

// subscribe registers a client and returns the events it missed after
// lastEventID. Registration and replay happen under one lock so no event is
// both replayed and delivered, and none is skipped.
func (b *Broadcaster) subscribe(lastEventID int64) (*sseConn, []Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connID++
	c := &sseConn{id: b.connID, ch: make(chan Event, defaultConnBuffer), done: make(chan struct{})}
	b.conns[c.id] = c
	var missed []Event
	if lastEventID > 0 {
		missed = b.queue.After(lastEventID)
	}
	return c, missed
}

func (b *Broadcaster) unsubscribe(c *sseConn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, c.id)
}

// Connections returns the number of connected clients.
func (b *Broadcaster) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// LastEventID returns the ID of the most recent event.
func (b *Broadcaster) LastEventID() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.eventID
}

func (b *Broadcaster) publish(typ string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("Failed to marshal SSE event", "type", typ, "error", err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.eventID++
	ev := Event{ID: b.eventID, Type: typ, Data: data, Timestamp: time.Now()}
	b.queue.Enqueue(ev)
	for _, c := range b.conns {
		select {
		case c.ch <- ev:
		default:
			b.logger.Warn("SSE client too slow, evicting", "conn_id", c.id, "event_id", ev.ID)
			delete(b.conns, c.id)
			c.evict()
		}
	}
}

// OnReady implements session.Observer.
func (b *Broadcaster) OnReady() {
	b.publish(EventReady, map[string]bool{"ready": true})
}

// OnFragmentRendered implements session.Observer.
func (b *Broadcaster) OnFragmentRendered(producer domain.Producer, text string) {
	b.publish(EventFragment, map[string]string{"producer": string(producer), "text": text})
}

// OnSelectionCommitted implements session.Observer.
func (b *Broadcaster) OnSelectionCommitted(conversationID string) {
	b.publish(EventCommitted, map[string]string{"conversation_id": conversationID})
}

// OnError implements session.Observer.
func (b *Broadcaster) OnError(kind session.ErrorKind, detail string) {
	b.publish(EventError, map[string]string{"kind": string(kind), "detail": detail})
}

// OnConnectionState implements session.Observer.
func (b *Broadcaster) OnConnectionState(state domain.ConnectionState) {
	b.publish(EventConnection, map[string]any{
		"state":        state.String(),
		"reconnecting": state != domain.ConnectionConnected,
	})
}

// OnConversations implements session.Observer.
func (b *Broadcaster) OnConversations(convs []domain.Conversation) {
	b.publish(EventHistory, summarize(convs))
}

type conversationSummary struct {
	ID        string    `json:"id"`
	Turns     int       `json:"turns"`
	Preview   string    `json:"preview,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func summarize(convs []domain.Conversation) []conversationSummary {
	out := make([]conversationSummary, 0, len(convs))
	for _, c := range convs {
		s := conversationSummary{ID: c.ID, Turns: len(c.Turns), CreatedAt: c.CreatedAt}
		if len(c.Turns) > 0 {
			s.Preview = preview(c.Turns[0].Message)
		}
		out = append(out, s)
	}
	return out
}

func preview(s string) string {
	const maxRunes = 60
	r := []rune(s)
	if len(r) <= maxRunes {
		return s
	}
	return string(r[:maxRunes]) + "…"
}
