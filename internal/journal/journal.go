// Package journal writes an append-only NDJSON record of prompts and
// selections, one file per conversation.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Event types.
const (
	EventPrompt         = "prompt"
	EventSelection      = "selection"
	EventDispatchFailed = "dispatch_failed"
)

// Event is one journal line.
type Event struct {
	Timestamp      string         `json:"ts"`
	Owner          string         `json:"owner"`
	ConversationID string         `json:"conversation_id"`
	EventType      string         `json:"event_type"`
	Producer       string         `json:"producer,omitempty"`
	ContentRaw     string         `json:"content_raw"`
	Content        string         `json:"content"`
	Meta           map[string]any `json:"meta,omitempty"`
}

// Logger records journal events. Log never blocks.
type Logger interface {
	Log(ev Event)
	Close() error
}

// Config controls the journal.
type Config struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Nop discards events.
type Nop struct{}

// Log implements Logger.
func (Nop) Log(Event) {}

// Close implements Logger.
func (Nop) Close() error { return nil }

// New returns a file-backed Logger, or Nop when disabled.
func New(cfg Config, logger *slog.Logger) (Logger, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dir == "" {
		return nil, errors.New("journal dir cannot be empty")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	j := &fileJournal{
		dir:    cfg.Dir,
		queue:  make(chan Event, cfg.QueueSize),
		logger: logger,
	}
	j.wg.Add(1)
	go j.run()
	return j, nil
}

type fileJournal struct {
	dir    string
	queue  chan Event
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func (j *fileJournal) Log(ev Event) {
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if ev.Content == "" {
		ev.Content = cleanForReadability(ev.ContentRaw)
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.queue <- ev:
	default:
		j.logger.Warn("Journal queue full, dropping event", "conversation_id", ev.ConversationID, "event_type", ev.EventType)
	}
}

func (j *fileJournal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.queue)
	j.mu.Unlock()

	j.wg.Wait()
	return nil
}

func (j *fileJournal) run() {
	defer j.wg.Done()
	for ev := range j.queue {
		if err := j.write(ev); err != nil {
			j.logger.Warn("Failed to write journal event", "error", err, "conversation_id", ev.ConversationID)
		}
	}
}

// write appends one line to the conversation's file. Files are opened per
// event so descriptors do not accumulate with the number of conversations.
func (j *fileJournal) write(ev Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	path := filepath.Join(j.dir, safeName(ev.Owner), safeName(ev.ConversationID)+".ndjson")
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640) //nolint:gosec // path is built from sanitized names
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

var (
	unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._@-]`)
	ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
)

func safeName(s string) string {
	s = unsafeChars.ReplaceAllString(s, "_")
	s = strings.Trim(s, ".")
	if s == "" {
		return "_"
	}
	return s
}

// cleanForReadability strips terminal escapes and control characters.
func cleanForReadability(s string) string {
	s = ansiPattern.ReplaceAllString(s, "")
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}
