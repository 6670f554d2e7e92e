package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/duelchat/internal/domain"
	"github.com/ashureev/duelchat/internal/shared"
	"github.com/ashureev/duelchat/internal/wire"
	_ "modernc.org/sqlite"
)

// Config configures the SQLite store.
type Config struct {
	Path string
	// PollInterval makes Observe re-read periodically so writes from other
	// processes sharing the file are picked up. Zero disables polling.
	PollInterval time.Duration
	// WatchFile wakes Observe on filesystem notifications for the database
	// file, so external writes show up without waiting for the next poll.
	WatchFile bool
	Logger    *slog.Logger
}

// SQLiteStore implements ConversationStore using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serialises writes to prevent SQLITE_BUSY
	poll    time.Duration
	logger  *slog.Logger
	watcher *fileWatcher

	notifyMu sync.Mutex
	changed  chan struct{}
}

// NewSQLite creates a new SQLite-backed store at dbPath.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	return NewSQLiteWithConfig(Config{Path: dbPath})
}

// NewSQLiteWithConfig creates a new SQLite-backed store.
func NewSQLiteWithConfig(cfg Config) (*SQLiteStore, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Pragmas in the DSN apply to every pooled connection.
	dsn := cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{
		db:      db,
		poll:    cfg.PollInterval,
		logger:  cfg.Logger,
		changed: make(chan struct{}),
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	if cfg.WatchFile {
		w, err := newFileWatcher(cfg.Path, s.notify)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		s.watcher = w
		go w.run(s)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		content TEXT NOT NULL,
		content_format TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_owner ON conversations(owner, created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.watcher != nil {
		if err := s.watcher.close(); err != nil {
			s.logger.Warn("close database watcher", "error", err)
		}
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

const selectColumns = `SELECT id, owner, content, version, created_at, updated_at FROM conversations`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (domain.Conversation, error) {
	var conv domain.Conversation
	var content string
	var createdAt, updatedAt int64

	if err := row.Scan(&conv.ID, &conv.Owner, &content, &conv.Version, &createdAt, &updatedAt); err != nil {
		return domain.Conversation{}, err
	}

	turns, err := wire.DecodeContent(content)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("conversation %s: %w", conv.ID, err)
	}
	conv.Turns = turns
	conv.CreatedAt = time.UnixMilli(createdAt)
	conv.UpdatedAt = time.UnixMilli(updatedAt)
	return conv, nil
}

// Get retrieves a conversation by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Conversation{}, fmt.Errorf("get %s: %w", id, domain.ErrConversationNotFound)
	}
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("scan conversation row: %w", err)
	}
	return conv, nil
}

// Create inserts a new conversation.
func (s *SQLiteStore) Create(ctx context.Context, conv domain.Conversation) error {
	content, err := wire.EncodeContent(conv.Turns)
	if err != nil {
		return err
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now()
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = conv.CreatedAt
	}

	query := `
	INSERT INTO conversations (id, owner, content, content_format, version, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	err = s.write(ctx, "create conversation", func() error {
		_, err := s.db.ExecContext(ctx, query,
			conv.ID, conv.Owner, content, wire.ContentFormat, conv.Version,
			conv.CreatedAt.UnixMilli(), conv.UpdatedAt.UnixMilli(),
		)
		return err
	})
	if err != nil {
		return err
	}
	s.notify()
	return nil
}

// Update replaces the turns of a conversation if its version still matches.
func (s *SQLiteStore) Update(ctx context.Context, id string, turns []domain.Turn, expectedVersion int64) (int64, error) {
	content, err := wire.EncodeContent(turns)
	if err != nil {
		return 0, err
	}

	query := `
	UPDATE conversations
	SET content = ?, content_format = ?, version = version + 1, updated_at = ?
	WHERE id = ? AND version = ?`

	var rows int64
	err = s.write(ctx, "update conversation", func() error {
		result, err := s.db.ExecContext(ctx, query, content, wire.ContentFormat, time.Now().UnixMilli(), id, expectedVersion)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}

	if rows == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return 0, fmt.Errorf("update %s: %w", id, getErr)
		}
		s.logger.Warn("Conversation update lost optimistic lock", "conversation_id", id, "expected_version", expectedVersion)
		return 0, fmt.Errorf("update %s: %w", id, domain.ErrVersionConflict)
	}

	s.notify()
	return expectedVersion + 1, nil
}

// Delete removes a conversation.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	var rows int64
	err := s.write(ctx, "delete conversation", func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("delete %s: %w", id, domain.ErrConversationNotFound)
	}
	s.notify()
	return nil
}

// List returns conversations newest first.
func (s *SQLiteStore) List(ctx context.Context, owner string) ([]domain.Conversation, error) {
	query := selectColumns + ` ORDER BY created_at DESC, rowid DESC`
	var args []any
	if owner != "" {
		query = selectColumns + ` WHERE owner = ? ORDER BY created_at DESC, rowid DESC`
		args = append(args, owner)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("failed to close conversation rows", "error", closeErr)
		}
	}()

	convs := []domain.Conversation{}
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return convs, nil
}

// Observe yields the owner's list immediately and again after each write
// made through this store (and on every poll tick when polling is enabled).
// Iteration stops when ctx ends or the consumer stops; a read error is
// yielded and ends the sequence.
func (s *SQLiteStore) Observe(ctx context.Context, owner string) iter.Seq2[[]domain.Conversation, error] {
	return func(yield func([]domain.Conversation, error) bool) {
		var tick <-chan time.Time
		if s.poll > 0 {
			ticker := time.NewTicker(s.poll)
			defer ticker.Stop()
			tick = ticker.C
		}

		for {
			wait := s.waitChan()
			convs, err := s.List(ctx, owner)
			if err != nil {
				if ctx.Err() == nil {
					yield(nil, err)
				}
				return
			}
			if !yield(convs, nil) {
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-wait:
			case <-tick:
			}
		}
	}
}

func (s *SQLiteStore) waitChan() <-chan struct{} {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	return s.changed
}

func (s *SQLiteStore) notify() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	close(s.changed)
	s.changed = make(chan struct{})
}

// write runs op under the write mutex, retrying with exponential backoff
// while SQLite reports the database busy or locked.
func (s *SQLiteStore) write(ctx context.Context, what string, op func() error) error {
	const maxRetries = 3
	baseDelay := 50 * time.Millisecond

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var err error
	for i := 0; i < maxRetries; i++ {
		err = op()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == maxRetries-1 {
			break
		}

		delay := baseDelay * time.Duration(1<<i) // 50ms, 100ms
		s.logger.Debug("SQLite busy, retrying", "op", what, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", what, ctx.Err())
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}
