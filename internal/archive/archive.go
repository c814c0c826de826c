// Package archive is the persistence collaborator for chat events: a SQLite
// store fed fire-and-forget by the gateway.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"classgate/internal/metrics"
	"classgate/pkg/types"
)

// Config holds archive settings.
type Config struct {
	Path           string
	MaxConnections int
	QueueSize      int
	WriteTimeout   time.Duration
}

// DefaultConfig returns settings sized for a single classroom deployment.
func DefaultConfig() Config {
	return Config{
		Path:           "./data/classgate.db",
		MaxConnections: 10,
		QueueSize:      1000,
		WriteTimeout:   5 * time.Second,
	}
}

// Archive stores chat events. Writes are serialised through one goroutine;
// reads run concurrently on the pool.
type Archive struct {
	db      *sql.DB
	cfg     Config
	queue   chan types.ChatEvent
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	metrics metrics.Recorder
	log     *slog.Logger
}

// Open opens (creating if needed) the database at cfg.Path, applies
// migrations and starts the writer.
func Open(cfg Config, rec metrics.Recorder, log *slog.Logger) (*Archive, error) {
	if cfg.Path == "" {
		return nil, ErrEmptyPath
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create archive directory: %w", err)
		}
	}
	if rec == nil {
		rec = metrics.Nop{}
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetConnMaxIdleTime(10 * time.Minute)

	if err := NewMigrationManager(db).ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}

	a := &Archive{
		db:      db,
		cfg:     cfg,
		queue:   make(chan types.ChatEvent, cfg.QueueSize),
		metrics: rec,
		log:     log,
	}

	a.wg.Add(1)
	go a.writeLoop()

	log.Info("archive opened", "path", cfg.Path)
	return a, nil
}

// Publish queues event for storage without blocking. A full queue drops
// the event.
func (a *Archive) Publish(event types.ChatEvent) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		a.metrics.ArchiveDropped()
		return
	}

	select {
	case a.queue <- event:
	default:
		a.metrics.ArchiveDropped()
		a.log.Warn("archive queue full, event dropped", "room_id", event.RoomID, "event_id", event.ID)
	}
}

// writeLoop drains the queue until Close closes it.
func (a *Archive) writeLoop() {
	defer a.wg.Done()

	for event := range a.queue {
		err := a.insert(event)
		a.metrics.ArchiveWrite(err == nil)
		if err != nil {
			a.log.Error("archive write failed", "room_id", event.RoomID, "event_id", event.ID, "error", err)
		}
	}
}

func (a *Archive) insert(event types.ChatEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.WriteTimeout)
	defer cancel()

	_, err := a.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO chat_events (id, room_id, sender_id, sender_name, sender_role, body, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		string(event.RoomID),
		event.Sender.SubjectID,
		event.Sender.DisplayName,
		string(event.Sender.Role),
		event.Body,
		event.SentAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert chat event: %w", err)
	}
	return nil
}

// History returns up to limit of the most recent events in the room, oldest first.
func (a *Archive) History(ctx context.Context, roomID types.RoomID, limit int) ([]types.ChatEvent, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}

	rows, err := a.db.QueryContext(ctx, `
		SELECT id, room_id, sender_id, sender_name, sender_role, body, sent_at
		FROM chat_events
		WHERE room_id = ?
		ORDER BY sent_at DESC, rowid DESC
		LIMIT ?`, string(roomID), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []types.ChatEvent
	for rows.Next() {
		var (
			event  types.ChatEvent
			room   string
			role   string
			sentAt int64
		)
		if err := rows.Scan(&event.ID, &room, &event.Sender.SubjectID, &event.Sender.DisplayName,
			&role, &event.Body, &sentAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat event: %w", err)
		}
		event.RoomID = types.RoomID(room)
		event.Sender.Role = types.Role(role)
		event.SentAt = time.UnixMilli(sentAt).UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	slices.Reverse(events)
	return events, nil
}

// HealthCheck verifies the database is reachable.
func (a *Archive) HealthCheck(ctx context.Context) error {
	a.mu.RLock()
	closed := a.closed
	a.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	return a.db.PingContext(ctx)
}

// Close stops accepting events, flushes the queue and closes the database.
func (a *Archive) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	a.wg.Wait()
	a.log.Info("archive closed")
	return a.db.Close()
}
