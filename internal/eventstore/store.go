// Package eventstore keeps a conversation timeline for the lifetime of a
// room. Nothing outlives the room: rows are deleted when it ends.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-interpreter/internal/config"
	_ "modernc.org/sqlite"
)

// Timeline entry kinds.
const (
	KindUtterance = "utterance"
	KindTradeTerm = "trade_term"
	KindDegraded  = "degraded"
	KindState     = "state"
)

// Event is one timeline entry.
type Event struct {
	ID            int64
	RoomID        string
	ParticipantID string
	Kind          string
	Payload       []byte
	CreatedAt     time.Time
}

// Store wraps a SQLite-backed timeline. In ephemeral mode every method is a
// no-op.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "event-store"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS rooms (
    room_id TEXT PRIMARY KEY,
    participant_a TEXT NOT NULL,
    participant_b TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    room_id TEXT NOT NULL,
    participant_id TEXT,
    kind TEXT NOT NULL,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(room_id) REFERENCES rooms(room_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_room ON events(room_id, id);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Enabled reports whether the store writes anything.
func (s *Store) Enabled() bool {
	return s != nil && s.db != nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// OpenRoom records a room and its two participants.
func (s *Store) OpenRoom(ctx context.Context, roomID, participantA, participantB string) error {
	if !s.Enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms(room_id, participant_a, participant_b, created_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(room_id) DO NOTHING`,
		roomID, participantA, participantB, s.clock().UTC().UnixNano())
	return err
}

// AppendEvent writes an event into the room's timeline.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if !s.Enabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(room_id, participant_id, kind, payload, created_at)
		 VALUES(?, ?, ?, ?, ?)`,
		evt.RoomID, evt.ParticipantID, evt.Kind, evt.Payload, evt.CreatedAt.UTC().UnixNano())
	return err
}

// AppendJSON marshals v as the payload of a new event.
func (s *Store) AppendJSON(ctx context.Context, roomID, participantID, kind string, v any) error {
	if !s.Enabled() {
		return nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", kind, err)
	}
	return s.AppendEvent(ctx, Event{RoomID: roomID, ParticipantID: participantID, Kind: kind, Payload: payload})
}

// ListRoomEvents retrieves up to limit events for a room in append order.
func (s *Store) ListRoomEvents(ctx context.Context, roomID string, limit int) ([]Event, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room_id, participant_id, kind, payload, created_at
		 FROM events WHERE room_id = ? ORDER BY id ASC LIMIT ?`, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var participant sql.NullString
		var created int64
		if err := rows.Scan(&e.ID, &e.RoomID, &participant, &e.Kind, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.ParticipantID = participant.String
		e.CreatedAt = time.Unix(0, created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// DeleteRoom removes the room and its whole timeline.
func (s *Store) DeleteRoom(ctx context.Context, roomID string) error {
	if !s.Enabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE room_id = ?`, roomID); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM rooms WHERE room_id = ?`, roomID); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Prune drops rooms left over from a previous process (they cannot still be
// live) and enforces the max_sessions cap.
func (s *Store) Prune(ctx context.Context) error {
	if !s.Enabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.MaxSessions > 0 {
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE room_id IN (
			SELECT room_id FROM rooms ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM rooms WHERE room_id IN (
			SELECT room_id FROM rooms ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions); err != nil {
			return err
		}
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE room_id NOT IN (SELECT room_id FROM rooms)`); err != nil {
		return err
	}
	err = tx.Commit()
	return err
}

// PurgeAll deletes every room. Called on start so no conversation survives a
// restart.
func (s *Store) PurgeAll(ctx context.Context) error {
	if !s.Enabled() {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM events`); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM rooms`)
	return err
}
