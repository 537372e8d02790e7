// Package sqlite persists relay rooms and their replicated entries in SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"musical-multiverse/network/internal/relay"
	"musical-multiverse/network/internal/replica"
	"musical-multiverse/network/internal/store/sqlite/migrations"
)

// Store implements relay.Store.
type Store struct {
	sqlDB *sql.DB
}

var _ relay.Store = (*Store)(nil)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens the database at path and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(context.Background(), sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// SaveEntries upserts entries for room, keeping whichever write wins under
// last-writer-wins, and bumps the room's activity time.
func (s *Store) SaveEntries(ctx context.Context, room string, entries []replica.Entry, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	room = strings.TrimSpace(room)
	if room == "" {
		return fmt.Errorf("room name is required")
	}
	if at.IsZero() {
		at = time.Now()
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO rooms (name, created_at, last_active_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET last_active_at = MAX(rooms.last_active_at, excluded.last_active_at)`,
		room, toMillis(at), toMillis(at),
	); err != nil {
		return fmt.Errorf("touch room %s: %w", room, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO room_entries (room, map_name, entry_key, value, clock, replica, deleted)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(room, map_name, entry_key) DO UPDATE SET
		   value = excluded.value,
		   clock = excluded.clock,
		   replica = excluded.replica,
		   deleted = excluded.deleted
		 WHERE excluded.clock > room_entries.clock
		    OR (excluded.clock = room_entries.clock AND excluded.replica > room_entries.replica)`)
	if err != nil {
		return fmt.Errorf("prepare entry upsert: %w", err)
	}
	defer stmt.Close()

	for _, entry := range entries {
		if entry.Map == "" || entry.Key == "" {
			continue
		}
		var value []byte
		if !entry.Deleted {
			value = entry.Value
		}
		if _, err := stmt.ExecContext(ctx, room, entry.Map, entry.Key, value, int64(entry.Clock), entry.Replica, boolToInt(entry.Deleted)); err != nil {
			return fmt.Errorf("upsert %s/%s: %w", entry.Map, entry.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}

// LoadRoom returns every stored entry of room ordered by map and key. An
// unknown room yields no entries.
func (s *Store) LoadRoom(ctx context.Context, room string) ([]replica.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT map_name, entry_key, value, clock, replica, deleted
		 FROM room_entries WHERE room = ? ORDER BY map_name, entry_key`,
		strings.TrimSpace(room),
	)
	if err != nil {
		return nil, fmt.Errorf("query room %s: %w", room, err)
	}
	defer rows.Close()

	var entries []replica.Entry
	for rows.Next() {
		var (
			entry   replica.Entry
			value   []byte
			clock   int64
			deleted int
		)
		if err := rows.Scan(&entry.Map, &entry.Key, &value, &clock, &entry.Replica, &deleted); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entry.Clock = uint64(clock)
		entry.Deleted = deleted != 0
		if len(value) > 0 {
			entry.Value = json.RawMessage(value)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

// Rooms lists stored rooms, most recently active first.
func (s *Store) Rooms(ctx context.Context) ([]relay.RoomRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT name, created_at, last_active_at FROM rooms ORDER BY last_active_at DESC, name ASC`)
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}
	defer rows.Close()

	var records []relay.RoomRecord
	for rows.Next() {
		var (
			record              relay.RoomRecord
			created, lastActive int64
		)
		if err := rows.Scan(&record.Name, &created, &lastActive); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		record.CreatedAt = fromMillis(created)
		record.LastActiveAt = fromMillis(lastActive)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rooms: %w", err)
	}
	return records, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
