package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/median-dxz/med-accord-server/internal/core"
)

// ErrBlobNotFound is returned when no blob metadata exists for an ID.
var ErrBlobNotFound = errors.New("blob metadata not found")

// BlobMetadata stores metadata about an attachment on disk.
type BlobMetadata struct {
	ID           string
	Kind         string
	OriginalName string
	ContentType  string
	DiskName     string
	SizeBytes    int64
	CreatedAt    time.Time
}

// Store persists rooms, members and attachment metadata in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database and runs migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	st := &Store{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("sqlite store opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	id TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	internal_name TEXT NOT NULL DEFAULT '',
	icon TEXT NOT NULL DEFAULT '',
	created_at_unix_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS members (
	id TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	avatar TEXT NOT NULL DEFAULT '',
	updated_at_unix_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS blobs (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	original_name TEXT NOT NULL,
	content_type TEXT NOT NULL,
	disk_name TEXT NOT NULL UNIQUE,
	size_bytes INTEGER NOT NULL CHECK(size_bytes >= 0),
	created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_blobs_created_at ON blobs(created_at_unix_ms);
`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run sqlite migrations: %w", err)
	}
	slog.Debug("sqlite migrations applied")
	return nil
}

// CreateRoom inserts a room row. It reports false without error when a room
// with the same id is already stored.
func (s *Store) CreateRoom(ctx context.Context, info core.RoomInfo) (bool, error) {
	if strings.TrimSpace(info.ID) == "" {
		return false, fmt.Errorf("room id is required")
	}
	const q = `
INSERT INTO rooms (id, display_name, internal_name, icon, created_at_unix_ms)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING
`
	res, err := s.db.ExecContext(ctx, q, info.ID, info.DisplayName, info.InternalName, info.Icon, time.Now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("insert room: %w", err)
	}
	n, _ := res.RowsAffected()
	slog.Debug("room row written", "room_id", info.ID, "created", n > 0)
	return n > 0, nil
}

// ListRooms returns stored rooms in creation order.
func (s *Store) ListRooms(ctx context.Context) ([]core.RoomInfo, error) {
	const q = `
SELECT id, display_name, internal_name, icon
FROM rooms
ORDER BY created_at_unix_ms, rowid
`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}
	defer rows.Close()

	var out []core.RoomInfo
	for rows.Next() {
		var r core.RoomInfo
		if err := rows.Scan(&r.ID, &r.DisplayName, &r.InternalName, &r.Icon); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		out = append(out, r)
	}
	slog.Debug("rooms loaded", "count", len(out))
	return out, rows.Err()
}

// SaveMember inserts or updates a member profile.
func (s *Store) SaveMember(ctx context.Context, rec core.MemberRecord) error {
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("member id is required")
	}
	const q = `
INSERT INTO members (id, display_name, avatar, updated_at_unix_ms)
VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	display_name = excluded.display_name,
	avatar = excluded.avatar,
	updated_at_unix_ms = excluded.updated_at_unix_ms
`
	if _, err := s.db.ExecContext(ctx, q, rec.ID, rec.DisplayName, rec.Avatar, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("upsert member: %w", err)
	}
	slog.Debug("member persisted", "member_id", rec.ID)
	return nil
}

// ListMembers returns every stored member ordered by id.
func (s *Store) ListMembers(ctx context.Context) ([]core.MemberRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, display_name, avatar FROM members ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	var out []core.MemberRecord
	for rows.Next() {
		var m core.MemberRecord
		if err := rows.Scan(&m.ID, &m.DisplayName, &m.Avatar); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		out = append(out, m)
	}
	slog.Debug("members loaded", "count", len(out))
	return out, rows.Err()
}

// Counts returns the number of stored rooms and members.
func (s *Store) Counts(ctx context.Context) (rooms, members int, err error) {
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rooms`).Scan(&rooms); err != nil {
		return 0, 0, fmt.Errorf("count rooms: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM members`).Scan(&members); err != nil {
		return 0, 0, fmt.Errorf("count members: %w", err)
	}
	return rooms, members, nil
}

// CreateBlob creates one blob metadata row.
func (s *Store) CreateBlob(ctx context.Context, meta BlobMetadata) error {
	if strings.TrimSpace(meta.ID) == "" {
		return fmt.Errorf("blob id is required")
	}
	if strings.TrimSpace(meta.Kind) == "" {
		return fmt.Errorf("blob kind is required")
	}
	if strings.TrimSpace(meta.OriginalName) == "" {
		return fmt.Errorf("blob original name is required")
	}
	if strings.TrimSpace(meta.ContentType) == "" {
		return fmt.Errorf("blob content type is required")
	}
	if strings.TrimSpace(meta.DiskName) == "" {
		return fmt.Errorf("blob disk name is required")
	}
	if meta.SizeBytes < 0 {
		return fmt.Errorf("blob size must be non-negative")
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}

	const q = `
INSERT INTO blobs (
	id, kind, original_name, content_type, disk_name, size_bytes, created_at_unix_ms
) VALUES (?, ?, ?, ?, ?, ?, ?)
`
	_, err := s.db.ExecContext(ctx, q,
		meta.ID,
		meta.Kind,
		meta.OriginalName,
		meta.ContentType,
		meta.DiskName,
		meta.SizeBytes,
		meta.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert blob metadata: %w", err)
	}
	slog.Debug("blob metadata created", "blob_id", meta.ID, "size", meta.SizeBytes)
	return nil
}

// BlobByID returns blob metadata by UUID.
func (s *Store) BlobByID(ctx context.Context, id string) (BlobMetadata, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return BlobMetadata{}, fmt.Errorf("blob id is required")
	}

	const q = `
SELECT id, kind, original_name, content_type, disk_name, size_bytes, created_at_unix_ms
FROM blobs
WHERE id = ?
`
	var (
		meta           BlobMetadata
		createdAtUnixM int64
	)
	err := s.db.QueryRowContext(ctx, q, id).Scan(
		&meta.ID,
		&meta.Kind,
		&meta.OriginalName,
		&meta.ContentType,
		&meta.DiskName,
		&meta.SizeBytes,
		&createdAtUnixM,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			slog.Debug("blob not found", "blob_id", id)
			return BlobMetadata{}, ErrBlobNotFound
		}
		return BlobMetadata{}, fmt.Errorf("query blob metadata: %w", err)
	}

	meta.CreatedAt = time.UnixMilli(createdAtUnixM).UTC()
	return meta, nil
}
