package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements KV on a single table using modernc.org/sqlite
// (pure Go, no CGO). SQLite only supports one writer at a time, so the
// connection pool is kept deliberately small; readers still run
// concurrently under WAL.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (creating if absent) the KV store at path. If the
// existing file fails to open as a valid SQLite database — the corruption
// case a crash mid-write can leave behind — the file is renamed aside with
// a timestamp suffix and a fresh store is created in its place, matching
// the corpus's "never fail startup over a damaged local cache" stance. The
// rename-aside path is logged at warn so an operator can recover it later.
func OpenSQLite(path string) (*SQLiteStore, error) {
	s, err := openSQLiteAt(path)
	if err == nil {
		return s, nil
	}
	if path == ":memory:" {
		return nil, err
	}

	backup := fmt.Sprintf("%s.corrupt.%d", path, time.Now().UnixMilli())
	if renameErr := os.Rename(path, backup); renameErr != nil && !errors.Is(renameErr, os.ErrNotExist) {
		return nil, fmt.Errorf("open sqlite %s: %w (also failed to rename aside: %v)", path, err, renameErr)
	}
	slog.Warn("store file failed to open, moved aside and recreating",
		"path", path, "backup", backup, "open_error", err)

	return openSQLiteAt(path)
}

func openSQLiteAt(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("probe sqlite: %w", err)
	}
	// A failing query here (as opposed to failing Exec/Open above) is the
	// signature of a file that opened but whose page structure is
	// corrupt; surface it so OpenSQLite can trigger the rename-aside path.
	if _, err := db.Exec("PRAGMA integrity_check"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("integrity check: %w", err)
	}

	return &SQLiteStore{db: db, path: path}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// Migrate ensures the kv table and schema gate exist, and refuses to serve
// a store written by an incompatible future schema version.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("create kv table: %w", err)
	}

	schemaKey := PrefixSchema + "events"
	raw, ok, err := s.Get(ctx, schemaKey)
	if err != nil {
		return fmt.Errorf("read schema gate: %w", err)
	}
	if !ok {
		return s.Put(ctx, schemaKey, []byte(strconv.Itoa(eventsSchemaVersion)))
	}
	version, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return fmt.Errorf("parse schema gate: %w", err)
	}
	if version > eventsSchemaVersion {
		return fmt.Errorf("store schema version %d is newer than this binary supports (%d)", version, eventsSchemaVersion)
	}
	return nil
}

func (s *SQLiteStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) ListRange(ctx context.Context, prefix string, limit int, reverse bool) ([]Entry, error) {
	order := "ASC"
	if reverse {
		order = "DESC"
	}
	query := fmt.Sprintf(`SELECT key, value, updated_at FROM kv
		WHERE key >= ? AND key < ? ORDER BY key %s`, order)
	args := []any{prefix, prefixUpperBound(prefix)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list range %s: %w", prefix, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var e Entry
		var updatedMS int64
		if err := rows.Scan(&e.Key, &e.Value, &updatedMS); err != nil {
			return nil, fmt.Errorf("scan %s: %w", prefix, err)
		}
		e.UpdatedAt = time.UnixMilli(updatedMS)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key >= ? AND key < ?`,
		prefix, prefixUpperBound(prefix))
	if err != nil {
		return 0, fmt.Errorf("delete prefix %s: %w", prefix, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected for %s: %w", prefix, err)
	}
	return n, nil
}

func (s *SQLiteStore) Count(ctx context.Context, prefix string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv WHERE key >= ? AND key < ?`,
		prefix, prefixUpperBound(prefix)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", prefix, err)
	}
	return n, nil
}

// prefixUpperBound returns the exclusive upper bound for a lexicographic
// prefix scan: incrementing the final byte gives the smallest key that is
// not itself prefixed by prefix.
func prefixUpperBound(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return string(append(b, 0xff))
}
