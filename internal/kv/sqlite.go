package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	expires_at INTEGER
);
CREATE TABLE IF NOT EXISTS kv_hash (
	key   TEXT NOT NULL,
	field TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (key, field)
);
CREATE TABLE IF NOT EXISTS kv_hash_meta (
	key        TEXT PRIMARY KEY,
	expires_at INTEGER
);
`

// SQLite is an embedded Store for single-node deployments without Redis.
// Expiry is enforced lazily on read plus a background sweep.
type SQLite struct {
	db        *sql.DB
	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSQLite opens (and creates if needed) the database at path.
// ":memory:" is accepted for tests.
func NewSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("sqlite path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create kv directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite prefers single writer.
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply kv schema: %w", err)
	}

	s := &SQLite{db: db, stop: make(chan struct{})}
	s.wg.Add(1)
	go s.sweepLoop()
	return s, nil
}

func (s *SQLite) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now().UnixMilli()
			_, _ = s.db.Exec(`DELETE FROM kv WHERE expires_at IS NOT NULL AND expires_at <= ?`, now)
			_, _ = s.db.Exec(`DELETE FROM kv_hash WHERE key IN (SELECT key FROM kv_hash_meta WHERE expires_at IS NOT NULL AND expires_at <= ?)`, now)
			_, _ = s.db.Exec(`DELETE FROM kv_hash_meta WHERE expires_at IS NOT NULL AND expires_at <= ?`, now)
		case <-s.stop:
			return
		}
	}
}

func (s *SQLite) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	var expires sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM kv WHERE key = ?`, key).Scan(&value, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if expires.Valid && expires.Int64 <= time.Now().UnixMilli() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
		return "", false, nil
	}
	return value, true, nil
}

func (s *SQLite) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	var expires any
	if ttl > 0 {
		expires = time.Now().Add(ttl).UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
	`, key, value, expires)
	return err
}

func (s *SQLite) SetKeepTTL(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, expires_at) VALUES (?, ?, NULL)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

func (s *SQLite) Del(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_hash WHERE key = ?`, key); err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_hash_meta WHERE key = ?`, key); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) HGet(ctx context.Context, key, field string) (string, bool, error) {
	if expired, err := s.purgeExpiredHash(ctx, key); err != nil || expired {
		return "", false, err
	}
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_hash WHERE key = ? AND field = ?`, key, field).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *SQLite) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for field, value := range fields {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO kv_hash (key, field, value) VALUES (?, ?, ?)
			ON CONFLICT(key, field) DO UPDATE SET value = excluded.value
		`, key, field, value); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLite) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if expired, err := s.purgeExpiredHash(ctx, key); err != nil || expired {
		return map[string]string{}, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT field, value FROM kv_hash WHERE key = ?`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var field, value string
		if err := rows.Scan(&field, &value); err != nil {
			return nil, err
		}
		out[field] = value
	}
	return out, rows.Err()
}

func (s *SQLite) HLen(ctx context.Context, key string) (int64, error) {
	if expired, err := s.purgeExpiredHash(ctx, key); err != nil || expired {
		return 0, err
	}
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv_hash WHERE key = ?`, key).Scan(&n)
	return n, err
}

// HScan returns every match in a single pass; the cursor is always 0.
func (s *SQLite) HScan(ctx context.Context, key string, _ uint64, match string, _ int64) ([]string, uint64, error) {
	if expired, err := s.purgeExpiredHash(ctx, key); err != nil || expired {
		return nil, 0, err
	}
	if match == "" {
		match = "*"
	}
	rows, err := s.db.QueryContext(ctx, `SELECT field, value FROM kv_hash WHERE key = ? AND field GLOB ?`, key, match)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var pairs []string
	for rows.Next() {
		var field, value string
		if err := rows.Scan(&field, &value); err != nil {
			return nil, 0, err
		}
		pairs = append(pairs, field, value)
	}
	return pairs, 0, rows.Err()
}

func (s *SQLite) Expire(ctx context.Context, key string, ttl time.Duration) error {
	expires := time.Now().Add(ttl).UnixMilli()
	if _, err := s.db.ExecContext(ctx, `UPDATE kv SET expires_at = ? WHERE key = ?`, expires, key); err != nil {
		return err
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv_hash WHERE key = ?`, key).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO kv_hash_meta (key, expires_at) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET expires_at = excluded.expires_at
		`, key, expires)
		return err
	}
	return nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
	})
	s.wg.Wait()
	return s.db.Close()
}

// purgeExpiredHash drops the hash when its TTL has passed, reporting whether
// it did so.
func (s *SQLite) purgeExpiredHash(ctx context.Context, key string) (bool, error) {
	var expires sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT expires_at FROM kv_hash_meta WHERE key = ?`, key).Scan(&expires)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !expires.Valid || expires.Int64 > time.Now().UnixMilli() {
		return false, nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_hash WHERE key = ?`, key); err != nil {
		return true, err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM kv_hash_meta WHERE key = ?`, key)
	return true, err
}
