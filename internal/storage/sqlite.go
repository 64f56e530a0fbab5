package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchemaSQL = `
CREATE TABLE IF NOT EXISTS entries (
	path     TEXT PRIMARY KEY,
	parent   TEXT NOT NULL,
	name     TEXT NOT NULL,
	is_dir   INTEGER NOT NULL DEFAULT 0,
	data     BLOB,
	mod_time DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_entries_parent ON entries(parent);
`

// SQLite implements Provider on top of a single SQLite database file. The
// root directory is implicit; every other directory is an explicit row.
type SQLite struct {
	conn *sql.DB
}

// OpenSQLite opens (or creates) the database and applies the schema.
func OpenSQLite(dsn string) (*SQLite, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("storage: open db: %w", err)
	}
	// One writer at a time; WAL keeps readers unblocked.
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	if _, err := conn.Exec(sqliteSchemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("storage: apply schema: %w", err)
	}
	return &SQLite{conn: conn}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.conn.Close()
}

func cleanKey(p string) (string, error) {
	if p == "" || p == "." {
		return "", nil
	}
	if strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("storage: absolute paths not allowed: %s", p)
	}
	cleaned := path.Clean(p)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("storage: path escapes store root: %s", p)
	}
	return cleaned, nil
}

func parentOf(p string) string {
	dir := path.Dir(p)
	if dir == "." {
		return ""
	}
	return dir
}

func notExist(op, p string) error {
	return &fs.PathError{Op: op, Path: p, Err: fs.ErrNotExist}
}

// ReadFile returns the contents of a file row.
func (s *SQLite) ReadFile(ctx context.Context, p string) ([]byte, error) {
	key, err := cleanKey(p)
	if err != nil {
		return nil, err
	}
	var data []byte
	var isDir bool
	err = s.conn.QueryRowContext(ctx, `SELECT is_dir, data FROM entries WHERE path = ?`, key).Scan(&isDir, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("storage: read %s: %w", p, notExist("read", p))
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", p, err)
	}
	if isDir {
		return nil, fmt.Errorf("storage: read %s: is a directory", p)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

// ReadHead returns at most n leading bytes, sliced inside SQLite.
func (s *SQLite) ReadHead(ctx context.Context, p string, n int) ([]byte, error) {
	key, err := cleanKey(p)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = s.conn.QueryRowContext(ctx, `SELECT substr(data, 1, ?) FROM entries WHERE path = ? AND is_dir = 0`, n, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("storage: read head %s: %w", p, notExist("read", p))
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read head %s: %w", p, err)
	}
	return data, nil
}

// WriteFile inserts or replaces a file row inside one transaction.
func (s *SQLite) WriteFile(ctx context.Context, p string, data []byte) error {
	return s.put(ctx, p, data, false)
}

// CreateFile inserts a file row that must not already exist.
func (s *SQLite) CreateFile(ctx context.Context, p string, data []byte) error {
	return s.put(ctx, p, data, true)
}

func (s *SQLite) put(ctx context.Context, p string, data []byte, exclusive bool) error {
	key, err := cleanKey(p)
	if err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("storage: write: empty path")
	}
	if data == nil {
		data = []byte{}
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	if err := mkdirAllTx(ctx, tx, parentOf(key)); err != nil {
		return err
	}

	var isDir bool
	err = tx.QueryRowContext(ctx, `SELECT is_dir FROM entries WHERE path = ?`, key).Scan(&isDir)
	switch {
	case err == nil && isDir:
		return fmt.Errorf("storage: write %s: is a directory", p)
	case err == nil && exclusive:
		return fmt.Errorf("storage: create %s: %w", p, &fs.PathError{Op: "create", Path: p, Err: fs.ErrExist})
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("storage: write %s: %w", p, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO entries (path, parent, name, is_dir, data, mod_time)
		VALUES (?, ?, ?, 0, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			data     = excluded.data,
			mod_time = excluded.mod_time
	`, key, parentOf(key), path.Base(key), data, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("storage: write %s: %w", p, err)
	}
	return tx.Commit()
}

// Remove deletes a file or an empty directory.
func (s *SQLite) Remove(ctx context.Context, p string) error {
	key, err := cleanKey(p)
	if err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("storage: refusing to remove store root")
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var children int
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM entries WHERE parent = ?`, key).Scan(&children); err != nil {
		return fmt.Errorf("storage: delete %s: %w", p, err)
	}
	if children > 0 {
		return fmt.Errorf("storage: delete %s: directory not empty", p)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE path = ?`, key)
	if err != nil {
		return fmt.Errorf("storage: delete %s: %w", p, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("storage: delete %s: %w", p, notExist("remove", p))
	}
	return tx.Commit()
}

// Stat describes the entry at path. The root always exists.
func (s *SQLite) Stat(ctx context.Context, p string) (Entry, error) {
	key, err := cleanKey(p)
	if err != nil {
		return Entry{}, err
	}
	if key == "" {
		return Entry{Name: ".", IsDir: true}, nil
	}
	var e Entry
	err = s.conn.QueryRowContext(ctx,
		`SELECT name, is_dir, coalesce(length(data), 0), mod_time FROM entries WHERE path = ?`, key,
	).Scan(&e.Name, &e.IsDir, &e.Size, &e.ModTime)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("storage: stat %s: %w", p, notExist("stat", p))
	}
	if err != nil {
		return Entry{}, fmt.Errorf("storage: stat %s: %w", p, err)
	}
	return e, nil
}

// List returns the direct children of dir ordered by name.
func (s *SQLite) List(ctx context.Context, dir string) ([]Entry, error) {
	key, err := cleanKey(dir)
	if err != nil {
		return nil, err
	}
	if key != "" {
		st, err := s.Stat(ctx, key)
		if err != nil {
			return nil, err
		}
		if !st.IsDir {
			return nil, fmt.Errorf("storage: list %s: not a directory", dir)
		}
	}

	rows, err := s.conn.QueryContext(ctx,
		`SELECT name, is_dir, coalesce(length(data), 0), mod_time FROM entries WHERE parent = ? ORDER BY name`, key)
	if err != nil {
		return nil, fmt.Errorf("storage: list %s: %w", dir, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Name, &e.IsDir, &e.Size, &e.ModTime); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MkdirAll creates dir and any missing parents.
func (s *SQLite) MkdirAll(ctx context.Context, dir string) error {
	key, err := cleanKey(dir)
	if err != nil {
		return err
	}
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	if err := mkdirAllTx(ctx, tx, key); err != nil {
		return err
	}
	return tx.Commit()
}

func mkdirAllTx(ctx context.Context, tx *sql.Tx, key string) error {
	if key == "" {
		return nil
	}
	if err := mkdirAllTx(ctx, tx, parentOf(key)); err != nil {
		return err
	}
	var isDir bool
	err := tx.QueryRowContext(ctx, `SELECT is_dir FROM entries WHERE path = ?`, key).Scan(&isDir)
	switch {
	case err == nil && isDir:
		return nil
	case err == nil:
		return fmt.Errorf("storage: mkdir %s: file exists", key)
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("storage: mkdir %s: %w", key, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO entries (path, parent, name, is_dir, mod_time) VALUES (?, ?, ?, 1, ?)`,
		key, parentOf(key), path.Base(key), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("storage: mkdir %s: %w", key, err)
	}
	return nil
}
