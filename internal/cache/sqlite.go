package cache

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/spacedatanetwork/shardnet/internal/shard"
)

// SQLiteStore persists shards in a single sqlite table. When more than
// maxEntries rows exist the oldest are pruned after each write.
type SQLiteStore struct {
	db         *sql.DB
	path       string
	maxEntries int
}

var (
	_ Store  = (*SQLiteStore)(nil)
	_ Lister = (*SQLiteStore)(nil)
)

// NewSQLiteStore opens or creates the database at dbPath.
func NewSQLiteStore(dbPath string, maxEntries int) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases coherent.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, path: dbPath, maxEntries: maxEntries}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS shards (
		hash TEXT PRIMARY KEY,
		cid TEXT,
		data BLOB NOT NULL,
		stored_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_shards_stored_at ON shards(stored_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, hash string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM shards WHERE hash = ?`, hash).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Set implements Store.
func (s *SQLiteStore) Set(ctx context.Context, hash string, data []byte) error {
	var cidStr sql.NullString
	if c, err := shard.CIDFromHex(hash); err == nil {
		cidStr = sql.NullString{String: c.String(), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO shards (hash, cid, data, stored_at)
		VALUES (?, ?, ?, ?)
	`, hash, cidStr, data, time.Now().UTC())
	if err != nil {
		return err
	}

	if s.maxEntries > 0 {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM shards WHERE hash IN (
				SELECT hash FROM shards ORDER BY stored_at DESC, rowid DESC LIMIT -1 OFFSET ?
			)
		`, s.maxEntries)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			log.Debugf("pruned %d shards", n)
		}
	}

	return tx.Commit()
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, hash string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM shards WHERE hash = ?`, hash)
	return err
}

// Keys implements Store, oldest first.
func (s *SQLiteStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT hash FROM shards ORDER BY stored_at, rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, err
		}
		keys = append(keys, hash)
	}
	return keys, rows.Err()
}

// List implements Lister, oldest first.
func (s *SQLiteStore) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT hash, cid, length(data), stored_at FROM shards ORDER BY stored_at, rowid
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e      Entry
			cidStr sql.NullString
		)
		if err := rows.Scan(&e.Hash, &cidStr, &e.Size, &e.StoredAt); err != nil {
			return nil, err
		}
		e.CID = cidStr.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Path returns the database location.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
