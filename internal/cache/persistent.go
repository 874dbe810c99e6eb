package cache

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// PersistentConfig configures the SQLite-backed blob tier.
type PersistentConfig struct {
	Path     string
	MaxBytes int64
}

func DefaultPersistentConfig(path string) PersistentConfig {
	return PersistentConfig{Path: path, MaxBytes: 500 * 1024 * 1024}
}

// PersistentTier stores opaque byte blobs in a single local SQLite table
// with a `(key, value, size, expires, created)` layout. The on-disk
// format is not an external contract and can be rebuilt from scratch;
// journal/durability mode is WAL purely for write throughput.
type PersistentTier struct {
	db       *sql.DB
	maxBytes int64
}

func OpenPersistentTier(cfg PersistentConfig) (*PersistentTier, error) {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 500 * 1024 * 1024
	}
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", cfg.Path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open persistent cache: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver is not safe for concurrent writers
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS cache_entries (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			size INTEGER NOT NULL,
			expires INTEGER NOT NULL,
			created INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_cache_entries_expires ON cache_entries(expires);
		CREATE INDEX IF NOT EXISTS idx_cache_entries_created ON cache_entries(created);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate persistent cache: %w", err)
	}

	return &PersistentTier{db: db, maxBytes: cfg.MaxBytes}, nil
}

func (p *PersistentTier) Close() error { return p.db.Close() }

// Get returns the blob for key if present and not expired; an expired row
// is deleted as a side effect of the lookup.
func (p *PersistentTier) Get(key string) ([]byte, bool, error) {
	var value []byte
	var expires int64
	row := p.db.QueryRow(`SELECT value, expires FROM cache_entries WHERE key = ?`, key)
	if err := row.Scan(&value, &expires); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}
	if time.Now().UnixMilli() > expires {
		_, _ = p.db.Exec(`DELETE FROM cache_entries WHERE key = ?`, key)
		return nil, false, nil
	}
	return value, true, nil
}

// Set stores value under key with the given ttl, evicting expired rows
// and then, while the table exceeds maxBytes, the oldest-inserted rows in
// batches of 100 until it fits.
func (p *PersistentTier) Set(key string, value []byte, ttl time.Duration) error {
	now := time.Now()
	expires := now.Add(ttl).UnixMilli()
	size := int64(len(value))

	if _, err := p.db.Exec(
		`INSERT INTO cache_entries (key, value, size, expires, created) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, size=excluded.size, expires=excluded.expires, created=excluded.created`,
		key, value, size, expires, now.UnixMilli(),
	); err != nil {
		return err
	}

	if _, err := p.db.Exec(`DELETE FROM cache_entries WHERE expires < ?`, now.UnixMilli()); err != nil {
		return err
	}

	for {
		var total sql.NullInt64
		if err := p.db.QueryRow(`SELECT SUM(size) FROM cache_entries`).Scan(&total); err != nil {
			return err
		}
		if !total.Valid || total.Int64 <= p.maxBytes {
			return nil
		}
		res, err := p.db.Exec(`DELETE FROM cache_entries WHERE key IN (
			SELECT key FROM cache_entries ORDER BY created ASC LIMIT 100
		)`)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return nil
		}
	}
}

// Delete removes key if present.
func (p *PersistentTier) Delete(key string) error {
	_, err := p.db.Exec(`DELETE FROM cache_entries WHERE key = ?`, key)
	return err
}

// DeletePattern accepts a SQL LIKE pattern (percent wildcard) and removes
// every matching row.
func (p *PersistentTier) DeletePattern(likePattern string) error {
	_, err := p.db.Exec(`DELETE FROM cache_entries WHERE key LIKE ? ESCAPE '\'`, likePattern)
	return err
}

// Prune drops every expired row.
func (p *PersistentTier) Prune() error {
	_, err := p.db.Exec(`DELETE FROM cache_entries WHERE expires < ?`, time.Now().UnixMilli())
	return err
}

func (p *PersistentTier) Stats() (Stats, error) {
	var entries int
	var bytes sql.NullInt64
	if err := p.db.QueryRow(`SELECT COUNT(*), SUM(size) FROM cache_entries`).Scan(&entries, &bytes); err != nil {
		return Stats{}, err
	}
	return Stats{Entries: entries, Bytes: bytes.Int64}, nil
}

// likeEscape escapes %, _ and \ in s so it can be embedded as a literal
// fragment inside a LIKE pattern built by the caller.
func likeEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
