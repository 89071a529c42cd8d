// Package postgres implements the persistence port (C6) against a
// PostgreSQL database, in the style of the teacher's database_ops.go: raw
// SQL over database/sql, lib/pq as the driver, no ORM.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/alek-niko/aggregator/internal/store"
)

// Postgres implements store.Store.
type Postgres struct {
	db *sql.DB
}

// Open connects to Postgres and ensures the schema exists.
func Open(connStr string) (*Postgres, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := createSchema(db); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Postgres{db: db}, nil
}

// New wraps an already-open *sql.DB, used by tests against go-sqlmock.
func New(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Close() error { return p.db.Close() }

// DB exposes the underlying pool so the top-level wrapper can report stats
// on it, mirroring the teacher's db.Stats() usage in main.go.
func (p *Postgres) DB() *sql.DB { return p.db }

func createSchema(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS feeds (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			url TEXT UNIQUE NOT NULL,
			category BIGINT NOT NULL,
			refresh_ms BIGINT NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS items (
			id BIGSERIAL PRIMARY KEY,
			title TEXT NOT NULL,
			url TEXT NOT NULL,
			category BIGINT NOT NULL,
			website BIGINT NOT NULL,
			date TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			UNIQUE (website, url)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_items_website_url ON items(website, url)`,
		`CREATE INDEX IF NOT EXISTS idx_items_date ON items(date DESC)`,
		`CREATE TABLE IF NOT EXISTS error_log (
			id BIGSERIAL PRIMARY KEY,
			type TEXT NOT NULL,
			feed_id BIGINT,
			message TEXT,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_error_log_created_at ON error_log(created_at DESC)`,
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			return fmt.Errorf("failed to execute %q: %w", q, err)
		}
	}
	return nil
}

// GetAll loads every FeedConfig (spec §4.4 init()).
func (p *Postgres) GetAll(ctx context.Context) ([]store.FeedConfig, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, name, url, category, refresh_ms, created_at FROM feeds`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.FeedConfig
	for rows.Next() {
		var cfg store.FeedConfig
		var refreshMS int64
		if err := rows.Scan(&cfg.ID, &cfg.Name, &cfg.URL, &cfg.Category, &refreshMS, &cfg.CreatedAt); err != nil {
			return nil, err
		}
		cfg.Refresh = time.Duration(refreshMS) * time.Millisecond
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// GetByURL returns the FeedConfig for url, or nil if absent.
func (p *Postgres) GetByURL(ctx context.Context, url string) (*store.FeedConfig, error) {
	var cfg store.FeedConfig
	var refreshMS int64
	err := p.db.QueryRowContext(ctx,
		`SELECT id, name, url, category, refresh_ms, created_at FROM feeds WHERE url = $1`, url,
	).Scan(&cfg.ID, &cfg.Name, &cfg.URL, &cfg.Category, &refreshMS, &cfg.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cfg.Refresh = time.Duration(refreshMS) * time.Millisecond
	return &cfg, nil
}

// Insert inserts a new FeedConfig keyed by URL, returning the assigned id.
func (p *Postgres) Insert(ctx context.Context, cfg store.FeedConfig) (int64, error) {
	var id int64
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO feeds (name, url, category, refresh_ms) VALUES ($1, $2, $3, $4) RETURNING id`,
		cfg.Name, cfg.URL, cfg.Category, cfg.Refresh.Milliseconds(),
	).Scan(&id)
	return id, err
}

// Update updates a FeedConfig in place, keyed by its id (spec §4.4 add(),
// which upserts by URL but must preserve the id on update).
func (p *Postgres) Update(ctx context.Context, cfg store.FeedConfig) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE feeds SET name = $1, category = $2, refresh_ms = $3 WHERE id = $4`,
		cfg.Name, cfg.Category, cfg.Refresh.Milliseconds(), cfg.ID,
	)
	return err
}

// RemoveByURL deletes the feed row for url, idempotently (spec §4.4
// remove()): removing an unknown URL is a no-op returning 0 affected rows.
func (p *Postgres) RemoveByURL(ctx context.Context, url string) (int64, error) {
	result, err := p.db.ExecContext(ctx, `DELETE FROM feeds WHERE url = $1`, url)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// BulkUpsertIgnoringDuplicates submits rows in one statement; the
// (website, url) unique constraint silently discards duplicates via
// ON CONFLICT DO NOTHING (spec §4.3 step 4, §5 cross-worker safety).
func (p *Postgres) BulkUpsertIgnoringDuplicates(ctx context.Context, rows []store.ItemRow) error {
	if len(rows) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString(`INSERT INTO items (title, url, category, website) VALUES `)
	args := make([]interface{}, 0, len(rows)*4)
	for i, r := range rows {
		if i > 0 {
			b.WriteByte(',')
		}
		n := i * 4
		fmt.Fprintf(&b, "($%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4)
		args = append(args, r.Title, r.URL, r.Category, r.Website)
	}
	b.WriteString(` ON CONFLICT (website, url) DO NOTHING`)

	_, err := p.db.ExecContext(ctx, b.String(), args...)
	return err
}

// FindInsertedSince is the post-insert probe and linearization point
// (spec §4.3 step 5): it scopes this worker to rows it (or a racing worker
// writing the same tuples) actually caused to exist at or after since.
func (p *Postgres) FindInsertedSince(ctx context.Context, website int64, urls []string, since time.Time) ([]store.InsertedItem, error) {
	if len(urls) == 0 {
		return nil, nil
	}

	var b strings.Builder
	b.WriteString(`SELECT id, url FROM items WHERE website = $1 AND date >= $2 AND url IN (`)
	args := []interface{}{website, since}
	for i, u := range urls {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "$%d", i+3)
		args = append(args, u)
	}
	b.WriteByte(')')

	rows, err := p.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.InsertedItem
	for rows.Next() {
		var it store.InsertedItem
		if err := rows.Scan(&it.ID, &it.URL); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// Log persists an ErrorRecord; failures here are swallowed after a
// stderr-level complaint so error logging can never itself enter an error
// loop (spec §6, §7).
func (p *Postgres) Log(ctx context.Context, rec store.ErrorRecord) {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO error_log (type, feed_id, message) VALUES ($1, $2, $3)`,
		rec.Type, rec.FeedID, rec.Message,
	)
	if err != nil {
		log.Printf("error_log: failed to persist error record: %v", err)
	}
}
