// Package postgres provides the Postgres-backed cache index store.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/vectorroulette/internal/asset"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "cache_entries"

// IndexStoreConfig controls the Postgres connection pool used for cache entries.
type IndexStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// IndexStore keeps cache entries in a table whose unique constraints mirror the file index rules.
type IndexStore struct {
	pool  pool
	table string
}

// NewIndexStore connects to Postgres and ensures the table exists.
func NewIndexStore(ctx context.Context, cfg IndexStoreConfig) (*IndexStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("index.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewIndexStoreWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewIndexStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewIndexStoreWithPool(p pool, table string) (*IndexStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &IndexStore{pool: p, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *IndexStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the entries table when missing.
func (s *IndexStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	seq BIGSERIAL,
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	source_detail_url TEXT NOT NULL UNIQUE,
	local_file_name TEXT NOT NULL UNIQUE,
	appended_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// Load returns every entry in append order.
func (s *IndexStore) Load(ctx context.Context) ([]asset.CacheEntry, error) {
	query := fmt.Sprintf(`SELECT id, title, source_detail_url, local_file_name FROM %s ORDER BY seq`, s.table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("select entries: %w", err)
	}
	defer rows.Close()

	entries := []asset.CacheEntry{}
	for rows.Next() {
		var e asset.CacheEntry
		if err := rows.Scan(&e.ID, &e.Title, &e.SourceDetailURL, &e.LocalFileName); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

// Append inserts entries, letting the unique constraints drop duplicates.
func (s *IndexStore) Append(ctx context.Context, entries []asset.CacheEntry) ([]asset.CacheEntry, error) {
	query := fmt.Sprintf(`
INSERT INTO %s (id, title, source_detail_url, local_file_name)
VALUES ($1, $2, $3, $4)
ON CONFLICT DO NOTHING`, s.table)

	var added []asset.CacheEntry
	for _, e := range entries {
		tag, err := s.pool.Exec(ctx, query, e.ID, e.Title, e.SourceDetailURL, e.LocalFileName)
		if err != nil {
			return added, fmt.Errorf("insert entry %s: %w", e.ID, err)
		}
		if tag.RowsAffected() == 1 {
			added = append(added, e)
		}
	}
	return added, nil
}
