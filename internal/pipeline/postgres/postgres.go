// Package postgres saves record batches into a JSONB table with COPY.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/swarmcrawl/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "crawl_records"

var columns = []string{"spider", "kind", "data", "lineage"}

// Config controls the connection pool and target table.
type Config struct {
	DSN             string
	Table           string
	CreateTable     bool
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type copier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error)
	Close()
}

// Pipeline copies records into Postgres.
type Pipeline struct {
	pool   copier
	table  string
	spider string
}

// Dial connects a pool and, when configured, creates the table.
func Dial(ctx context.Context, spider string, cfg Config) (*Pipeline, error) {
	if cfg.DSN == "" {
		return nil, errors.New("pipeline.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	p, err := New(ctx, pool, spider, cfg.Table, cfg.CreateTable)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// New wraps an existing pool.
func New(ctx context.Context, pool copier, spider, table string, createTable bool) (*Pipeline, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	p := &Pipeline{pool: pool, table: table, spider: spider}
	if createTable {
		if _, err := pool.Exec(ctx, createStatement(table)); err != nil {
			return nil, fmt.Errorf("create table %s: %w", table, err)
		}
	}
	return p, nil
}

func createStatement(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id bigserial PRIMARY KEY,
	spider text NOT NULL,
	kind text NOT NULL,
	data jsonb NOT NULL,
	lineage text[] NOT NULL DEFAULT '{}',
	saved_at timestamptz NOT NULL DEFAULT now()
)`, table)
}

// Save implements crawler.Pipeline.
func (p *Pipeline) Save(ctx context.Context, records []*crawler.Record) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(records))
	for _, r := range records {
		data, err := json.Marshal(r.Data)
		if err != nil {
			return fmt.Errorf("marshal %s record: %w", r.Kind, err)
		}
		lineage := r.Lineage
		if lineage == nil {
			lineage = []string{}
		}
		rows = append(rows, []any{p.spider, r.Kind, json.RawMessage(data), lineage})
	}
	n, err := p.pool.CopyFrom(ctx, pgx.Identifier{p.table}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("copy into %s: %w", p.table, err)
	}
	if n != int64(len(rows)) {
		return fmt.Errorf("copy into %s: wrote %d of %d rows", p.table, n, len(rows))
	}
	return nil
}

// Close releases the pool.
func (p *Pipeline) Close(context.Context) error {
	p.pool.Close()
	return nil
}
