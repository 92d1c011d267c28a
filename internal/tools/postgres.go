package tools

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noetl/noetl/pkg/api"
)

// Postgres performs the postgres tool kind. Pools are keyed by DSN and
// shared across calls; the default DSN serves tools that do not name one
type Postgres struct {
	pools      map[string]*pgxpool.Pool
	defaultDSN string
	mu         sync.Mutex
}

var _ Tool = (*Postgres)(nil)

var ErrCommandMissing = errors.New("postgres tool has no command")

// NewPostgres creates the postgres tool. The default DSN may be empty when
// every tool config carries its own
func NewPostgres(defaultDSN string) *Postgres {
	return &Postgres{
		pools:      map[string]*pgxpool.Pool{},
		defaultDSN: defaultDSN,
	}
}

func (p *Postgres) Kind() api.ToolKind {
	return api.ToolPostgres
}

func (p *Postgres) Call(ctx context.Context, call *Call) (any, error) {
	command := call.Config.GetString("command",
		call.Config.GetString("sql", ""))
	if command == "" {
		return nil, ErrCommandMissing
	}

	pool, err := p.poolFor(ctx, call.Config.GetString("dsn", p.defaultDSN))
	if err != nil {
		return nil, err
	}

	args := call.Config.GetSlice("args")
	rows, err := pool.Query(ctx, command, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records, err := collectRows(rows)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"rows":      records,
		"row_count": len(records),
	}, nil
}

// Close releases every pool the tool opened
func (p *Postgres) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pool := range p.pools {
		pool.Close()
	}
	p.pools = map[string]*pgxpool.Pool{}
}

func (p *Postgres) poolFor(
	ctx context.Context, dsn string,
) (*pgxpool.Pool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pool, ok := p.pools[dsn]; ok {
		return pool, nil
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	p.pools[dsn] = pool
	return pool, nil
}

func collectRows(rows pgx.Rows) ([]any, error) {
	fields := rows.FieldDescriptions()
	records := []any{}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		record := make(map[string]any, len(fields))
		for i, f := range fields {
			record[f.Name] = values[i]
		}
		records = append(records, record)
	}
	return records, rows.Err()
}
