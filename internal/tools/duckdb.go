package tools

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/noetl/noetl/pkg/api"
)

// DuckDB performs the duckdb tool kind for local analytical queries.
// Databases are keyed by path; the empty path is an in-memory database
type DuckDB struct {
	dbs map[string]*sql.DB
	mu  sync.Mutex
}

var _ Tool = (*DuckDB)(nil)

var ErrQueryMissing = errors.New("duckdb tool has no command")

// NewDuckDB creates the duckdb tool
func NewDuckDB() *DuckDB {
	return &DuckDB{dbs: map[string]*sql.DB{}}
}

func (d *DuckDB) Kind() api.ToolKind {
	return api.ToolDuckDB
}

func (d *DuckDB) Call(ctx context.Context, call *Call) (any, error) {
	command := call.Config.GetString("command",
		call.Config.GetString("sql", ""))
	if command == "" {
		return nil, ErrQueryMissing
	}

	db, err := d.dbFor(call.Config.GetString("database", ""))
	if err != nil {
		return nil, err
	}

	args := call.Config.GetSlice("args")
	rows, err := db.QueryContext(ctx, command, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	records, err := collectSQLRows(rows)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"rows":      records,
		"row_count": len(records),
	}, nil
}

// Close releases every database handle the tool opened
func (d *DuckDB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	for _, db := range d.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.dbs = map[string]*sql.DB{}
	return firstErr
}

func (d *DuckDB) dbFor(path string) (*sql.DB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if db, ok := d.dbs[path]; ok {
		return db, nil
	}
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, err
	}
	d.dbs[path] = db
	return db, nil
}

func collectSQLRows(rows *sql.Rows) ([]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	records := []any{}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		record := make(map[string]any, len(cols))
		for i, col := range cols {
			record[col] = values[i]
		}
		records = append(records, record)
	}
	return records, rows.Err()
}
