package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noetl/noetl/internal/ids"
	"github.com/noetl/noetl/internal/util"
	"github.com/noetl/noetl/pkg/api"
	"github.com/noetl/noetl/pkg/playbook"
)

// Postgres is the durable catalog. Parsed playbooks are memoized so
// repeated resolution during event handling stays off the database
type Postgres struct {
	pool   *pgxpool.Pool
	parsed *util.LRUCache[*api.Playbook]
	nextID func() api.ID
}

var _ Catalog = (*Postgres)(nil)

const catalogSchema = `
CREATE TABLE IF NOT EXISTS catalog (
	catalog_id BIGINT NOT NULL PRIMARY KEY,
	path       TEXT   NOT NULL,
	name       TEXT   NOT NULL,
	version    INT    NOT NULL,
	content    TEXT   NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS catalog_path_version_idx
	ON catalog (path, version);
`

const parsedCacheSize = 128

// NewPostgres creates a catalog using an existing pgxpool.Pool. The caller
// owns the pool and is responsible for closing it
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{
		pool:   pool,
		parsed: util.NewLRUCache[*api.Playbook](parsedCacheSize),
		nextID: ids.Next,
	}
}

// Init creates the catalog table. Safe to call repeatedly
func (p *Postgres) Init(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, catalogSchema)
	return err
}

func (p *Postgres) Register(
	ctx context.Context, content []byte,
) (*Entry, error) {
	entry, err := parseEntry(content)
	if err != nil {
		return nil, err
	}
	entry.CatalogID = p.nextID()
	entry.CreatedAt = time.Now().UTC()

	err = p.pool.QueryRow(ctx, `
		INSERT INTO catalog (catalog_id, path, name, version, content, created_at)
		VALUES ($1, $2, $3,
			COALESCE(
				(SELECT max(version) FROM catalog WHERE path = $2), 0) + 1,
			$4, $5)
		RETURNING version`,
		entry.CatalogID.Int64(), entry.Path, entry.Name,
		entry.Content, entry.CreatedAt,
	).Scan(&entry.Version)
	if err != nil {
		return nil, fmt.Errorf("register playbook: %w", err)
	}
	return entry, nil
}

func (p *Postgres) Resolve(
	ctx context.Context, catalogID api.ID, path string,
) (*api.Playbook, error) {
	key := catalogID.String()
	if catalogID.IsZero() {
		key = path
	}
	return p.parsed.Get(key, func() (*api.Playbook, error) {
		var entry *Entry
		var err error
		if catalogID.IsZero() {
			entry, err = p.ByPath(ctx, path)
		} else {
			entry, err = p.Lookup(ctx, catalogID)
		}
		if err != nil {
			return nil, err
		}
		return entry.Playbook, nil
	})
}

func (p *Postgres) Lookup(
	ctx context.Context, catalogID api.ID,
) (*Entry, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT catalog_id, path, name, version, content, created_at
		FROM catalog WHERE catalog_id = $1`,
		catalogID.Int64())
	return scanEntry(row)
}

func (p *Postgres) ByPath(ctx context.Context, path string) (*Entry, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT catalog_id, path, name, version, content, created_at
		FROM catalog WHERE path = $1
		ORDER BY version DESC LIMIT 1`,
		path)
	return scanEntry(row)
}

func (p *Postgres) List(ctx context.Context) ([]*Entry, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT DISTINCT ON (path)
			catalog_id, path, name, version, content, created_at
		FROM catalog
		ORDER BY path, version DESC`)
	if err != nil {
		return nil, fmt.Errorf("list catalog: %w", err)
	}
	defer rows.Close()

	var res []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, entry)
	}
	return res, rows.Err()
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var entry Entry
	var catalogID int64
	err := row.Scan(
		&catalogID, &entry.Path, &entry.Name, &entry.Version,
		&entry.Content, &entry.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan catalog entry: %w", err)
	}

	entry.CatalogID = api.ID(catalogID)
	entry.Playbook, err = playbook.Parse([]byte(entry.Content))
	if err != nil {
		return nil, fmt.Errorf("parse stored playbook: %w", err)
	}
	return &entry, nil
}
