package vars

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noetl/noetl/pkg/api"
)

// Postgres is the durable variable store
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

const varsSchema = `
CREATE TABLE IF NOT EXISTS transient_vars (
	execution_id BIGINT NOT NULL,
	name         TEXT   NOT NULL,
	value        JSON,
	var_type     TEXT   NOT NULL,
	source_step  TEXT,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	accessed_at  TIMESTAMPTZ,
	access_count BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (execution_id, name)
);
`

// NewPostgres creates a variable store using an existing pgxpool.Pool. The
// caller owns the pool and is responsible for closing it
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Init creates the transient_vars table. Safe to call repeatedly
func (p *Postgres) Init(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, varsSchema)
	return err
}

func (p *Postgres) Set(
	ctx context.Context, executionID api.ID, name string, value any,
	varType api.VarType, sourceStep string,
) error {
	if name == "" {
		return ErrNameEmpty
	}
	valueJSON, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal variable: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO transient_vars
			(execution_id, name, value, var_type, source_step)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (execution_id, name) DO UPDATE SET
			value = EXCLUDED.value,
			var_type = EXCLUDED.var_type,
			source_step = EXCLUDED.source_step,
			updated_at = now()`,
		executionID.Int64(), name, valueJSON,
		string(normalizeType(varType)), sourceStep,
	)
	if err != nil {
		return fmt.Errorf("set variable: %w", err)
	}
	return nil
}

func (p *Postgres) Get(
	ctx context.Context, executionID api.ID, name string,
) (*api.Variable, error) {
	row := p.pool.QueryRow(ctx, `
		UPDATE transient_vars
		SET accessed_at = now(), access_count = access_count + 1
		WHERE execution_id = $1 AND name = $2
		RETURNING execution_id, name, value, var_type, source_step,
			created_at, updated_at, accessed_at, access_count`,
		executionID.Int64(), name)

	v, err := scanVariable(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return v, err
}

func (p *Postgres) List(
	ctx context.Context, executionID api.ID,
) ([]*api.Variable, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT execution_id, name, value, var_type, source_step,
			created_at, updated_at, accessed_at, access_count
		FROM transient_vars
		WHERE execution_id = $1
		ORDER BY name`,
		executionID.Int64())
	if err != nil {
		return nil, fmt.Errorf("list variables: %w", err)
	}
	defer rows.Close()

	var res []*api.Variable
	for rows.Next() {
		v, err := scanVariable(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

func (p *Postgres) Delete(
	ctx context.Context, executionID api.ID, name string,
) error {
	tag, err := p.pool.Exec(ctx, `
		DELETE FROM transient_vars WHERE execution_id = $1 AND name = $2`,
		executionID.Int64(), name)
	if err != nil {
		return fmt.Errorf("delete variable: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) Cleanup(ctx context.Context, executionID api.ID) error {
	_, err := p.pool.Exec(ctx, `
		DELETE FROM transient_vars WHERE execution_id = $1`,
		executionID.Int64())
	if err != nil {
		return fmt.Errorf("cleanup variables: %w", err)
	}
	return nil
}

func scanVariable(row pgx.Row) (*api.Variable, error) {
	var (
		v          api.Variable
		execID     int64
		valueJSON  []byte
		varType    string
		sourceStep *string
		accessedAt *time.Time
	)
	err := row.Scan(
		&execID, &v.Name, &valueJSON, &varType, &sourceStep,
		&v.CreatedAt, &v.UpdatedAt, &accessedAt, &v.AccessCount,
	)
	if err != nil {
		return nil, err
	}

	v.ExecutionID = api.ID(execID)
	v.Type = api.VarType(varType)
	if sourceStep != nil {
		v.SourceStep = *sourceStep
	}
	if accessedAt != nil {
		v.AccessedAt = *accessedAt
	}
	if len(valueJSON) > 0 {
		if err := json.Unmarshal(valueJSON, &v.Value); err != nil {
			return nil, err
		}
	}
	return &v, nil
}
