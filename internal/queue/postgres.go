package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noetl/noetl/internal/ids"
	"github.com/noetl/noetl/pkg/api"
)

// Postgres is the durable command queue. Claim uses row-level locking with
// SKIP LOCKED so concurrent workers never double-claim
type Postgres struct {
	pool   *pgxpool.Pool
	nextID func() api.ID
	lease  time.Duration
}

var _ Queue = (*Postgres)(nil)

const queueSchema = `
CREATE TABLE IF NOT EXISTS command_queue (
	queue_id     BIGINT NOT NULL PRIMARY KEY,
	execution_id BIGINT NOT NULL,
	step         TEXT   NOT NULL,
	command      JSON   NOT NULL,
	status       TEXT   NOT NULL DEFAULT 'queued',
	claimed_by   TEXT,
	claim_token  TEXT,
	outcome      TEXT,
	lease_until  TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS command_queue_status_idx
	ON command_queue (status, queue_id);
CREATE INDEX IF NOT EXISTS command_queue_execution_idx
	ON command_queue (execution_id);
`

// NewPostgres creates a queue using an existing pgxpool.Pool. The caller
// owns the pool and is responsible for closing it
func NewPostgres(pool *pgxpool.Pool, lease time.Duration) *Postgres {
	return &Postgres{pool: pool, nextID: ids.Next, lease: lease}
}

// Init creates the command_queue table. Safe to call repeatedly
func (p *Postgres) Init(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, queueSchema)
	return err
}

func (p *Postgres) Publish(
	ctx context.Context, cmd *api.Command,
) (api.ID, error) {
	if cmd == nil {
		return 0, ErrCommandNil
	}
	if cmd.QueueID.IsZero() {
		cmd.QueueID = p.nextID()
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return 0, err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO command_queue (queue_id, execution_id, step, command)
		VALUES ($1, $2, $3, $4)`,
		cmd.QueueID.Int64(), cmd.ExecutionID.Int64(), cmd.Step, data)
	if err != nil {
		return 0, fmt.Errorf("publish command: %w", err)
	}
	return cmd.QueueID, nil
}

func (p *Postgres) Claim(
	ctx context.Context, workerID string, queueID api.ID,
) (*api.Command, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		id   int64
		data []byte
	)
	if queueID.IsZero() {
		err = tx.QueryRow(ctx, `
			SELECT queue_id, command FROM command_queue
			WHERE status = 'queued'
			ORDER BY queue_id
			FOR UPDATE SKIP LOCKED
			LIMIT 1`).Scan(&id, &data)
	} else {
		err = tx.QueryRow(ctx, `
			SELECT queue_id, command FROM command_queue
			WHERE queue_id = $1 AND status = 'queued'
			FOR UPDATE SKIP LOCKED`,
			queueID.Int64()).Scan(&id, &data)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim command: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE command_queue
		SET status = 'claimed', claimed_by = $2, claim_token = $3,
			lease_until = $4
		WHERE queue_id = $1`,
		id, workerID, uuid.NewString(), time.Now().Add(p.lease))
	if err != nil {
		return nil, fmt.Errorf("mark claimed: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	cmd := &api.Command{}
	if err := json.Unmarshal(data, cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}

func (p *Postgres) Complete(
	ctx context.Context, queueID api.ID, outcome string,
) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE command_queue
		SET status = 'done', outcome = $2
		WHERE queue_id = $1`,
		queueID.Int64(), outcome)
	if err != nil {
		return fmt.Errorf("complete command: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) RequeueExpired(
	ctx context.Context, now time.Time,
) (int, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE command_queue
		SET status = 'queued', claimed_by = NULL, lease_until = NULL
		WHERE status = 'claimed' AND lease_until < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("requeue expired: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *Postgres) Pending(
	ctx context.Context, executionID api.ID,
) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx, `
		SELECT count(*) FROM command_queue
		WHERE execution_id = $1 AND status <> 'done'`,
		executionID.Int64()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pending commands: %w", err)
	}
	return n, nil
}
