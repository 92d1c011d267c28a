package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noetl/noetl/internal/ids"
	"github.com/noetl/noetl/pkg/api"
)

// Postgres is the durable event log. The row layout is bit-stable across
// implementations; step results are wrapped as {kind:"data", data:...} in
// the result column
type Postgres struct {
	pool   *pgxpool.Pool
	nextID func() api.ID
}

type resultEnvelope struct {
	Kind string `json:"kind"`
	Data any    `json:"data"`
}

var _ Store = (*Postgres)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS event_log (
	execution_id        BIGINT NOT NULL,
	event_id            BIGINT NOT NULL PRIMARY KEY,
	parent_event_id     BIGINT NULL,
	parent_execution_id BIGINT NULL,
	catalog_id          BIGINT NULL,
	event_type          TEXT   NOT NULL,
	node_id             TEXT,
	node_name           TEXT,
	status              TEXT,
	context             JSON,
	result              JSON,
	error               JSON,
	stack_trace         TEXT,
	worker_id           TEXT,
	duration            INT,
	meta                JSON,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS event_log_execution_idx
	ON event_log (execution_id, event_id);
CREATE INDEX IF NOT EXISTS event_log_parent_execution_idx
	ON event_log (parent_execution_id)
	WHERE parent_execution_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS event_log_type_idx
	ON event_log (execution_id, event_type);
`

// NewPostgres creates an event log using an existing pgxpool.Pool. The
// caller owns the pool and is responsible for closing it
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool, nextID: ids.Next}
}

// Init creates the event_log table and indexes. Safe to call repeatedly
func (p *Postgres) Init(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, schema)
	return err
}

func (p *Postgres) Append(
	ctx context.Context, ev *api.Event,
) (api.ID, error) {
	if ev.ExecutionID.IsZero() || ev.Name == "" {
		return 0, ErrEventIncomplete
	}
	if ev.EventID.IsZero() {
		ev.EventID = p.nextID()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	contextJSON, err := marshalNullable(ev.Context)
	if err != nil {
		return 0, err
	}
	resultJSON, err := marshalResult(ev.Result)
	if err != nil {
		return 0, err
	}
	errorJSON, err := marshalNullable(ev.Error)
	if err != nil {
		return 0, err
	}
	metaJSON, err := marshalNullable(ev.Meta)
	if err != nil {
		return 0, err
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO event_log (
			execution_id, event_id, parent_event_id, parent_execution_id,
			catalog_id, event_type, node_id, node_name, status,
			context, result, error, stack_trace, worker_id, duration,
			meta, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9,
			$10, $11, $12, $13, $14, $15, $16, $17
		)`,
		ev.ExecutionID.Int64(), ev.EventID.Int64(),
		nullableID(ev.ParentEventID), nullableID(ev.ParentExecutionID),
		nullableID(ev.CatalogID), string(ev.Name),
		ev.Step, api.ParentStepKey(ev.Step), string(ev.Status),
		contextJSON, resultJSON, errorJSON,
		nullableString(ev.StackTrace), nullableString(ev.WorkerID),
		ev.Duration, metaJSON, ev.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	return ev.EventID, nil
}

func (p *Postgres) Read(
	ctx context.Context, executionID api.ID, f Filter,
) ([]*api.Event, error) {
	query, args := buildReadQuery(executionID, f, false)
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()

	var res []*api.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

func (p *Postgres) Count(
	ctx context.Context, executionID api.ID, f Filter,
) (int, error) {
	query, args := buildReadQuery(executionID, f, true)
	var n int
	if err := p.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func (p *Postgres) ChildExecutions(
	ctx context.Context, executionID api.ID,
) ([]api.ID, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT DISTINCT execution_id FROM event_log
		WHERE parent_execution_id = $1 AND event_type = $2
		ORDER BY execution_id`,
		executionID.Int64(), string(api.EventPlaybookInitialized))
	if err != nil {
		return nil, fmt.Errorf("child executions: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

func (p *Postgres) StuckExecutions(
	ctx context.Context, olderThan time.Time,
) ([]api.ID, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT i.execution_id
		FROM event_log i
		WHERE i.event_type = $1 AND i.created_at < $2
		AND NOT EXISTS (
			SELECT 1 FROM event_log t
			WHERE t.execution_id = i.execution_id
			AND t.event_type = ANY($3)
		)
		ORDER BY i.execution_id`,
		string(api.EventPlaybookInitialized), olderThan,
		[]string{
			string(api.EventPlaybookCompleted),
			string(api.EventPlaybookFailed),
			string(api.EventPlaybookCancelled),
			string(api.EventExecutionCancelled),
		})
	if err != nil {
		return nil, fmt.Errorf("stuck executions: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

func buildReadQuery(
	executionID api.ID, f Filter, count bool,
) (string, []any) {
	var b strings.Builder
	if count {
		b.WriteString(`SELECT count(*) FROM event_log WHERE execution_id = $1`)
	} else {
		b.WriteString(`
		SELECT execution_id, event_id, parent_event_id, parent_execution_id,
			catalog_id, event_type, node_id, status, context, result, error,
			stack_trace, worker_id, duration, meta, created_at
		FROM event_log WHERE execution_id = $1`)
	}
	args := []any{executionID.Int64()}

	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		args = append(args, types)
		fmt.Fprintf(&b, " AND event_type = ANY($%d)", len(args))
	}
	if !f.SinceEventID.IsZero() {
		args = append(args, f.SinceEventID.Int64())
		fmt.Fprintf(&b, " AND event_id > $%d", len(args))
	}
	if count {
		return b.String(), args
	}

	if f.Descending {
		b.WriteString(" ORDER BY event_id DESC")
	} else {
		b.WriteString(" ORDER BY event_id ASC")
	}
	if f.Limit > 0 {
		args = append(args, f.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		fmt.Fprintf(&b, " OFFSET $%d", len(args))
	}
	return b.String(), args
}

func scanEvent(rows pgx.Rows) (*api.Event, error) {
	var (
		ev                                    api.Event
		execID, eventID                       int64
		parentEventID, parentExecID, catalog  *int64
		name, status                          string
		step, stackTrace, workerID            *string
		contextJSON, resultJSON               []byte
		errorJSON, metaJSON                   []byte
	)
	err := rows.Scan(
		&execID, &eventID, &parentEventID, &parentExecID, &catalog,
		&name, &step, &status, &contextJSON, &resultJSON, &errorJSON,
		&stackTrace, &workerID, &ev.Duration, &metaJSON, &ev.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}

	ev.ExecutionID = api.ID(execID)
	ev.EventID = api.ID(eventID)
	ev.ParentEventID = derefID(parentEventID)
	ev.ParentExecutionID = derefID(parentExecID)
	ev.CatalogID = derefID(catalog)
	ev.Name = api.EventName(name)
	ev.Status = api.Status(status)
	ev.Step = derefString(step)
	ev.StackTrace = derefString(stackTrace)
	ev.WorkerID = derefString(workerID)

	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &ev.Context); err != nil {
			return nil, err
		}
	}
	if len(resultJSON) > 0 {
		result, err := unmarshalResult(resultJSON)
		if err != nil {
			return nil, err
		}
		ev.Result = result
	}
	if len(errorJSON) > 0 {
		ev.Error = &api.OutcomeError{}
		if err := json.Unmarshal(errorJSON, ev.Error); err != nil {
			return nil, err
		}
	}
	if len(metaJSON) > 0 {
		ev.Meta = &api.EventMeta{}
		if err := json.Unmarshal(metaJSON, ev.Meta); err != nil {
			return nil, err
		}
	}
	return &ev, nil
}

func scanIDs(rows pgx.Rows) ([]api.ID, error) {
	var res []api.ID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, api.ID(id))
	}
	return res, rows.Err()
}

func marshalResult(result any) ([]byte, error) {
	if result == nil {
		return nil, nil
	}
	return json.Marshal(&resultEnvelope{Kind: "data", Data: result})
}

func unmarshalResult(data []byte) (any, error) {
	// only an object can be the {kind, data} wrapper; older rows stored
	// the result bare, including arrays and scalars
	if firstJSONByte(data) == '{' {
		var envelope resultEnvelope
		if err := json.Unmarshal(data, &envelope); err == nil &&
			envelope.Kind == "data" {
			return envelope.Data, nil
		}
	}

	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func firstJSONByte(data []byte) byte {
	for _, c := range data {
		switch c {
		case ' ', '\t', '\n', '\r':
			continue
		}
		return c
	}
	return 0
}

func marshalNullable(v any) ([]byte, error) {
	if isNil(v) {
		return nil, nil
	}
	return json.Marshal(v)
}

func isNil(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case map[string]any:
		return t == nil
	case *api.OutcomeError:
		return t == nil
	case *api.EventMeta:
		return t == nil
	default:
		return false
	}
}

func nullableID(id api.ID) *int64 {
	if id.IsZero() {
		return nil
	}
	n := id.Int64()
	return &n
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefID(p *int64) api.ID {
	if p == nil {
		return 0
	}
	return api.ID(*p)
}

func derefString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
