package playbook_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/pkg/api"
	"github.com/noetl/noetl/pkg/playbook"
)

const fullPlaybook = `
metadata:
  name: user_sync
  path: examples/user_sync
apiVersion: noetl.io/v1
workload:
  base_url: https://api.example.com
  batch_size: 50
workflow:
  - step: fetch_users
    tool:
      kind: http
      url: "{{ ctx.base_url }}/users"
      method: GET
    next:
      - step: sync_each
        when: "{{ fetch_users.count }}"
      - step: done
  - step: sync_each
    loop:
      in: "{{ fetch_users.users }}"
      iterator: user
      mode: parallel
      spec:
        max_in_flight: 3
    tool:
      - upsert:
          tool:
            kind: postgres
            command: "INSERT INTO users VALUES ($1)"
          eval:
            - expr: "{{ outcome.error.retryable }}"
              do: retry
              attempts: 3
              backoff: exponential
              delay: 0.5
            - else:
                do: fail
      - notify:
          tool:
            kind: http
            url: "{{ ctx.base_url }}/notify"
    next: done
  - step: done
    tool:
      kind: python
      code: "print('done')"
`

func TestParseFullPlaybook(t *testing.T) {
	p, err := playbook.Parse([]byte(fullPlaybook))
	require.NoError(t, err)

	assert.Equal(t, "user_sync", p.Metadata.Name)
	assert.Equal(t, "noetl.io/v1", p.APIVersion)
	assert.Equal(t, "https://api.example.com", p.Workload["base_url"])
	require.Len(t, p.Workflow, 3)

	fetch := p.Workflow[0]
	assert.Equal(t, api.ToolHTTP, fetch.Tool.Kind)
	assert.Equal(t,
		"{{ ctx.base_url }}/users", fetch.Tool.Config.GetString("url", ""))
	require.NotNil(t, fetch.Next)
	require.Len(t, fetch.Next.Arcs, 2)
	assert.Equal(t, "sync_each", fetch.Next.Arcs[0].Step)
	assert.NotEmpty(t, fetch.Next.Arcs[0].When)
	assert.Equal(t, api.NextExclusive, fetch.NextMode())

	sync := p.Workflow[1]
	require.NotNil(t, sync.Loop)
	assert.Equal(t, "user", sync.Loop.Iterator)
	assert.Equal(t, api.LoopParallel, sync.Loop.Mode)
	assert.Equal(t, 3, sync.Loop.MaxInFlight())
	require.Len(t, sync.Pipeline, 2)
	assert.Equal(t, "upsert", sync.Pipeline[0].Name)
	assert.Equal(t, api.ToolPostgres, sync.Pipeline[0].Tool.Kind)
	require.Len(t, sync.Pipeline[0].Eval, 2)
	assert.Equal(t, api.ActionRetry, sync.Pipeline[0].Eval[0].Do)
	assert.Equal(t, api.BackoffExponential, sync.Pipeline[0].Eval[0].Backoff)
	require.NotNil(t, sync.Pipeline[0].Eval[1].Else)
	assert.Equal(t, api.ActionFail, sync.Pipeline[0].Eval[1].Else.Do)

	// string-form next desugars to a single unconditional arc
	require.NotNil(t, sync.Next)
	require.Len(t, sync.Next.Arcs, 1)
	assert.Equal(t, "done", sync.Next.Arcs[0].Step)
}

func TestParsePipeAlias(t *testing.T) {
	src := `
metadata:
  name: pipe_alias
workflow:
  - step: work
    pipe:
      - fetch:
          tool:
            kind: http
            url: http://example.com
`
	p, err := playbook.Parse([]byte(src))
	require.NoError(t, err)
	require.Len(t, p.Workflow[0].Pipeline, 1)
	assert.Equal(t, "fetch", p.Workflow[0].Pipeline[0].Name)
}

func TestParseFullNextForm(t *testing.T) {
	src := `
metadata:
  name: routing
workflow:
  - step: check
    tool:
      kind: http
      url: http://example.com
    next:
      spec:
        mode: inclusive
      arcs:
        - step: left
          when: "{{ check.flag }}"
        - step: right
  - step: left
    tool:
      kind: python
      code: "1"
  - step: right
    tool:
      kind: python
      code: "2"
`
	p, err := playbook.Parse([]byte(src))
	require.NoError(t, err)
	assert.Equal(t, api.NextInclusive, p.Workflow[0].NextMode())
	assert.Len(t, p.Workflow[0].Next.Arcs, 2)
}

func TestParseRejectsUnknownTarget(t *testing.T) {
	src := `
metadata:
  name: broken
workflow:
  - step: only
    tool:
      kind: http
    next: nowhere
`
	_, err := playbook.Parse([]byte(src))
	assert.ErrorIs(t, err, api.ErrUnknownNextTarget)
}

func TestParsePolicyConversion(t *testing.T) {
	src := `
metadata:
  name: policy
workflow:
  - step: fragile
    tool:
      kind: http
      url: http://example.com
      spec:
        policy:
          rules:
            - expr: "{{ outcome.error.retryable }}"
              do: retry
`
	p, err := playbook.Parse([]byte(src))
	require.NoError(t, err)

	s := p.Workflow[0]
	assert.Nil(t, s.Tool)
	require.Len(t, s.Pipeline, 1)
	assert.Equal(t, "fragile", s.Pipeline[0].Name)
	assert.Len(t, s.Pipeline[0].Eval, 1)
}

func TestParseWorkload(t *testing.T) {
	src := `
metadata:
  name: minimal
workload:
  greeting: hello
workflow:
  - step: start
    tool:
      kind: python
      code: "print('hi')"
`
	p, err := playbook.Parse([]byte(src))
	require.NoError(t, err)
	assert.Equal(t, "hello", p.Workload["greeting"])
	assert.Equal(t, "start", p.EntryStep().Name)
}

func TestParseActionArcs(t *testing.T) {
	p, err := playbook.Parse([]byte(`
metadata:
  name: paged
workflow:
  - step: fetch
    tool:
      kind: http
      url: https://api/items
    next:
      - then:
          - do: collect
            path: data.items
            mode: extend
      - when: "{{ result.hasMore }}"
        then:
          - do: retry
            params:
              page: "{{ result.next_page }}"
      - step: done
  - step: done
    tool:
      kind: python
      code: "print('done')"
`))
	require.NoError(t, err)

	arcs := p.Workflow[0].Next.Arcs
	require.Len(t, arcs, 3)
	assert.Empty(t, arcs[0].Step)
	require.Len(t, arcs[0].Then, 1)
	assert.Equal(t, api.ActionCollect, arcs[0].Then[0].Do)
	assert.Equal(t, "data.items", arcs[0].Then[0].Path)
	assert.Equal(t, api.CollectExtend, arcs[0].Then[0].Mode)

	require.Len(t, arcs[1].Then, 1)
	assert.Equal(t, api.ActionRetry, arcs[1].Then[0].Do)
	assert.Equal(t, "{{ result.next_page }}", arcs[1].Then[0].Params["page"])

	assert.Equal(t, "done", arcs[2].Step)
}

func TestParseRejectsEmptyArc(t *testing.T) {
	_, err := playbook.Parse([]byte(`
metadata:
  name: bad
workflow:
  - step: fetch
    tool:
      kind: http
      url: https://api/items
    next:
      - when: "{{ result.hasMore }}"
`))
	require.Error(t, err)
}

func TestParseRejectsJumpInArcThen(t *testing.T) {
	_, err := playbook.Parse([]byte(`
metadata:
  name: bad
workflow:
  - step: fetch
    tool:
      kind: http
      url: https://api/items
    next:
      - then:
          - do: jump
            to: fetch
`))
	require.ErrorIs(t, err, api.ErrInvalidArcAction)
}
