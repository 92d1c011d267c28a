package api_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/noetl/noetl/pkg/api"
)

func basicPlaybook() *api.Playbook {
	return &api.Playbook{
		Metadata: api.PlaybookMeta{Name: "test", Path: "tests/test"},
		Workflow: []*api.Step{
			{
				Name: "first",
				Tool: &api.ToolSpec{Kind: api.ToolHTTP},
				Next: &api.NextBlock{Arcs: []*api.NextArc{{Step: "last"}}},
			},
			{
				Name: "last",
				Tool: &api.ToolSpec{Kind: api.ToolHTTP},
			},
		},
	}
}

func TestPlaybookValidate(t *testing.T) {
	assert.NoError(t, basicPlaybook().Validate())
}

func TestValidateDuplicateStep(t *testing.T) {
	p := basicPlaybook()
	p.Workflow[1].Name = "first"
	assert.ErrorIs(t, p.Validate(), api.ErrDuplicateStep)
}

func TestValidateUnknownNextTarget(t *testing.T) {
	p := basicPlaybook()
	p.Workflow[0].Next.Arcs[0].Step = "missing"
	assert.ErrorIs(t, p.Validate(), api.ErrUnknownNextTarget)
}

func TestValidateBadToolKind(t *testing.T) {
	p := basicPlaybook()
	p.Workflow[0].Tool.Kind = "carrier_pigeon"
	assert.ErrorIs(t, p.Validate(), api.ErrInvalidToolKind)
}

func TestValidateEntryOverride(t *testing.T) {
	p := basicPlaybook()
	p.Executor = &api.ExecutorSpec{
		Spec: api.ExecutorConfig{EntryStep: "missing"},
	}
	assert.ErrorIs(t, p.Validate(), api.ErrEntryStepNotFound)
}

func TestEntryStepResolution(t *testing.T) {
	p := basicPlaybook()
	assert.Equal(t, "first", p.EntryStep().Name)

	p.Executor = &api.ExecutorSpec{
		Spec: api.ExecutorConfig{EntryStep: "last"},
	}
	assert.Equal(t, "last", p.EntryStep().Name)
}

func TestEntryStepLegacyStartFallback(t *testing.T) {
	p := basicPlaybook()
	p.Workflow = append(p.Workflow, &api.Step{
		Name: "start",
		Tool: &api.ToolSpec{Kind: api.ToolHTTP},
	})
	assert.Equal(t, "start", p.EntryStep().Name)
}

func TestNormalizeLoopDefaults(t *testing.T) {
	p := basicPlaybook()
	p.Workflow[0].Loop = &api.Loop{In: "{{ items }}"}
	assert.NoError(t, p.Normalize())

	loop := p.Workflow[0].Loop
	assert.Equal(t, api.DefaultIterator, loop.Iterator)
	assert.Equal(t, api.LoopSequential, loop.Mode)
	assert.Equal(t, 1, loop.MaxInFlight())
}

func TestLoopMaxInFlight(t *testing.T) {
	l := &api.Loop{Mode: api.LoopParallel, Spec: api.LoopSpec{MaxInFlight: 3}}
	assert.Equal(t, 3, l.MaxInFlight())

	l = &api.Loop{Mode: api.LoopParallel}
	assert.Equal(t, api.DefaultLoopMaxInFlight, l.MaxInFlight())

	l = &api.Loop{Mode: api.LoopSequential, Spec: api.LoopSpec{MaxInFlight: 9}}
	assert.Equal(t, 1, l.MaxInFlight())
}

func TestNormalizePolicyToPipeline(t *testing.T) {
	p := basicPlaybook()
	p.Workflow[0].Tool.Spec = &api.ToolSpecExtra{
		Policy: &api.Policy{Rules: []*api.EvalClause{
			{Expr: "{{ outcome.error.retryable }}", Do: api.ActionRetry},
		}},
	}
	assert.NoError(t, p.Normalize())

	s := p.Workflow[0]
	assert.Nil(t, s.Tool)
	assert.Len(t, s.Pipeline, 1)
	assert.Equal(t, "first", s.Pipeline[0].Name)
	assert.Equal(t, api.ToolHTTP, s.Pipeline[0].Tool.Kind)
	assert.Len(t, s.Pipeline[0].Eval, 1)
}

func TestNormalizeWorkbookReference(t *testing.T) {
	p := basicPlaybook()
	p.Workbook = []*api.Task{{
		Name: "fetch_users",
		Tool: &api.ToolSpec{
			Kind:   api.ToolHTTP,
			Config: api.Config{"url": "http://example.com"},
		},
	}}
	p.Workflow[0].Tool = &api.ToolSpec{
		Kind:   api.ToolWorkbook,
		Config: api.Config{"name": "fetch_users"},
	}
	assert.NoError(t, p.Normalize())
	assert.Equal(t, api.ToolHTTP, p.Workflow[0].Tool.Kind)
}

func TestNormalizeWorkbookMissing(t *testing.T) {
	p := basicPlaybook()
	p.Workflow[0].Tool = &api.ToolSpec{
		Kind:   api.ToolWorkbook,
		Config: api.Config{"name": "missing"},
	}
	assert.ErrorIs(t, p.Normalize(), api.ErrUnknownWorkbookTask)
}

func TestPipelineJumpValidation(t *testing.T) {
	p := basicPlaybook()
	p.Workflow[0].Tool = nil
	p.Workflow[0].Pipeline = []*api.Task{
		{
			Name: "fetch",
			Tool: &api.ToolSpec{Kind: api.ToolHTTP},
			Eval: []*api.EvalClause{
				{Expr: "{{ outcome.status }}", Do: api.ActionJump, To: "store"},
			},
		},
		{Name: "store", Tool: &api.ToolSpec{Kind: api.ToolPostgres}},
	}
	assert.NoError(t, p.Validate())

	p.Workflow[0].Pipeline[0].Eval[0].To = "missing"
	assert.ErrorIs(t, p.Validate(), api.ErrJumpTargetNotFound)
}

func TestStepHelpers(t *testing.T) {
	s := &api.Step{
		Name: "s",
		Pipeline: []*api.Task{
			{Name: "a", Tool: &api.ToolSpec{Kind: api.ToolHTTP}},
			{Name: "b", Tool: &api.ToolSpec{Kind: api.ToolPython}},
		},
	}
	assert.True(t, s.IsPipeline())
	assert.False(t, s.HasLoop())
	assert.Equal(t, []string{"a", "b"}, s.TaskNames())
	assert.Equal(t, api.NextExclusive, s.NextMode())
}
