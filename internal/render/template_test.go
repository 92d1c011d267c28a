package render_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/internal/render"
)

func testContext() map[string]any {
	return map[string]any{
		"workload": map[string]any{
			"region": "us-east",
			"count":  3,
			"tags":   []any{"a", "b"},
		},
		"outcome": map[string]any{
			"success": false,
			"error": map[string]any{
				"kind":      "auth",
				"retryable": false,
			},
		},
		"result": map[string]any{
			"rows": []any{
				map[string]any{"id": float64(1)},
				map[string]any{"id": float64(2)},
			},
		},
	}
}

func TestRenderTypedSingleReference(t *testing.T) {
	r := render.New(16)
	ctx := testContext()

	v, err := r.Render("{{ workload.count }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	v, err = r.Render("{{ workload.tags }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, v)

	v, err = r.Render("{{ result.rows[1].id }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(2), v)

	v, err = r.Render("{{ outcome.success }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, false, v)
}

func TestRenderMixedIsString(t *testing.T) {
	r := render.New(16)
	v, err := r.Render(
		"region={{ workload.region }} n={{ workload.count }}",
		testContext(),
	)
	require.NoError(t, err)
	assert.Equal(t, "region=us-east n=3", v)
}

func TestRenderPlainString(t *testing.T) {
	r := render.New(16)
	v, err := r.Render("no templates here", testContext())
	require.NoError(t, err)
	assert.Equal(t, "no templates here", v)
}

func TestRenderUndefinedReference(t *testing.T) {
	r := render.New(16)
	_, err := r.Render("{{ workload.missing }}", testContext())
	assert.ErrorIs(t, err, render.ErrUndefinedRef)

	_, err = r.Render("{{ nope.at.all }}", testContext())
	assert.ErrorIs(t, err, render.ErrUndefinedRef)
}

func TestRenderUnclosedExpression(t *testing.T) {
	r := render.New(16)
	_, err := r.Render("{{ workload.count", testContext())
	assert.ErrorIs(t, err, render.ErrUnclosedExpr)
}

func TestRenderBoolConditions(t *testing.T) {
	r := render.New(16)
	ctx := testContext()

	for _, tc := range []struct {
		src  string
		want bool
	}{
		{"{{ outcome.error.kind == 'auth' }}", true},
		{"{{ outcome.error.kind == 'timeout' }}", false},
		{"{{ not outcome.success }}", true},
		{"{{ workload.count > 2 }}", true},
		{"{{ workload.count >= 4 }}", false},
		{"{{ outcome.success or workload.count == 3 }}", true},
		{"{{ outcome.success and workload.count == 3 }}", false},
		{"{{ not (outcome.success or outcome.error.retryable) }}", true},
		{"{{ workload.region != 'eu-west' }}", true},
	} {
		got, err := r.RenderBool(tc.src, ctx)
		require.NoError(t, err, tc.src)
		assert.Equal(t, tc.want, got, tc.src)
	}
}

func TestRenderBoolStringCoercion(t *testing.T) {
	r := render.New(16)
	ctx := map[string]any{
		"yes":   "true",
		"no":    "false",
		"empty": "",
		"word":  "anything",
	}

	for src, want := range map[string]bool{
		"{{ yes }}":   true,
		"{{ no }}":    false,
		"{{ empty }}": false,
		"{{ word }}":  true,
	} {
		got, err := r.RenderBool(src, ctx)
		require.NoError(t, err, src)
		assert.Equal(t, want, got, src)
	}
}

func TestRenderAnyRecursive(t *testing.T) {
	r := render.New(16)
	in := map[string]any{
		"url":   "https://api/{{ workload.region }}",
		"count": "{{ workload.count }}",
		"nested": []any{
			map[string]any{"tag": "{{ workload.tags[0] }}"},
			42,
		},
	}

	out, err := r.RenderAny(in, testContext())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"url":   "https://api/us-east",
		"count": 3,
		"nested": []any{
			map[string]any{"tag": "a"},
			42,
		},
	}, out)
}

func TestCompileCacheReuse(t *testing.T) {
	r := render.New(16)

	a, err := r.Compile("{{ workload.count }}")
	require.NoError(t, err)
	b, err := r.Compile("{{ workload.count }}")
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestHasTemplate(t *testing.T) {
	assert.True(t, render.HasTemplate("{{ a }}"))
	assert.True(t, render.HasTemplate("x {{ a }} y"))
	assert.False(t, render.HasTemplate("plain"))
}

func TestNormalizeLoopInput(t *testing.T) {
	assert.Equal(t, []any{}, render.NormalizeLoopInput(nil))
	assert.Equal(t, []any{}, render.NormalizeLoopInput(""))
	assert.Equal(t, []any{}, render.NormalizeLoopInput("{{ unresolved }}"))
	assert.Equal(t, []any{"one"}, render.NormalizeLoopInput("one"))
	assert.Equal(t,
		[]any{map[string]any{"k": "v"}},
		render.NormalizeLoopInput(map[string]any{"k": "v"}),
	)

	list := []any{1, 2, 3}
	assert.Equal(t, list, render.NormalizeLoopInput(list))
}
