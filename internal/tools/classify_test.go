package tools_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/internal/tools"
	"github.com/noetl/noetl/pkg/api"
)

func TestClassifyHTTP(t *testing.T) {
	for _, tc := range []struct {
		status    int
		kind      api.ErrorKind
		retryable bool
	}{
		{429, api.ErrKindRateLimit, true},
		{401, api.ErrKindAuth, false},
		{403, api.ErrKindAuth, false},
		{404, api.ErrKindNotFound, false},
		{400, api.ErrKindClient, false},
		{500, api.ErrKindServer, true},
		{503, api.ErrKindServer, true},
	} {
		oe := tools.Classify(&tools.HTTPError{StatusCode: tc.status})
		require.NotNil(t, oe)
		assert.Equal(t, tc.kind, oe.Kind, tc.status)
		assert.Equal(t, tc.retryable, oe.Retryable, tc.status)
		assert.Equal(t, tc.status, oe.HTTPStatus)
		assert.Equal(t, "http", oe.Source)
	}
}

func TestClassifyHTTPRetryAfter(t *testing.T) {
	oe := tools.Classify(&tools.HTTPError{StatusCode: 429, RetryAfter: 2.5})
	assert.Equal(t, 2.5, oe.RetryAfter)
}

func TestClassifyPG(t *testing.T) {
	for _, tc := range []struct {
		code      string
		kind      api.ErrorKind
		retryable bool
	}{
		{"40P01", api.ErrKindDBDeadlock, true},
		{"40001", api.ErrKindDBDeadlock, true},
		{"23505", api.ErrKindDBConstr, false},
		{"08006", api.ErrKindDBConn, true},
		{"57014", api.ErrKindDBTimeout, true},
	} {
		oe := tools.Classify(&pgconn.PgError{Code: tc.code, Message: "pg"})
		require.NotNil(t, oe)
		assert.Equal(t, tc.kind, oe.Kind, tc.code)
		assert.Equal(t, tc.retryable, oe.Retryable, tc.code)
		assert.Equal(t, tc.code, oe.PGCode)
	}
}

func TestClassifyPython(t *testing.T) {
	for _, tc := range []struct {
		exception string
		kind      api.ErrorKind
	}{
		{"SyntaxError", api.ErrKindParse},
		{"KeyError", api.ErrKindSchema},
		{"TimeoutError", api.ErrKindTimeout},
		{"RuntimeError", api.ErrKindUnknown},
	} {
		oe := tools.Classify(&tools.PythonError{
			ExceptionType: tc.exception, Message: "boom",
		})
		assert.Equal(t, tc.kind, oe.Kind, tc.exception)
		assert.Equal(t, tc.exception, oe.ExceptionType)
	}
}

func TestClassifyTimeout(t *testing.T) {
	oe := tools.Classify(context.DeadlineExceeded)
	assert.Equal(t, api.ErrKindTimeout, oe.Kind)
	assert.True(t, oe.Retryable)
}

func TestClassifyUnknown(t *testing.T) {
	oe := tools.Classify(errors.New("odd"))
	assert.Equal(t, api.ErrKindUnknown, oe.Kind)
	assert.False(t, oe.Retryable)
	assert.Equal(t, "odd", oe.Message)
}

func TestClassifyPassesThroughClassified(t *testing.T) {
	in := &api.OutcomeError{Kind: api.ErrKindAuth, Message: "denied"}
	assert.Same(t, in, tools.Classify(in))
}

func TestClassifyNil(t *testing.T) {
	assert.Nil(t, tools.Classify(nil))
}
