package log_test

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/noetl/noetl/pkg/api"
	"github.com/noetl/noetl/pkg/log"
)

type errStub string

func TestExecutionID(t *testing.T) {
	attr := log.ExecutionID(api.ID(123))
	assertAttrEqual(t, attr, "execution_id", "123")
}

func TestEventID(t *testing.T) {
	attr := log.EventID(api.ID(456))
	assertAttrEqual(t, attr, "event_id", "456")
}

func TestStep(t *testing.T) {
	attr := log.Step("fetch_users")
	assertAttrEqual(t, attr, "step", "fetch_users")
}

func TestStatus(t *testing.T) {
	attr := log.Status(api.StatusCompleted)
	assertAttrEqual(t, attr, "status", "COMPLETED")
}

func TestWorkerID(t *testing.T) {
	attr := log.WorkerID("worker-1")
	assertAttrEqual(t, attr, "worker_id", "worker-1")
}

func TestError(t *testing.T) {
	attr := log.Error(nil)
	assertAttrEqual(t, attr, "error", "")

	attr = log.Error(errStub("boom"))
	assertAttrEqual(t, attr, "error", "boom")
}

func TestErrorString(t *testing.T) {
	attr := log.ErrorString("badness")
	assertAttrEqual(t, attr, "error", "badness")
}

func (e errStub) Error() string { return string(e) }

func assertAttrEqual(t *testing.T, attr slog.Attr, key, value string) {
	t.Helper()
	assert.Equal(t, key, attr.Key)
	assert.Equal(t, value, attr.Value.String())
}
