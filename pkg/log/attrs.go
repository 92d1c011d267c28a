package log

import (
	"log/slog"

	"github.com/noetl/noetl/pkg/api"
)

func ExecutionID(id api.ID) slog.Attr {
	return slog.String("execution_id", id.String())
}

func EventID(id api.ID) slog.Attr {
	return slog.String("event_id", id.String())
}

func QueueID(id api.ID) slog.Attr {
	return slog.String("queue_id", id.String())
}

func CatalogID(id api.ID) slog.Attr {
	return slog.String("catalog_id", id.String())
}

func Step(step string) slog.Attr {
	return slog.String("step", step)
}

func Task(name string) slog.Attr {
	return slog.String("task", name)
}

func EventName(name api.EventName) slog.Attr {
	return slog.String("event", string(name))
}

func Status[T ~string](status T) slog.Attr {
	return slog.String("status", string(status))
}

func WorkerID(id string) slog.Attr {
	return slog.String("worker_id", id)
}

func Error(err error) slog.Attr {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return slog.String("error", msg)
}

func ErrorString(msg string) slog.Attr {
	return slog.String("error", msg)
}
