package tools

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/jackc/pgx/v5/pgconn"
	"gocloud.dev/gcerrors"

	"github.com/noetl/noetl/pkg/api"
)

type (
	// HTTPError is a non-2xx response from the http tool
	HTTPError struct {
		Body       any
		RetryAfter float64
		StatusCode int
	}

	// PythonError is a failure reported by the python tool's harness
	PythonError struct {
		ExceptionType string
		Message       string
	}

	// StorageError is a failure from blob or filesystem access
	StorageError struct {
		Err   error
		Code  gcerrors.ErrorCode
		Quota bool
	}
)

func (e *HTTPError) Error() string {
	return http.StatusText(e.StatusCode)
}

func (e *PythonError) Error() string {
	return e.ExceptionType + ": " + e.Message
}

func (e *StorageError) Error() string {
	return e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Classify maps a tool failure into the closed error taxonomy. The
// retryable flag must survive into outcome.error so eval conditions like
// outcome.error.retryable are stable
func Classify(err error) *api.OutcomeError {
	if err == nil {
		return nil
	}

	// already classified errors pass through untouched
	var oe *api.OutcomeError
	if errors.As(err, &oe) {
		return oe
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return classifyHTTP(httpErr)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifyPG(pgErr)
	}
	var pyErr *PythonError
	if errors.As(err, &pyErr) {
		return classifyPython(pyErr)
	}
	var stErr *StorageError
	if errors.As(err, &stErr) {
		return classifyStorage(stErr)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &api.OutcomeError{
			Kind:      api.ErrKindTimeout,
			Message:   err.Error(),
			Retryable: true,
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		kind := api.ErrKindConnection
		if netErr.Timeout() {
			kind = api.ErrKindTimeout
		}
		return &api.OutcomeError{
			Kind:      kind,
			Message:   err.Error(),
			Retryable: true,
		}
	}

	return &api.OutcomeError{
		Kind:    api.ErrKindUnknown,
		Message: err.Error(),
	}
}

func classifyHTTP(e *HTTPError) *api.OutcomeError {
	oe := &api.OutcomeError{
		Source:     "http",
		HTTPStatus: e.StatusCode,
		RetryAfter: e.RetryAfter,
		Message:    http.StatusText(e.StatusCode),
	}
	switch {
	case e.StatusCode == http.StatusTooManyRequests:
		oe.Kind = api.ErrKindRateLimit
		oe.Retryable = true
	case e.StatusCode == http.StatusUnauthorized ||
		e.StatusCode == http.StatusForbidden:
		oe.Kind = api.ErrKindAuth
	case e.StatusCode == http.StatusNotFound:
		oe.Kind = api.ErrKindNotFound
	case e.StatusCode >= 500:
		oe.Kind = api.ErrKindServer
		oe.Retryable = true
	default:
		oe.Kind = api.ErrKindClient
	}
	return oe
}

func classifyPG(e *pgconn.PgError) *api.OutcomeError {
	oe := &api.OutcomeError{
		Source:  "postgres",
		PGCode:  e.Code,
		Code:    e.Code,
		Message: e.Message,
	}
	switch {
	case e.Code == "40P01" || e.Code == "40001":
		oe.Kind = api.ErrKindDBDeadlock
		oe.Retryable = true
	case len(e.Code) >= 2 && e.Code[:2] == "23":
		oe.Kind = api.ErrKindDBConstr
	case len(e.Code) >= 2 && e.Code[:2] == "08":
		oe.Kind = api.ErrKindDBConn
		oe.Retryable = true
	case e.Code == "57014":
		oe.Kind = api.ErrKindDBTimeout
		oe.Retryable = true
	default:
		oe.Kind = api.ErrKindUnknown
	}
	return oe
}

func classifyPython(e *PythonError) *api.OutcomeError {
	oe := &api.OutcomeError{
		Source:        "python",
		ExceptionType: e.ExceptionType,
		Message:       e.Message,
	}
	switch e.ExceptionType {
	case "SyntaxError", "IndentationError":
		oe.Kind = api.ErrKindParse
	case "KeyError", "AttributeError", "TypeError", "ValidationError":
		oe.Kind = api.ErrKindSchema
	case "TimeoutError":
		oe.Kind = api.ErrKindTimeout
		oe.Retryable = true
	default:
		oe.Kind = api.ErrKindUnknown
	}
	return oe
}

func classifyStorage(e *StorageError) *api.OutcomeError {
	oe := &api.OutcomeError{
		Source:  "storage",
		Message: e.Err.Error(),
	}
	switch {
	case e.Quota || e.Code == gcerrors.ResourceExhausted:
		oe.Kind = api.ErrKindQuota
	case e.Code == gcerrors.PermissionDenied:
		oe.Kind = api.ErrKindStorage
	case e.Code == gcerrors.DeadlineExceeded:
		oe.Kind = api.ErrKindTimeout
		oe.Retryable = true
	default:
		oe.Kind = api.ErrKindConnection
		oe.Retryable = true
	}
	return oe
}
