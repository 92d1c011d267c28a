// Package vars is the execution-scoped transient variable store. Workers
// reach it through the coordinator's HTTP facade; the coordinator reads and
// writes it directly
package vars

import (
	"context"
	"errors"

	"github.com/noetl/noetl/pkg/api"
)

// Store is the transient variable contract. Get updates access bookkeeping
// as a side effect; Cleanup drops everything an execution wrote
type Store interface {
	Set(
		ctx context.Context, executionID api.ID, name string, value any,
		varType api.VarType, sourceStep string,
	) error
	Get(
		ctx context.Context, executionID api.ID, name string,
	) (*api.Variable, error)
	List(ctx context.Context, executionID api.ID) ([]*api.Variable, error)
	Delete(ctx context.Context, executionID api.ID, name string) error
	Cleanup(ctx context.Context, executionID api.ID) error
}

var (
	ErrNameEmpty = errors.New("variable name empty")
	ErrNotFound  = errors.New("variable not found")
)

func normalizeType(t api.VarType) api.VarType {
	if t == "" {
		return api.VarUserDefined
	}
	return t
}
