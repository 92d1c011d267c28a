// Package catalog stores registered playbooks. Executions reference a
// playbook by catalog ID; registering the same path again creates a new
// version and leaves running executions on the version they started with
package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/noetl/noetl/pkg/api"
	"github.com/noetl/noetl/pkg/playbook"
)

type (
	// Entry is one registered playbook version
	Entry struct {
		Playbook  *api.Playbook `json:"-"`
		Path      string        `json:"path"`
		Name      string        `json:"name"`
		Content   string        `json:"-"`
		CatalogID api.ID        `json:"catalog_id"`
		Version   int           `json:"version"`
		CreatedAt time.Time     `json:"created_at"`
	}

	// Catalog is the playbook registry contract. Resolve satisfies the
	// state reconstructor's playbook source
	Catalog interface {
		Register(ctx context.Context, content []byte) (*Entry, error)
		Resolve(
			ctx context.Context, catalogID api.ID, path string,
		) (*api.Playbook, error)
		Lookup(ctx context.Context, catalogID api.ID) (*Entry, error)
		ByPath(ctx context.Context, path string) (*Entry, error)
		List(ctx context.Context) ([]*Entry, error)
	}
)

var (
	ErrNotFound     = errors.New("playbook not found in catalog")
	ErrContentEmpty = errors.New("playbook content empty")
)

// parseEntry validates content and builds the unversioned entry skeleton
func parseEntry(content []byte) (*Entry, error) {
	if len(content) == 0 {
		return nil, ErrContentEmpty
	}
	pb, err := playbook.Parse(content)
	if err != nil {
		return nil, err
	}

	path := pb.Metadata.Path
	if path == "" {
		path = pb.Metadata.Name
	}
	return &Entry{
		Playbook: pb,
		Path:     path,
		Name:     pb.Metadata.Name,
		Content:  string(content),
	}, nil
}
