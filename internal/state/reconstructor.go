package state

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/noetl/noetl/internal/eventlog"
	"github.com/noetl/noetl/internal/metrics"
	"github.com/noetl/noetl/internal/util"
	"github.com/noetl/noetl/pkg/api"
	logattr "github.com/noetl/noetl/pkg/log"
)

type (
	// PlaybookSource resolves a registered playbook, by catalog ID when one
	// was recorded and by catalog path otherwise
	PlaybookSource interface {
		Resolve(
			ctx context.Context, catalogID api.ID, path string,
		) (*api.Playbook, error)
	}

	// Reconstructor rebuilds ExecutionState from the event log, memoizing
	// both parsed playbooks and rebuilt states in bounded TTL caches
	Reconstructor struct {
		log       eventlog.Store
		playbooks PlaybookSource
		logger    *slog.Logger
		pbCache   *util.LRUCache[*api.Playbook]
		states    *util.LRUCache[*ExecutionState]
	}

	// CacheConfig bounds the reconstructor's caches. Zero fields take the
	// defaults
	CacheConfig struct {
		PlaybookSize int
		PlaybookTTL  time.Duration
		StateSize    int
		StateTTL     time.Duration
	}
)

const (
	defaultPlaybookCacheSize = 500
	defaultPlaybookCacheTTL  = 30 * time.Minute
	defaultStateCacheSize    = 1000
	defaultStateCacheTTL     = time.Hour
)

func (c CacheConfig) withDefaults() CacheConfig {
	if c.PlaybookSize <= 0 {
		c.PlaybookSize = defaultPlaybookCacheSize
	}
	if c.PlaybookTTL <= 0 {
		c.PlaybookTTL = defaultPlaybookCacheTTL
	}
	if c.StateSize <= 0 {
		c.StateSize = defaultStateCacheSize
	}
	if c.StateTTL <= 0 {
		c.StateTTL = defaultStateCacheTTL
	}
	return c
}

// NewReconstructor creates a reconstructor over the event log and the
// playbook catalog
func NewReconstructor(
	log eventlog.Store, playbooks PlaybookSource, logger *slog.Logger,
	cfg CacheConfig,
) *Reconstructor {
	cfg = cfg.withDefaults()
	return &Reconstructor{
		log:       log,
		playbooks: playbooks,
		logger:    logger,
		pbCache: util.NewLRUCacheTTL[*api.Playbook](
			cfg.PlaybookSize, cfg.PlaybookTTL,
		),
		states: util.NewLRUCacheTTL[*ExecutionState](
			cfg.StateSize, cfg.StateTTL,
		),
	}
}

// Load returns the state for an execution, rebuilding from the log on a
// cache miss. Executions with no playbook.initialized event return nil
func (r *Reconstructor) Load(
	ctx context.Context, executionID api.ID,
) (*ExecutionState, error) {
	if s, ok := r.states.Peek(executionID.String()); ok {
		return s, nil
	}
	s, err := r.Rebuild(ctx, executionID)
	if err != nil || s == nil {
		return nil, err
	}
	r.states.Put(executionID.String(), s)
	return s, nil
}

// Rebuild replays the full event log for an execution, bypassing the state
// cache. The caller decides whether to cache the result
func (r *Reconstructor) Rebuild(
	ctx context.Context, executionID api.ID,
) (*ExecutionState, error) {
	events, err := r.log.Read(ctx, executionID, eventlog.Filter{})
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}

	init := firstInitialized(events)
	if init == nil {
		r.logger.Warn("no initialization event for execution",
			logattr.ExecutionID(executionID),
		)
		return nil, nil
	}

	pb, err := r.resolvePlaybook(ctx, init)
	if err != nil {
		return nil, err
	}

	s := New(executionID, pb)
	for _, ev := range events {
		s.Apply(ev)
	}

	metrics.StateRebuilds.Inc()
	r.logger.Debug("rebuilt execution state",
		logattr.ExecutionID(executionID),
		slog.Int("events", len(events)),
		slog.Bool("completed", s.Completed),
	)
	return s, nil
}

// Playbook resolves and caches a playbook without loading execution state
func (r *Reconstructor) Playbook(
	ctx context.Context, catalogID api.ID, path string,
) (*api.Playbook, error) {
	key := catalogID.String()
	if catalogID.IsZero() {
		key = path
	}
	return r.pbCache.Get(key, func() (*api.Playbook, error) {
		return r.playbooks.Resolve(ctx, catalogID, path)
	})
}

// Cache stores a state the engine built directly, as on start_execution,
// so the next event does not force a replay
func (r *Reconstructor) Cache(s *ExecutionState) {
	if s == nil {
		return
	}
	r.states.Put(s.ExecutionID.String(), s)
}

// Invalidate drops a cached state, typically once the execution completes
func (r *Reconstructor) Invalidate(executionID api.ID) {
	r.states.Remove(executionID.String())
}

func (r *Reconstructor) resolvePlaybook(
	ctx context.Context, init *api.Event,
) (*api.Playbook, error) {
	pb, err := r.Playbook(ctx, init.CatalogID, InitPath(init))
	if err != nil {
		return nil, fmt.Errorf("resolve playbook: %w", err)
	}
	return pb, nil
}

func firstInitialized(events []*api.Event) *api.Event {
	for _, ev := range events {
		if ev.Name == api.EventPlaybookInitialized {
			return ev
		}
	}
	return nil
}
