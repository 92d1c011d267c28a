package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/noetl/noetl/internal/bus"
	"github.com/noetl/noetl/internal/catalog"
	"github.com/noetl/noetl/internal/config"
	"github.com/noetl/noetl/internal/engine"
	"github.com/noetl/noetl/internal/eventlog"
	"github.com/noetl/noetl/internal/loopkv"
	"github.com/noetl/noetl/internal/queue"
	"github.com/noetl/noetl/internal/render"
	"github.com/noetl/noetl/internal/results"
	"github.com/noetl/noetl/internal/server"
	"github.com/noetl/noetl/internal/state"
	"github.com/noetl/noetl/internal/taskseq"
	"github.com/noetl/noetl/internal/vars"
	"github.com/noetl/noetl/internal/worker"
	"github.com/noetl/noetl/pkg/api"
	"github.com/noetl/noetl/pkg/log"
)

// coordinator owns the server process: the backing stores, the engine, and
// the HTTP facade. In standalone mode everything runs in-process over
// memory backends, including a single worker
type coordinator struct {
	cfg        *config.Config
	logger     *slog.Logger
	standalone bool

	pool *pgxpool.Pool
	rdb  *redis.Client

	log     eventlog.Store
	queue   queue.Queue
	bus     bus.Bus
	loops   loopkv.KV
	catalog catalog.Catalog
	vars    vars.Store
	results *results.Store
	health  map[string]server.HealthChecker

	engine     *engine.Engine
	apiServer  *server.Server
	httpServer *http.Server
}

const healthProbeTimeout = 2 * time.Second

func serverCmd() *cobra.Command {
	var standalone bool

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the coordinator",
		Long: "Run the coordinator: the event log, the command queue, " +
			"the notification bus, and the HTTP API. With --standalone " +
			"all backends are in-memory and one worker runs in-process.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			c := &coordinator{
				cfg:        cfg,
				logger:     setupLogging(cfg),
				standalone: standalone,
			}
			return c.run(cmd.Context())
		},
	}

	cmd.Flags().BoolVar(&standalone, "standalone", false,
		"run with in-memory backends and an in-process worker")
	return cmd
}

func (c *coordinator) run(ctx context.Context) error {
	if err := c.initStores(ctx); err != nil {
		return err
	}

	renderer := render.New(c.cfg.TemplateCacheSize)
	states := state.NewReconstructor(
		c.log, c.catalog, c.logger, state.CacheConfig{
			PlaybookSize: c.cfg.PlaybookCacheSize,
			PlaybookTTL:  c.cfg.PlaybookCacheTTL,
			StateSize:    c.cfg.StateCacheSize,
			StateTTL:     c.cfg.StateCacheTTL,
		},
	)
	c.engine = engine.New(engine.Dependencies{
		Log:      c.log,
		Queue:    c.queue,
		Bus:      c.bus,
		Loops:    c.loops,
		States:   states,
		Catalog:  c.catalog,
		Vars:     c.vars,
		Results:  c.results,
		Renderer: renderer,
		Logger:   c.logger,
		Config:   c.cfg,
	})

	go c.engine.Run(ctx)
	go c.sweepLeases(ctx)

	if c.standalone {
		if err := c.startLocalWorker(ctx, renderer); err != nil {
			return err
		}
	}

	c.startServer()

	<-ctx.Done()
	c.shutdown()
	return nil
}

func (c *coordinator) initStores(ctx context.Context) error {
	if c.standalone {
		c.log = eventlog.NewMemory()
		c.queue = queue.NewMemory(c.cfg.CommandLease)
		c.bus = bus.NewMemory()
		c.loops = loopkv.NewMemory()
		c.catalog = catalog.NewMemory()
		c.vars = vars.NewMemory()
		c.health = map[string]server.HealthChecker{
			"engine": func() error { return nil },
		}
		return nil
	}

	pool, err := pgxpool.New(ctx, c.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	c.pool = pool
	c.log = eventlog.NewPostgres(pool)
	c.queue = queue.NewPostgres(pool, c.cfg.CommandLease)
	c.catalog = catalog.NewPostgres(pool)
	c.vars = vars.NewPostgres(pool)

	c.rdb = redis.NewClient(&redis.Options{
		Addr:     c.cfg.RedisAddr,
		Password: c.cfg.RedisPassword,
		DB:       c.cfg.RedisDB,
	})
	c.loops = loopkv.NewRedis(c.rdb)

	js, err := bus.NewJetStream(ctx, bus.JetStreamConfig{
		URL:         c.cfg.NATSURL,
		Stream:      c.cfg.NATSStream,
		Subject:     c.cfg.NATSSubject,
		Consumer:    c.cfg.NATSConsumer,
		MaxInFlight: c.cfg.MaxInFlight,
	})
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	c.bus = js

	store, err := results.NewStore(
		ctx, c.cfg.BlobURL, "results", c.cfg.LoopResultMaxBytes,
	)
	if err != nil {
		return fmt.Errorf("open results bucket: %w", err)
	}
	c.results = store

	c.health = map[string]server.HealthChecker{
		"database": func() error {
			pctx, cancel := context.WithTimeout(
				context.Background(), healthProbeTimeout,
			)
			defer cancel()
			return c.pool.Ping(pctx)
		},
		"redis": func() error {
			pctx, cancel := context.WithTimeout(
				context.Background(), healthProbeTimeout,
			)
			defer cancel()
			return c.rdb.Ping(pctx).Err()
		},
	}
	return nil
}

// startLocalWorker wires a worker straight to the engine and queue, no HTTP
// round trip
func (c *coordinator) startLocalWorker(
	ctx context.Context, renderer *render.Renderer,
) error {
	registry := toolRegistry(c.cfg, c.engine)
	w := worker.New(worker.Dependencies{
		Coordinator: &worker.Local{Engine: c.engine, Queue: c.queue},
		Registry:    registry,
		Sequences:   taskseq.NewRunner(registry, renderer, c.logger),
		Renderer:    renderer,
		Bus:         c.bus,
		Logger:      c.logger,
		ID:          c.cfg.WorkerID,
	})
	return w.Run(ctx)
}

func (c *coordinator) startServer() {
	c.apiServer = server.NewServer(server.Dependencies{
		Engine:  c.engine,
		Log:     c.log,
		Queue:   c.queue,
		Catalog: c.catalog,
		Vars:    c.vars,
		Logger:  c.logger,
		Config:  c.cfg,
		Health:  c.health,
	})

	c.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", c.cfg.APIHost, c.cfg.APIPort),
		Handler: c.apiServer.Routes(),
	}

	go func() {
		c.logger.Info("HTTP server starting",
			slog.String("addr", c.httpServer.Addr),
		)
		err := c.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("HTTP server error", log.Error(err))
		}
	}()
}

// sweepLeases returns expired claims to the claimable pool and wakes
// workers to pick them back up
func (c *coordinator) sweepLeases(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.CommandLease / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := c.queue.RequeueExpired(ctx, now)
			if err != nil {
				c.logger.Error("lease sweep failed", log.Error(err))
				continue
			}
			if n == 0 {
				continue
			}
			c.logger.Warn("requeued expired command claims",
				slog.Int("count", n),
			)
			// zero queue IDs make workers claim the oldest claimable
			for i := 0; i < n; i++ {
				_ = c.bus.Publish(ctx, &api.Notification{})
			}
		}
	}
}

func (c *coordinator) shutdown() {
	c.logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(
		context.Background(), c.cfg.ShutdownTimeout,
	)
	defer cancel()

	if err := c.httpServer.Shutdown(ctx); err != nil {
		c.logger.Error("HTTP shutdown failed", log.Error(err))
	}
	c.apiServer.CloseWebSockets()
	c.engine.Stop()

	if c.bus != nil {
		_ = c.bus.Close()
	}
	if c.pool != nil {
		c.pool.Close()
	}
	if c.rdb != nil {
		_ = c.rdb.Close()
	}

	c.logger.Info("server exited")
}
