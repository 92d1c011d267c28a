// Package server is the coordinator's HTTP facade: execution lifecycle,
// event intake, the worker queue endpoints, the playbook catalog, transient
// variables, health, metrics, and the live event stream
package server

import (
	"log/slog"
	"net/http"
	"sync"

	glog "github.com/gin-contrib/slog"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noetl/noetl/internal/catalog"
	"github.com/noetl/noetl/internal/config"
	"github.com/noetl/noetl/internal/engine"
	"github.com/noetl/noetl/internal/eventlog"
	"github.com/noetl/noetl/internal/queue"
	"github.com/noetl/noetl/internal/vars"
	"github.com/noetl/noetl/pkg/api"
	"github.com/noetl/noetl/pkg/util"
)

type (
	// HealthChecker probes one backing component. A nil error means ready
	HealthChecker func() error

	// Dependencies wires the server's collaborators
	Dependencies struct {
		Engine  *engine.Engine
		Log     eventlog.Store
		Queue   queue.Queue
		Catalog catalog.Catalog
		Vars    vars.Store
		Logger  *slog.Logger
		Config  *config.Config
		Health  map[string]HealthChecker
	}

	// Server carries the handler state. Websocket clients register here so
	// shutdown can close them
	Server struct {
		deps    Dependencies
		sockets util.Set[*wsClient]
		mu      sync.Mutex
	}
)

// NewServer creates the HTTP API server
func NewServer(deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Config == nil {
		deps.Config = config.NewDefaultConfig()
	}
	return &Server{
		deps:    deps,
		sockets: util.SetOf[*wsClient](),
	}
}

// Routes configures and returns the HTTP router with all API endpoints
func (s *Server) Routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(glog.SetLogger(
		glog.WithLogger(func(c *gin.Context, l *slog.Logger) *slog.Logger {
			return s.deps.Logger
		}),
	))

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/executions", s.startExecution)
	router.POST("/executions/cleanup", s.cleanupExecutions)
	router.GET("/executions/:executionID", s.getExecution)
	router.POST("/executions/:executionID/cancel", s.cancelExecution)
	router.GET(
		"/executions/:executionID/cancellation-check", s.cancellationCheck,
	)
	router.POST("/executions/:executionID/finalize", s.finalizeExecution)
	router.GET("/executions/:executionID/events/ws", s.handleWebSocket)

	router.POST("/events", s.emitEvent)

	router.POST("/queue/claim", s.claimCommand)
	router.POST("/queue/:queueID/complete", s.completeCommand)

	cat := router.Group("/catalog/playbooks")
	{
		cat.POST("", s.registerPlaybook)
		cat.GET("", s.listPlaybooks)
		cat.GET("/:catalogID", s.getPlaybook)
	}

	v := router.Group("/vars/:executionID")
	{
		v.GET("", s.listVariables)
		v.GET("/:name", s.getVariable)
		v.POST("", s.setVariable)
		v.DELETE("/:name", s.deleteVariable)
	}

	return router
}

// CloseWebSockets closes all active event-stream connections
func (s *Server) CloseWebSockets() {
	s.mu.Lock()
	conns := make([]*wsClient, 0, len(s.sockets))
	for c := range s.sockets {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

func (s *Server) registerSocket(c *wsClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sockets.Add(c)
}

func (s *Server) unregisterSocket(c *wsClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sockets.Remove(c)
}

func abortError(c *gin.Context, status int, err error) {
	c.JSON(status, api.ErrorResponse{
		Error:  err.Error(),
		Status: status,
	})
}

func pathID(c *gin.Context, name string) (api.ID, bool) {
	id, err := api.ParseID(c.Param(name))
	if err != nil || id.IsZero() {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Error:  "invalid " + name,
			Status: http.StatusBadRequest,
		})
		return 0, false
	}
	return id, true
}
