package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/noetl/noetl/internal/eventlog"
	"github.com/noetl/noetl/pkg/api"
	logattr "github.com/noetl/noetl/pkg/log"
)

// wsClient streams one execution's events over a websocket. The stream is
// poll-backed: the event log stays the contract of record and the socket
// only saves clients the polling loop
type wsClient struct {
	server      *Server
	conn        *websocket.Conn
	executionID api.ID
	lastEventID api.ID
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	pollInterval   = 250 * time.Millisecond
	maxMessageSize = 512
	wsBufferSize   = 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  wsBufferSize,
	WriteBufferSize: wsBufferSize,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (s *Server) handleWebSocket(c *gin.Context) {
	executionID, ok := pathID(c, "executionID")
	if !ok {
		return
	}

	var since api.ID
	if raw := c.Query("since_event_id"); raw != "" {
		id, err := api.ParseID(raw)
		if err != nil {
			abortError(c, http.StatusBadRequest, ErrInvalidJSON)
			return
		}
		since = id
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.deps.Logger.Error("websocket upgrade failed",
			logattr.ExecutionID(executionID),
			logattr.Error(err),
		)
		return
	}

	client := &wsClient{
		server:      s,
		conn:        conn,
		executionID: executionID,
		lastEventID: since,
	}
	s.registerSocket(client)
	go client.run()
}

func (c *wsClient) run() {
	defer func() {
		c.server.unregisterSocket(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	closed := make(chan struct{})
	go c.readUntilClosed(closed)

	poll := time.NewTicker(pollInterval)
	defer poll.Stop()
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return

		case <-poll.C:
			done, ok := c.flushEvents()
			if !ok {
				return
			}
			if done {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(
						websocket.CloseNormalClosure, "execution finished",
					),
				)
				return
			}

		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if c.conn.WriteMessage(websocket.PingMessage, nil) != nil {
				return
			}
		}
	}
}

// flushEvents writes every event appended since the last poll. done
// reports that a terminal lifecycle event went out, after which the stream
// has nothing left to say
func (c *wsClient) flushEvents() (bool, bool) {
	events, err := c.server.deps.Log.Read(
		context.Background(), c.executionID,
		eventlog.Filter{SinceEventID: c.lastEventID},
	)
	if err != nil {
		c.server.deps.Logger.Error("websocket event read failed",
			logattr.ExecutionID(c.executionID),
			logattr.Error(err),
		)
		return false, false
	}

	done := false
	for _, ev := range events {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(ev); err != nil {
			return false, false
		}
		c.lastEventID = ev.EventID
		if ev.Name.TerminalLifecycle() {
			done = true
		}
	}
	return done, true
}

func (c *wsClient) readUntilClosed(closed chan struct{}) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			close(closed)
			return
		}
	}
}

func (c *wsClient) close() {
	_ = c.conn.Close()
}
