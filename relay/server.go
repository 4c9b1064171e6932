package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/flowmesh/diaflow/common/logger"
	"github.com/flowmesh/diaflow/engine/diagram"
	"github.com/flowmesh/diaflow/engine/eventbus"
	"github.com/flowmesh/diaflow/engine/execution"
	"github.com/flowmesh/diaflow/engine/state"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// Server is the relay's HTTP surface: health, execution listing, an
// SSE stream per execution and the WebSocket endpoint.
type Server struct {
	echo  *echo.Echo
	store *state.Store
	bus   *eventbus.Bus
	hub   *Hub
	log   *logger.Logger
	name  string
}

// NewServer wires the routes. The hub must be running.
func NewServer(name string, store *state.Store, bus *eventbus.Bus, hub *Hub, log *logger.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())

	s := &Server{echo: e, store: store, bus: bus, hub: hub, log: log, name: name}

	e.GET("/health", s.health)
	e.GET("/executions", s.listExecutions)
	e.GET("/executions/:id", s.getExecution)
	e.GET("/executions/:id/events", s.streamEvents)
	e.GET("/ws", s.handleWebSocket)
	return s
}

// Handler exposes the routing tree, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start(port int) error {
	s.log.Info("relay server starting", "service", s.name, "port", port)
	if err := s.echo.Start(fmt.Sprintf(":%d", port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"service": s.name,
	})
}

// executionSummary is the listing row; full state hangs off the detail
// route.
type executionSummary struct {
	ID        execution.ID      `json:"id"`
	DiagramID diagram.DiagramID `json:"diagram_id"`
	Status    execution.Status  `json:"status"`
	StartedAt time.Time         `json:"started_at"`
	EndedAt   *time.Time        `json:"ended_at,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// GET /executions?status=RUNNING&diagram_id=d1&limit=20
func (s *Server) listExecutions(c echo.Context) error {
	f := state.Filter{
		DiagramID: diagram.DiagramID(c.QueryParam("diagram_id")),
		Status:    execution.Status(strings.ToUpper(c.QueryParam("status"))),
	}
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		f.Limit = limit
	}

	states, err := s.store.ListExecutions(c.Request().Context(), f)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	summaries := make([]executionSummary, 0, len(states))
	for _, st := range states {
		summaries = append(summaries, executionSummary{
			ID:        st.ID,
			DiagramID: st.DiagramID,
			Status:    st.Status,
			StartedAt: st.StartedAt,
			EndedAt:   st.EndedAt,
			Error:     st.Error,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"executions": summaries,
		"count":      len(summaries),
	})
}

// GET /executions/:id
func (s *Server) getExecution(c echo.Context) error {
	id := execution.ID(c.Param("id"))
	st, err := s.store.GetState(c.Request().Context(), id)
	if errors.Is(err, execution.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("execution %s not found", id))
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, st)
}

// GET /executions/:id/events streams the execution's events as SSE
// until the client disconnects or the execution reaches a terminal
// status.
func (s *Server) streamEvents(c echo.Context) error {
	id := execution.ID(c.Param("id"))

	sub := s.bus.Subscribe(id, 0)
	defer sub.Close()

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set(echo.HeaderConnection, "keep-alive")
	resp.WriteHeader(http.StatusOK)
	resp.Flush()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.log.Warn("encode event for SSE", "error", err, "type", ev.Type)
				continue
			}
			if _, err := fmt.Fprintf(resp, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return nil
			}
			resp.Flush()
			if ev.Type == eventbus.ExecutionCompleted {
				return nil
			}
		}
	}
}

// GET /ws?execution_id=<id> upgrades and attaches the client to the
// hub.
func (s *Server) handleWebSocket(c echo.Context) error {
	execID := execution.ID(c.QueryParam("execution_id"))
	if execID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "execution_id query parameter required")
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return nil
	}

	client := newClient(s.hub, conn, execID)
	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		conn.Close()
		return nil
	}

	go client.writePump()
	go client.readPump()
	return nil
}
