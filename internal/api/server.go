// Package api exposes a running node to the application layer over HTTP:
// JSON endpoints for peers, messages, presence and conflicts, and a
// websocket feed of every emitted event.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/roach88/meshsync/internal/delivery"
	"github.com/roach88/meshsync/internal/node"
	"github.com/roach88/meshsync/internal/presence"
	"github.com/roach88/meshsync/internal/reconcile"
)

// Server serves the API of one node.
type Server struct {
	node   *node.Node
	echo   *echo.Echo
	logger *slog.Logger
}

// New creates a server for n with every route registered.
func New(n *node.Node, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{node: n, echo: e, logger: logger}
	s.RegisterRoutes(e)
	return s
}

// RegisterRoutes registers every route on e.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/device", s.handleDevice)

	e.GET("/peers", s.handlePeers)
	e.GET("/peers/connected", s.handleConnectedPeers)
	e.PUT("/presence/status", s.handleUpdateStatus)
	e.PUT("/presence/location", s.handleUpdateLocation)

	e.GET("/messages", s.handleMessages)
	e.GET("/messages/chat", s.handleChatMessages)
	e.GET("/messages/location", s.handleLocationMessages)
	e.GET("/messages/markers", s.handleMarkerMessages)
	e.GET("/messages/:id", s.handleMessage)
	e.POST("/messages/chat", s.handleSendChat)
	e.POST("/messages/location", s.handleSendLocation)
	e.POST("/messages/marker", s.handleSendMarker)
	e.POST("/messages/system", s.handleSendSystem)
	e.POST("/messages/:id/read", s.handleMarkAsRead)

	e.GET("/conflicts", s.handleConflicts)
	e.POST("/conflicts/:id/resolve", s.handleResolveConflict)

	e.GET("/events", s.handleEvents)
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr and serves until Shutdown. It returns nil after a
// clean shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info("api listening", "addr", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// fail maps engine errors to HTTP statuses.
func (s *Server) fail(c echo.Context, err error) error {
	status, code := http.StatusInternalServerError, ""

	var de *delivery.Error
	var pe *presence.Error
	var re *reconcile.Error
	switch {
	case errors.As(err, &de):
		code = string(de.Code)
		switch de.Code {
		case delivery.ErrCodeInvalidMessage:
			status = http.StatusBadRequest
		case delivery.ErrCodeNotFound:
			status = http.StatusNotFound
		case delivery.ErrCodeDuplicate:
			status = http.StatusConflict
		case delivery.ErrCodeNotReady:
			status = http.StatusServiceUnavailable
		}
	case errors.As(err, &pe):
		code = string(pe.Code)
		switch pe.Code {
		case presence.ErrCodeInvalidStatus:
			status = http.StatusBadRequest
		case presence.ErrCodeNotReady:
			status = http.StatusServiceUnavailable
		}
	case errors.As(err, &re):
		code = string(re.Code)
		switch re.Code {
		case reconcile.ErrCodeConflictNotFound:
			status = http.StatusNotFound
		case reconcile.ErrCodeUnsupportedPayload:
			status = http.StatusBadRequest
		case reconcile.ErrCodeNotReady:
			status = http.StatusServiceUnavailable
		}
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("api request failed",
			"method", c.Request().Method,
			"path", c.Path(),
			"error", err)
	}
	return c.JSON(status, errorResponse{Error: err.Error(), Code: code})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, errorResponse{Error: msg})
}
