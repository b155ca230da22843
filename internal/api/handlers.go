package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/roach88/meshsync/internal/ir"
)

func (s *Server) handleDevice(c echo.Context) error {
	return c.JSON(http.StatusOK, s.node.Device())
}

func (s *Server) handlePeers(c echo.Context) error {
	return c.JSON(http.StatusOK, s.node.Presence.Peers())
}

func (s *Server) handleConnectedPeers(c echo.Context) error {
	return c.JSON(http.StatusOK, s.node.Presence.ConnectedPeers())
}

type statusRequest struct {
	Status ir.PresenceStatus `json:"status"`
}

func (s *Server) handleUpdateStatus(c echo.Context) error {
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, err.Error())
	}
	if err := s.node.Presence.UpdateStatus(c.Request().Context(), req.Status); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, s.node.Presence.LocalPresence())
}

type locationRequest struct {
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Accuracy float64 `json:"accuracy"`
}

func (s *Server) handleUpdateLocation(c echo.Context) error {
	var req locationRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, err.Error())
	}
	if err := s.node.Presence.UpdateLocation(c.Request().Context(), req.Lat, req.Lon, req.Accuracy); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, s.node.Presence.LocalPresence())
}

// queryInt reads a non-negative integer query parameter, defaulting to 0.
func queryInt(c echo.Context, name string) (int, bool) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func (s *Server) handleMessages(c echo.Context) error {
	limit, ok := queryInt(c, "limit")
	if !ok {
		return badRequest(c, "limit must be a non-negative integer")
	}
	offset, ok := queryInt(c, "offset")
	if !ok {
		return badRequest(c, "offset must be a non-negative integer")
	}
	msgs, err := s.node.Delivery.Messages(c.Request().Context(), limit, offset)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, msgs)
}

func (s *Server) handleChatMessages(c echo.Context) error {
	msgs, err := s.node.Delivery.ChatMessages(c.Request().Context(), c.QueryParam("thread"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, msgs)
}

func (s *Server) handleLocationMessages(c echo.Context) error {
	msgs, err := s.node.Delivery.LocationMessages(c.Request().Context(), c.QueryParam("peer"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, msgs)
}

func (s *Server) handleMarkerMessages(c echo.Context) error {
	msgs, err := s.node.Delivery.MarkerMessages(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, msgs)
}

func (s *Server) handleMessage(c echo.Context) error {
	msg, err := s.node.Delivery.Message(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, msg)
}

type chatRequest struct {
	Content  string `json:"content"`
	ThreadID string `json:"threadId"`
	ReplyTo  string `json:"replyTo"`
}

func (s *Server) handleSendChat(c echo.Context) error {
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, err.Error())
	}
	return s.sent(c)(s.node.Delivery.SendChat(c.Request().Context(), req.Content, req.ThreadID, req.ReplyTo))
}

type sendLocationRequest struct {
	ir.LocationPayload
	Content string `json:"content"`
}

func (s *Server) handleSendLocation(c echo.Context) error {
	var req sendLocationRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, err.Error())
	}
	return s.sent(c)(s.node.Delivery.SendLocation(c.Request().Context(), req.LocationPayload, req.Content))
}

type markerRequest struct {
	ir.MarkerPayload
	Content string `json:"content"`
}

func (s *Server) handleSendMarker(c echo.Context) error {
	var req markerRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, err.Error())
	}
	return s.sent(c)(s.node.Delivery.SendMarker(c.Request().Context(), req.MarkerPayload, req.Content))
}

type systemRequest struct {
	Subtype string `json:"subtype"`
	Content string `json:"content"`
}

func (s *Server) handleSendSystem(c echo.Context) error {
	var req systemRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, err.Error())
	}
	return s.sent(c)(s.node.Delivery.SendSystem(c.Request().Context(), req.Subtype, req.Content))
}

// sent writes the result of a send call.
func (s *Server) sent(c echo.Context) func(ir.Message, error) error {
	return func(msg ir.Message, err error) error {
		if err != nil {
			return s.fail(c, err)
		}
		return c.JSON(http.StatusCreated, msg)
	}
}

func (s *Server) handleMarkAsRead(c echo.Context) error {
	if err := s.node.Delivery.MarkAsRead(c.Request().Context(), c.Param("id")); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleConflicts(c echo.Context) error {
	conflicts, err := s.node.Reconcile.PendingConflicts(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, conflicts)
}

type resolveRequest struct {
	AcceptIncoming bool `json:"acceptIncoming"`
}

func (s *Server) handleResolveConflict(c echo.Context) error {
	var req resolveRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, err.Error())
	}
	rec, err := s.node.Reconcile.ResolveManually(c.Request().Context(), c.Param("id"), req.AcceptIncoming)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}
